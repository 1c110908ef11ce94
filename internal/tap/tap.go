// internal/tap/tap.go
// Mirrors inbound room payloads onto NATS so other local tools can follow a conversation.
package tap

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"

	"github.com/erilali/roomchat/internal/logger"
)

const (
	DefaultPrefix  = "roomchat"
	connectTimeout = 2 * time.Second
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// Tap publishes every payload to <prefix>.<room>. Plain core NATS: whoever is subscribed
// at the time gets it, nothing is retained.
type Tap struct {
	pub    publisher
	nc     *nats.Conn
	prefix string
	logger *logger.Logger
}

// Connect dials NATS. The connection is owned by the returned Tap.
func Connect(url, prefix string, l *logger.Logger) (*Tap, error) {
	if l == nil {
		l = logger.NewLogger("tap")
	}
	nc, err := nats.Connect(url,
		nats.Name("roomchat"),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	l.Infof("Transcript tap connected to NATS at %s", nc.ConnectedUrl())
	t := newTap(nc, prefix, l)
	t.nc = nc
	return t, nil
}

func newTap(pub publisher, prefix string, l *logger.Logger) *Tap {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Tap{pub: pub, prefix: prefix, logger: l}
}

// Subject maps a room to its NATS subject. Characters with meaning in subjects are replaced.
func (t *Tap) Subject(room string) string {
	return t.prefix + "." + subjectToken(room)
}

func subjectToken(s string) string {
	token := strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', unicode.IsSpace(r), unicode.IsControl(r):
			return '_'
		default:
			return r
		}
	}, s)
	if token == "" {
		return "_"
	}
	return token
}

// Publish never blocks delivery on failure; errors are logged and returned.
func (t *Tap) Publish(room, payload string) error {
	subject := t.Subject(room)
	if err := t.pub.Publish(subject, []byte(payload)); err != nil {
		t.logger.Errorf("Failed to publish to %s: %v", subject, err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the NATS connection.
func (t *Tap) Close() error {
	if t.nc == nil {
		return nil
	}
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}
