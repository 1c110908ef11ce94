// internal/socket/socket.go
// Connection bootstrap for a chat room: dial with an acquisition timeout, optional
// credential handshake, then relay inbound frames to the caller until either side closes.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/message"
)

const (
	DefaultTimeout          = 1 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPingPeriod       = (readDeadline * 9) / 10 // Must be less than readDeadline

	readDeadline     = 60 * time.Second
	writeDeadline    = 10 * time.Second
	closeGracePeriod = 1 * time.Second
	socketPath       = "/socket"
)

var (
	ErrConnectTimeout   = errors.New("connection timed out")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrBootstrapUsed    = errors.New("bootstrap already used")
	ErrInvalidURL       = errors.New("invalid server url")
)

// State is the lifecycle position of a bootstrap and the connection it produced.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handlers receive connection events. All of them run on the connection's reader goroutine,
// except OnHandshake which runs inside Connect. Nil handlers are skipped.
type Handlers struct {
	OnHandshake func(info message.ConnectionInfo)
	OnMessage   func(payload string)
	OnClose     func(code int, reason string)
}

type Options struct {
	// Timeout bounds the time from dialing to the open state. Zero means DefaultTimeout.
	Timeout time.Duration
	// Authenticated expects a {"id","token"} handshake as the first frame.
	Authenticated bool
	// HandshakeTimeout bounds the wait for the handshake frame. Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// PingPeriod is the keepalive interval. Zero means DefaultPingPeriod, negative disables pings.
	PingPeriod time.Duration
	Header     http.Header
	Dialer     *websocket.Dialer
	Logger     *logger.Logger
	Handlers
}

// Bootstrap establishes exactly one connection. It cannot be reused after Connect.
type Bootstrap struct {
	opts  Options
	state atomic.Int32
	log   *logger.Logger
}

func New(opts Options) *Bootstrap {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.PingPeriod == 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewLogger("socket")
	}
	return &Bootstrap{opts: opts, log: l}
}

func (b *Bootstrap) State() State { return State(b.state.Load()) }

func (b *Bootstrap) setState(s State) { b.state.Store(int32(s)) }

// URL builds the socket endpoint for a request. http(s) bases are mapped to ws(s).
func URL(base string, req message.ConnectionRequest) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + socketPath
	q := url.Values{}
	q.Set("room", req.Room)
	q.Set("name", req.Name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the room and returns the live connection once it is open (and, in
// authenticated mode, once the handshake has been received).
func (b *Bootstrap) Connect(ctx context.Context, base string, req message.ConnectionRequest) (*Conn, error) {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return nil, ErrBootstrapUsed
	}
	req, err := message.NewConnectionRequest(req.Room, req.Name)
	if err != nil {
		b.setState(StateFailed)
		return nil, err
	}
	target, err := URL(base, req)
	if err != nil {
		b.setState(StateFailed)
		return nil, err
	}

	log := b.log.WithField("room", req.Room)
	log.LogEvent("info", "connecting", req.Room, target)

	dialCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	ws, resp, err := b.opts.Dialer.DialContext(dialCtx, target, b.opts.Header)
	timedOut := dialCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		b.setState(StateFailed)
		if timedOut || (isTimeout(err) && ctx.Err() == nil) {
			log.LogEvent("error", "connection timed out", req.Room, b.opts.Timeout.String())
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, b.opts.Timeout, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithError(err).LogEvent("error", "connection failed", req.Room, "")
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	log.LogEvent("info", "connection established", req.Room, "")

	c := &Conn{
		ws:       ws,
		req:      req,
		boot:     b,
		handlers: b.opts.Handlers,
		log:      log,
		done:     make(chan struct{}),
		stopPing: make(chan struct{}),
	}

	if b.opts.Authenticated {
		info, err := c.handshake(b.opts.HandshakeTimeout)
		if err != nil {
			ws.Close()
			b.setState(StateFailed)
			log.WithError(err).LogEvent("error", "handshake failed", req.Room, "")
			return nil, err
		}
		c.info = &info
		log.LogEvent("info", "handshake received", req.Room, fmt.Sprintf("id=%d", info.ID))
		if c.handlers.OnHandshake != nil {
			c.handlers.OnHandshake(info)
		}
	}

	b.setState(StateOpen)
	go c.readPump()
	if b.opts.PingPeriod > 0 {
		go c.keepalive(b.opts.PingPeriod)
	}
	return c, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Conn is an open room connection. It is owned by whoever called Connect.
type Conn struct {
	ws       *websocket.Conn
	req      message.ConnectionRequest
	info     *message.ConnectionInfo
	boot     *Bootstrap
	handlers Handlers
	log      *logger.Logger

	done      chan struct{}
	stopPing  chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func (c *Conn) Request() message.ConnectionRequest { return c.req }

// Info is the handshake credential, or nil when the connection is not authenticated.
func (c *Conn) Info() *message.ConnectionInfo { return c.info }

func (c *Conn) State() State { return c.boot.State() }

// Done is closed once the connection has ended and OnClose has returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) handshake(timeout time.Duration) (message.ConnectionInfo, error) {
	c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return message.ConnectionInfo{}, fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
		}
		return message.ConnectionInfo{}, fmt.Errorf("%w: %v", message.ErrMalformedHandshake, err)
	}
	c.ws.SetReadDeadline(time.Time{})
	return message.ParseConnectionInfo(payload)
}

// readPump delivers inbound frames in arrival order until the connection ends.
func (c *Conn) readPump() {
	code, reason := websocket.CloseAbnormalClosure, ""
	defer func() { c.finish(code, reason) }()

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else {
				reason = err.Error()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("connection ended unexpectedly")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		c.log.Debugf("message received: %s", payload)
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(string(payload))
		}
	}
}

func (c *Conn) finish(code int, reason string) {
	c.endOnce.Do(func() {
		close(c.stopPing)
		c.ws.Close()
		c.boot.setState(StateClosed)
		c.log.LogEvent("info", "connection closed", c.req.Room, fmt.Sprintf("code=%d %s", code, reason))
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(code, reason)
		}
		close(c.done)
	})
}

func (c *Conn) keepalive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

// Close starts a normal closure and waits briefly for the peer to answer before dropping
// the connection. It is safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		select {
		case <-c.done:
		case <-time.After(closeGracePeriod):
			c.ws.Close()
		}
	})
	return err
}
