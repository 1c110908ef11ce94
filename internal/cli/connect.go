// internal/cli/connect.go
// Interactive session: joins a room, prints what arrives and sends what is typed.
package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erilali/roomchat/internal/api"
	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/message"
	"github.com/erilali/roomchat/internal/session"
	"github.com/erilali/roomchat/internal/tap"
)

const (
	quitCommand   = "/quit"
	bulletCommand = "/bullet"
)

func newConnectCmd(opts *options) *cobra.Command {
	var (
		room, name string
		auth       bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a room and chat interactively",
		Long: `Join a room and chat interactively.

Every line typed is broadcast to the room. Incoming messages are printed as they arrive.

Commands:
  /bullet <text>   post a bullet comment
  /quit            leave the room`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("auth") {
				opts.cfg.Authenticated = auth
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, opts, room, name, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room to join")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&auth, "auth", false, "expect an {id, token} handshake as the first message")
	return cmd
}

func runConnect(ctx context.Context, opts *options, room, name string, in io.Reader, out io.Writer) error {
	cfg := opts.cfg
	log := logger.NewLogger("cli")
	w := &lockedWriter{w: out}

	client, err := api.NewClient(cfg.BroadcastURL(), nil, logger.NewLogger("api"))
	if err != nil {
		return err
	}

	deps := session.Dependencies{
		Broadcaster: client,
		Logger:      logger.NewLogger("session"),
		Observer: session.Observer{
			OnHandshake: func(info message.ConnectionInfo) {
				claims, err := info.Claims()
				if err != nil {
					log.WithError(err).Debug("Handshake token is opaque")
					return
				}
				log.WithFields(map[string]interface{}{
					"id":   claims.ID,
					"name": claims.Name,
				}).Info("Authenticated")
			},
			OnMessage: func(payload string) {
				w.Printf("%s\n", message.Display(payload))
			},
			OnClose: func(code int, reason string) {
				if reason == "" {
					w.Printf("* disconnected (%d)\n", code)
					return
				}
				w.Printf("* disconnected (%d: %s)\n", code, reason)
			},
		},
	}
	if cfg.NatsURL != "" {
		t, err := tap.Connect(cfg.NatsURL, cfg.NatsPrefix, logger.NewLogger("tap"))
		if err != nil {
			log.WithError(err).Warn("Transcript tap unavailable, continuing without it")
		} else {
			defer t.Close()
			deps.Tap = t
		}
	}

	sess := session.New(session.Config{
		ServerURL:        cfg.ServerURL,
		Authenticated:    cfg.Authenticated,
		Timeout:          cfg.ConnectTimeout(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
	}, deps)

	if err := sess.Connect(ctx, room, name); err != nil {
		return err
	}
	done := sess.Done()
	if done == nil {
		// The server hung up before the session finished connecting.
		return nil
	}
	req, _ := sess.Request()
	w.Printf("* joined %s as %s\n", req.Room, req.Name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	leave := func() error {
		if err := sess.Disconnect(); err != nil && !errors.Is(err, session.ErrNotConnected) {
			log.WithError(err).Warn("Close handshake failed")
		}
		<-done
		return nil
	}

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return leave()
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == quitCommand {
				return leave()
			}
			if err := dispatch(ctx, sess, line); err != nil {
				w.Printf("! %v\n", err)
			}
		}
	}
}

// dispatch sends one input line. Errors are reported to the user and do not end the session.
func dispatch(ctx context.Context, sess *session.Session, line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == bulletCommand || strings.HasPrefix(trimmed, bulletCommand+" ") {
		return sess.SendBulletComment(ctx, strings.TrimPrefix(trimmed, bulletCommand))
	}
	if trimmed == "" {
		return nil
	}
	return sess.Send(ctx, line)
}
