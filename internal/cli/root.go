// internal/cli/root.go
// Command tree: global flags, configuration loading and logger setup shared by every subcommand.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/erilali/roomchat/internal/config"
	"github.com/erilali/roomchat/internal/logger"
)

type options struct {
	configPath string
	serverURL  string
	httpURL    string
	natsURL    string
	logLevel   string
	timeout    time.Duration

	cfg config.Config
}

// Execute runs the roomchat command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "roomchat",
		Short: "Terminal client for room based chat servers",
		Long: `roomchat joins a chat room over a WebSocket and posts to it through the server's
HTTP broadcast endpoint.

Configuration is read from roomchat.json (or --config), then .env and the environment,
then the flags below.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", config.DefaultFile, "path to a JSON config file")
	flags.StringVar(&opts.serverURL, "server-url", "", "chat server base URL, e.g. ws://localhost:8000")
	flags.StringVar(&opts.httpURL, "http-url", "", "base URL of the broadcast endpoints (defaults to the server URL)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "connection timeout (default 1s)")
	flags.StringVar(&opts.natsURL, "nats-url", "", "mirror received messages to this NATS server")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newConnectCmd(opts), newBroadcastCmd(opts), newVersionCmd())
	return root
}

// load builds the effective configuration. Flags win over everything else, but only when set.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("server-url") {
		cfg.ServerURL = o.serverURL
	}
	if flags.Changed("http-url") {
		cfg.HTTPURL = o.httpURL
	}
	if flags.Changed("nats-url") {
		cfg.NatsURL = o.natsURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("timeout") {
		cfg.ConnectTimeoutMS = int(o.timeout / time.Millisecond)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.InitLogger(cfg.Log)
	logger.NewLogger("cli").WithFields(map[string]interface{}{
		"server_url": cfg.ServerURL,
		"http_url":   cfg.BroadcastURL(),
		"timeout_ms": cfg.ConnectTimeoutMS,
		"nats":       cfg.NatsURL != "",
	}).Debug("Configuration loaded")

	o.cfg = cfg
	return nil
}

// lockedWriter serializes output written from the socket goroutine and the input loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, v...)
}
