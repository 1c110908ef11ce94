// internal/config/config.go
// Client configuration: defaults, then an optional JSON file, then .env and the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/socket"
	"github.com/erilali/roomchat/internal/tap"
)

const DefaultFile = "roomchat.json"

type Config struct {
	// ServerURL is the ws(s) base of the chat backend, e.g. ws://localhost:8000.
	ServerURL string `json:"server_url"`
	// HTTPURL is the base for the broadcast endpoints. Empty means derived from ServerURL.
	HTTPURL            string           `json:"http_url"`
	Authenticated      bool             `json:"authenticated"`
	ConnectTimeoutMS   int              `json:"connect_timeout_ms"`
	HandshakeTimeoutMS int              `json:"handshake_timeout_ms"`
	NatsURL            string           `json:"nats_url"`
	NatsPrefix         string           `json:"nats_prefix"`
	Log                logger.LogConfig `json:"log"`
}

func Default() Config {
	return Config{
		ServerURL:          "ws://localhost:8000",
		ConnectTimeoutMS:   int(socket.DefaultTimeout / time.Millisecond),
		HandshakeTimeoutMS: int(socket.DefaultHandshakeTimeout / time.Millisecond),
		NatsPrefix:         tap.DefaultPrefix,
		Log:                logger.DefaultLogConfig(),
	}
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// BroadcastURL is HTTPURL, or ServerURL when HTTPURL is unset.
func (c Config) BroadcastURL() string {
	if c.HTTPURL != "" {
		return c.HTTPURL
	}
	return c.ServerURL
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("connect_timeout_ms must be positive, got %d", c.ConnectTimeoutMS)
	}
	if c.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("handshake_timeout_ms must be positive, got %d", c.HandshakeTimeoutMS)
	}
	return nil
}

// Load reads filePath over the defaults (a missing file is not an error), then applies
// .env and environment overrides.
func Load(filePath string) (Config, error) {
	config := Default()
	if filePath != "" {
		file, err := os.Open(filePath)
		switch {
		case err == nil:
			defer file.Close()
			if err := json.NewDecoder(file).Decode(&config); err != nil {
				return config, fmt.Errorf("decode %s: %w", filePath, err)
			}
		case !os.IsNotExist(err):
			return config, err
		}
	}

	// A missing .env is the normal case.
	_ = godotenv.Load()

	if err := applyEnv(&config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("ROOMCHAT_SERVER_URL", &c.ServerURL)
	str("ROOMCHAT_HTTP_URL", &c.HTTPURL)
	str("NATS_URL", &c.NatsURL)
	str("ROOMCHAT_NATS_PREFIX", &c.NatsPrefix)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := os.LookupEnv("ROOMCHAT_AUTH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ROOMCHAT_AUTH: %w", err)
		}
		c.Authenticated = b
	}
	for key, dst := range map[string]*int{
		"ROOMCHAT_CONNECT_TIMEOUT_MS":   &c.ConnectTimeoutMS,
		"ROOMCHAT_HANDSHAKE_TIMEOUT_MS": &c.HandshakeTimeoutMS,
	} {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}
