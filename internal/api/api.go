// internal/api/api.go
// HTTP side of the chat: publishing messages and bullet comments to a room through the
// backend's broadcast endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/message"
)

const (
	broadcastPath      = "/broadcast"
	bulletCommentPath  = "/bullet-comment"
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 1024
)

var (
	ErrUnknownSender = errors.New("server does not know this sender")
	ErrInvalidURL    = errors.New("invalid server url")
)

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnknownSender && e.StatusCode == http.StatusNotFound
}

// Target says who is posting and where. ID and Token come from the connection handshake
// and are left empty on unauthenticated connections.
type Target struct {
	Room  string
	Name  string
	ID    int64
	Token string
}

func (t Target) query() url.Values {
	q := url.Values{}
	if t.Room != "" {
		q.Set("room", t.Room)
	}
	if t.Name != "" {
		q.Set("name", t.Name)
	}
	if t.ID != 0 {
		q.Set("id", strconv.FormatInt(t.ID, 10))
	}
	return q
}

type Client struct {
	base   *url.URL
	http   *http.Client
	logger *logger.Logger
}

// NewClient accepts http(s) bases; ws(s) bases are mapped to their HTTP equivalents so a
// single server URL can be configured.
func NewClient(baseURL string, httpClient *http.Client, l *logger.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if l == nil {
		l = logger.NewLogger("api")
	}
	return &Client{base: u, http: httpClient, logger: l}, nil
}

// Broadcast publishes text to everyone in the target's room.
func (c *Client) Broadcast(ctx context.Context, target Target, text string) error {
	return c.post(ctx, broadcastPath, target, message.BroadcastRequest{Message: text})
}

// BulletComment publishes a bullet comment to the target's room.
func (c *Client) BulletComment(ctx context.Context, target Target, comment message.BulletComment) error {
	if comment.CreatedTime.IsZero() {
		comment.CreatedTime = time.Now()
	}
	if comment.Recipients == nil {
		comment.Recipients = []string{}
	}
	return c.post(ctx, bulletCommentPath, target, comment)
}

func (c *Client) post(ctx context.Context, path string, target Target, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = target.query().Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if target.Token != "" {
		req.Header.Set("Authorization", "Bearer "+target.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Errorf("POST %s failed: %v", path, err)
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.WithFields(map[string]interface{}{
			"room":   target.Room,
			"status": resp.StatusCode,
		}).Warnf("POST %s rejected", path)
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	c.logger.Debugf("POST %s -> %d", path, resp.StatusCode)
	return nil
}
