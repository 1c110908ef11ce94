// internal/session/session.go
// A chat session: at most one room connection at a time, the display log it feeds, and
// posting to the room over HTTP with whatever credentials the connection handed out.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erilali/roomchat/internal/api"
	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/message"
	"github.com/erilali/roomchat/internal/socket"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrMessageRequired  = errors.New("message is required")
)

type Config struct {
	ServerURL        string
	Authenticated    bool
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	Dialer           *websocket.Dialer
}

// Broadcaster posts to a room. *api.Client implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, target api.Target, text string) error
	BulletComment(ctx context.Context, target api.Target, comment message.BulletComment) error
}

// Publisher mirrors inbound payloads somewhere else. *tap.Tap implements it.
type Publisher interface {
	Publish(room, payload string) error
}

// Observer is notified after the session has updated its own state.
type Observer struct {
	OnHandshake func(info message.ConnectionInfo)
	OnMessage   func(payload string)
	OnClose     func(code int, reason string)
}

type Dependencies struct {
	Broadcaster Broadcaster
	Tap         Publisher
	Logger      *logger.Logger
	Observer    Observer
}

type Session struct {
	cfg      Config
	api      Broadcaster
	tap      Publisher
	observer Observer
	logger   *logger.Logger
	log      *message.Log

	mu   sync.Mutex
	boot *socket.Bootstrap // non-nil while connecting or connected
	conn *socket.Conn
	req  message.ConnectionRequest
	info *message.ConnectionInfo
	id   string
}

func New(cfg Config, deps Dependencies) *Session {
	l := deps.Logger
	if l == nil {
		l = logger.NewLogger("session")
	}
	return &Session{
		cfg:      cfg,
		api:      deps.Broadcaster,
		tap:      deps.Tap,
		observer: deps.Observer,
		logger:   l,
		log:      message.NewLog(),
	}
}

// Connect joins room as name. Invalid input never reaches the network.
func (s *Session) Connect(ctx context.Context, room, name string) error {
	req, verr := message.NewConnectionRequest(room, name)

	s.mu.Lock()
	if s.boot != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if verr != nil {
		s.req = message.ConnectionRequest{}
		s.mu.Unlock()
		return verr
	}

	id := uuid.NewString()
	l := s.logger.WithFields(map[string]interface{}{"session": id, "room": req.Room, "name": req.Name})
	var b *socket.Bootstrap
	b = socket.New(socket.Options{
		Timeout:          s.cfg.Timeout,
		Authenticated:    s.cfg.Authenticated,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		PingPeriod:       s.cfg.PingPeriod,
		Dialer:           s.cfg.Dialer,
		Logger:           l,
		Handlers: socket.Handlers{
			OnHandshake: s.observer.OnHandshake,
			OnMessage:   func(payload string) { s.deliver(b, payload) },
			OnClose:     func(code int, reason string) { s.closed(b, code, reason) },
		},
	})
	s.boot = b
	s.req = req
	s.id = id
	s.mu.Unlock()

	conn, err := b.Connect(ctx, s.cfg.ServerURL, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.boot == b {
			s.resetLocked()
		}
		return err
	}
	if s.boot != b {
		// Closed by the server before Connect returned; the close has already been handled.
		return nil
	}
	s.conn = conn
	s.info = conn.Info()
	l.Info("Joined room")
	return nil
}

func (s *Session) resetLocked() {
	s.boot = nil
	s.conn = nil
	s.req = message.ConnectionRequest{}
	s.info = nil
	s.id = ""
	s.log.Reset()
}

func (s *Session) deliver(b *socket.Bootstrap, payload string) {
	s.mu.Lock()
	if s.boot != b {
		s.mu.Unlock()
		return
	}
	s.log.Append(payload)
	room := s.req.Room
	s.mu.Unlock()

	if s.tap != nil {
		// Failures are logged by the tap and must not hold up delivery.
		_ = s.tap.Publish(room, payload)
	}
	if s.observer.OnMessage != nil {
		s.observer.OnMessage(payload)
	}
}

func (s *Session) closed(b *socket.Bootstrap, code int, reason string) {
	s.mu.Lock()
	if s.boot != b {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.mu.Unlock()

	if s.observer.OnClose != nil {
		s.observer.OnClose(code, reason)
	}
}

// Disconnect closes the current connection. State is cleared by the close callback.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Close()
}

func (s *Session) target() (api.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return api.Target{}, ErrNotConnected
	}
	t := api.Target{Room: s.req.Room, Name: s.req.Name}
	if s.info != nil {
		t.ID = s.info.ID
		t.Token = s.info.Token
	}
	return t, nil
}

// Send broadcasts text to the room. Whitespace-only text is rejected without a request.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrMessageRequired
	}
	t, err := s.target()
	if err != nil {
		return err
	}
	return s.api.Broadcast(ctx, t, text)
}

// SendBulletComment posts text as a bullet comment signed with the session's display name.
func (s *Session) SendBulletComment(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrMessageRequired
	}
	t, err := s.target()
	if err != nil {
		return err
	}
	return s.api.BulletComment(ctx, t, message.BulletComment{
		FromUser:    t.Name,
		Message:     text,
		CreatedTime: time.Now(),
		Recipients:  []string{},
	})
}

// Messages returns the display log in arrival order.
func (s *Session) Messages() []string {
	return s.log.Entries()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Request returns the room and name of the current connection attempt or connection.
func (s *Session) Request() (message.ConnectionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req, s.boot != nil
}

// Info returns a copy of the handshake credential, if the connection is authenticated.
func (s *Session) Info() (message.ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return message.ConnectionInfo{}, false
	}
	return *s.info, true
}

// ID is the correlation id of the current connection, empty when idle.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Done is closed when the current connection ends. It is nil when not connected.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Done()
}
