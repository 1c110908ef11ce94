package session_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erilali/roomchat/internal/api"
	"github.com/erilali/roomchat/internal/logger"
	"github.com/erilali/roomchat/internal/message"
	"github.com/erilali/roomchat/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type broadcastCall struct {
	Query    string
	Auth     string
	Body     map[string]interface{}
	IsBullet bool
}

// fakeBackend stands in for the chat server: one socket at a time, frames pushed by the test.
type fakeBackend struct {
	handshake string

	socketHits atomic.Int32
	push       chan string
	kick       chan struct{}

	mu    sync.Mutex
	calls []broadcastCall
}

func newFakeBackend(handshake string) *fakeBackend {
	return &fakeBackend{
		handshake: handshake,
		push:      make(chan string, 16),
		kick:      make(chan struct{}, 1),
	}
}

func (f *fakeBackend) socket(w http.ResponseWriter, r *http.Request) {
	f.socketHits.Add(1)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if f.handshake != "" {
		conn.WriteMessage(websocket.TextMessage, []byte(f.handshake))
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case msg := <-f.push:
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		case <-f.kick:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server restart"))
			<-gone
			return
		case <-gone:
			return
		}
	}
}

func (f *fakeBackend) post(bullet bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.calls = append(f.calls, broadcastCall{
			Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization"), Body: body, IsBullet: bullet,
		})
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}
}

func (f *fakeBackend) broadcasts() []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcastCall(nil), f.calls...)
}

type memTap struct {
	mu  sync.Mutex
	got []string
}

func (m *memTap) Publish(room, payload string) error {
	m.mu.Lock()
	m.got = append(m.got, room+"|"+payload)
	m.mu.Unlock()
	return nil
}

func (m *memTap) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.got...)
}

type harness struct {
	backend *fakeBackend
	session *session.Session
	tap     *memTap
	closes  chan int
	seen    chan string
}

func newHarness(t *testing.T, authenticated bool, handshake string) *harness {
	t.Helper()
	fb := newFakeBackend(handshake)
	r := chi.NewRouter()
	r.Get("/socket", fb.socket)
	r.Post("/broadcast", fb.post(false))
	r.Post("/bullet-comment", fb.post(true))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client, err := api.NewClient(srv.URL, srv.Client(), logger.Nop())
	require.NoError(t, err)

	h := &harness{
		backend: fb,
		tap:     &memTap{},
		closes:  make(chan int, 4),
		seen:    make(chan string, 64),
	}
	h.session = session.New(session.Config{
		ServerURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Authenticated: authenticated,
		Timeout:       time.Second,
		PingPeriod:    -1,
	}, session.Dependencies{
		Broadcaster: client,
		Tap:         h.tap,
		Logger:      logger.Nop(),
		Observer: session.Observer{
			OnMessage: func(p string) { h.seen <- p },
			OnClose:   func(code int, _ string) { h.closes <- code },
		},
	})
	t.Cleanup(func() { h.session.Disconnect() })
	return h
}

func (h *harness) waitMessages(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
}

func (h *harness) waitClose(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.closes:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("session did not observe the close")
		return 0
	}
}

func TestConnect_InvalidInputNeverDials(t *testing.T) {
	h := newHarness(t, false, "")

	for _, tc := range []struct{ room, name string }{{"", "alice"}, {"lobby", ""}, {"  ", " \t"}} {
		err := h.session.Connect(context.Background(), tc.room, tc.name)
		require.Error(t, err)
		req, active := h.session.Request()
		assert.False(t, active)
		assert.Equal(t, message.ConnectionRequest{}, req)
	}
	assert.Zero(t, h.backend.socketHits.Load())
	assert.False(t, h.session.Connected())
}

func TestConnect_OnlyOneConnection(t *testing.T) {
	h := newHarness(t, false, "")

	require.NoError(t, h.session.Connect(context.Background(), " lobby ", " alice "))
	assert.True(t, h.session.Connected())
	assert.NotEmpty(t, h.session.ID())
	req, active := h.session.Request()
	assert.True(t, active)
	assert.Equal(t, message.ConnectionRequest{Room: "lobby", Name: "alice"}, req)

	err := h.session.Connect(context.Background(), "other", "bob")
	assert.ErrorIs(t, err, session.ErrAlreadyConnected)
	assert.EqualValues(t, 1, h.backend.socketHits.Load())
}

func TestMessages_AppendedOnceInOrder(t *testing.T) {
	h := newHarness(t, false, "")
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))

	for _, m := range []string{"a", "b", "a", "c"} {
		h.backend.push <- m
	}
	h.waitMessages(t, 4)

	assert.Equal(t, []string{"a", "b", "a", "c"}, h.session.Messages())
	assert.Equal(t, []string{"lobby|a", "lobby|b", "lobby|a", "lobby|c"}, h.tap.published())
}

func TestSend_WhitespaceRejectedLocally(t *testing.T) {
	h := newHarness(t, false, "")
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))

	assert.ErrorIs(t, h.session.Send(context.Background(), "   \n\t"), session.ErrMessageRequired)
	assert.ErrorIs(t, h.session.SendBulletComment(context.Background(), ""), session.ErrMessageRequired)
	assert.Empty(t, h.backend.broadcasts())
}

func TestSend_NotConnected(t *testing.T) {
	h := newHarness(t, false, "")
	assert.ErrorIs(t, h.session.Send(context.Background(), "hi"), session.ErrNotConnected)
	assert.ErrorIs(t, h.session.Disconnect(), session.ErrNotConnected)
	assert.Empty(t, h.backend.broadcasts())
}

func TestSend_PlainPostsTrimmedText(t *testing.T) {
	h := newHarness(t, false, "")
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))

	require.NoError(t, h.session.Send(context.Background(), "  hello room  "))

	calls := h.backend.broadcasts()
	require.Len(t, calls, 1)
	assert.Equal(t, "name=alice&room=lobby", calls[0].Query)
	assert.Empty(t, calls[0].Auth)
	assert.Equal(t, "hello room", calls[0].Body["message"])
}

func TestAuthenticated_HandshakeAuthorizesSend(t *testing.T) {
	h := newHarness(t, true, `{"id": 4242, "token": "secret-token"}`)
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))

	info, ok := h.session.Info()
	require.True(t, ok)
	assert.Equal(t, int64(4242), info.ID)

	h.backend.push <- "first real message"
	h.waitMessages(t, 1)
	assert.Equal(t, []string{"first real message"}, h.session.Messages())

	require.NoError(t, h.session.Send(context.Background(), "hi"))
	require.NoError(t, h.session.SendBulletComment(context.Background(), "wow"))

	calls := h.backend.broadcasts()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "Bearer secret-token", c.Auth)
		assert.Contains(t, c.Query, "id=4242")
	}
	assert.True(t, calls[1].IsBullet)
	assert.Equal(t, "alice", calls[1].Body["fromUser"])
}

func TestAuthenticated_MalformedHandshakeLeavesSessionIdle(t *testing.T) {
	h := newHarness(t, true, `not a handshake`)

	err := h.session.Connect(context.Background(), "lobby", "alice")
	assert.ErrorIs(t, err, message.ErrMalformedHandshake)
	assert.False(t, h.session.Connected())
	_, active := h.session.Request()
	assert.False(t, active)
}

func TestServerClose_ResetsState(t *testing.T) {
	h := newHarness(t, true, `{"id": 1, "token": "t"}`)
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))
	h.backend.push <- "hello"
	h.waitMessages(t, 1)

	h.backend.kick <- struct{}{}
	assert.Equal(t, websocket.CloseGoingAway, h.waitClose(t))

	assert.False(t, h.session.Connected())
	assert.Empty(t, h.session.Messages())
	_, ok := h.session.Info()
	assert.False(t, ok)
	assert.Empty(t, h.session.ID())
	assert.ErrorIs(t, h.session.Send(context.Background(), "late"), session.ErrNotConnected)

	// A fresh connection is allowed once the previous one is gone.
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))
	assert.True(t, h.session.Connected())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, false, "")
	require.NoError(t, h.session.Connect(context.Background(), "lobby", "alice"))
	done := h.session.Done()
	require.NotNil(t, done)

	require.NoError(t, h.session.Disconnect())
	assert.Equal(t, websocket.CloseNormalClosure, h.waitClose(t))
	<-done
	assert.False(t, h.session.Connected())
	assert.Nil(t, h.session.Done())
}

func TestConnect_FailureAllowsRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := session.New(session.Config{ServerURL: "ws://" + addr, Timeout: 200 * time.Millisecond, PingPeriod: -1},
		session.Dependencies{Logger: logger.Nop()})

	require.Error(t, s.Connect(context.Background(), "lobby", "alice"))
	assert.False(t, s.Connected())
	_, active := s.Request()
	assert.False(t, active)

	// Not ErrAlreadyConnected: the failed attempt released the slot.
	err = s.Connect(context.Background(), "lobby", "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrAlreadyConnected)
}
