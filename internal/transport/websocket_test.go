package transport

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type stompServer struct {
	srv        *httptest.Server
	rejectWith int
	connectErr string
	authHeader chan string
	conns      chan *peer
}

type peer struct {
	ws     *websocket.Conn
	frames chan *frame.Frame
}

func newStompServer(t *testing.T, configure func(*stompServer)) *stompServer {
	t.Helper()
	s := &stompServer{
		authHeader: make(chan string, 4),
		conns:      make(chan *peer, 4),
	}
	if configure != nil {
		configure(s)
	}

	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authHeader <- r.Header.Get("Authorization")
		if s.rejectWith != 0 {
			w.WriteHeader(s.rejectWith)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		connect, err := readFrame(ws)
		if err != nil || connect.Command != frame.CONNECT {
			_ = ws.Close()
			return
		}
		if s.connectErr != "" {
			_ = writeFrame(ws, frame.New(frame.ERROR, frame.Message, s.connectErr))
			_ = ws.Close()
			return
		}
		_ = writeFrame(ws, frame.New(frame.CONNECTED, frame.Version, stompVersion))

		p := &peer{ws: ws, frames: make(chan *frame.Frame, 16)}
		s.conns <- p
		for {
			f, err := readFrame(ws)
			if err != nil {
				close(p.frames)
				return
			}
			p.frames <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stompServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws"
}

type recorder struct {
	opened chan Conn
	errs   chan error
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan Conn, 1),
		errs:   make(chan error, 1),
		closed: make(chan struct{}, 1),
	}
}

func (r *recorder) OnOpen(c Conn)     { r.opened <- c }
func (r *recorder) OnError(err error) { r.errs <- err }
func (r *recorder) OnClose()          { r.closed <- struct{}{} }

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
		var zero T
		return zero
	}
}

func TestOpenSubscribeReceive(t *testing.T) {
	server := newStompServer(t, nil)
	rec := newRecorder()

	NewWebSocket(Options{Token: "tok"}).Open(server.url(), rec)

	assert.Equal(t, "Bearer tok", wait(t, server.authHeader))
	conn := wait(t, rec.opened)
	defer conn.Close()
	p := wait(t, server.conns)

	received := make(chan Message, 1)
	id, err := conn.Subscribe("/topic/posts/t1", func(m Message) { received <- m })
	require.NoError(t, err)

	sub := wait(t, p.frames)
	require.Equal(t, frame.SUBSCRIBE, sub.Command)
	assert.Equal(t, id, sub.Header.Get(frame.Id))
	assert.Equal(t, "/topic/posts/t1", sub.Header.Get(frame.Destination))

	msg := frame.New(frame.MESSAGE,
		frame.Subscription, id,
		frame.Destination, "/topic/posts/t1",
		frame.MessageId, "m1",
	)
	msg.Body = []byte(`{"id":7}`)
	require.NoError(t, writeFrame(p.ws, msg))

	got := wait(t, received)
	assert.Equal(t, "/topic/posts/t1", got.Destination)
	assert.JSONEq(t, `{"id":7}`, string(got.Body))

	require.NoError(t, conn.Send("/app/ping", []byte(`{}`)))
	send := wait(t, p.frames)
	assert.Equal(t, frame.SEND, send.Command)
	assert.Equal(t, "/app/ping", send.Header.Get(frame.Destination))
}

func TestHandshakeRejectedIsAuthError(t *testing.T) {
	server := newStompServer(t, func(s *stompServer) { s.rejectWith = http.StatusForbidden })
	rec := newRecorder()

	NewWebSocket(Options{}).Open(server.url(), rec)

	err := wait(t, rec.errs)
	assert.True(t, IsAuthError(err), "err = %v", err)
}

func TestStompErrorFrameIsAuthError(t *testing.T) {
	server := newStompServer(t, func(s *stompServer) { s.connectErr = "Access denied" })
	rec := newRecorder()

	NewWebSocket(Options{}).Open(server.url(), rec)

	err := wait(t, rec.errs)
	assert.True(t, IsAuthError(err), "err = %v", err)
}

func TestDialFailureIsRetryable(t *testing.T) {
	rec := newRecorder()

	NewWebSocket(Options{HandshakeTimeout: time.Second}).Open("ws://127.0.0.1:1/api/ws", rec)

	err := wait(t, rec.errs)
	assert.False(t, IsAuthError(err))
}

func TestRemoteDropReportsConnectionLost(t *testing.T) {
	server := newStompServer(t, nil)
	rec := newRecorder()

	NewWebSocket(Options{}).Open(server.url(), rec)
	wait(t, rec.opened)
	p := wait(t, server.conns)

	_ = p.ws.Close()

	err := wait(t, rec.errs)
	assert.True(t, errors.Is(err, ErrConnectionLost), "err = %v", err)
	assert.False(t, IsAuthError(err))
}

func TestLocalCloseReportsOnClose(t *testing.T) {
	server := newStompServer(t, nil)
	rec := newRecorder()

	NewWebSocket(Options{}).Open(server.url(), rec)
	conn := wait(t, rec.opened)
	p := wait(t, server.conns)

	_, err := conn.Subscribe("/topic/comments/t1", func(Message) {})
	require.NoError(t, err)
	wait(t, p.frames)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	wait(t, rec.closed)

	assert.ErrorIs(t, conn.Send("/app/x", nil), ErrNotOpen)
	assert.NoError(t, conn.Unsubscribe("sub-unknown"))
	assert.Empty(t, rec.errs)
}

func TestCloseBeforeOpen(t *testing.T) {
	server := newStompServer(t, nil)
	rec := newRecorder()

	conn := NewWebSocket(Options{}).Open(server.url(), rec)
	require.NoError(t, conn.Close())

	wait(t, rec.closed)
	assert.Empty(t, rec.opened)
	assert.Empty(t, rec.errs)
}

func TestMalformedFrameDropped(t *testing.T) {
	server := newStompServer(t, nil)
	rec := newRecorder()

	NewWebSocket(Options{}).Open(server.url(), rec)
	conn := wait(t, rec.opened)
	p := wait(t, server.conns)

	received := make(chan Message, 2)
	id, err := conn.Subscribe("/topic/dashboard/t1", func(m Message) { received <- m })
	require.NoError(t, err)
	wait(t, p.frames)

	require.NoError(t, p.ws.WriteMessage(websocket.TextMessage, []byte("MESSAGE\nno-colon-here\n\nx\x00")))
	require.NoError(t, p.ws.WriteMessage(websocket.TextMessage, []byte("\n")))

	good := frame.New(frame.MESSAGE, frame.Subscription, id, frame.Destination, "/topic/dashboard/t1")
	good.Body = []byte(`{"views":1}`)
	require.NoError(t, writeFrame(p.ws, good))

	got := wait(t, received)
	assert.True(t, bytes.Contains(got.Body, []byte("views")))
	assert.Empty(t, rec.errs)
}

func TestSubscribeBeforeOpen(t *testing.T) {
	server := newStompServer(t, nil)
	rec := newRecorder()

	conn := NewWebSocket(Options{}).Open(server.url(), rec)
	defer conn.Close()

	select {
	case <-rec.opened:
		t.Skip("handshake completed before Subscribe")
	default:
	}
	_, err := conn.Subscribe("/topic/posts/t1", func(Message) {})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestIsAuthMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Access denied", true},
		{"JWT expired at 2024-01-01", true},
		{"403 FORBIDDEN", true},
		{"broker unavailable", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, isAuthMessage(tt.msg))
		})
	}
}
