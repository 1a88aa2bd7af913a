package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

const (
	stompVersion   = "1.2"
	maxMessageSize = 1 << 20
	writeWait      = 10 * time.Second
)

// Options configures the WebSocket transport
type Options struct {
	// Token is sent as a bearer credential on the upgrade request. STOMP
	// CONNECT itself carries no credentials.
	Token            string
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
}

// WebSocket is a Transport speaking STOMP 1.2 over gorilla/websocket text
// messages, one frame per message.
type WebSocket struct {
	opts    Options
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewWebSocket creates the transport
func NewWebSocket(opts Options) *WebSocket {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	return &WebSocket{
		opts:    opts,
		dialer:  dialer,
		logger:  logging.WithComponent("transport"),
		metrics: telemetry.DefaultMetrics(),
	}
}

// Open starts connecting in the background and returns the handle at once
func (w *WebSocket) Open(endpoint string, h Handler) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &stompConn{
		transport: w,
		endpoint:  endpoint,
		handler:   h,
		cancel:    cancel,
		subs:      make(map[string]MessageFunc),
		logger:    w.logger.With(zap.String("endpoint", endpoint)),
	}
	go c.run(ctx, w.opts.Token)
	return c
}

type stompConn struct {
	transport *WebSocket
	endpoint  string
	handler   Handler
	cancel    context.CancelFunc
	logger    *zap.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	open   bool
	closed bool
	subs   map[string]MessageFunc

	writeMu sync.Mutex
	endOnce sync.Once
}

func (c *stompConn) run(ctx context.Context, token string) {
	ws, err := c.connect(ctx, token)
	if err != nil {
		c.finish(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		c.finish(nil)
		return
	}
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	c.logger.Debug("STOMP session established")
	c.handler.OnOpen(c)

	c.finish(c.readLoop(ws))
}

func (c *stompConn) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	ctx, span := telemetry.StartSpan(ctx, "transport.connect")
	defer span.End()
	span.SetAttributes(attribute.String("endpoint", c.endpoint))

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.transport.dialer.DialContext(ctx, c.endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	ws.SetReadLimit(maxMessageSize)

	host := "/"
	if u, err := url.Parse(c.endpoint); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, stompVersion,
		frame.Host, host,
		frame.HeartBeat, "0,0",
	)
	if err := writeFrame(ws, connect); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.transport.opts.HandshakeTimeout))
	reply, err := readFrame(ws)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("await CONNECTED: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch reply.Command {
	case frame.CONNECTED:
		return ws, nil
	case frame.ERROR:
		_ = ws.Close()
		return nil, stompError(reply)
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected %s frame during handshake", reply.Command)
	}
}

func (c *stompConn) readLoop(ws *websocket.Conn) error {
	for {
		data, err := readMessage(ws)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			telemetry.Inc(c.transport.metrics.DecodeErrors, "stage", "frame")
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.deliver(f)
		case frame.ERROR:
			return stompError(f)
		case frame.RECEIPT:
		default:
			c.logger.Debug("Ignoring frame", zap.String("command", f.Command))
		}
	}
}

func (c *stompConn) deliver(f *frame.Frame) {
	msg := Message{
		Subscription: f.Header.Get(frame.Subscription),
		Destination:  f.Header.Get(frame.Destination),
		ContentType:  f.Header.Get(frame.ContentType),
		Body:         f.Body,
	}

	c.mu.Lock()
	fn, ok := c.subs[msg.Subscription]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Message for unknown subscription",
			zap.String("subscription", msg.Subscription),
			zap.String("destination", msg.Destination))
		return
	}
	fn(msg)
}

// finish reports the single terminal outcome. A nil err or any failure after
// a local Close is reported as OnClose.
func (c *stompConn) finish(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		local := c.closed
		c.open = false
		ws := c.ws
		c.subs = make(map[string]MessageFunc)
		c.mu.Unlock()

		if ws != nil {
			_ = ws.Close()
		}
		c.cancel()

		if local || err == nil {
			c.handler.OnClose()
			return
		}
		c.logger.Debug("Connection ended", zap.Error(err))
		c.handler.OnError(err)
	})
}

func (c *stompConn) Subscribe(destination string, fn MessageFunc) (string, error) {
	if fn == nil {
		return "", errors.New("transport: nil message func")
	}
	id := "sub-" + uuid.NewString()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return "", ErrNotOpen
	}
	c.subs[id] = fn
	c.mu.Unlock()

	err := c.write(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return id, nil
}

// Unsubscribe removes a subscription. Unknown ids and closed connections are
// not errors.
func (c *stompConn) Unsubscribe(id string) error {
	c.mu.Lock()
	_, known := c.subs[id]
	delete(c.subs, id)
	open := c.open
	c.mu.Unlock()

	if !known || !open {
		return nil
	}
	if err := c.write(frame.New(frame.UNSUBSCRIBE, frame.Id, id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

func (c *stompConn) Send(destination string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	if err := c.write(f); err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

func (c *stompConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	open := c.open
	subs := c.subs
	c.subs = make(map[string]MessageFunc)
	c.mu.Unlock()

	if open && ws != nil {
		for id := range subs {
			_ = c.write(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
		}
		_ = c.write(frame.New(frame.DISCONNECT))
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	c.cancel()
	return nil
}

func (c *stompConn) write(f *frame.Frame) error {
	c.mu.Lock()
	ws := c.ws
	open := c.open
	c.mu.Unlock()
	if !open || ws == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(ws, f)
}

func writeFrame(ws *websocket.Conn, f *frame.Frame) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func readMessage(ws *websocket.Conn) ([]byte, error) {
	_, r, err := ws.NextReader()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// readFrame returns the next non-heartbeat frame
func readFrame(ws *websocket.Conn) (*frame.Frame, error) {
	for {
		data, err := readMessage(ws)
		if err != nil {
			return nil, err
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

func stompError(f *frame.Frame) error {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = string(bytes.TrimSpace(f.Body))
	}
	if isAuthMessage(msg) {
		return fmt.Errorf("server error %q: %w", msg, ErrUnauthorized)
	}
	return fmt.Errorf("server error %q", msg)
}
