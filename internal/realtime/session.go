package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/events"
	"github.com/quillpress/realtime/internal/transport"
	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

var (
	// ErrNotConnected is returned by SendMessage while no connection is up
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrIncompleteIdentity is returned when user id or tenant id is missing
	ErrIncompleteIdentity = errors.New("realtime: user id and tenant id are required")
)

// State of the session connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Options configures a Session
type Options struct {
	Endpoint   string
	Transport  transport.Transport
	Dispatcher *events.Dispatcher
	Policy     Policy
	Clock      Clock
	Channels   []ChannelSpec
}

// Status is a point-in-time view of the session
type Status struct {
	State     State    `json:"state"`
	Connected bool     `json:"connected"`
	Attempt   int      `json:"attempt"`
	Identity  Identity `json:"-"`
	LastError string   `json:"lastError,omitempty"`
}

// Session is the single owner of the realtime connection for one
// authenticated identity. It opens the transport, subscribes the channels,
// routes inbound messages to the dispatcher and retries failures per Policy.
//
// Conn methods are called with the session lock held, so a transport must
// never call back into its Handler synchronously from them.
type Session struct {
	id         string
	endpoint   string
	transport  transport.Transport
	dispatcher *events.Dispatcher
	scope      *events.Scope
	policy     Policy
	clock      Clock
	channels   []ChannelSpec
	scheduler  *Scheduler
	logger     *zap.Logger
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	state    State
	identity Identity
	gen      uint64
	conn     transport.Conn
	subs     Subscriptions
	failures int
	lastErr  error
}

// NewSession creates a disconnected session
func NewSession(opts Options) (*Session, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("realtime endpoint is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("realtime transport is required")
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = events.NewDispatcher()
	}
	if opts.Policy.Base <= 0 {
		opts.Policy.Base = DefaultPolicy.Base
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Channels == nil {
		opts.Channels = DefaultChannels()
	}

	id := uuid.NewString()
	return &Session{
		id:         id,
		endpoint:   opts.Endpoint,
		transport:  opts.Transport,
		dispatcher: opts.Dispatcher,
		scope:      opts.Dispatcher.NewScope(),
		policy:     opts.Policy,
		clock:      opts.Clock,
		channels:   opts.Channels,
		scheduler:  NewScheduler(opts.Clock),
		logger:     logging.WithSession(logging.WithComponent("realtime"), id),
		metrics:    telemetry.DefaultMetrics(),
		state:      StateDisconnected,
	}, nil
}

// ID returns the session id used in logs
func (s *Session) ID() string { return s.id }

// Dispatcher returns the dispatcher inbound messages are routed to
func (s *Session) Dispatcher() *events.Dispatcher { return s.dispatcher }

// Start binds the session to id and connects. Starting with the identity
// already in use is a no-op unless the session is disconnected; a different
// identity tears the current connection down first.
func (s *Session) Start(id Identity) error {
	if !id.Complete() {
		return ErrIncompleteIdentity
	}

	s.mu.Lock()
	if s.identity == id && s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.identity = id
	s.failures = 0
	s.lastErr = nil
	gen, changes := s.beginAttemptLocked()
	s.mu.Unlock()

	s.logger.Info("Starting realtime session",
		zap.String("user_id", id.UserID),
		zap.String("tenant_id", id.TenantID))
	s.emit(changes)
	s.open(gen)
	return nil
}

// Reconnect drops the current connection and any pending retry and connects
// again with a fresh failure count.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	if !s.identity.Complete() {
		s.mu.Unlock()
		return ErrIncompleteIdentity
	}
	s.teardownLocked()
	s.failures = 0
	gen, changes := s.beginAttemptLocked()
	s.mu.Unlock()

	s.emit(changes)
	s.open(gen)
	return nil
}

// Stop cancels the pending retry, unsubscribes every channel and closes the
// connection, in that order. Callbacks from the old connection become inert.
func (s *Session) Stop() {
	s.mu.Lock()
	s.teardownLocked()
	s.identity = Identity{}
	s.failures = 0
	changes := s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()

	s.emit(changes)
}

// Close stops the session and removes every listener added through
// AddEventListener.
func (s *Session) Close() {
	s.Stop()
	s.scope.Close()
}

// AddEventListener registers fn for category. The listener is removed by the
// returned function or by Close.
func (s *Session) AddEventListener(category events.Category, fn events.Listener) func() {
	return s.scope.AddListener(category, fn)
}

// SendMessage sends payload to destination. Byte slices and strings are sent
// as-is, anything else is JSON encoded.
func (s *Session) SendMessage(destination string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", destination, err)
	}
	return conn.Send(destination, body)
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the connection is up and subscribed
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Status returns a snapshot for diagnostics
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		Connected: s.state == StateConnected,
		Attempt:   s.failures,
		Identity:  s.identity,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

type attempt struct {
	s   *Session
	gen uint64
}

func (a *attempt) OnOpen(conn transport.Conn) { a.s.handleOpen(a.gen, conn) }
func (a *attempt) OnError(err error)          { a.s.handleFailure(a.gen, err) }
func (a *attempt) OnClose()                   { a.s.handleClosed(a.gen) }

func (s *Session) open(gen uint64) {
	conn := s.transport.Open(s.endpoint, &attempt{s: s, gen: gen})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) handleOpen(gen uint64, conn transport.Conn) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}

	s.conn = conn
	subs, err := SubscribeAll(conn, s.identity, s.channels, func(spec ChannelSpec, msg transport.Message) {
		s.route(gen, spec, msg)
	})
	if err != nil {
		s.conn = nil
		s.gen++
		changes := s.failLocked(err)
		s.mu.Unlock()

		_ = conn.Close()
		s.emit(changes)
		return
	}

	s.subs = subs
	s.failures = 0
	s.lastErr = nil
	changes := s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	s.logger.Info("Realtime connected", zap.Int("channels", len(subs)))
	s.emit(changes)
}

func (s *Session) handleFailure(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.subs = nil
	s.gen++
	changes := s.failLocked(err)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.emit(changes)
}

func (s *Session) handleClosed(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.subs = nil
	s.gen++
	changes := s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()

	s.emit(changes)
}

// failLocked records a failed attempt and either schedules the next one or
// gives up.
func (s *Session) failLocked(err error) []events.ConnectionChange {
	s.lastErr = err
	if transport.IsAuthError(err) {
		s.scheduler.Cancel()
		s.logger.Warn("Connection rejected as unauthorized; not retrying", zap.Error(err))
		return s.setStateLocked(StateDisconnected, err)
	}

	s.failures++
	delay, ok := s.policy.Next(s.failures, err)
	if !ok {
		s.logger.Warn("Giving up on realtime connection",
			zap.Int("attempts", s.failures),
			zap.Error(err))
		return s.setStateLocked(StateDisconnected, err)
	}

	gen := s.gen
	s.scheduler.Schedule(delay, func() { s.retry(gen) })
	telemetry.Inc(s.metrics.RetryScheduled, "attempt", fmt.Sprint(s.failures))
	s.logger.Info("Reconnect scheduled",
		zap.Int("attempt", s.failures),
		zap.Duration("delay", delay),
		zap.Error(err))
	return s.setStateLocked(StateReconnecting, err)
}

func (s *Session) retry(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	next, changes := s.beginAttemptLocked()
	s.mu.Unlock()

	s.emit(changes)
	s.open(next)
}

func (s *Session) beginAttemptLocked() (uint64, []events.ConnectionChange) {
	s.gen++
	return s.gen, s.setStateLocked(StateConnecting, nil)
}

func (s *Session) teardownLocked() {
	s.scheduler.Cancel()
	if err := UnsubscribeAll(s.conn, s.subs); err != nil {
		s.logger.Debug("Unsubscribe failed during teardown", zap.Error(err))
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.subs = nil
	s.gen++
}

func (s *Session) setStateLocked(to State, err error) []events.ConnectionChange {
	if s.state == to {
		return nil
	}
	change := events.ConnectionChange{
		From:    string(s.state),
		To:      string(to),
		Attempt: s.failures,
		Err:     err,
	}
	s.state = to
	telemetry.Inc(s.metrics.StateChanges, "state", string(to))
	s.logger.Debug("Connection state changed",
		zap.String("from", change.From),
		zap.String("to", change.To))
	return []events.ConnectionChange{change}
}

func (s *Session) emit(changes []events.ConnectionChange) {
	for _, c := range changes {
		s.dispatcher.Dispatch(events.CategoryConnection, c)
	}
}

func (s *Session) route(gen uint64, spec ChannelSpec, msg transport.Message) {
	s.mu.Lock()
	live := s.gen == gen && s.state == StateConnected
	s.mu.Unlock()
	if !live {
		return
	}

	payload, err := decodePayload(spec.Category, msg.Body, s.clock.Now())
	if err != nil {
		s.logger.Warn("Dropping malformed message",
			zap.String("channel", spec.Name),
			zap.String("destination", msg.Destination),
			zap.Error(err))
		telemetry.Inc(s.metrics.DecodeErrors, "category", string(spec.Category))
		return
	}
	telemetry.Inc(s.metrics.FramesReceived, "category", string(spec.Category))
	s.dispatcher.Dispatch(spec.Category, payload)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}
