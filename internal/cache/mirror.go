package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/notify"
	"github.com/quillpress/realtime/pkg/logging"
)

// Publisher receives mirrored unread state
type Publisher interface {
	PublishUnread(ctx context.Context, state UnreadState) error
}

// Mirror copies a store's unread state to a Publisher off the caller's
// goroutine. Only the newest pending state is kept; older ones are replaced.
type Mirror struct {
	pub     Publisher
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending chan UnreadState
	stop    chan struct{}
	done    chan struct{}
}

// NewMirror starts a mirror writing through pub
func NewMirror(pub Publisher, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Mirror{
		pub:     pub,
		timeout: timeout,
		now:     time.Now,
		logger:  logging.WithComponent("cache-mirror"),
		pending: make(chan UnreadState, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Attach mirrors every change of s; the returned function detaches
func (m *Mirror) Attach(s *notify.Store) func() {
	return s.OnChange(func(snap notify.Snapshot) {
		tenantID := s.TenantID()
		if tenantID == "" || snap.IsLoading {
			return
		}
		m.Offer(UnreadState{
			TenantID:    tenantID,
			UnreadCount: snap.UnreadCount,
			Total:       len(snap.Notifications),
		})
	})
}

// Offer queues state, replacing any state not yet written
func (m *Mirror) Offer(state UnreadState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = m.now().UTC()
	}
	select {
	case <-m.pending:
	default:
	}
	m.pending <- state
}

// Close writes any pending state and stops the mirror
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()
	<-m.done
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case state := <-m.pending:
			m.write(state)
		case <-m.stop:
			select {
			case state := <-m.pending:
				m.write(state)
			default:
			}
			return
		}
	}
}

func (m *Mirror) write(state UnreadState) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.pub.PublishUnread(ctx, state); err != nil {
		m.logger.Warn("Failed to mirror unread state",
			zap.String("tenant_id", state.TenantID),
			zap.Error(err))
	}
}
