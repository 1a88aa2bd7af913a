package desktop

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

const (
	queueSize  = 32
	maxTracked = 256
)

// Options configures a Bridge
type Options struct {
	// RatePerMinute caps delivered notices; zero or less means unlimited.
	RatePerMinute int
	Timeout       time.Duration
}

type request struct {
	title string
	body  string
	key   string
}

// Bridge is a best-effort side channel to native desktop notifications.
// Notify never blocks: requests are queued and delivered by one worker,
// which asks the backend for permission once, on first use.
type Bridge struct {
	backend Backend
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics

	queue     chan request
	done      chan struct{}
	closeOnce sync.Once

	permOnce sync.Once
	granted  bool
	ids      map[string]uint32

	mu     sync.Mutex
	closed bool
}

// New starts a bridge delivering through backend
func New(backend Backend, opts Options) *Bridge {
	limit := rate.Inf
	burst := 1
	if opts.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RatePerMinute))
		burst = opts.RatePerMinute
	}

	b := &Bridge{
		backend: backend,
		limiter: rate.NewLimiter(limit, burst),
		timeout: opts.Timeout,
		logger:  logging.WithComponent("desktop-bridge"),
		metrics: telemetry.DefaultMetrics(),
		queue:   make(chan request, queueSize),
		done:    make(chan struct{}),
		ids:     make(map[string]uint32),
	}
	go b.run()
	return b
}

// Notify queues a notice. A later notice with the same dedupeKey replaces
// the earlier one on screen. Full queues and closed bridges drop silently.
func (b *Bridge) Notify(title, body, dedupeKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- request{title: title, body: body, key: dedupeKey}:
	default:
		telemetry.Inc(b.metrics.DesktopDropped, "reason", "queue_full")
	}
}

// Close stops accepting notices and waits for queued ones to be handled
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	<-b.done
}

func (b *Bridge) run() {
	defer close(b.done)
	for req := range b.queue {
		b.deliver(req)
	}
}

func (b *Bridge) deliver(req request) {
	b.permOnce.Do(func() {
		if err := b.backend.Available(); err != nil {
			b.logger.Debug("Desktop notifications unavailable", zap.Error(err))
			return
		}
		b.granted = true
	})
	if !b.granted {
		telemetry.Inc(b.metrics.DesktopDropped, "reason", "permission")
		return
	}
	if !b.limiter.Allow() {
		telemetry.Inc(b.metrics.DesktopDropped, "reason", "rate_limited")
		return
	}

	replaces := b.ids[req.key]
	id, err := b.backend.Notify(Notice{
		ReplacesID: replaces,
		Summary:    req.title,
		Body:       req.body,
		Timeout:    b.timeout,
	})
	if err != nil {
		b.logger.Debug("Desktop notification failed", zap.String("key", req.key), zap.Error(err))
		return
	}
	if req.key == "" {
		return
	}
	if len(b.ids) >= maxTracked {
		b.ids = make(map[string]uint32)
	}
	b.ids[req.key] = id
}
