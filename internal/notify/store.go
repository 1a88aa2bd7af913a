package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/blogapi"
	"github.com/quillpress/realtime/internal/models"
	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

// Remote is the tenant REST surface the store loads from and persists to
type Remote interface {
	Recent(ctx context.Context, tenantID string) ([]models.Notification, error)
	UnreadCount(ctx context.Context, tenantID string) (int, error)
	List(ctx context.Context, tenantID string, page, size int) (*blogapi.Page, error)
	Unread(ctx context.Context, tenantID string) ([]models.Notification, error)
	MarkAsRead(ctx context.Context, tenantID string, id models.ID) error
	MarkAllAsRead(ctx context.Context, tenantID string) error
	Delete(ctx context.Context, tenantID string, id models.ID) error
	DeleteAll(ctx context.Context, tenantID string) error
}

// Bridge surfaces ingested notifications outside the app. Notify must not block.
type Bridge interface {
	Notify(title, body, dedupeKey string)
}

// Snapshot is the collaborator-facing view of the store
type Snapshot struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
	IsLoading     bool                  `json:"isLoading"`
}

// Observer is called after changes with the current snapshot. Changes that
// land while a delivery is in progress are coalesced into one call.
type Observer func(Snapshot)

// Options configures a Store
type Options struct {
	Remote  Remote
	Bridge  Bridge
	Now     func() time.Time
	Timeout time.Duration
}

// Store is the single writer of notification state for the active tenant.
// Local mutations apply immediately; the matching remote call is queued and
// sent in mutation order. Remote failures are logged and never rolled back.
type Store struct {
	remote  Remote
	bridge  Bridge
	now     func() time.Time
	timeout time.Duration
	logger  *zap.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	tenantID  string
	items     []models.Notification
	unread    int
	loading   bool
	tail      chan struct{}
	observers map[uint64]Observer
	nextObs   uint64

	delivering bool
	dirty      bool
}

// NewStore creates an empty store
func NewStore(opts Options) (*Store, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("notification remote is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		remote:    opts.Remote,
		bridge:    opts.Bridge,
		now:       opts.Now,
		timeout:   opts.Timeout,
		logger:    logging.WithComponent("notification-store"),
		metrics:   telemetry.DefaultMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[uint64]Observer),
	}, nil
}

// TenantID returns the tenant the store currently holds
func (s *Store) TenantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

// Load replaces the collection with the tenant's recent notifications.
// A remote failure leaves the collection empty; it is never returned.
func (s *Store) Load(ctx context.Context, tenantID string) []models.Notification {
	s.mu.Lock()
	if s.tenantID != tenantID {
		s.unread = 0
	}
	s.tenantID = tenantID
	s.loading = true
	s.mu.Unlock()
	s.changed()

	fetched, err := s.remote.Recent(ctx, tenantID)
	if err != nil {
		s.remoteFailed("load", tenantID, "", err)
		fetched = nil
	}

	now := s.now()
	items := make([]models.Notification, 0, len(fetched))
	seen := make(map[models.ID]struct{}, len(fetched))
	for _, n := range fetched {
		if n.ID == "" {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		n.Normalize(now)
		items = append(items, n)
	}

	s.mu.Lock()
	if s.tenantID == tenantID {
		s.items = items
	}
	s.loading = false
	out := cloneAll(s.items)
	s.mu.Unlock()
	s.changed()

	s.logger.Debug("Notifications loaded",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(out)))
	return out
}

// LoadUnreadCount seeds the unread counter from the server. On failure the
// counter is set to 0.
func (s *Store) LoadUnreadCount(ctx context.Context, tenantID string) int {
	count, err := s.remote.UnreadCount(ctx, tenantID)
	if err != nil {
		s.remoteFailed("unread_count", tenantID, "", err)
		count = 0
	}
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	if s.tenantID == "" {
		s.tenantID = tenantID
	}
	if s.tenantID == tenantID {
		s.unread = count
	}
	s.mu.Unlock()
	s.changed()
	return count
}

// Reload refreshes the collection and the counter for the current tenant
func (s *Store) Reload(ctx context.Context) {
	tenantID := s.TenantID()
	if tenantID == "" {
		return
	}
	s.Load(ctx, tenantID)
	s.LoadUnreadCount(ctx, tenantID)
}

// Reset forgets the tenant and everything held for it
func (s *Store) Reset() {
	s.mu.Lock()
	s.tenantID = ""
	s.items = nil
	s.unread = 0
	s.loading = false
	s.mu.Unlock()
	s.changed()
}

// Ingest inserts a pushed notification at the head of the collection unless
// one with the same id is already held. It reports whether it was inserted.
func (s *Store) Ingest(n models.Notification) bool {
	if n.ID == "" {
		return false
	}
	n.Normalize(s.now())

	s.mu.Lock()
	if s.indexLocked(n.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.items = append([]models.Notification{n}, s.items...)
	if !n.Read {
		s.unread++
	}
	s.mu.Unlock()
	s.changed()

	s.surface(n)
	return true
}

// MarkAsRead marks one held notification read. Absent or already read ids
// are a no-op.
func (s *Store) MarkAsRead(id models.ID) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || s.items[i].Read {
		s.mu.Unlock()
		return
	}
	s.items[i].MarkRead(s.now())
	s.decrementLocked()
	tenantID := s.tenantID
	s.enqueueLocked("mark_read", tenantID, id, func(ctx context.Context) error {
		return s.remote.MarkAsRead(ctx, tenantID, id)
	})
	s.mu.Unlock()
	s.changed()
}

// MarkAllAsRead marks every held notification read and zeroes the counter
func (s *Store) MarkAllAsRead() {
	s.mu.Lock()
	now := s.now()
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].MarkRead(now)
		}
	}
	s.unread = 0
	tenantID := s.tenantID
	s.enqueueLocked("mark_all_read", tenantID, "", func(ctx context.Context) error {
		return s.remote.MarkAllAsRead(ctx, tenantID)
	})
	s.mu.Unlock()
	s.changed()
}

// Delete removes one notification, decrementing the counter if it was unread
func (s *Store) Delete(id models.ID) {
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		wasUnread := !s.items[i].Read
		s.items = append(s.items[:i:i], s.items[i+1:]...)
		if wasUnread {
			s.decrementLocked()
		}
	}
	tenantID := s.tenantID
	s.enqueueLocked("delete", tenantID, id, func(ctx context.Context) error {
		return s.remote.Delete(ctx, tenantID, id)
	})
	s.mu.Unlock()
	s.changed()
}

// DeleteAll clears the collection and zeroes the counter
func (s *Store) DeleteAll() {
	s.mu.Lock()
	s.items = nil
	s.unread = 0
	tenantID := s.tenantID
	s.enqueueLocked("delete_all", tenantID, "", func(ctx context.Context) error {
		return s.remote.DeleteAll(ctx, tenantID)
	})
	s.mu.Unlock()
	s.changed()
}

// Notifications returns a copy of the ordered collection
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.items)
}

// UnreadCount returns the counter
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// IsLoading reports whether a Load is in flight
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Snapshot returns collection, counter and loading flag read together
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers an observer; the returned function removes it
func (s *Store) OnChange(fn Observer) func() {
	s.mu.Lock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Wait blocks until every queued remote call has finished
func (s *Store) Wait() {
	s.wg.Wait()
}

// Close abandons queued remote calls and waits for them to return
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Store) indexLocked(id models.ID) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) decrementLocked() {
	if s.unread > 0 {
		s.unread--
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Notifications: cloneAll(s.items),
		UnreadCount:   s.unread,
		IsLoading:     s.loading,
	}
}

// enqueueLocked chains call behind the previously queued one so the server
// sees mutations in the order they were applied locally.
func (s *Store) enqueueLocked(op, tenantID string, id models.ID, call func(ctx context.Context) error) {
	if tenantID == "" {
		s.logger.Debug("No tenant; skipping remote call", zap.String("operation", op))
		return
	}

	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if s.ctx.Err() != nil {
			return
		}

		ctx, span := telemetry.StartSpan(s.ctx, "notify."+op)
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := call(ctx); err != nil {
			s.remoteFailed(op, tenantID, id, err)
		}
	}()
}

func (s *Store) remoteFailed(op, tenantID string, id models.ID, err error) {
	s.logger.Error("Remote notification call failed",
		zap.String("operation", op),
		zap.String("tenant_id", tenantID),
		zap.String("notification_id", id.String()),
		zap.Bool("auth", blogapi.IsAuthError(err)),
		zap.Error(err))
	telemetry.Inc(s.metrics.RemoteFailures, "operation", op)
}

// changed delivers the current snapshot to every observer. One goroutine
// delivers at a time; changes made meanwhile are coalesced into a fresh
// snapshot it sends before returning, so the last delivery is always the
// current state. Observers may call back into the store.
func (s *Store) changed() {
	s.mu.Lock()
	if s.delivering {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for {
		s.dirty = false
		if len(s.observers) == 0 {
			break
		}
		snap := s.snapshotLocked()
		observers := make([]Observer, 0, len(s.observers))
		for _, fn := range s.observers {
			observers = append(observers, fn)
		}
		s.mu.Unlock()

		for _, fn := range observers {
			s.observe(fn, snap)
		}

		s.mu.Lock()
		if !s.dirty {
			break
		}
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Store) observe(fn Observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Store observer failed", zap.Any("panic", r))
		}
	}()
	fn(snap)
}

func (s *Store) surface(n models.Notification) {
	if s.bridge == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("Desktop bridge failed", zap.Any("panic", r))
		}
	}()
	s.bridge.Notify(n.Title, n.Message, n.ID.String())
}

func cloneAll(items []models.Notification) []models.Notification {
	out := make([]models.Notification, len(items))
	for i, n := range items {
		out[i] = n.Clone()
	}
	return out
}
