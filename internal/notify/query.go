package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quillpress/realtime/internal/blogapi"
	"github.com/quillpress/realtime/internal/models"
)

// ErrNoTenant is returned by read-throughs before any tenant is loaded
var ErrNoTenant = errors.New("no tenant loaded")

// Filter selects a view of the collection
type Filter string

const (
	FilterAll    Filter = "all"
	FilterUnread Filter = "unread"
	FilterRead   Filter = "read"
)

// ParseFilter accepts all, unread or read; empty means all
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterUnread, FilterRead:
		return f, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Filter returns the held notifications matching f, in collection order
func (s *Store) Filter(f Filter) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(f)
}

// View is Snapshot restricted to the notifications matching f. The list,
// counter and loading flag are read together.
func (s *Store) View(f Filter) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Notifications: s.filterLocked(f),
		UnreadCount:   s.unread,
		IsLoading:     s.loading,
	}
}

func (s *Store) filterLocked(f Filter) []models.Notification {
	out := make([]models.Notification, 0, len(s.items))
	for _, n := range s.items {
		switch {
		case f == FilterUnread && n.Read:
			continue
		case f == FilterRead && !n.Read:
			continue
		}
		out = append(out, n.Clone())
	}
	return out
}

// ByGroup buckets the held notifications by presentation group
func (s *Store) ByGroup() map[models.Group][]models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.Group][]models.Notification)
	for _, n := range s.items {
		g := n.Type.Group()
		out[g] = append(out[g], n.Clone())
	}
	return out
}

// Page reads one page of the full server-side list. It does not touch the
// held collection.
func (s *Store) Page(ctx context.Context, page, size int) (*blogapi.Page, error) {
	tenantID := s.TenantID()
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	result, err := s.remote.List(ctx, tenantID, page, size)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range result.Notifications {
		result.Notifications[i].Normalize(now)
	}
	return result, nil
}

// Unread reads every unread notification from the server without touching
// the held collection.
func (s *Store) Unread(ctx context.Context) ([]models.Notification, error) {
	tenantID := s.TenantID()
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	items, err := s.remote.Unread(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range items {
		items[i].Normalize(now)
	}
	return items, nil
}
