package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quillpress/realtime/internal/events"
	"github.com/quillpress/realtime/internal/transport"
)

// Identity is the (user, tenant) pair a session is bound to
type Identity struct {
	UserID   string
	TenantID string
}

// Complete reports whether both ids are known
func (id Identity) Complete() bool {
	return id.UserID != "" && id.TenantID != ""
}

// ChannelSpec binds a destination template to the event category its
// messages are dispatched under.
type ChannelSpec struct {
	Name     string
	Template string
	Category events.Category
}

// Channel names
const (
	ChannelUserNotifications = "user-notifications"
	ChannelTenantDashboard   = "tenant-dashboard"
	ChannelTenantComments    = "tenant-comments"
	ChannelTenantPosts       = "tenant-posts"
)

// DefaultChannels returns the four channels of a blog admin session
func DefaultChannels() []ChannelSpec {
	return []ChannelSpec{
		{Name: ChannelUserNotifications, Template: "/user/{userId}/queue/notifications", Category: events.CategoryNotification},
		{Name: ChannelTenantDashboard, Template: "/topic/dashboard/{tenantId}", Category: events.CategoryDashboard},
		{Name: ChannelTenantComments, Template: "/topic/comments/{tenantId}", Category: events.CategoryComments},
		{Name: ChannelTenantPosts, Template: "/topic/posts/{tenantId}", Category: events.CategoryPosts},
	}
}

// Destination resolves the template against id. It fails when the template
// needs an id that is not known.
func (c ChannelSpec) Destination(id Identity) (string, error) {
	dest := c.Template
	if strings.Contains(dest, "{userId}") {
		if id.UserID == "" {
			return "", fmt.Errorf("channel %s: user id unknown", c.Name)
		}
		dest = strings.ReplaceAll(dest, "{userId}", id.UserID)
	}
	if strings.Contains(dest, "{tenantId}") {
		if id.TenantID == "" {
			return "", fmt.Errorf("channel %s: tenant id unknown", c.Name)
		}
		dest = strings.ReplaceAll(dest, "{tenantId}", id.TenantID)
	}
	return dest, nil
}

// Subscription is one live channel subscription
type Subscription struct {
	Channel     ChannelSpec
	Destination string
	ID          string
}

// Subscriptions maps channel name to its live subscription
type Subscriptions map[string]Subscription

// RouteFunc receives every message of a subscribed channel
type RouteFunc func(spec ChannelSpec, msg transport.Message)

// SubscribeAll subscribes every spec on conn. On failure the subscriptions
// already made are released and the error is returned.
func SubscribeAll(conn transport.Conn, id Identity, specs []ChannelSpec, route RouteFunc) (Subscriptions, error) {
	subs := make(Subscriptions, len(specs))
	for _, spec := range specs {
		dest, err := spec.Destination(id)
		if err != nil {
			_ = UnsubscribeAll(conn, subs)
			return nil, err
		}
		subID, err := conn.Subscribe(dest, func(msg transport.Message) { route(spec, msg) })
		if err != nil {
			_ = UnsubscribeAll(conn, subs)
			return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
		}
		subs[spec.Name] = Subscription{Channel: spec, Destination: dest, ID: subID}
	}
	return subs, nil
}

// UnsubscribeAll releases every subscription and empties subs. It is safe on
// a nil conn, an already closed conn and an already emptied map.
func UnsubscribeAll(conn transport.Conn, subs Subscriptions) error {
	var errs []error
	for name, sub := range subs {
		delete(subs, name)
		if conn == nil {
			continue
		}
		if err := conn.Unsubscribe(sub.ID); err != nil && !errors.Is(err, transport.ErrNotOpen) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
