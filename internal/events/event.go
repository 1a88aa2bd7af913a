package events

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/models"
	"github.com/quillpress/realtime/pkg/logging"
)

// Category names a stream of events. Categories are not validated; one
// nobody listens to simply has no listeners.
type Category string

const (
	CategoryNotification Category = "notification"
	CategoryDashboard    Category = "dashboard"
	CategoryComments     Category = "comments"
	CategoryPosts        Category = "posts"
	CategoryConnection   Category = "connection"
)

// Event is what a Listener receives
type Event struct {
	Category Category
	Payload  any
}

// DashboardUpdate is the raw body pushed on a tenant dashboard topic
type DashboardUpdate json.RawMessage

// CommentUpdate is the raw body pushed on a tenant comments topic
type CommentUpdate json.RawMessage

// PostUpdate is the raw body pushed on a tenant posts topic
type PostUpdate json.RawMessage

// ConnectionChange reports a realtime connection state transition
type ConnectionChange struct {
	From    string
	To      string
	Attempt int
	Err     error
}

// Listen registers a typed listener. Events whose payload is not a T are
// skipped with a warning.
func Listen[T any](r Registrar, category Category, fn func(T)) func() {
	return r.AddListener(category, func(e Event) {
		payload, ok := e.Payload.(T)
		if !ok {
			logging.WithComponent("dispatcher").Warn("Unexpected payload type",
				zap.String("category", string(e.Category)),
				zap.String("payload_type", typeName(e.Payload)))
			return
		}
		fn(payload)
	})
}

// OnNotification registers fn for pushed notifications
func OnNotification(r Registrar, fn func(models.Notification)) func() {
	return Listen(r, CategoryNotification, fn)
}

// OnConnectionChange registers fn for connection state transitions
func OnConnectionChange(r Registrar, fn func(ConnectionChange)) func() {
	return Listen(r, CategoryConnection, fn)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
