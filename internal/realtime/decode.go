package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quillpress/realtime/internal/events"
	"github.com/quillpress/realtime/internal/models"
)

var errMalformed = errors.New("malformed JSON body")

// decodePayload turns a message body into the typed payload of category
func decodePayload(category events.Category, body []byte, now time.Time) (any, error) {
	if category == events.CategoryNotification {
		var n models.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		if n.ID == "" {
			return nil, errors.New("notification without id")
		}
		n.Normalize(now)
		return n, nil
	}

	if !json.Valid(body) {
		return nil, errMalformed
	}
	raw := append(json.RawMessage(nil), body...)
	switch category {
	case events.CategoryDashboard:
		return events.DashboardUpdate(raw), nil
	case events.CategoryComments:
		return events.CommentUpdate(raw), nil
	case events.CategoryPosts:
		return events.PostUpdate(raw), nil
	default:
		return raw, nil
	}
}
