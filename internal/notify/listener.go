package notify

import (
	"github.com/quillpress/realtime/internal/events"
	"github.com/quillpress/realtime/internal/models"
)

// Attach registers the store's ingestion handler for pushed notifications
func (s *Store) Attach(r events.Registrar) func() {
	return events.OnNotification(r, func(n models.Notification) {
		s.Ingest(n)
	})
}
