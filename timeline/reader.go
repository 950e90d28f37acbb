package timeline

import (
	"context"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Home pages actorId's home timeline, newest first.
func (m *Materializer) Home(ctx context.Context, actorId uuid.UUID, maxId int64, limit int) ([]db.TimelineItem, error) {
	return m.db.ReadTimeline(ctx, domain.TimelineHome, actorId, maxId, ClampLimit(limit))
}

// Public pages the federated timeline, or only local statuses when local is set.
func (m *Materializer) Public(ctx context.Context, local bool, maxId int64, limit int) ([]db.TimelineItem, error) {
	kind := domain.TimelinePublic
	if local {
		kind = domain.TimelineLocal
	}
	return m.db.ReadTimeline(ctx, kind, uuid.Nil, maxId, ClampLimit(limit))
}

func (m *Materializer) Notifications(ctx context.Context, actorId uuid.UUID, maxId int64, limit int) ([]*domain.Notification, error) {
	return m.db.ReadNotifications(ctx, actorId, maxId, ClampLimit(limit))
}

// DismissNotification reports whether the notification belonged to actorId.
func (m *Materializer) DismissNotification(ctx context.Context, actorId uuid.UUID, id int64) (bool, error) {
	return m.db.DismissNotification(ctx, actorId, id)
}

func (m *Materializer) ClearNotifications(ctx context.Context, actorId uuid.UUID) (int64, error) {
	return m.db.ClearNotifications(ctx, actorId)
}
