package timeline

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

const (
	DefaultLimit = 20
	MaxLimit     = 40
)

// ClampLimit applies the default and the maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Materializer keeps timelines and notifications in step with accepted
// mutations. It only ever adds or removes derived rows; the statuses and
// edges themselves are written by the caller first.
type Materializer struct {
	db  *db.DB
	log *log.Logger
}

func New(database *db.DB, logger *log.Logger) *Materializer {
	return &Materializer{db: database, log: logger.WithPrefix("timeline")}
}

// StatusCreated fans a freshly stored status out to the timelines that can
// see it at this moment. Later follows do not backfill it.
func (m *Materializer) StatusCreated(ctx context.Context, author *domain.Actor, status *domain.Status) error {
	if author.IsLocal() {
		if err := m.insert(ctx, domain.TimelineHome, author.Id, status.Id); err != nil {
			return err
		}
	}
	if status.IsPublic() {
		if author.IsLocal() {
			if err := m.insert(ctx, domain.TimelineLocal, uuid.Nil, status.Id); err != nil {
				return err
			}
		}
		if err := m.insert(ctx, domain.TimelinePublic, uuid.Nil, status.Id); err != nil {
			return err
		}
	}

	if status.Visibility != domain.VisibilityDirect {
		followers, err := m.db.ReadLocalFollowerIds(ctx, author.Id)
		if err != nil {
			return err
		}
		for _, id := range followers {
			if err := m.insert(ctx, domain.TimelineHome, id, status.Id); err != nil {
				return err
			}
		}
	}

	replied, err := m.replyTarget(ctx, author, status)
	if err != nil {
		return err
	}
	if replied != nil {
		if err := m.notify(ctx, replied.Id, author.Id, domain.NotifyReply, status.Id); err != nil {
			return err
		}
	}

	mentioned, err := m.db.ReadActorsByURIs(ctx, status.Mentions)
	if err != nil {
		return err
	}
	for _, actor := range mentioned {
		if !actor.IsLocal() || actor.Id == author.Id {
			continue
		}
		if err := m.insert(ctx, domain.TimelineHome, actor.Id, status.Id); err != nil {
			return err
		}
		if replied != nil && replied.Id == actor.Id {
			continue
		}
		if err := m.notify(ctx, actor.Id, author.Id, domain.NotifyMention, status.Id); err != nil {
			return err
		}
	}

	if status.ReblogOfId != nil {
		return m.boostCreated(ctx, author, *status.ReblogOfId)
	}
	return nil
}

// replyTarget returns the local author of the status being replied to.
func (m *Materializer) replyTarget(ctx context.Context, author *domain.Actor, status *domain.Status) (*domain.Actor, error) {
	if status.InReplyToURI == "" {
		return nil, nil
	}
	parent, err := m.db.ReadStatusByURI(ctx, status.InReplyToURI)
	if domain.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if parent.AccountId == author.Id || parent.IsTombstoned() {
		return nil, nil
	}
	target, err := m.db.ReadActorById(ctx, parent.AccountId)
	if err != nil {
		return nil, err
	}
	if !target.IsLocal() {
		return nil, nil
	}
	return target, nil
}

func (m *Materializer) boostCreated(ctx context.Context, booster *domain.Actor, originalId uuid.UUID) error {
	original, err := m.db.ReadStatusById(ctx, originalId)
	if err != nil {
		return err
	}
	owner, err := m.localOwner(ctx, original, booster.Id)
	if err != nil || owner == nil {
		return err
	}
	return m.notify(ctx, owner.Id, booster.Id, domain.NotifyReblog, original.Id)
}

// BoostRemoved withdraws the reblog notification of an undone boost. The
// boost's own timeline rows go with its tombstone.
func (m *Materializer) BoostRemoved(ctx context.Context, booster *domain.Actor, originalId uuid.UUID) error {
	return m.db.DeleteNotificationsByGroup(ctx, domain.StatusGroupKey(domain.NotifyReblog, booster.Id, originalId))
}

// LikeCreated notifies the local author of status.
func (m *Materializer) LikeCreated(ctx context.Context, liker *domain.Actor, status *domain.Status) error {
	owner, err := m.localOwner(ctx, status, liker.Id)
	if err != nil || owner == nil {
		return err
	}
	return m.notify(ctx, owner.Id, liker.Id, domain.NotifyFavourite, status.Id)
}

func (m *Materializer) LikeRemoved(ctx context.Context, liker *domain.Actor, status *domain.Status) error {
	return m.db.DeleteNotificationsByGroup(ctx, domain.StatusGroupKey(domain.NotifyFavourite, liker.Id, status.Id))
}

// FollowCreated notifies a local target of a new follower or request.
func (m *Materializer) FollowCreated(ctx context.Context, follow *domain.Follow) error {
	switch follow.State {
	case domain.FollowRequested:
		return m.notifyFollow(ctx, follow, domain.NotifyFollowRequest)
	case domain.FollowAccepted:
		return m.notifyFollow(ctx, follow, domain.NotifyFollow)
	}
	return nil
}

// FollowAccepted replaces a pending request notification with a follow one.
func (m *Materializer) FollowAccepted(ctx context.Context, follow *domain.Follow) error {
	if err := m.db.DeleteNotificationsByGroup(ctx, domain.FollowGroupKey(domain.NotifyFollowRequest, follow.Id)); err != nil {
		return err
	}
	return m.notifyFollow(ctx, follow, domain.NotifyFollow)
}

// FollowRemoved drops the notifications of a rejected or undone edge.
// Timeline entries already delivered stay.
func (m *Materializer) FollowRemoved(ctx context.Context, follow *domain.Follow) error {
	for _, t := range []domain.NotificationType{domain.NotifyFollowRequest, domain.NotifyFollow} {
		if err := m.db.DeleteNotificationsByGroup(ctx, domain.FollowGroupKey(t, follow.Id)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) notifyFollow(ctx context.Context, follow *domain.Follow, t domain.NotificationType) error {
	target, err := m.db.ReadActorById(ctx, follow.TargetAccountId)
	if err != nil {
		return err
	}
	if !target.IsLocal() {
		return nil
	}
	id := follow.Id
	_, err = m.db.CreateNotification(ctx, &domain.Notification{
		AccountId:     target.Id,
		FromAccountId: follow.AccountId,
		Type:          t,
		FollowId:      &id,
		GroupKey:      domain.FollowGroupKey(t, follow.Id),
	})
	return err
}

// localOwner returns the author of status when it is local and not actorId.
func (m *Materializer) localOwner(ctx context.Context, status *domain.Status, actorId uuid.UUID) (*domain.Actor, error) {
	if status.AccountId == actorId {
		return nil, nil
	}
	owner, err := m.db.ReadActorById(ctx, status.AccountId)
	if err != nil {
		return nil, err
	}
	if !owner.IsLocal() {
		return nil, nil
	}
	return owner, nil
}

func (m *Materializer) insert(ctx context.Context, kind domain.TimelineKind, ownerId, statusId uuid.UUID) error {
	_, err := m.db.InsertTimelineEntry(ctx, kind, ownerId, statusId)
	return err
}

func (m *Materializer) notify(ctx context.Context, to, from uuid.UUID, t domain.NotificationType, statusId uuid.UUID) error {
	id := statusId
	created, err := m.db.CreateNotification(ctx, &domain.Notification{
		AccountId:     to,
		FromAccountId: from,
		Type:          t,
		StatusId:      &id,
		GroupKey:      domain.StatusGroupKey(t, from, statusId),
	})
	if created {
		m.log.Debug("Notification created", "type", t, "to", to)
	}
	return err
}
