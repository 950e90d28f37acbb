package activitypub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/timeline"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// maxCASAttempts bounds the re-read and retry loop on version conflicts.
const maxCASAttempts = 5

// Enqueuer accepts delivery jobs; the delivery queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs []*domain.DeliveryJob) (int, error)
}

// Draft is a status as a local actor writes it.
type Draft struct {
	Content        string
	ContentWarning string
	Visibility     domain.Visibility
	InReplyTo      string
	Mentions       []string
	PollOptions    []string
}

// Outbox carries out the actions of local actors: it stores the mutation,
// updates the derived views and queues the resulting activity for every
// remote inbox that should see it.
type Outbox struct {
	db       *db.DB
	ids      IdBuilder
	composer *Composer
	resolver *Resolver
	queue    Enqueuer
	timeline *timeline.Materializer
	locks    *util.KeyedMutex
	log      *log.Logger
}

func NewOutbox(database *db.DB, ids IdBuilder, resolver *Resolver, queue Enqueuer, tl *timeline.Materializer, locks *util.KeyedMutex, logger *log.Logger) *Outbox {
	return &Outbox{
		db:       database,
		ids:      ids,
		composer: NewComposer(ids),
		resolver: resolver,
		queue:    queue,
		timeline: tl,
		locks:    locks,
		log:      logger.WithPrefix("outbox"),
	}
}

func (o *Outbox) Composer() *Composer {
	return o.composer
}

func usable(action string, actor *domain.Actor) error {
	if err := requireLocal(action, actor); err != nil {
		return err
	}
	if actor.DeletionStatus != domain.DeletionNone {
		return invalid(action, "%s is being deleted", actor.URI)
	}
	return nil
}

// liveStatus reads a status that has not been deleted.
func (o *Outbox) liveStatus(ctx context.Context, id uuid.UUID) (*domain.Status, error) {
	status, err := o.db.ReadStatusById(ctx, id)
	if err != nil {
		return nil, err
	}
	if status.IsTombstoned() {
		return nil, &domain.NotFoundError{Kind: "status", Key: id.String()}
	}
	return status, nil
}

// PublishStatus stores a new note (or poll) and federates it.
func (o *Outbox) PublishStatus(ctx context.Context, author *domain.Actor, draft Draft) (*domain.Status, error) {
	if err := usable("create", author); err != nil {
		return nil, err
	}
	visibility := draft.Visibility
	if visibility == "" {
		visibility = author.DefaultVisibility
	}
	parsed, ok := domain.ParseVisibility(string(visibility))
	if !ok {
		return nil, invalid("create", "unknown visibility %q", visibility)
	}

	id := uuid.New()
	now := time.Now().UTC()
	status := &domain.Status{
		Id:             id,
		URI:            o.ids.StatusURI(id),
		AccountId:      author.Id,
		Kind:           domain.KindNote,
		Content:        TextToHTML(draft.Content),
		ContentWarning: draft.ContentWarning,
		Visibility:     parsed,
		InReplyToURI:   draft.InReplyTo,
		PollOptions:    draft.PollOptions,
		Mentions:       draft.Mentions,
		Local:          true,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if len(draft.PollOptions) > 0 {
		status.Kind = domain.KindQuestion
	}
	if err := status.Validate(); err != nil {
		return nil, err
	}
	doc, err := o.composer.Create(author, status)
	if err != nil {
		return nil, err
	}

	if _, err := o.db.CreateStatus(ctx, status); err != nil {
		return nil, err
	}
	if err := o.timeline.StatusCreated(ctx, author, status); err != nil {
		return status, err
	}
	o.log.Info("Status published", "status", status.URI, "visibility", status.Visibility)
	return status, o.deliver(ctx, author, doc)
}

// EditStatus replaces the content of one of author's statuses.
func (o *Outbox) EditStatus(ctx context.Context, author *domain.Actor, id uuid.UUID, content, contentWarning string) (*domain.Status, error) {
	if err := usable("update", author); err != nil {
		return nil, err
	}
	var next domain.Status
	for attempt := 0; ; attempt++ {
		current, err := o.liveStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.AccountId != author.Id {
			return nil, invalid("update", "%s is not a status of %s", current.URI, author.URI)
		}
		if current.Kind == domain.KindAnnounce {
			return nil, invalid("update", "boosts cannot be edited")
		}
		next = *current
		next.Content = TextToHTML(content)
		next.ContentWarning = contentWarning
		next.UpdatedAt = time.Now().UTC()

		err = o.db.UpdateStatus(ctx, &next, current.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt+1 >= maxCASAttempts {
			return nil, err
		}
		o.log.Debug("Edit lost a version race, retrying", "status", current.URI)
	}

	doc, err := o.composer.Update(author, &next)
	if err != nil {
		return nil, err
	}
	return &next, o.deliver(ctx, author, doc)
}

// DeleteStatus tombstones a status of author. Deleting twice is a no-op.
func (o *Outbox) DeleteStatus(ctx context.Context, author *domain.Actor, id uuid.UUID) error {
	if err := requireLocal("delete", author); err != nil {
		return err
	}
	status, err := o.db.ReadStatusById(ctx, id)
	if err != nil {
		return err
	}
	if status.AccountId != author.Id {
		return invalid("delete", "%s is not a status of %s", status.URI, author.URI)
	}
	if status.IsTombstoned() {
		return nil
	}
	if status.ReblogOfId != nil {
		return o.Unboost(ctx, author, *status.ReblogOfId)
	}

	doc, err := o.composer.Delete(author, status)
	if err != nil {
		return err
	}
	changed, err := o.db.TombstoneStatus(ctx, status.Id)
	if err != nil || !changed {
		return err
	}
	o.log.Info("Status deleted", "status", status.URI)
	return o.deliver(ctx, author, doc)
}

// Boost reblogs a status. Boosting a boost reblogs its original; boosting
// twice returns the live boost.
func (o *Outbox) Boost(ctx context.Context, actor *domain.Actor, id uuid.UUID) (*domain.Status, error) {
	if err := usable("announce", actor); err != nil {
		return nil, err
	}
	original, err := o.liveStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.ReblogOfId != nil {
		if original, err = o.liveStatus(ctx, *original.ReblogOfId); err != nil {
			return nil, err
		}
	}
	if original.Visibility == domain.VisibilityPrivate || original.Visibility == domain.VisibilityDirect {
		return nil, invalid("announce", "%s statuses cannot be boosted", original.Visibility)
	}
	author, err := o.db.ReadActorById(ctx, original.AccountId)
	if err != nil {
		return nil, err
	}

	boostId := uuid.New()
	originalId := original.Id
	boost := &domain.Status{
		Id:         boostId,
		URI:        o.ids.StatusURI(boostId),
		AccountId:  actor.Id,
		Kind:       domain.KindAnnounce,
		Visibility: domain.VisibilityPublic,
		ReblogOfId: &originalId,
		Local:      true,
		CreatedAt:  time.Now().UTC(),
	}
	doc, err := o.composer.Announce(actor, boost, original, author)
	if err != nil {
		return nil, err
	}
	inboxes, err := o.route(ctx, actor, doc)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(actor.URI + "|" + original.URI)
	defer unlock()

	if live, err := o.db.ReadLiveBoost(ctx, actor.Id, original.Id); err == nil {
		return live, nil
	} else if !domain.IsNotFound(err) {
		return nil, err
	}
	if _, err := o.db.CreateStatus(ctx, boost); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return o.db.ReadLiveBoost(ctx, actor.Id, original.Id)
		}
		return nil, err
	}
	if err := o.timeline.StatusCreated(ctx, actor, boost); err != nil {
		return boost, err
	}
	return boost, o.enqueue(ctx, actor, doc, inboxes)
}

// Unboost withdraws actor's live boost of the original status, if any.
func (o *Outbox) Unboost(ctx context.Context, actor *domain.Actor, originalId uuid.UUID) error {
	if err := requireLocal("undo", actor); err != nil {
		return err
	}
	original, err := o.db.ReadStatusById(ctx, originalId)
	if err != nil {
		return err
	}
	live, err := o.db.ReadLiveBoost(ctx, actor.Id, original.Id)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	author, err := o.db.ReadActorById(ctx, original.AccountId)
	if err != nil {
		return err
	}
	undo, err := o.undoAnnounce(actor, live, original, author)
	if err != nil {
		return err
	}
	inboxes, err := o.route(ctx, actor, undo)
	if err != nil {
		return err
	}

	unlock := o.locks.Lock(actor.URI + "|" + original.URI)
	defer unlock()

	current, err := o.db.ReadLiveBoost(ctx, actor.Id, original.Id)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Id != live.Id {
		if undo, err = o.undoAnnounce(actor, current, original, author); err != nil {
			return err
		}
	}
	changed, err := o.db.TombstoneStatus(ctx, current.Id)
	if err != nil || !changed {
		return err
	}
	if err := o.timeline.BoostRemoved(ctx, actor, original.Id); err != nil {
		return err
	}
	return o.enqueue(ctx, actor, undo, inboxes)
}

func (o *Outbox) undoAnnounce(actor *domain.Actor, boost, original *domain.Status, author *domain.Actor) (*Document, error) {
	announce, err := o.composer.Announce(actor, boost, original, author)
	if err != nil {
		return nil, err
	}
	return o.composer.Undo(actor, announce)
}

// Like favourites a status. Liking twice is a no-op.
func (o *Outbox) Like(ctx context.Context, actor *domain.Actor, id uuid.UUID) error {
	if err := usable("like", actor); err != nil {
		return err
	}
	status, err := o.liveStatus(ctx, id)
	if err != nil {
		return err
	}
	author, err := o.db.ReadActorById(ctx, status.AccountId)
	if err != nil {
		return err
	}

	likeId := uuid.New()
	like := &domain.Like{Id: likeId, URI: o.ids.ActivityURI(likeId), AccountId: actor.Id, StatusId: status.Id}
	doc, err := o.composer.Like(actor, like, status, author)
	if err != nil {
		return err
	}
	var inboxes []string
	if !author.IsLocal() {
		if inboxes, err = o.route(ctx, actor, doc); err != nil {
			return err
		}
	}

	unlock := o.locks.Lock(actor.URI + "|" + status.URI)
	defer unlock()

	created, err := o.db.CreateLike(ctx, like)
	if err != nil || !created {
		return err
	}
	if err := o.timeline.LikeCreated(ctx, actor, status); err != nil {
		return err
	}
	if author.IsLocal() {
		return nil
	}
	return o.enqueue(ctx, actor, doc, inboxes)
}

// Unlike removes actor's like of a status, if any.
func (o *Outbox) Unlike(ctx context.Context, actor *domain.Actor, id uuid.UUID) error {
	if err := requireLocal("undo", actor); err != nil {
		return err
	}
	status, err := o.db.ReadStatusById(ctx, id)
	if err != nil {
		return err
	}
	like, err := o.db.ReadLike(ctx, actor.Id, status.Id)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	author, err := o.db.ReadActorById(ctx, status.AccountId)
	if err != nil {
		return err
	}
	var undo *Document
	var inboxes []string
	if !author.IsLocal() {
		if undo, err = o.undoLike(actor, like, status, author); err != nil {
			return err
		}
		if inboxes, err = o.route(ctx, actor, undo); err != nil {
			return err
		}
	}

	unlock := o.locks.Lock(actor.URI + "|" + status.URI)
	defer unlock()

	current, err := o.db.ReadLike(ctx, actor.Id, status.Id)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	deleted, err := o.db.DeleteLike(ctx, actor.Id, status.Id)
	if err != nil || !deleted {
		return err
	}
	if err := o.timeline.LikeRemoved(ctx, actor, status); err != nil {
		return err
	}
	if author.IsLocal() {
		return nil
	}
	if current.URI != like.URI {
		if undo, err = o.undoLike(actor, current, status, author); err != nil {
			return err
		}
	}
	return o.enqueue(ctx, actor, undo, inboxes)
}

func (o *Outbox) undoLike(actor *domain.Actor, like *domain.Like, status *domain.Status, author *domain.Actor) (*Document, error) {
	inner, err := o.composer.Like(actor, like, status, author)
	if err != nil {
		return nil, err
	}
	return o.composer.Undo(actor, inner)
}

// Follow starts following target. Local targets answer at once; remote
// ones receive a Follow and the edge waits in Requested for their Accept.
// A previously rejected edge is closed and a fresh one created.
func (o *Outbox) Follow(ctx context.Context, actor, target *domain.Actor) (*domain.Follow, error) {
	if err := usable("follow", actor); err != nil {
		return nil, err
	}
	if target == nil || target.Id == actor.Id {
		return nil, invalid("follow", "cannot follow that actor")
	}
	if target.DeletionStatus != domain.DeletionNone {
		return nil, invalid("follow", "%s is gone", target.URI)
	}

	followId := uuid.New()
	follow := &domain.Follow{
		Id:              followId,
		URI:             o.ids.ActivityURI(followId),
		AccountId:       actor.Id,
		TargetAccountId: target.Id,
		State:           domain.FollowRequested,
	}
	if target.IsLocal() && !target.ManuallyApprovesFollowers {
		follow.State = domain.FollowAccepted
	}
	doc, err := o.composer.Follow(actor, target, follow)
	if err != nil {
		return nil, err
	}
	var inboxes []string
	if !target.IsLocal() {
		if inboxes, err = o.route(ctx, actor, doc); err != nil {
			return nil, err
		}
	}

	unlock := o.locks.Lock(actor.URI + "|" + target.URI)
	defer unlock()

	active, err := o.db.ReadActiveFollow(ctx, actor.Id, target.Id)
	switch {
	case err == nil && active.State == domain.FollowRejected:
		if err := o.db.TransitionFollow(ctx, active, domain.FollowUndo); err != nil {
			return nil, err
		}
	case err == nil:
		return active, nil
	case !domain.IsNotFound(err):
		return nil, err
	}

	if err := o.db.CreateFollow(ctx, follow); err != nil {
		return nil, err
	}
	if err := o.timeline.FollowCreated(ctx, follow); err != nil {
		return follow, err
	}
	o.log.Info("Follow created", "actor", actor.Handle(), "target", target.Handle(), "state", follow.State)
	if target.IsLocal() {
		return follow, nil
	}
	return follow, o.enqueue(ctx, actor, doc, inboxes)
}

// Unfollow moves actor's live edge to target into Undo.
func (o *Outbox) Unfollow(ctx context.Context, actor, target *domain.Actor) error {
	if err := requireLocal("undo", actor); err != nil {
		return err
	}
	seen, err := o.db.ReadActiveFollow(ctx, actor.Id, target.Id)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var undo *Document
	var inboxes []string
	if !target.IsLocal() {
		if undo, err = o.undoFollow(actor, target, seen); err != nil {
			return err
		}
		if inboxes, err = o.route(ctx, actor, undo); err != nil {
			return err
		}
	}

	unlock := o.locks.Lock(actor.URI + "|" + target.URI)
	defer unlock()

	var follow *domain.Follow
	for attempt := 0; ; attempt++ {
		follow, err = o.db.ReadActiveFollow(ctx, actor.Id, target.Id)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		err = o.db.TransitionFollow(ctx, follow, domain.FollowUndo)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt+1 >= maxCASAttempts {
			return err
		}
	}
	if err := o.timeline.FollowRemoved(ctx, follow); err != nil {
		return err
	}
	if target.IsLocal() {
		return nil
	}
	if follow.Id != seen.Id {
		if undo, err = o.undoFollow(actor, target, follow); err != nil {
			return err
		}
	}
	return o.enqueue(ctx, actor, undo, inboxes)
}

func (o *Outbox) undoFollow(actor, target *domain.Actor, follow *domain.Follow) (*Document, error) {
	inner, err := o.composer.Follow(actor, target, follow)
	if err != nil {
		return nil, err
	}
	return o.composer.Undo(actor, inner)
}

// AuthorizeFollow accepts a pending follow request addressed to actor.
func (o *Outbox) AuthorizeFollow(ctx context.Context, actor *domain.Actor, followId uuid.UUID) error {
	return o.answerFollow(ctx, actor, followId, domain.FollowAccepted)
}

// RejectFollow turns down a pending follow request addressed to actor.
func (o *Outbox) RejectFollow(ctx context.Context, actor *domain.Actor, followId uuid.UUID) error {
	return o.answerFollow(ctx, actor, followId, domain.FollowRejected)
}

func (o *Outbox) answerFollow(ctx context.Context, actor *domain.Actor, followId uuid.UUID, next domain.FollowState) error {
	action := "accept"
	if next == domain.FollowRejected {
		action = "reject"
	}
	if err := usable(action, actor); err != nil {
		return err
	}
	follow, err := o.db.ReadFollowById(ctx, followId)
	if err != nil {
		return err
	}
	if follow.TargetAccountId != actor.Id {
		return &domain.NotFoundError{Kind: "follow request", Key: followId.String()}
	}
	if follow.State == next {
		return nil
	}
	if follow.State != domain.FollowRequested {
		return invalid(action, "follow %s is %s", follow.Id, follow.State)
	}
	if err := o.db.TransitionFollow(ctx, follow, next); err != nil {
		return err
	}
	if next == domain.FollowAccepted {
		err = o.timeline.FollowAccepted(ctx, follow)
	} else {
		err = o.timeline.FollowRemoved(ctx, follow)
	}
	if err != nil {
		return err
	}

	follower, err := o.db.ReadActorById(ctx, follow.AccountId)
	if err != nil || follower.IsLocal() {
		return err
	}
	return o.Respond(ctx, actor, follower, follow, next == domain.FollowAccepted)
}

// Respond sends an Accept or Reject of follow to a remote follower.
func (o *Outbox) Respond(ctx context.Context, actor, follower *domain.Actor, follow *domain.Follow, accept bool) error {
	var doc *Document
	var err error
	if accept {
		doc, err = o.composer.Accept(actor, follower, follow)
	} else {
		doc, err = o.composer.Reject(actor, follower, follow)
	}
	if err != nil {
		return err
	}
	return o.deliver(ctx, actor, doc)
}

// DeleteAccount walks a local actor through none, scheduled, deleting and
// removed. The Delete is queued while the follower set still exists.
// Re-running it resumes from the stored step.
func (o *Outbox) DeleteAccount(ctx context.Context, actor *domain.Actor) error {
	if err := requireLocal("delete", actor); err != nil {
		return err
	}
	for {
		switch actor.DeletionStatus {
		case domain.DeletionNone:
			doc, err := o.composer.DeleteActor(actor)
			if err != nil {
				return err
			}
			if err := o.deliver(ctx, actor, doc); err != nil {
				return err
			}
			if err := o.advance(ctx, actor, domain.DeletionScheduled); err != nil {
				return err
			}
		case domain.DeletionScheduled:
			if err := o.advance(ctx, actor, domain.DeletionDeleting); err != nil {
				return err
			}
		case domain.DeletionDeleting:
			removed, err := o.db.RemoveActorContent(ctx, actor.Id)
			if err != nil {
				return err
			}
			o.log.Info("Removed account content", "actor", actor.Handle(), "statuses", len(removed))
			if err := o.advance(ctx, actor, domain.DeletionRemoved); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (o *Outbox) advance(ctx context.Context, actor *domain.Actor, next domain.DeletionStatus) error {
	if err := o.db.AdvanceDeletion(ctx, actor.Id, actor.DeletionStatus, next); err != nil {
		return err
	}
	actor.DeletionStatus = next
	return nil
}

// deliver queues doc for every resolved inbox.
func (o *Outbox) deliver(ctx context.Context, sender *domain.Actor, doc *Document) error {
	inboxes, err := o.route(ctx, sender, doc)
	if err != nil {
		return err
	}
	return o.enqueue(ctx, sender, doc, inboxes)
}

// route resolves the inboxes doc goes to. It may fetch remote actors, so
// callers run it before taking a per-key lock.
func (o *Outbox) route(ctx context.Context, sender *domain.Actor, doc *Document) ([]string, error) {
	inboxes, err := o.resolver.Resolve(ctx, sender, doc)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving inboxes of %s", doc.Id)
	}
	return inboxes, nil
}

// enqueue queues doc for inboxes. An empty destination set queues nothing.
func (o *Outbox) enqueue(ctx context.Context, sender *domain.Actor, doc *Document, inboxes []string) error {
	if len(inboxes) == 0 {
		o.log.Debug("No remote destinations", "activity", doc.Id)
		return nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encoding activity")
	}
	jobs := make([]*domain.DeliveryJob, 0, len(inboxes))
	for _, inbox := range inboxes {
		jobs = append(jobs, &domain.DeliveryJob{
			ActivityURI:  doc.Id,
			ActivityType: doc.Type,
			ObjectURI:    doc.ObjectURI(),
			SenderId:     sender.Id,
			InboxURI:     inbox,
			Payload:      payload,
		})
	}
	n, err := o.queue.Enqueue(ctx, jobs)
	if err != nil {
		return errors.Wrapf(err, "queueing %s", doc.Id)
	}
	o.log.Debug("Queued deliveries", "activity", doc.Id, "type", doc.Type, "jobs", n)
	return nil
}
