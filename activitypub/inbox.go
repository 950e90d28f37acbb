package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/timeline"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ActorSource is the part of the directory the processor uses.
type ActorSource interface {
	ActorLookup
	Refresh(ctx context.Context, uri string) (*domain.Actor, error)
	Invalidate(ctx context.Context, uri string) error
}

// Processor verifies and applies activities posted to local inboxes.
type Processor struct {
	db       *db.DB
	actors   ActorSource
	outbox   *Outbox
	timeline *timeline.Materializer
	locks    *util.KeyedMutex
	metrics  *metrics.Metrics
	skew     time.Duration
	now      func() time.Time
	log      *log.Logger
}

func NewProcessor(database *db.DB, actors ActorSource, outbox *Outbox, tl *timeline.Materializer, locks *util.KeyedMutex, m *metrics.Metrics, conf *util.AppConfig, logger *log.Logger) *Processor {
	return &Processor{
		db:       database,
		actors:   actors,
		outbox:   outbox,
		timeline: tl,
		locks:    locks,
		metrics:  m,
		skew:     conf.Conf.SignatureSkew,
		now:      time.Now,
		log:      logger.WithPrefix("inbox"),
	}
}

// Receive authenticates and applies one inbound activity. Malformed or
// unsupported activities yield a ValidationError and bad signatures an
// AuthorizationError; neither has side effects. Duplicates and activities
// about unknown objects are accepted without effect.
func (p *Processor) Receive(ctx context.Context, req *http.Request, body []byte) error {
	activity, err := Parse(body)
	if err != nil {
		p.metrics.Inbound("invalid", "rejected")
		return err
	}
	base := BaseOf(activity)

	err = p.receive(ctx, req, body, activity)
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
		p.log.Warn("Rejected activity", "type", base.Type, "id", base.Id, "actor", base.Actor, "error", err)
	}
	p.metrics.Inbound(base.Type, outcome)
	return err
}

func (p *Processor) receive(ctx context.Context, req *http.Request, body []byte, activity Activity) error {
	base := BaseOf(activity)
	if _, unknown := activity.(*UnknownActivity); unknown {
		return domain.NewValidationError("unsupported activity type %q", base.Type)
	}

	keyId, err := SignatureKeyId(req)
	if err != nil {
		return err
	}
	if KeyOwner(keyId) != base.Actor {
		return &domain.AuthorizationError{Reason: "activity actor " + base.Actor + " did not sign it"}
	}

	actor, err := p.authenticate(ctx, req, body, activity)
	if err != nil || actor == nil {
		return err
	}

	fresh, err := p.db.RecordActivity(ctx, &domain.Activity{
		ActivityURI:  base.Id,
		ActivityType: base.Type,
		ActorURI:     base.Actor,
		ObjectURI:    base.Object.Id,
		RawJSON:      string(body),
	})
	if err != nil {
		return err
	}
	if !fresh {
		p.log.Debug("Duplicate activity", "id", base.Id)
		return nil
	}

	if err := p.apply(ctx, actor, activity); err != nil {
		if ferr := p.db.ForgetActivity(ctx, base.Id); ferr != nil {
			p.log.Error("Failed to forget activity", "id", base.Id, "error", ferr)
		}
		return err
	}
	p.log.Info("Applied activity", "type", base.Type, "actor", actor.Handle())
	return nil
}

// authenticate resolves the signing actor and checks the signature,
// refetching the key once in case it was rotated. A nil actor with a nil
// error means the activity is accepted without effect.
func (p *Processor) authenticate(ctx context.Context, req *http.Request, body []byte, activity Activity) (*domain.Actor, error) {
	base := BaseOf(activity)
	actor, err := p.actors.Lookup(ctx, base.Actor)
	if domain.IsNotFound(err) {
		if del, ok := activity.(*DeleteActivity); ok && del.Object.Id == base.Actor {
			return p.goneActor(ctx, req, body, base.Actor)
		}
		return nil, &domain.AuthorizationError{Reason: "unknown actor " + base.Actor, Err: err}
	}
	if err != nil {
		return nil, &domain.AuthorizationError{Reason: "cannot fetch key of " + base.Actor, Err: err}
	}
	if actor.IsLocal() {
		return nil, &domain.AuthorizationError{Reason: "remote request claims local actor " + actor.URI}
	}

	err = VerifyRequest(req, body, actor.PublicKeyPem, p.skew, p.now())
	if err == nil {
		return actor, nil
	}
	refreshed, rerr := p.actors.Refresh(ctx, base.Actor)
	if rerr != nil || refreshed.PublicKeyPem == actor.PublicKeyPem {
		return nil, err
	}
	p.log.Info("Actor key changed, verifying again", "actor", base.Actor)
	if err := VerifyRequest(req, body, refreshed.PublicKeyPem, p.skew, p.now()); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// goneActor handles a self-Delete from an actor whose document no longer
// resolves. A mirror we still hold is checked against its stored key.
func (p *Processor) goneActor(ctx context.Context, req *http.Request, body []byte, uri string) (*domain.Actor, error) {
	stored, err := p.db.ReadActorByURI(ctx, uri)
	if domain.IsNotFound(err) {
		p.log.Debug("Delete from unknown, gone actor", "actor", uri)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(req, body, stored.PublicKeyPem, p.skew, p.now()); err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *Processor) apply(ctx context.Context, actor *domain.Actor, activity Activity) error {
	switch a := activity.(type) {
	case *CreateActivity:
		return p.upsertNote(ctx, actor, &a.Base, a.Note, false)
	case *UpdateActivity:
		if a.Note == nil {
			return p.updateActor(ctx, actor, &a.Base)
		}
		return p.upsertNote(ctx, actor, &a.Base, a.Note, true)
	case *DeleteActivity:
		if a.Object.Id == actor.URI {
			return p.deleteActor(ctx, actor)
		}
		return p.deleteStatus(ctx, actor, a.Object.Id)
	case *FollowActivity:
		return p.follow(ctx, actor, a)
	case *AcceptActivity:
		return p.answerFollow(ctx, actor, &a.Base, domain.FollowAccepted)
	case *RejectActivity:
		return p.answerFollow(ctx, actor, &a.Base, domain.FollowRejected)
	case *LikeActivity:
		return p.like(ctx, actor, a)
	case *AnnounceActivity:
		return p.announce(ctx, actor, a)
	case *UndoActivity:
		return p.undo(ctx, actor, a)
	case *UnknownActivity:
		return domain.NewValidationError("unsupported activity type %q", a.Type)
	}
	return domain.NewValidationError("unsupported activity %T", activity)
}

func (p *Processor) lock(actor *domain.Actor, objectURI string) func() {
	return p.locks.Lock(actor.URI + "|" + objectURI)
}

func parseTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback
}

// statusFromNote maps a remote note onto a status, sanitizing its content.
func statusFromNote(actor *domain.Actor, base *Base, note *NoteObject) *domain.Status {
	to, cc := note.To, note.Cc
	if len(to) == 0 && len(cc) == 0 {
		to, cc = base.To, base.Cc
	}
	now := time.Now().UTC()
	created := parseTime(note.Published, now)
	s := &domain.Status{
		Id:             uuid.New(),
		URI:            note.Id,
		AccountId:      actor.Id,
		Kind:           domain.KindNote,
		Content:        SanitizeContent(note.Content),
		ContentWarning: PlainText(note.Summary),
		Visibility:     VisibilityOf(to, cc, actor.FollowersURI),
		InReplyToURI:   note.InReplyTo,
		Mentions:       addressed(actor, note.Mentions(), to, cc),
		CreatedAt:      created,
		UpdatedAt:      parseTime(note.Updated, created),
	}
	if choices := note.PollChoices(); note.Type == "Question" && len(choices) > 0 {
		s.Kind = domain.KindQuestion
		s.PollOptions = choices
	}
	return s
}

// addressed merges the Mention tags with the actors named in to and cc.
// The public collection and follower collections are not actors.
func addressed(author *domain.Actor, mentions, to, cc []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{mentions, to, cc} {
		for _, uri := range list {
			if uri == "" || seen[uri] || uri == PublicCollection || uri == author.URI ||
				uri == author.FollowersURI || strings.HasSuffix(uri, "/followers") {
				continue
			}
			seen[uri] = true
			out = append(out, uri)
		}
	}
	return out
}

// upsertNote stores a remote note, or applies an edit to it as a
// compare-and-set. Edits older than the stored version are dropped.
func (p *Processor) upsertNote(ctx context.Context, actor *domain.Actor, base *Base, note *NoteObject, isUpdate bool) error {
	if note.AttributedTo != actor.URI {
		return &domain.AuthorizationError{Reason: actor.URI + " cannot publish for " + note.AttributedTo}
	}
	unlock := p.lock(actor, note.Id)
	defer unlock()

	incoming := statusFromNote(actor, base, note)
	for attempt := 0; ; attempt++ {
		current, err := p.db.ReadStatusByURI(ctx, note.Id)
		if domain.IsNotFound(err) {
			created, err := p.db.CreateStatus(ctx, incoming)
			if err != nil || !created {
				return err
			}
			return p.timeline.StatusCreated(ctx, actor, incoming)
		}
		if err != nil {
			return err
		}
		if current.AccountId != actor.Id {
			return &domain.AuthorizationError{Reason: actor.URI + " does not own " + current.URI}
		}
		if current.IsTombstoned() {
			return nil
		}
		if !isUpdate {
			// rebuild derived rows an earlier failed attempt may have missed
			return p.timeline.StatusCreated(ctx, actor, current)
		}
		if note.Updated == "" {
			// without an edit time, arrival order decides
			incoming.UpdatedAt = time.Now().UTC()
			if !incoming.UpdatedAt.After(current.UpdatedAt) {
				incoming.UpdatedAt = current.UpdatedAt.Add(time.Nanosecond)
			}
		}
		if !current.UpdatedAt.Before(incoming.UpdatedAt) {
			return nil
		}

		next := *current
		next.Content = incoming.Content
		next.ContentWarning = incoming.ContentWarning
		next.PollOptions = incoming.PollOptions
		next.Mentions = incoming.Mentions
		next.UpdatedAt = incoming.UpdatedAt
		err = p.db.UpdateStatus(ctx, &next, current.Version)
		if !errors.Is(err, domain.ErrConflict) || attempt+1 >= maxCASAttempts {
			return err
		}
	}
}

func (p *Processor) updateActor(ctx context.Context, actor *domain.Actor, base *Base) error {
	if base.Object.Id != actor.URI {
		p.log.Debug("Ignoring update of unsupported object", "object", base.Object.Id, "type", base.Object.Type)
		return nil
	}
	_, err := p.actors.Refresh(ctx, actor.URI)
	return err
}

func (p *Processor) deleteStatus(ctx context.Context, actor *domain.Actor, uri string) error {
	unlock := p.lock(actor, uri)
	defer unlock()

	status, err := p.db.ReadStatusByURI(ctx, uri)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if status.AccountId != actor.Id {
		return &domain.AuthorizationError{Reason: actor.URI + " does not own " + uri}
	}
	changed, err := p.db.TombstoneStatus(ctx, status.Id)
	if err != nil || !changed {
		return err
	}
	if status.ReblogOfId != nil {
		return p.timeline.BoostRemoved(ctx, actor, *status.ReblogOfId)
	}
	return nil
}

func (p *Processor) deleteActor(ctx context.Context, actor *domain.Actor) error {
	removed, err := p.db.RemoveActorContent(ctx, actor.Id)
	if err != nil {
		return err
	}
	for _, step := range []domain.DeletionStatus{domain.DeletionScheduled, domain.DeletionDeleting, domain.DeletionRemoved} {
		if !actor.DeletionStatus.CanTransition(step) {
			continue
		}
		if err := p.db.AdvanceDeletion(ctx, actor.Id, actor.DeletionStatus, step); err != nil {
			return err
		}
		actor.DeletionStatus = step
	}
	if err := p.actors.Invalidate(ctx, actor.URI); err != nil {
		p.log.Warn("Failed to invalidate deleted actor", "actor", actor.URI, "error", err)
	}
	p.log.Info("Remote actor deleted", "actor", actor.URI, "statuses", len(removed))
	return nil
}

// localTarget returns the local actor uri names, or nil.
func (p *Processor) localTarget(ctx context.Context, uri string) (*domain.Actor, error) {
	target, err := p.db.ReadActorByURI(ctx, uri)
	if domain.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !target.IsLocal() || target.DeletionStatus != domain.DeletionNone {
		return nil, nil
	}
	return target, nil
}

func (p *Processor) follow(ctx context.Context, actor *domain.Actor, a *FollowActivity) error {
	target, err := p.localTarget(ctx, a.Object.Id)
	if err != nil || target == nil {
		return err
	}
	accepted, err := p.recordFollow(ctx, actor, target, a)
	if err != nil || accepted == nil {
		return err
	}
	return p.outbox.Respond(ctx, target, actor, accepted, true)
}

// recordFollow stores the edge a Follow asks for. It returns the follow to
// answer with an Accept, or nil when none is due yet.
func (p *Processor) recordFollow(ctx context.Context, actor, target *domain.Actor, a *FollowActivity) (*domain.Follow, error) {
	unlock := p.lock(actor, target.URI)
	defer unlock()

	active, err := p.db.ReadActiveFollow(ctx, actor.Id, target.Id)
	switch {
	case err == nil && active.State == domain.FollowAccepted:
		// the remote side lost our Accept
		if err := p.timeline.FollowCreated(ctx, active); err != nil {
			return nil, err
		}
		replay := *active
		replay.URI = a.Id
		return &replay, nil
	case err == nil && active.State == domain.FollowRequested:
		return nil, p.timeline.FollowCreated(ctx, active)
	case err == nil:
		if err := p.db.TransitionFollow(ctx, active, domain.FollowUndo); err != nil {
			return nil, err
		}
	case !domain.IsNotFound(err):
		return nil, err
	}

	follow := &domain.Follow{
		URI:             a.Id,
		AccountId:       actor.Id,
		TargetAccountId: target.Id,
		State:           domain.FollowAccepted,
	}
	if target.ManuallyApprovesFollowers {
		follow.State = domain.FollowRequested
	}
	if err := p.db.CreateFollow(ctx, follow); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	if err := p.timeline.FollowCreated(ctx, follow); err != nil {
		return nil, err
	}
	if follow.State == domain.FollowRequested {
		return nil, nil
	}
	return follow, nil
}

// pendingFollow finds the local follow request an Accept or Reject answers.
func (p *Processor) pendingFollow(ctx context.Context, actor *domain.Actor, base *Base) (*domain.Follow, error) {
	follow, err := p.db.ReadFollowByURI(ctx, base.Object.Id)
	if err == nil || !domain.IsNotFound(err) {
		return follow, err
	}
	if base.Object.Embedded == nil {
		return nil, nil
	}
	var inner struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(base.Object.Embedded, &inner); err != nil {
		return nil, nil
	}
	follower, err := p.localTarget(ctx, inner.Actor)
	if err != nil || follower == nil {
		return nil, err
	}
	follow, err = p.db.ReadActiveFollow(ctx, follower.Id, actor.Id)
	if domain.IsNotFound(err) {
		return nil, nil
	}
	return follow, err
}

// answerFollow moves a Requested edge to next. Anything else is dropped.
func (p *Processor) answerFollow(ctx context.Context, actor *domain.Actor, base *Base, next domain.FollowState) error {
	follow, err := p.pendingFollow(ctx, actor, base)
	if err != nil || follow == nil {
		return err
	}
	if follow.TargetAccountId != actor.Id || follow.State != domain.FollowRequested {
		p.log.Debug("No pending follow to answer", "follow", follow.URI, "state", follow.State)
		return nil
	}
	if err := p.db.TransitionFollow(ctx, follow, next); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	if next == domain.FollowAccepted {
		return p.timeline.FollowAccepted(ctx, follow)
	}
	return p.timeline.FollowRemoved(ctx, follow)
}

// liveStatus returns the live status uri names, or nil.
func (p *Processor) liveStatus(ctx context.Context, uri string) (*domain.Status, error) {
	status, err := p.db.ReadStatusByURI(ctx, uri)
	if domain.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status.IsTombstoned() {
		return nil, nil
	}
	return status, nil
}

func (p *Processor) like(ctx context.Context, actor *domain.Actor, a *LikeActivity) error {
	status, err := p.liveStatus(ctx, a.Object.Id)
	if err != nil || status == nil {
		return err
	}
	unlock := p.lock(actor, status.URI)
	defer unlock()

	// an existing like may still lack its notification
	if _, err := p.db.CreateLike(ctx, &domain.Like{URI: a.Id, AccountId: actor.Id, StatusId: status.Id}); err != nil {
		return err
	}
	return p.timeline.LikeCreated(ctx, actor, status)
}

func (p *Processor) unlike(ctx context.Context, actor *domain.Actor, status *domain.Status) error {
	unlock := p.lock(actor, status.URI)
	defer unlock()

	deleted, err := p.db.DeleteLike(ctx, actor.Id, status.Id)
	if err != nil || !deleted {
		return err
	}
	return p.timeline.LikeRemoved(ctx, actor, status)
}

func (p *Processor) announce(ctx context.Context, actor *domain.Actor, a *AnnounceActivity) error {
	original, err := p.liveStatus(ctx, a.Object.Id)
	if err != nil || original == nil {
		return err
	}
	if original.Visibility == domain.VisibilityPrivate || original.Visibility == domain.VisibilityDirect {
		return nil
	}
	unlock := p.lock(actor, original.URI)
	defer unlock()

	if live, err := p.db.ReadLiveBoost(ctx, actor.Id, original.Id); err == nil {
		return p.timeline.StatusCreated(ctx, actor, live)
	} else if !domain.IsNotFound(err) {
		return err
	}

	visibility := VisibilityOf(a.To, a.Cc, actor.FollowersURI)
	if visibility != domain.VisibilityUnlisted {
		visibility = domain.VisibilityPublic
	}
	originalId := original.Id
	boost := &domain.Status{
		URI:        a.Id,
		AccountId:  actor.Id,
		Kind:       domain.KindAnnounce,
		Visibility: visibility,
		ReblogOfId: &originalId,
	}
	created, err := p.db.CreateStatus(ctx, boost)
	if errors.Is(err, domain.ErrConflict) || (err == nil && !created) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.timeline.StatusCreated(ctx, actor, boost)
}

func (p *Processor) unboost(ctx context.Context, actor *domain.Actor, boost *domain.Status) error {
	if boost.AccountId != actor.Id || boost.ReblogOfId == nil || boost.IsTombstoned() {
		return nil
	}
	changed, err := p.db.TombstoneStatus(ctx, boost.Id)
	if err != nil || !changed {
		return err
	}
	return p.timeline.BoostRemoved(ctx, actor, *boost.ReblogOfId)
}

func (p *Processor) unfollow(ctx context.Context, actor *domain.Actor, follow *domain.Follow) error {
	if follow.AccountId != actor.Id {
		return nil
	}
	for attempt := 0; ; attempt++ {
		if follow.State == domain.FollowUndo {
			return nil
		}
		err := p.db.TransitionFollow(ctx, follow, domain.FollowUndo)
		if err == nil {
			return p.timeline.FollowRemoved(ctx, follow)
		}
		if !errors.Is(err, domain.ErrConflict) || attempt+1 >= maxCASAttempts {
			return err
		}
		if follow, err = p.db.ReadFollowById(ctx, follow.Id); err != nil {
			return err
		}
	}
}

// undo reverts a Follow, Like or Announce, given embedded or by id.
func (p *Processor) undo(ctx context.Context, actor *domain.Actor, a *UndoActivity) error {
	switch inner := a.Inner.(type) {
	case *FollowActivity:
		follow, err := p.db.ReadFollowByURI(ctx, inner.Id)
		if domain.IsNotFound(err) {
			target, terr := p.db.ReadActorByURI(ctx, inner.Object.Id)
			if terr != nil {
				return ignoreNotFound(terr)
			}
			follow, err = p.db.ReadActiveFollow(ctx, actor.Id, target.Id)
		}
		if err != nil {
			return ignoreNotFound(err)
		}
		unlock := p.lock(actor, inner.Object.Id)
		defer unlock()
		return p.unfollow(ctx, actor, follow)
	case *LikeActivity:
		status, err := p.db.ReadStatusByURI(ctx, inner.Object.Id)
		if err != nil {
			return ignoreNotFound(err)
		}
		return p.unlike(ctx, actor, status)
	case *AnnounceActivity:
		boost, err := p.db.ReadStatusByURI(ctx, inner.Id)
		if domain.IsNotFound(err) {
			original, oerr := p.db.ReadStatusByURI(ctx, inner.Object.Id)
			if oerr != nil {
				return ignoreNotFound(oerr)
			}
			boost, err = p.db.ReadLiveBoost(ctx, actor.Id, original.Id)
		}
		if err != nil {
			return ignoreNotFound(err)
		}
		return p.unboost(ctx, actor, boost)
	case nil:
		return p.undoByRef(ctx, actor, a.Object.Id)
	}
	p.log.Debug("Ignoring undo of unsupported activity", "type", BaseOf(a.Inner).Type)
	return nil
}

// undoByRef handles an Undo whose object is only an activity id.
func (p *Processor) undoByRef(ctx context.Context, actor *domain.Actor, uri string) error {
	if follow, err := p.db.ReadFollowByURI(ctx, uri); err == nil {
		target, err := p.db.ReadActorById(ctx, follow.TargetAccountId)
		if err != nil {
			return err
		}
		unlock := p.lock(actor, target.URI)
		defer unlock()
		return p.unfollow(ctx, actor, follow)
	} else if !domain.IsNotFound(err) {
		return err
	}

	if like, err := p.db.ReadLikeByURI(ctx, uri); err == nil {
		if like.AccountId != actor.Id {
			return nil
		}
		status, err := p.db.ReadStatusById(ctx, like.StatusId)
		if err != nil {
			return err
		}
		return p.unlike(ctx, actor, status)
	} else if !domain.IsNotFound(err) {
		return err
	}

	boost, err := p.db.ReadStatusByURI(ctx, uri)
	if err != nil {
		return ignoreNotFound(err)
	}
	return p.unboost(ctx, actor, boost)
}

func ignoreNotFound(err error) error {
	if domain.IsNotFound(err) {
		return nil
	}
	return err
}
