package activitypub

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
)

func TestPublishWithoutFollowers(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	status, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "hello\n\nworld", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	if status.Content != "<p>hello</p><p>world</p>" {
		t.Errorf("Unexpected content %q", status.Content)
	}
	if jobs := env.queued(t); len(jobs) != 0 {
		t.Errorf("Expected no deliveries, got %d", len(jobs))
	}
	if homeCount(t, env, bob.Id) != 1 {
		t.Error("Expected the status on the author's home timeline")
	}
	local, err := env.timeline.Public(env.ctx, true, 0, testPage)
	if err != nil {
		t.Fatalf("Public failed: %v", err)
	}
	if len(local) != 1 {
		t.Errorf("Expected 1 local entry, got %d", len(local))
	}
}

func TestPublishSharesInboxes(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	for _, name := range []string{"a1", "a2", "a3"} {
		env.acceptedFollow(t, env.remoteActor(t, name, "remote.example", true), bob)
	}

	status, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "hello", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	jobs := env.queued(t)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(jobs))
	}
	job := jobs[0]
	if job.InboxURI != "https://remote.example/inbox" || job.ActivityType != string(TypeCreate) {
		t.Errorf("Unexpected job %+v", job)
	}
	if job.ObjectURI != status.URI || job.SenderId != bob.Id {
		t.Errorf("Unexpected job object %s sender %s", job.ObjectURI, job.SenderId)
	}

	var doc map[string]any
	if err := json.Unmarshal(job.Payload, &doc); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if doc["id"] != status.URI+"/activity" {
		t.Errorf("Unexpected payload id %v", doc["id"])
	}
}

func TestPublishDirectReachesOnlyMentions(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	carol := env.localActor(t, "carol")
	env.acceptedFollow(t, carol, bob)
	env.acceptedFollow(t, env.remoteActor(t, "f1", "remote.example", true), bob)
	alice := env.remoteActor(t, "alice", "other.example", false)

	_, err := env.outbox.PublishStatus(env.ctx, bob, Draft{
		Content:    "psst",
		Visibility: domain.VisibilityDirect,
		Mentions:   []string{alice.URI},
	})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	if inboxes := env.inboxes(t); len(inboxes) != 1 || inboxes[0] != alice.InboxURI {
		t.Errorf("Expected only %s, got %v", alice.InboxURI, inboxes)
	}
	if homeCount(t, env, carol.Id) != 0 {
		t.Error("A direct status must not reach followers' home timelines")
	}
}

func TestPublishRejectsUnknownVisibility(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	_, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "x", Visibility: "secret"})
	if !isInvalidAction(err) {
		t.Fatalf("Expected InvalidActionError, got %v", err)
	}
	if n, _ := env.db.CountStatuses(env.ctx, bob.Id); n != 0 {
		t.Error("Nothing must be stored")
	}
}

func TestPublishReachesLocalFollowers(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	carol := env.localActor(t, "carol")

	if _, err := env.outbox.Follow(env.ctx, carol, bob); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if _, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "hi", Visibility: domain.VisibilityPrivate}); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	if homeCount(t, env, carol.Id) != 1 {
		t.Error("Expected the status on the local follower's home timeline")
	}
	if len(env.queued(t)) != 0 {
		t.Error("Local follows must not produce deliveries")
	}
}

func TestEditStatus(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	env.acceptedFollow(t, env.remoteActor(t, "f1", "remote.example", true), bob)

	status, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "first", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	env.queued(t)

	edited, err := env.outbox.EditStatus(env.ctx, bob, status.Id, "second", "cw")
	if err != nil {
		t.Fatalf("EditStatus failed: %v", err)
	}
	if edited.Version != 2 || edited.Content != "<p>second</p>" {
		t.Errorf("Unexpected edit %+v", edited)
	}
	edits, err := env.db.ReadStatusEdits(env.ctx, status.Id)
	if err != nil {
		t.Fatalf("ReadStatusEdits failed: %v", err)
	}
	if len(edits) != 1 || edits[0].Content != "<p>first</p>" {
		t.Errorf("Expected the first version in the history, got %+v", edits)
	}

	jobs := env.queued(t)
	if len(jobs) != 1 || jobs[0].ActivityType != string(TypeUpdate) {
		t.Fatalf("Expected one Update, got %+v", jobs)
	}

	carol := env.localActor(t, "carol")
	if _, err := env.outbox.EditStatus(env.ctx, carol, status.Id, "hijack", ""); !isInvalidAction(err) {
		t.Errorf("Expected InvalidActionError for a foreign edit, got %v", err)
	}
}

func TestDeleteStatusTwice(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	env.acceptedFollow(t, env.remoteActor(t, "f1", "remote.example", true), bob)

	status, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "oops", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	env.queued(t)

	for i := 0; i < 2; i++ {
		if err := env.outbox.DeleteStatus(env.ctx, bob, status.Id); err != nil {
			t.Fatalf("DeleteStatus %d failed: %v", i, err)
		}
	}
	jobs := env.queued(t)
	if len(jobs) != 1 || jobs[0].ActivityType != string(TypeDelete) {
		t.Fatalf("Expected one Delete, got %+v", jobs)
	}
	if homeCount(t, env, bob.Id) != 0 {
		t.Error("Expected the home entry to be removed")
	}
	if _, err := env.outbox.EditStatus(env.ctx, bob, status.Id, "again", ""); !domain.IsNotFound(err) {
		t.Errorf("Editing a tombstone must fail with NotFound, got %v", err)
	}
}

func TestBoostAndUnboost(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	alice := env.remoteActor(t, "alice", "remote.example", true)
	env.acceptedFollow(t, env.remoteActor(t, "f1", "other.example", true), bob)

	original := &domain.Status{
		URI:        alice.URI + "/statuses/1",
		AccountId:  alice.Id,
		Kind:       domain.KindNote,
		Content:    "<p>boost me</p>",
		Visibility: domain.VisibilityPublic,
	}
	if _, err := env.db.CreateStatus(env.ctx, original); err != nil {
		t.Fatalf("CreateStatus failed: %v", err)
	}

	first, err := env.outbox.Boost(env.ctx, bob, original.Id)
	if err != nil {
		t.Fatalf("Boost failed: %v", err)
	}
	second, err := env.outbox.Boost(env.ctx, bob, original.Id)
	if err != nil {
		t.Fatalf("Second boost failed: %v", err)
	}
	if first.Id != second.Id {
		t.Error("Boosting twice must return the live boost")
	}
	// boosting the boost targets the original
	third, err := env.outbox.Boost(env.ctx, bob, first.Id)
	if err != nil {
		t.Fatalf("Boost of boost failed: %v", err)
	}
	if third.Id != first.Id {
		t.Error("Boosting a boost must resolve to the original")
	}

	inboxes := env.inboxes(t)
	want := map[string]bool{"https://other.example/inbox": true, "https://remote.example/inbox": true}
	if len(inboxes) != 2 || !want[inboxes[0]] || !want[inboxes[1]] {
		t.Errorf("Expected follower and author inboxes, got %v", inboxes)
	}

	if err := env.outbox.Unboost(env.ctx, bob, original.Id); err != nil {
		t.Fatalf("Unboost failed: %v", err)
	}
	if err := env.outbox.Unboost(env.ctx, bob, original.Id); err != nil {
		t.Fatalf("Second unboost failed: %v", err)
	}
	for _, job := range env.queued(t) {
		if job.ActivityType != string(TypeUndo) {
			t.Errorf("Expected Undo, got %s", job.ActivityType)
		}
	}
	if _, err := env.db.ReadLiveBoost(env.ctx, bob.Id, original.Id); !domain.IsNotFound(err) {
		t.Error("Expected no live boost")
	}
}

func TestBoostPrivateStatusFails(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	carol := env.localActor(t, "carol")

	status, err := env.outbox.PublishStatus(env.ctx, carol, Draft{Content: "followers only", Visibility: domain.VisibilityPrivate})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	if _, err := env.outbox.Boost(env.ctx, bob, status.Id); !isInvalidAction(err) {
		t.Errorf("Expected InvalidActionError, got %v", err)
	}
}

func TestLikeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	alice := env.remoteActor(t, "alice", "remote.example", false)
	original := &domain.Status{
		URI:        alice.URI + "/statuses/1",
		AccountId:  alice.Id,
		Kind:       domain.KindNote,
		Visibility: domain.VisibilityPublic,
	}
	if _, err := env.db.CreateStatus(env.ctx, original); err != nil {
		t.Fatalf("CreateStatus failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := env.outbox.Like(env.ctx, bob, original.Id); err != nil {
			t.Fatalf("Like %d failed: %v", i, err)
		}
	}
	if n, _ := env.db.CountLikes(env.ctx, original.Id); n != 1 {
		t.Errorf("Expected 1 like, got %d", n)
	}
	if jobs := env.queued(t); len(jobs) != 1 || jobs[0].InboxURI != alice.InboxURI {
		t.Fatalf("Expected one Like to the author, got %+v", jobs)
	}

	for i := 0; i < 2; i++ {
		if err := env.outbox.Unlike(env.ctx, bob, original.Id); err != nil {
			t.Fatalf("Unlike %d failed: %v", i, err)
		}
	}
	jobs := env.queued(t)
	if len(jobs) != 1 || jobs[0].ActivityType != string(TypeUndo) {
		t.Fatalf("Expected one Undo, got %+v", jobs)
	}
}

func TestActionsResolveInboxesOutsideTheLock(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.ActorCacheTTL = time.Nanosecond
	bob := env.localActor(t, "bob")
	alice := env.remoteActor(t, "alice", "remote.example", false)
	original := &domain.Status{
		URI:        alice.URI + "/statuses/1",
		AccountId:  alice.Id,
		Kind:       domain.KindNote,
		Visibility: domain.VisibilityPublic,
	}
	if _, err := env.db.CreateStatus(env.ctx, original); err != nil {
		t.Fatalf("CreateStatus failed: %v", err)
	}

	fetches, held := 0, 0
	httpmock.RegisterResponder("GET", alice.URI, func(req *http.Request) (*http.Response, error) {
		fetches++
		held += env.locks.Len()
		return httpmock.NewJsonResponse(200, remoteDocument(t, alice.URI))
	})

	steps := []struct {
		name string
		run  func() error
	}{
		{"like", func() error { return env.outbox.Like(env.ctx, bob, original.Id) }},
		{"unlike", func() error { return env.outbox.Unlike(env.ctx, bob, original.Id) }},
		{"boost", func() error { _, err := env.outbox.Boost(env.ctx, bob, original.Id); return err }},
		{"unboost", func() error { return env.outbox.Unboost(env.ctx, bob, original.Id) }},
		{"follow", func() error { _, err := env.outbox.Follow(env.ctx, bob, alice); return err }},
		{"unfollow", func() error { return env.outbox.Unfollow(env.ctx, bob, alice) }},
	}
	for _, step := range steps {
		if err := env.directory.Invalidate(env.ctx, alice.URI); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		before := fetches
		if err := step.run(); err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		if fetches == before {
			t.Errorf("Expected %s to refetch the stale author", step.name)
		}
	}
	if held != 0 {
		t.Errorf("Expected no per-key lock during actor fetches, saw %d", held)
	}
	if jobs := env.queued(t); len(jobs) != 6 {
		t.Errorf("Expected 6 deliveries, got %d", len(jobs))
	}
}

func TestLikeOfLocalStatusStaysLocal(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	carol := env.localActor(t, "carol")

	status, err := env.outbox.PublishStatus(env.ctx, carol, Draft{Content: "hi", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	if err := env.outbox.Like(env.ctx, bob, status.Id); err != nil {
		t.Fatalf("Like failed: %v", err)
	}
	if len(env.queued(t)) != 0 {
		t.Error("Liking a local status must not federate")
	}
	if types := notificationTypes(t, env, carol.Id); len(types) != 1 || types[0] != domain.NotifyFavourite {
		t.Errorf("Expected a favourite notification, got %v", types)
	}
}

func TestFollowRejectedThenRefollow(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	alice := env.remoteActor(t, "alice", "remote.example", false)

	first, err := env.outbox.Follow(env.ctx, bob, alice)
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if err := env.db.TransitionFollow(env.ctx, first, domain.FollowRejected); err != nil {
		t.Fatalf("TransitionFollow failed: %v", err)
	}

	second, err := env.outbox.Follow(env.ctx, bob, alice)
	if err != nil {
		t.Fatalf("Refollow failed: %v", err)
	}
	if second.Id == first.Id || second.State != domain.FollowRequested {
		t.Errorf("Expected a fresh requested edge, got %+v", second)
	}
	old, err := env.db.ReadFollowById(env.ctx, first.Id)
	if err != nil {
		t.Fatalf("ReadFollowById failed: %v", err)
	}
	if old.State != domain.FollowUndo {
		t.Errorf("Expected the rejected edge to be closed, got %s", old.State)
	}

	again, err := env.outbox.Follow(env.ctx, bob, alice)
	if err != nil {
		t.Fatalf("Third follow failed: %v", err)
	}
	if again.Id != second.Id {
		t.Error("Following with a live edge must return it")
	}
}

func TestFollowSelfFails(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	if _, err := env.outbox.Follow(env.ctx, bob, bob); !isInvalidAction(err) {
		t.Errorf("Expected InvalidActionError, got %v", err)
	}
}

func TestUnfollowRemote(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	alice := env.remoteActor(t, "alice", "remote.example", false)

	follow, err := env.outbox.Follow(env.ctx, bob, alice)
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	env.queued(t)

	if err := env.outbox.Unfollow(env.ctx, bob, alice); err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}
	if err := env.outbox.Unfollow(env.ctx, bob, alice); err != nil {
		t.Fatalf("Second unfollow failed: %v", err)
	}
	jobs := env.queued(t)
	if len(jobs) != 1 || jobs[0].ActivityType != string(TypeUndo) || jobs[0].ObjectURI != alice.URI {
		t.Fatalf("Expected one Undo of the follow, got %+v", jobs)
	}
	stored, err := env.db.ReadFollowById(env.ctx, follow.Id)
	if err != nil {
		t.Fatalf("ReadFollowById failed: %v", err)
	}
	if stored.State != domain.FollowUndo {
		t.Errorf("Expected undo, got %s", stored.State)
	}
}

func TestRejectFollowRequest(t *testing.T) {
	env := newTestEnv(t)
	carol := env.ids.NewLocalActor("carol", testKeys(t))
	carol.ManuallyApprovesFollowers = true
	if err := env.db.CreateActor(env.ctx, carol); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}
	alice := env.remoteActor(t, "alice", "remote.example", false)
	follow := &domain.Follow{URI: alice.URI + "#follows/1", AccountId: alice.Id, TargetAccountId: carol.Id, State: domain.FollowRequested}
	if err := env.db.CreateFollow(env.ctx, follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	bob := env.localActor(t, "bob")
	if err := env.outbox.RejectFollow(env.ctx, bob, follow.Id); !domain.IsNotFound(err) {
		t.Errorf("Answering someone else's request must be NotFound, got %v", err)
	}
	if err := env.outbox.RejectFollow(env.ctx, carol, follow.Id); err != nil {
		t.Fatalf("RejectFollow failed: %v", err)
	}
	if err := env.outbox.RejectFollow(env.ctx, carol, follow.Id); err != nil {
		t.Fatalf("Second RejectFollow failed: %v", err)
	}
	if err := env.outbox.AuthorizeFollow(env.ctx, carol, follow.Id); !isInvalidAction(err) {
		t.Errorf("Accepting a rejected follow must fail, got %v", err)
	}
	jobs := env.queued(t)
	if len(jobs) != 1 || jobs[0].ActivityType != string(TypeReject) {
		t.Fatalf("Expected one Reject, got %+v", jobs)
	}
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	env.acceptedFollow(t, env.remoteActor(t, "f1", "remote.example", true), bob)
	env.acceptedFollow(t, env.remoteActor(t, "f2", "other.example", false), bob)

	status, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "bye", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	env.queued(t)

	if err := env.outbox.DeleteAccount(env.ctx, bob); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if bob.DeletionStatus != domain.DeletionRemoved {
		t.Errorf("Expected removed, got %s", bob.DeletionStatus)
	}
	jobs := env.queued(t)
	if len(jobs) != 2 {
		t.Fatalf("Expected the Delete to reach both followers, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.ActivityType != string(TypeDelete) || job.ObjectURI != bob.URI {
			t.Errorf("Unexpected job %+v", job)
		}
	}
	stored, err := env.db.ReadStatusById(env.ctx, status.Id)
	if err != nil {
		t.Fatalf("ReadStatusById failed: %v", err)
	}
	if !stored.IsTombstoned() {
		t.Error("Expected the account's statuses to be tombstoned")
	}

	// resuming a finished deletion is a no-op
	if err := env.outbox.DeleteAccount(env.ctx, bob); err != nil {
		t.Fatalf("Second DeleteAccount failed: %v", err)
	}
	if _, err := env.outbox.PublishStatus(env.ctx, bob, Draft{Content: "ghost"}); !isInvalidAction(err) {
		t.Errorf("A deleted actor must not publish, got %v", err)
	}
}

func TestResumeDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	env.acceptedFollow(t, env.remoteActor(t, "f1", "remote.example", true), bob)

	if err := env.db.AdvanceDeletion(env.ctx, bob.Id, domain.DeletionNone, domain.DeletionScheduled); err != nil {
		t.Fatalf("AdvanceDeletion failed: %v", err)
	}
	bob.DeletionStatus = domain.DeletionScheduled

	if err := env.outbox.DeleteAccount(env.ctx, bob); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if len(env.queued(t)) != 0 {
		t.Error("A resumed deletion must not send the Delete again")
	}
	stored, err := env.db.ReadActorById(env.ctx, bob.Id)
	if err != nil {
		t.Fatalf("ReadActorById failed: %v", err)
	}
	if stored.DeletionStatus != domain.DeletionRemoved {
		t.Errorf("Expected removed, got %s", stored.DeletionStatus)
	}
}

func TestOutboxRejectsRemoteActors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.remoteActor(t, "alice", "remote.example", true)
	if _, err := env.outbox.PublishStatus(env.ctx, alice, Draft{Content: "x"}); !isInvalidAction(err) {
		t.Errorf("Expected InvalidActionError, got %v", err)
	}
	if err := env.outbox.Like(env.ctx, alice, uuid.New()); !isInvalidAction(err) {
		t.Errorf("Expected InvalidActionError, got %v", err)
	}
}
