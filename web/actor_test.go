package web

import (
	"net/http"
	"strings"
	"testing"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
)

func TestActorDocument(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	w := env.do(t, "GET", "/users/bob", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, activitypub.ContentType) {
		t.Errorf("Unexpected content type %q", ct)
	}
	var doc activitypub.ActorDocument
	decode(t, w, &doc)
	if doc.Id != bob.URI || doc.Inbox != bob.InboxURI {
		t.Errorf("Unexpected document %+v", doc)
	}
	if doc.PublicKey.Id != bob.KeyId() || doc.PublicKey.PublicKeyPem != bob.PublicKeyPem {
		t.Errorf("Unexpected public key %+v", doc.PublicKey)
	}
}

func TestActorUnknownAndDeleted(t *testing.T) {
	env := newTestEnv(t)
	carol := env.localActor(t, "carol")

	if w := env.do(t, "GET", "/users/nobody", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown actor, got %d", w.Code)
	}

	if err := env.db.AdvanceDeletion(env.ctx, carol.Id, domain.DeletionNone, domain.DeletionScheduled); err != nil {
		t.Fatalf("AdvanceDeletion failed: %v", err)
	}
	w := env.do(t, "GET", "/users/carol", "", nil)
	if w.Code != http.StatusGone {
		t.Fatalf("Expected 410, got %d", w.Code)
	}
	var tomb activitypub.Tombstone
	decode(t, w, &tomb)
	if tomb.Type != "Tombstone" || tomb.Id != carol.URI {
		t.Errorf("Unexpected tombstone %+v", tomb)
	}
}

func TestFollowersCollection(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")
	alice := env.remoteActor(t, "alice", "remote.example")
	f := &domain.Follow{
		URI:             alice.URI + "#follows/bob",
		AccountId:       alice.Id,
		TargetAccountId: bob.Id,
		State:           domain.FollowAccepted,
	}
	if err := env.db.CreateFollow(env.ctx, f); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	w := env.do(t, "GET", "/users/bob/followers", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var coll activitypub.OrderedCollection
	decode(t, w, &coll)
	if coll.Id != bob.FollowersURI || coll.TotalItems != 1 || coll.Type != "OrderedCollection" {
		t.Errorf("Unexpected collection %+v", coll)
	}

	w = env.do(t, "GET", "/users/bob/following", "", nil)
	decode(t, w, &coll)
	if coll.TotalItems != 0 {
		t.Errorf("Expected bob to follow nobody, got %d", coll.TotalItems)
	}
}

func TestNoteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	public, err := env.outbox.PublishStatus(env.ctx, bob, activitypub.Draft{Content: "hello", Visibility: domain.VisibilityPublic})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}
	private, err := env.outbox.PublishStatus(env.ctx, bob, activitypub.Draft{Content: "secret", Visibility: domain.VisibilityPrivate})
	if err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	w := env.do(t, "GET", "/notes/"+public.Id.String(), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var note map[string]any
	decode(t, w, &note)
	if note["id"] != public.URI || note["type"] != "Note" || note["content"] != "<p>hello</p>" {
		t.Errorf("Unexpected note %v", note)
	}
	if note["@context"] == nil {
		t.Error("Expected a JSON-LD context")
	}

	if w := env.do(t, "GET", "/notes/"+private.Id.String(), "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a followers-only note, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/notes/not-a-uuid", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a bad id, got %d", w.Code)
	}

	if err := env.outbox.DeleteStatus(env.ctx, bob, public.Id); err != nil {
		t.Fatalf("DeleteStatus failed: %v", err)
	}
	w = env.do(t, "GET", "/notes/"+public.Id.String(), "", nil)
	if w.Code != http.StatusGone {
		t.Fatalf("Expected 410 for a deleted note, got %d", w.Code)
	}
	var tomb activitypub.Tombstone
	decode(t, w, &tomb)
	if tomb.Id != public.URI {
		t.Errorf("Unexpected tombstone %+v", tomb)
	}
}
