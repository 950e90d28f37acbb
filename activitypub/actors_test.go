package activitypub

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/jarcoal/httpmock"
)

func remoteDocument(t *testing.T, uri string) *ActorDocument {
	t.Helper()
	return &ActorDocument{
		Context:           ContextActivityStreams,
		Id:                uri,
		Type:              "Person",
		PreferredUsername: "alice",
		Name:              "Alice Example",
		Inbox:             uri + "/inbox",
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Endpoints:         Endpoints{SharedInbox: "https://remote.example/inbox"},
		PublicKey: PublicKey{
			Id:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: testKeys(t).Public,
		},
	}
}

func TestLookupFetchesAndStores(t *testing.T) {
	env := newTestEnv(t)
	uri := "https://remote.example/users/alice"
	httpmock.RegisterResponder("GET", uri, httpmock.NewJsonResponderOrPanic(200, remoteDocument(t, uri)))

	actor, err := env.directory.Lookup(env.ctx, uri)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if actor.Username != "alice" || actor.Domain != "remote.example" {
		t.Errorf("Unexpected actor %s@%s", actor.Username, actor.Domain)
	}
	if actor.IsLocal() {
		t.Error("Fetched actor must not be local")
	}
	if actor.DeliveryInbox() != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got %s", actor.DeliveryInbox())
	}

	stored, err := env.db.ReadActorByURI(env.ctx, uri)
	if err != nil {
		t.Fatalf("Actor was not stored: %v", err)
	}
	if stored.Id != actor.Id {
		t.Errorf("Stored id %s differs from returned id %s", stored.Id, actor.Id)
	}

	if _, err := env.directory.Lookup(env.ctx, uri); err != nil {
		t.Fatalf("Second lookup failed: %v", err)
	}
	if calls := httpmock.GetCallCountInfo()["GET "+uri]; calls != 1 {
		t.Errorf("Expected 1 fetch, got %d", calls)
	}
}

func TestLookupStaleActorRefetches(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.ActorCacheTTL = time.Nanosecond
	alice := env.remoteActor(t, "alice", "remote.example", true)

	doc := remoteDocument(t, alice.URI)
	doc.Name = "Alice Renamed"
	httpmock.RegisterResponder("GET", alice.URI, httpmock.NewJsonResponderOrPanic(200, doc))

	actor, err := env.directory.Lookup(env.ctx, alice.URI)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if actor.DisplayName != "Alice Renamed" {
		t.Errorf("Expected refreshed display name, got %q", actor.DisplayName)
	}
	if actor.Id != alice.Id {
		t.Error("Refetch must keep the stored id")
	}
}

func TestLookupFallsBackToStoredCopy(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.ActorCacheTTL = time.Nanosecond
	alice := env.remoteActor(t, "alice", "remote.example", false)
	httpmock.RegisterResponder("GET", alice.URI, httpmock.NewStringResponder(503, "down"))

	actor, err := env.directory.Lookup(env.ctx, alice.URI)
	if err != nil {
		t.Fatalf("Expected stored copy, got error: %v", err)
	}
	if actor.URI != alice.URI {
		t.Errorf("Unexpected actor %s", actor.URI)
	}
}

func TestLookupGoneActor(t *testing.T) {
	env := newTestEnv(t)
	uri := "https://remote.example/users/gone"
	httpmock.RegisterResponder("GET", uri, httpmock.NewStringResponder(http.StatusGone, ""))

	_, err := env.directory.Lookup(env.ctx, uri)
	if !domain.IsNotFound(err) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestLookupRejectsMismatchedId(t *testing.T) {
	env := newTestEnv(t)
	uri := "https://remote.example/users/alice"
	httpmock.RegisterResponder("GET", uri,
		httpmock.NewJsonResponderOrPanic(200, remoteDocument(t, "https://remote.example/users/mallory")))

	_, err := env.directory.Lookup(env.ctx, uri)
	if !domain.IsValidation(err) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if _, err := env.db.ReadActorByURI(env.ctx, uri); !domain.IsNotFound(err) {
		t.Error("Mismatched document must not be stored")
	}
}

func TestLookupLocalActorNeverFetches(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.ActorCacheTTL = time.Nanosecond
	bob := env.localActor(t, "bob")

	actor, err := env.directory.Lookup(env.ctx, bob.URI)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !actor.IsLocal() {
		t.Error("Expected local actor")
	}
	if httpmock.GetTotalCallCount() != 0 {
		t.Errorf("Expected no HTTP calls, got %d", httpmock.GetTotalCallCount())
	}
}

func TestDiscoverViaWebfinger(t *testing.T) {
	env := newTestEnv(t)
	uri := "https://remote.example/users/alice"
	httpmock.RegisterResponder("GET", "https://remote.example/.well-known/webfinger",
		func(req *http.Request) (*http.Response, error) {
			if got := req.URL.Query().Get("resource"); got != "acct:alice@remote.example" {
				return httpmock.NewStringResponse(404, ""), nil
			}
			return httpmock.NewJsonResponse(200, WebfingerResponse{
				Subject: "acct:alice@remote.example",
				Links: []WebfingerLink{
					{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://remote.example/@alice"},
					{Rel: "self", Type: ContentType, Href: uri},
				},
			})
		})
	httpmock.RegisterResponder("GET", uri, httpmock.NewJsonResponderOrPanic(200, remoteDocument(t, uri)))

	actor, err := env.directory.Discover(env.ctx, "@alice@remote.example")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if actor.URI != uri {
		t.Errorf("Expected %s, got %s", uri, actor.URI)
	}

	// the second discovery is served from the store
	if _, err := env.directory.Discover(env.ctx, "alice@remote.example"); err != nil {
		t.Fatalf("Second discover failed: %v", err)
	}
	if calls := httpmock.GetCallCountInfo()["GET https://remote.example/.well-known/webfinger"]; calls != 1 {
		t.Errorf("Expected 1 webfinger call, got %d", calls)
	}
}

func TestDiscoverLocalHandle(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	actor, err := env.directory.Discover(env.ctx, "bob@"+localDomain)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if actor.Id != bob.Id {
		t.Error("Expected the local actor")
	}
}

func TestDiscoverUnknownHandle(t *testing.T) {
	env := newTestEnv(t)
	httpmock.RegisterResponder("GET", "https://remote.example/.well-known/webfinger", httpmock.NewStringResponder(404, ""))

	_, err := env.directory.Discover(env.ctx, "nobody@remote.example")
	if !domain.IsNotFound(err) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestSplitHandle(t *testing.T) {
	tests := []struct {
		handle   string
		username string
		host     string
		wantErr  bool
	}{
		{"alice@remote.example", "alice", "remote.example", false},
		{"@alice@Remote.Example", "alice", "remote.example", false},
		{"acct:alice@remote.example", "alice", "remote.example", false},
		{"alice", "", "", true},
		{"@remote.example", "", "", true},
		{"a@b@c", "", "", true},
	}
	for _, tt := range tests {
		username, host, err := SplitHandle(tt.handle)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitHandle(%q) error = %v, wantErr %v", tt.handle, err, tt.wantErr)
			continue
		}
		if username != tt.username || host != tt.host {
			t.Errorf("SplitHandle(%q) = %q, %q", tt.handle, username, host)
		}
	}
}

func TestActorFromDocumentValidation(t *testing.T) {
	uri := "https://remote.example/users/alice"

	doc := remoteDocument(t, uri)
	doc.PublicKey.Owner = "https://remote.example/users/mallory"
	if _, err := ActorFromDocument(doc); !domain.IsValidation(err) {
		t.Errorf("Expected ValidationError for foreign key owner, got %v", err)
	}

	doc = remoteDocument(t, uri)
	doc.Inbox = ""
	if _, err := ActorFromDocument(doc); !domain.IsValidation(err) {
		t.Errorf("Expected ValidationError for missing inbox, got %v", err)
	}

	doc = remoteDocument(t, uri)
	doc.PreferredUsername = ""
	actor, err := ActorFromDocument(doc)
	if err != nil {
		t.Fatalf("ActorFromDocument failed: %v", err)
	}
	if actor.Username != "alice" {
		t.Errorf("Expected username from URI, got %q", actor.Username)
	}
}

func TestDocumentFromActor(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	doc := DocumentFromActor(bob)
	if doc.Id != "https://"+localDomain+"/users/bob" {
		t.Errorf("Unexpected id %s", doc.Id)
	}
	if doc.PublicKey.Id != bob.URI+"#main-key" || doc.PublicKey.Owner != bob.URI {
		t.Errorf("Unexpected key %+v", doc.PublicKey)
	}
	if doc.Endpoints.SharedInbox != "https://"+localDomain+"/inbox" {
		t.Errorf("Unexpected shared inbox %s", doc.Endpoints.SharedInbox)
	}
	if !strings.Contains(doc.PublicKey.PublicKeyPem, "PUBLIC KEY") {
		t.Error("Expected PEM public key")
	}
}

func TestExtractUsername(t *testing.T) {
	tests := []struct {
		uri      string
		expected string
	}{
		{"https://example.com/users/alice", "alice"},
		{"https://example.com/@alice", "alice"},
		{"https://example.com/users/alice/", "alice"},
	}
	for _, tt := range tests {
		if got := extractUsername(tt.uri); got != tt.expected {
			t.Errorf("extractUsername(%q) = %q, want %q", tt.uri, got, tt.expected)
		}
	}
}
