package web

import (
	"net/http"
	"strings"
	"testing"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
)

func TestWebfinger(t *testing.T) {
	env := newTestEnv(t)
	bob := env.localActor(t, "bob")

	w := env.do(t, "GET", "/.well-known/webfinger?resource=acct:bob@"+localDomain, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/jrd+json") {
		t.Errorf("Unexpected content type %q", ct)
	}

	var jrd activitypub.WebfingerResponse
	decode(t, w, &jrd)
	if jrd.Subject != "acct:bob@"+localDomain {
		t.Errorf("Unexpected subject %q", jrd.Subject)
	}
	if len(jrd.Links) != 1 || jrd.Links[0].Rel != "self" || jrd.Links[0].Href != bob.URI {
		t.Errorf("Unexpected links %+v", jrd.Links)
	}
	if jrd.Links[0].Type != activitypub.ContentType {
		t.Errorf("Unexpected link type %q", jrd.Links[0].Type)
	}
}

func TestWebfingerNotFound(t *testing.T) {
	env := newTestEnv(t)
	carol := env.localActor(t, "carol")
	if err := env.db.AdvanceDeletion(env.ctx, carol.Id, domain.DeletionNone, domain.DeletionScheduled); err != nil {
		t.Fatalf("AdvanceDeletion failed: %v", err)
	}

	tests := []struct {
		name     string
		resource string
		want     int
	}{
		{name: "unknown user", resource: "acct:nobody@" + localDomain, want: http.StatusNotFound},
		{name: "foreign domain", resource: "acct:bob@remote.example", want: http.StatusNotFound},
		{name: "deleted user", resource: "acct:carol@" + localDomain, want: http.StatusNotFound},
		{name: "malformed", resource: "bob", want: http.StatusBadRequest},
		{name: "missing", resource: "", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/.well-known/webfinger?resource="+tt.resource, "", nil)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
