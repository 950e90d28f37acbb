package auth

import (
	"context"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Provider, *db.DB) {
	t.Helper()
	database, err := db.Open(context.Background(), ":memory:", util.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewProvider(database, "s3cret", "https://local.example"), database
}

func createActor(t *testing.T, database *db.DB, username string, local bool) *domain.Actor {
	t.Helper()
	a := &domain.Actor{
		Username:     username,
		Domain:       "local.example",
		URI:          "https://local.example/users/" + username,
		InboxURI:     "https://local.example/users/" + username + "/inbox",
		PublicKeyPem: "pub",
	}
	if local {
		a.PrivateKeyPem = "priv"
	}
	require.NoError(t, database.CreateActor(context.Background(), a))
	return a
}

func TestParseScopes(t *testing.T) {
	scopes, err := ParseScopes("read, write,read")
	require.NoError(t, err)
	assert.Equal(t, []Scope{ScopeRead, ScopeWrite}, scopes)

	_, err = ParseScopes("read,admin")
	assert.True(t, domain.IsValidation(err))
	_, err = ParseScopes(" , ")
	assert.True(t, domain.IsValidation(err))
}

func TestIssueAndResolve(t *testing.T) {
	p, database := setup(t)
	alice := createActor(t, database, "alice", true)

	token, err := p.Issue(alice, []Scope{ScopeRead}, time.Hour)
	require.NoError(t, err)

	identity, err := p.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, alice.Id, identity.Actor.Id)
	assert.True(t, identity.Allows(ScopeRead))
	assert.False(t, identity.Allows(ScopeWrite))

	var nobody *Identity
	assert.False(t, nobody.Allows(ScopeRead))
}

func TestIssueRejectsRemoteActors(t *testing.T) {
	p, database := setup(t)
	remote := createActor(t, database, "remote", false)

	_, err := p.Issue(remote, []Scope{ScopeRead}, 0)
	assert.True(t, domain.IsValidation(err))
}

func TestResolveRejects(t *testing.T) {
	p, database := setup(t)
	alice := createActor(t, database, "alice", true)
	ctx := context.Background()

	valid, err := p.Issue(alice, []Scope{ScopeRead, ScopeWrite}, time.Hour)
	require.NoError(t, err)

	other := NewProvider(database, "other-secret", "https://local.example")
	forged, err := other.Issue(alice, []Scope{ScopeWrite}, time.Hour)
	require.NoError(t, err)

	foreign := NewProvider(database, "s3cret", "https://elsewhere.example")
	wrongIssuer, err := foreign.Issue(alice, []Scope{ScopeWrite}, time.Hour)
	require.NoError(t, err)

	past := NewProvider(database, "s3cret", "https://local.example")
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := past.Issue(alice, []Scope{ScopeWrite}, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": alice.Id.String(), "iss": "https://local.example"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"unsigned", unsigned},
		{"tampered", valid[:len(valid)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Resolve(ctx, tt.token)
			assert.True(t, domain.IsAuthorization(err), "got %v", err)
		})
	}
}

func TestResolveRejectsDeletedActor(t *testing.T) {
	p, database := setup(t)
	alice := createActor(t, database, "alice", true)
	token, err := p.Issue(alice, []Scope{ScopeWrite}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, database.AdvanceDeletion(context.Background(), alice.Id, domain.DeletionNone, domain.DeletionScheduled))
	_, err = p.Resolve(context.Background(), token)
	assert.True(t, domain.IsAuthorization(err))
}
