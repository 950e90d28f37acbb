// Package auth issues and resolves the bearer tokens that authorize API
// callers to act as a local actor.
package auth

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

const DefaultTTL = 90 * 24 * time.Hour

// ParseScopes reads a comma separated scope list such as "read,write".
func ParseScopes(s string) ([]Scope, error) {
	var scopes []Scope
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch Scope(part) {
		case ScopeRead, ScopeWrite:
			if !slices.Contains(scopes, Scope(part)) {
				scopes = append(scopes, Scope(part))
			}
		case "":
		default:
			return nil, domain.NewValidationError("unknown scope %q", part)
		}
	}
	if len(scopes) == 0 {
		return nil, domain.NewValidationError("no scopes")
	}
	return scopes, nil
}

// Identity is a resolved credential: the actor it acts as and what it may do.
type Identity struct {
	Actor  *domain.Actor
	Scopes []Scope
}

func (i *Identity) Allows(scope Scope) bool {
	return i != nil && slices.Contains(i.Scopes, scope)
}

type claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Provider signs tokens with an HS256 secret and resolves them against
// the local actors in the store.
type Provider struct {
	db     *db.DB
	secret []byte
	issuer string
	now    func() time.Time
}

func NewProvider(database *db.DB, secret, issuer string) *Provider {
	return &Provider{
		db:     database,
		secret: []byte(secret),
		issuer: issuer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a token for a local actor. A zero ttl means DefaultTTL.
func (p *Provider) Issue(actor *domain.Actor, scopes []Scope, ttl time.Duration) (string, error) {
	if !actor.IsLocal() {
		return "", domain.NewValidationError("%s is not a local actor", actor.Handle())
	}
	if len(scopes) == 0 {
		return "", domain.NewValidationError("no scopes")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}
	now := p.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Scope: strings.Join(names, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   actor.Id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return signed, nil
}

// Resolve maps a raw bearer token to its Identity. Any problem with the
// token, or an actor that is gone or being deleted, is an AuthorizationError.
func (p *Provider) Resolve(ctx context.Context, raw string) (*Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, &domain.AuthorizationError{Reason: "invalid token", Err: err}
	}

	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, &domain.AuthorizationError{Reason: "invalid subject", Err: err}
	}
	actor, err := p.db.ReadActorById(ctx, id)
	if domain.IsNotFound(err) {
		return nil, &domain.AuthorizationError{Reason: "unknown actor"}
	}
	if err != nil {
		return nil, err
	}
	if !actor.IsLocal() || actor.DeletionStatus != domain.DeletionNone {
		return nil, &domain.AuthorizationError{Reason: "actor cannot act"}
	}

	identity := &Identity{Actor: actor}
	for _, s := range strings.Fields(c.Scope) {
		switch Scope(s) {
		case ScopeRead, ScopeWrite:
			identity.Scopes = append(identity.Scopes, Scope(s))
		}
	}
	return identity, nil
}
