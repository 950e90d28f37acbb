package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/cache"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const maxActorDocumentBytes = 1 << 20

// Directory resolves actors: the cache first, then the store, then the
// remote server. Concurrent fetches of the same actor share one request.
type Directory struct {
	db        *db.DB
	cache     *cache.ActorCache
	client    *http.Client
	conf      *util.AppConfig
	log       *log.Logger
	userAgent string
	group     singleflight.Group
}

func NewDirectory(database *db.DB, actorCache *cache.ActorCache, client *http.Client, conf *util.AppConfig, logger *log.Logger) *Directory {
	return &Directory{
		db:        database,
		cache:     actorCache,
		client:    client,
		conf:      conf,
		log:       logger.WithPrefix("actors"),
		userAgent: util.UserAgent(conf.Conf.SslDomain),
	}
}

// Lookup returns the actor with the given URI, fetching and storing it when
// it is unknown or stale. An actor whose document is gone yields a
// NotFoundError.
func (d *Directory) Lookup(ctx context.Context, uri string) (*domain.Actor, error) {
	if actor, ok := d.cache.Get(ctx, uri); ok {
		return actor, nil
	}

	stored, err := d.db.ReadActorByURI(ctx, uri)
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}
	if stored != nil {
		if stored.IsLocal() {
			return stored, nil
		}
		if time.Since(stored.LastFetchedAt) < d.conf.Conf.ActorCacheTTL {
			d.remember(ctx, stored)
			return stored, nil
		}
	}

	fetched, err := d.fetch(ctx, uri)
	if err != nil && stored != nil && !domain.IsNotFound(err) {
		d.log.Warn("Refetch failed, using stored actor", "uri", uri, "error", err)
		return stored, nil
	}
	return fetched, err
}

// Refresh drops any cached copy and fetches the actor again, for example
// after its key was rotated.
func (d *Directory) Refresh(ctx context.Context, uri string) (*domain.Actor, error) {
	if err := d.cache.Invalidate(ctx, uri); err != nil {
		d.log.Warn("Failed to invalidate actor", "uri", uri, "error", err)
	}
	return d.fetch(ctx, uri)
}

// Invalidate drops the cached copy of uri.
func (d *Directory) Invalidate(ctx context.Context, uri string) error {
	return d.cache.Invalidate(ctx, uri)
}

func (d *Directory) remember(ctx context.Context, actor *domain.Actor) {
	if err := d.cache.Set(ctx, actor); err != nil {
		d.log.Warn("Failed to cache actor", "uri", actor.URI, "error", err)
	}
}

func (d *Directory) fetch(ctx context.Context, uri string) (*domain.Actor, error) {
	v, err, _ := d.group.Do(uri, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.conf.Conf.RequestTimeout)
		defer cancel()

		doc, err := d.fetchDocument(fetchCtx, uri)
		if err != nil {
			return nil, err
		}
		actor, err := ActorFromDocument(doc)
		if err != nil {
			return nil, err
		}
		if actor.URI != uri {
			return nil, domain.NewValidationError("actor document %s claims id %s", uri, actor.URI)
		}
		actor.LastFetchedAt = time.Now().UTC()
		stored, err := d.db.UpsertRemoteActor(fetchCtx, actor)
		if err != nil {
			return nil, err
		}
		d.remember(fetchCtx, stored)
		d.log.Debug("Fetched actor", "uri", uri)
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Actor), nil
}

func (d *Directory) fetchDocument(ctx context.Context, uri string) (*ActorDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, domain.NewValidationError("invalid actor uri %q", uri)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching actor %s", uri)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, &domain.NotFoundError{Kind: "actor", Key: uri}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("actor fetch for %s failed with status: %d", uri, resp.StatusCode)
	}

	var doc ActorDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxActorDocumentBytes)).Decode(&doc); err != nil {
		return nil, domain.NewValidationError("failed to parse actor JSON: %v", err)
	}
	return &doc, nil
}

// Discover resolves a handle ("user@domain", with or without a leading
// "@") through WebFinger.
func (d *Directory) Discover(ctx context.Context, handle string) (*domain.Actor, error) {
	username, host, err := SplitHandle(handle)
	if err != nil {
		return nil, err
	}
	if host == d.conf.Conf.SslDomain {
		return d.db.ReadLocalActorByUsername(ctx, username)
	}
	if stored, err := d.db.ReadActorByHandle(ctx, username, host); err == nil {
		return d.Lookup(ctx, stored.URI)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, d.conf.Conf.RequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", host, url.QueryEscape("acct:"+username+"@"+host))
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building webfinger request")
	}
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "webfinger for %s", handle)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &domain.NotFoundError{Kind: "actor", Key: handle}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("webfinger for %s failed with status: %d", handle, resp.StatusCode)
	}

	var jrd WebfingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxActorDocumentBytes)).Decode(&jrd); err != nil {
		return nil, domain.NewValidationError("failed to parse webfinger response: %v", err)
	}
	for _, link := range jrd.Links {
		if link.Rel == "self" && (link.Type == ContentType || strings.Contains(link.Type, "activitystreams")) {
			return d.Lookup(ctx, link.Href)
		}
	}
	return nil, &domain.NotFoundError{Kind: "actor", Key: handle}
}

// WebfingerResponse is a JRD document.
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// SplitHandle parses "user@domain" or "@user@domain".
func SplitHandle(handle string) (string, string, error) {
	handle = strings.TrimPrefix(strings.TrimPrefix(handle, "acct:"), "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.NewValidationError("invalid handle %q", handle)
	}
	return parts[0], strings.ToLower(parts[1]), nil
}

// ActorFromDocument maps a fetched actor document onto a remote actor.
func ActorFromDocument(doc *ActorDocument) (*domain.Actor, error) {
	if doc.Id == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, domain.NewValidationError("actor missing required fields")
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.Id {
		return nil, domain.NewValidationError("key of %s is owned by %s", doc.Id, doc.PublicKey.Owner)
	}
	parsed, err := url.Parse(doc.Id)
	if err != nil || parsed.Host == "" {
		return nil, domain.NewValidationError("invalid actor URI %q", doc.Id)
	}
	username := doc.PreferredUsername
	if username == "" {
		username = extractUsername(doc.Id)
	}
	return &domain.Actor{
		Username:                  username,
		Domain:                    parsed.Host,
		URI:                       doc.Id,
		DisplayName:               doc.Name,
		Summary:                   doc.Summary,
		InboxURI:                  doc.Inbox,
		SharedInboxURI:            doc.Endpoints.SharedInbox,
		OutboxURI:                 doc.Outbox,
		FollowersURI:              doc.Followers,
		FollowingURI:              doc.Following,
		PublicKeyPem:              doc.PublicKey.PublicKeyPem,
		ManuallyApprovesFollowers: doc.ManuallyApprovesFollowers,
		DefaultVisibility:         domain.VisibilityPublic,
		DeletionStatus:            domain.DeletionNone,
	}, nil
}

// DocumentFromActor renders a local actor.
func DocumentFromActor(a *domain.Actor) *ActorDocument {
	return &ActorDocument{
		Context:                   []any{ContextActivityStreams, ContextSecurity},
		Id:                        a.URI,
		Type:                      "Person",
		PreferredUsername:         a.Username,
		Name:                      a.DisplayName,
		Summary:                   a.Summary,
		Inbox:                     a.InboxURI,
		Outbox:                    a.OutboxURI,
		Followers:                 a.FollowersURI,
		Following:                 a.FollowingURI,
		ManuallyApprovesFollowers: a.ManuallyApprovesFollowers,
		Published:                 a.CreatedAt.UTC().Format(time.RFC3339),
		Endpoints:                 Endpoints{SharedInbox: a.SharedInboxURI},
		PublicKey: PublicKey{
			Id:           a.KeyId(),
			Owner:        a.URI,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
