package activitypub

import (
	"context"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
)

// ActorLookup resolves actor URIs; *Directory implements it.
type ActorLookup interface {
	Lookup(ctx context.Context, uri string) (*domain.Actor, error)
}

// Resolver computes the destination inboxes of an outbound activity.
type Resolver struct {
	db     *db.DB
	actors ActorLookup
	log    *log.Logger
}

func NewResolver(database *db.DB, actors ActorLookup, logger *log.Logger) *Resolver {
	return &Resolver{db: database, actors: actors, log: logger.WithPrefix("resolver")}
}

// Resolve returns the deduplicated, sorted inboxes doc must be delivered
// to. The public collection and the sender's followers collection expand
// to the followers' inboxes, shared ones preferred. Local actors and the
// sender's own inboxes are never included. Recipients that cannot be
// resolved are skipped.
func (r *Resolver) Resolve(ctx context.Context, sender *domain.Actor, doc *Document) ([]string, error) {
	seen := map[string]bool{}
	expanded := false
	var inboxes []string
	add := func(inbox string) {
		if inbox == "" || seen[inbox] {
			return
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}

	for _, recipient := range doc.Recipients() {
		if recipient == "" {
			continue
		}
		if recipient == PublicCollection || recipient == sender.FollowersURI {
			if expanded {
				continue
			}
			expanded = true
			followers, err := r.db.ReadFollowerInboxes(ctx, sender.Id)
			if err != nil {
				return nil, err
			}
			for _, inbox := range followers {
				add(inbox)
			}
			continue
		}
		if recipient == sender.URI {
			continue
		}

		actor, err := r.actors.Lookup(ctx, recipient)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn("Skipping unresolvable recipient", "recipient", recipient, "activity", doc.Id, "error", err)
			continue
		}
		if actor.IsLocal() {
			continue
		}
		add(actor.DeliveryInbox())
	}

	out := inboxes[:0]
	for _, inbox := range inboxes {
		if inbox == sender.InboxURI || inbox == sender.SharedInboxURI {
			continue
		}
		out = append(out, inbox)
	}
	sort.Strings(out)
	return out, nil
}
