package web

import (
	"context"
	"net/http"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const feedSize = 40

// feed renders public local statuses as RSS, either the whole instance or,
// under /users/:actor/feed, one actor.
func (h *Handler) feed(c *gin.Context) {
	ctx := c.Request.Context()
	feed := &feeds.Feed{
		Title:       h.conf.Conf.SslDomain,
		Link:        &feeds.Link{Href: h.conf.BaseURL()},
		Description: "Public posts on " + h.conf.Conf.SslDomain,
	}

	var statuses []*domain.Status
	if c.Param("actor") != "" {
		actor, ok := h.localActor(c)
		if !ok {
			return
		}
		feed.Title = actor.DisplayName + " (" + actor.Handle() + ")"
		feed.Link = &feeds.Link{Href: actor.URI}
		feed.Description = "Public posts by " + actor.Handle()
		feed.Author = &feeds.Author{Name: actor.DisplayName}

		own, err := h.db.ReadStatusesByAccount(ctx, actor.Id, feedSize)
		if err != nil {
			h.abort(c, err)
			return
		}
		statuses = own
	} else {
		items, err := h.timeline.Public(ctx, true, 0, feedSize)
		if err != nil {
			h.abort(c, err)
			return
		}
		for _, item := range items {
			statuses = append(statuses, item.Status)
		}
	}

	authors := map[uuid.UUID]*domain.Actor{}
	for _, s := range statuses {
		if s.Visibility != domain.VisibilityPublic || s.ReblogOfId != nil || s.IsTombstoned() {
			continue
		}
		author, err := h.author(ctx, authors, s.AccountId)
		if err != nil {
			h.abort(c, err)
			return
		}
		if feed.Created.IsZero() || s.CreatedAt.After(feed.Created) {
			feed.Created = s.CreatedAt
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          s.URI,
			Title:       feedTitle(s),
			Link:        &feeds.Link{Href: s.URI},
			Description: s.Content,
			Author:      &feeds.Author{Name: author.Handle()},
			Created:     s.CreatedAt,
			Updated:     s.UpdatedAt,
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		h.abort(c, err)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

func (h *Handler) author(ctx context.Context, seen map[uuid.UUID]*domain.Actor, id uuid.UUID) (*domain.Actor, error) {
	if a, ok := seen[id]; ok {
		return a, nil
	}
	a, err := h.db.ReadActorById(ctx, id)
	if err != nil {
		return nil, err
	}
	seen[id] = a
	return a, nil
}

// feedTitle is the content warning, or the start of the plain text.
func feedTitle(s *domain.Status) string {
	if s.ContentWarning != "" {
		return s.ContentWarning
	}
	text := []rune(activitypub.PlainText(s.Content))
	if len(text) > 60 {
		return string(text[:60]) + "…"
	}
	return string(text)
}
