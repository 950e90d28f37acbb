package web

import (
	"net/http"
	"strconv"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
)

const outboxPageSize = 20

// collectionPage is the first page of an actor's outbox.
type collectionPage struct {
	Context      any    `json:"@context"`
	Id           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf"`
	OrderedItems []any  `json:"orderedItems"`
}

// actorOutbox returns the collection summary, or with ?page=true the
// Create activities of the newest public statuses.
func (h *Handler) actorOutbox(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if page, _ := strconv.ParseBool(c.Query("page")); !page {
		n, err := h.db.CountStatuses(ctx, actor.Id)
		if err != nil {
			h.abort(c, err)
			return
		}
		c.Header("Content-Type", activityJSON)
		c.JSON(http.StatusOK, activitypub.OrderedCollection{
			Context:    activitypub.ContextActivityStreams,
			Id:         actor.OutboxURI,
			Type:       "OrderedCollection",
			TotalItems: n,
			First:      actor.OutboxURI + "?page=true",
		})
		return
	}

	statuses, err := h.db.ReadStatusesByAccount(ctx, actor.Id, outboxPageSize)
	if err != nil {
		h.abort(c, err)
		return
	}
	items := []any{}
	for _, s := range statuses {
		if s.Visibility != domain.VisibilityPublic || s.ReblogOfId != nil || s.IsTombstoned() {
			continue
		}
		doc, err := h.outbox.Composer().Create(actor, s)
		if err != nil {
			h.log.Warn("Skipping status in outbox", "status", s.URI, "error", err)
			continue
		}
		doc.Context = nil
		items = append(items, doc)
	}
	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, collectionPage{
		Context:      activitypub.ContextActivityStreams,
		Id:           actor.OutboxURI + "?page=true",
		Type:         "OrderedCollectionPage",
		PartOf:       actor.OutboxURI,
		OrderedItems: items,
	})
}
