package web

import (
	"net/http"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// localActor loads the actor named in the path. Removed accounts answer 410.
func (h *Handler) localActor(c *gin.Context) (*domain.Actor, bool) {
	actor, err := h.db.ReadLocalActorByUsername(c.Request.Context(), c.Param("actor"))
	if err != nil {
		h.abort(c, err)
		return nil, false
	}
	if actor.DeletionStatus != domain.DeletionNone {
		c.Header("Content-Type", activityJSON)
		c.AbortWithStatusJSON(http.StatusGone, activitypub.Tombstone{Id: actor.URI, Type: "Tombstone"})
		return nil, false
	}
	return actor, true
}

func (h *Handler) actor(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, activitypub.DocumentFromActor(actor))
}

func (h *Handler) followers(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	n, err := h.db.CountFollowers(c.Request.Context(), actor.Id)
	if err != nil {
		h.abort(c, err)
		return
	}
	h.collection(c, actor.FollowersURI, n)
}

func (h *Handler) following(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	n, err := h.db.CountFollowing(c.Request.Context(), actor.Id)
	if err != nil {
		h.abort(c, err)
		return
	}
	h.collection(c, actor.FollowingURI, n)
}

func (h *Handler) collection(c *gin.Context, id string, total int) {
	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, activitypub.OrderedCollection{
		Context:    activitypub.ContextActivityStreams,
		Id:         id,
		Type:       "OrderedCollection",
		TotalItems: total,
	})
}

// note serves a local status as its object. Deleted statuses answer 410
// with a tombstone; statuses that are not public are not served.
func (h *Handler) note(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Invalid note ID"})
		return
	}
	ctx := c.Request.Context()
	status, err := h.db.ReadStatusById(ctx, id)
	if err != nil {
		h.abort(c, err)
		return
	}
	if !status.Local || status.ReblogOfId != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	c.Header("Content-Type", activityJSON)
	if status.IsTombstoned() {
		c.JSON(http.StatusGone, activitypub.Tombstone{Id: status.URI, Type: "Tombstone"})
		return
	}
	if status.Visibility != domain.VisibilityPublic && status.Visibility != domain.VisibilityUnlisted {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}

	author, err := h.db.ReadActorById(ctx, status.AccountId)
	if err != nil {
		h.abort(c, err)
		return
	}
	note, err := h.outbox.Composer().Note(author, status)
	if err != nil {
		h.abort(c, err)
		return
	}
	note.Context = activitypub.ContextActivityStreams
	c.JSON(http.StatusOK, note)
}
