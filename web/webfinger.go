package web

import (
	"net/http"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
)

// webfinger answers acct: lookups for local actors.
func (h *Handler) webfinger(c *gin.Context) {
	resource := c.Query("resource")
	username, host, err := activitypub.SplitHandle(resource)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "Invalid resource"})
		return
	}
	if host != h.conf.Conf.SslDomain {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	actor, err := h.db.ReadLocalActorByUsername(c.Request.Context(), username)
	if err != nil || actor.DeletionStatus != domain.DeletionNone {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.WebfingerResponse{
		Subject: "acct:" + actor.Username + "@" + h.conf.Conf.SslDomain,
		Aliases: []string{actor.URI},
		Links: []activitypub.WebfingerLink{
			{Rel: "self", Type: activitypub.ContentType, Href: actor.URI},
		},
	})
}
