package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
)

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	var invalidAction *domain.InvalidActionError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsValidation(err), errors.As(err, &invalidAction):
		return http.StatusUnprocessableEntity
	case domain.IsAuthorization(err):
		return http.StatusUnauthorized
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) abort(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatusJSON(code, gin.H{"error": "Internal server error"})
		return
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (h *Handler) sharedInbox(c *gin.Context) {
	h.receive(c)
}

func (h *Handler) personalInbox(c *gin.Context) {
	if _, err := h.db.ReadLocalActorByUsername(c.Request.Context(), c.Param("actor")); err != nil {
		h.abort(c, err)
		return
	}
	h.receive(c)
}

// receive hands the activity to the processor. Malformed activities get
// 400, unverifiable ones 401; everything accepted, no-ops included, 202.
func (h *Handler) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Could not read body"})
		return
	}

	err = h.processor.Receive(c.Request.Context(), c.Request, body)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case domain.IsValidation(err):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case domain.IsAuthorization(err):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Signature verification failed"})
	default:
		h.abort(c, err)
	}
}
