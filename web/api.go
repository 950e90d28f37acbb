package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultPageSize = 20

type statusRequest struct {
	Status      string   `json:"status"`
	SpoilerText string   `json:"spoiler_text"`
	Visibility  string   `json:"visibility"`
	InReplyTo   string   `json:"in_reply_to"`
	Mentions    []string `json:"mentions"`
	Poll        *struct {
		Options []string `json:"options"`
	} `json:"poll"`
}

type followRequest struct {
	Handle string `json:"handle" binding:"required"`
}

type StatusView struct {
	Id          string     `json:"id"`
	URI         string     `json:"uri"`
	AccountId   string     `json:"account_id"`
	Content     string     `json:"content"`
	SpoilerText string     `json:"spoiler_text"`
	Visibility  string     `json:"visibility"`
	InReplyTo   string     `json:"in_reply_to,omitempty"`
	ReblogOf    string     `json:"reblog_of,omitempty"`
	Poll        []string   `json:"poll,omitempty"`
	Mentions    []string   `json:"mentions"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

type TimelineView struct {
	Id     int64      `json:"id"`
	Status StatusView `json:"status"`
}

type NotificationView struct {
	Id        int64     `json:"id"`
	Type      string    `json:"type"`
	AccountId string    `json:"account_id"`
	StatusId  string    `json:"status_id,omitempty"`
	FollowId  string    `json:"follow_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type FollowView struct {
	Id        string `json:"id"`
	URI       string `json:"uri"`
	AccountId string `json:"account_id"`
	TargetId  string `json:"target_id"`
	State     string `json:"state"`
}

func statusView(s *domain.Status) StatusView {
	v := StatusView{
		Id:          s.Id.String(),
		URI:         s.URI,
		AccountId:   s.AccountId.String(),
		Content:     s.Content,
		SpoilerText: s.ContentWarning,
		Visibility:  string(s.Visibility),
		InReplyTo:   s.InReplyToURI,
		Poll:        s.PollOptions,
		Mentions:    s.Mentions,
		Version:     s.Version,
		CreatedAt:   s.CreatedAt,
	}
	if v.Mentions == nil {
		v.Mentions = []string{}
	}
	if s.ReblogOfId != nil {
		v.ReblogOf = s.ReblogOfId.String()
	}
	if s.Version > 1 {
		edited := s.UpdatedAt
		v.EditedAt = &edited
	}
	return v
}

func followView(f *domain.Follow) FollowView {
	return FollowView{
		Id:        f.Id.String(),
		URI:       f.URI,
		AccountId: f.AccountId.String(),
		TargetId:  f.TargetAccountId.String(),
		State:     string(f.State),
	}
}

// page reads the max_id cursor and limit query parameters.
func page(c *gin.Context) (int64, int, bool) {
	var maxId int64
	if raw := c.Query("max_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid max_id"})
			return 0, 0, false
		}
		maxId = id
	}
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return 0, 0, false
		}
		limit = n
	}
	return maxId, limit, true
}

func pathId(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) publishStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	draft := activitypub.Draft{
		Content:        req.Status,
		ContentWarning: req.SpoilerText,
		Visibility:     domain.Visibility(req.Visibility),
		InReplyTo:      req.InReplyTo,
		Mentions:       req.Mentions,
	}
	if req.Poll != nil {
		draft.PollOptions = req.Poll.Options
	}
	status, err := h.outbox.PublishStatus(c.Request.Context(), middleware.Identity(c).Actor, draft)
	if status != nil && err != nil {
		// stored, but not every delivery could be queued
		h.log.Error("Status published with delivery errors", "status", status.URI, "error", err)
		err = nil
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(status))
}

func (h *Handler) editStatus(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := h.outbox.EditStatus(c.Request.Context(), middleware.Identity(c).Actor, id, req.Status, req.SpoilerText)
	if status != nil && err != nil {
		h.log.Error("Status edited with delivery errors", "status", status.URI, "error", err)
		err = nil
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(status))
}

// statusAction runs an outbox action that takes the caller and a status id.
func (h *Handler) statusAction(c *gin.Context, action func(actor *domain.Actor, id uuid.UUID) error) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := action(middleware.Identity(c).Actor, id); err != nil {
		h.abort(c, err)
		return
	}
	status, err := h.db.ReadStatusById(c.Request.Context(), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(status))
}

func (h *Handler) deleteStatus(c *gin.Context) {
	h.statusAction(c, func(actor *domain.Actor, id uuid.UUID) error {
		return h.outbox.DeleteStatus(c.Request.Context(), actor, id)
	})
}

func (h *Handler) favourite(c *gin.Context) {
	h.statusAction(c, func(actor *domain.Actor, id uuid.UUID) error {
		return h.outbox.Like(c.Request.Context(), actor, id)
	})
}

func (h *Handler) unfavourite(c *gin.Context) {
	h.statusAction(c, func(actor *domain.Actor, id uuid.UUID) error {
		return h.outbox.Unlike(c.Request.Context(), actor, id)
	})
}

func (h *Handler) reblog(c *gin.Context) {
	h.statusAction(c, func(actor *domain.Actor, id uuid.UUID) error {
		_, err := h.outbox.Boost(c.Request.Context(), actor, id)
		return err
	})
}

func (h *Handler) unreblog(c *gin.Context) {
	h.statusAction(c, func(actor *domain.Actor, id uuid.UUID) error {
		return h.outbox.Unboost(c.Request.Context(), actor, id)
	})
}

func (h *Handler) follow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	target, err := h.directory.Discover(ctx, req.Handle)
	if err != nil {
		h.abort(c, err)
		return
	}
	follow, err := h.outbox.Follow(ctx, middleware.Identity(c).Actor, target)
	if follow != nil && err != nil {
		h.log.Error("Follow stored with delivery errors", "follow", follow.URI, "error", err)
		err = nil
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, followView(follow))
}

func (h *Handler) unfollow(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	target, err := h.db.ReadActorById(ctx, id)
	if err != nil {
		h.abort(c, err)
		return
	}
	if err := h.outbox.Unfollow(ctx, middleware.Identity(c).Actor, target); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) answerFollow(c *gin.Context, accept bool) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	actor := middleware.Identity(c).Actor
	var err error
	if accept {
		err = h.outbox.AuthorizeFollow(ctx, actor, id)
	} else {
		err = h.outbox.RejectFollow(ctx, actor, id)
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	follow, err := h.db.ReadFollowById(ctx, id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, followView(follow))
}

func (h *Handler) authorizeFollow(c *gin.Context) {
	h.answerFollow(c, true)
}

func (h *Handler) rejectFollow(c *gin.Context) {
	h.answerFollow(c, false)
}

func timelineViews(items []db.TimelineItem) []TimelineView {
	views := make([]TimelineView, 0, len(items))
	for _, item := range items {
		views = append(views, TimelineView{Id: item.Entry.Id, Status: statusView(item.Status)})
	}
	return views
}

func (h *Handler) homeTimeline(c *gin.Context) {
	maxId, limit, ok := page(c)
	if !ok {
		return
	}
	items, err := h.timeline.Home(c.Request.Context(), middleware.Identity(c).Actor.Id, maxId, limit)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, timelineViews(items))
}

func (h *Handler) publicTimeline(c *gin.Context) {
	maxId, limit, ok := page(c)
	if !ok {
		return
	}
	local, _ := strconv.ParseBool(c.Query("local"))
	items, err := h.timeline.Public(c.Request.Context(), local, maxId, limit)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, timelineViews(items))
}

func (h *Handler) notifications(c *gin.Context) {
	maxId, limit, ok := page(c)
	if !ok {
		return
	}
	list, err := h.timeline.Notifications(c.Request.Context(), middleware.Identity(c).Actor.Id, maxId, limit)
	if err != nil {
		h.abort(c, err)
		return
	}
	views := make([]NotificationView, 0, len(list))
	for _, n := range list {
		v := NotificationView{
			Id:        n.Id,
			Type:      string(n.Type),
			AccountId: n.FromAccountId.String(),
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		}
		if n.StatusId != nil {
			v.StatusId = n.StatusId.String()
		}
		if n.FollowId != nil {
			v.FollowId = n.FollowId.String()
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) dismissNotification(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	found, err := h.timeline.DismissNotification(c.Request.Context(), middleware.Identity(c).Actor.Id, id)
	if err != nil {
		h.abort(c, err)
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) clearNotifications(c *gin.Context) {
	if _, err := h.timeline.ClearNotifications(c.Request.Context(), middleware.Identity(c).Actor.Id); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
