package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/auth"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/middleware"
	"github.com/deemkeen/fedcore/timeline"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const activityJSON = activitypub.ContentType + "; charset=utf-8"

// Handler serves the federation endpoints, the client API, feeds and metrics.
type Handler struct {
	conf      *util.AppConfig
	db        *db.DB
	ids       activitypub.IdBuilder
	directory *activitypub.Directory
	outbox    *activitypub.Outbox
	processor *activitypub.Processor
	timeline  *timeline.Materializer
	auth      *auth.Provider
	metrics   *metrics.Metrics
	log       *log.Logger
}

func NewHandler(conf *util.AppConfig, database *db.DB, directory *activitypub.Directory, outbox *activitypub.Outbox,
	processor *activitypub.Processor, tl *timeline.Materializer, provider *auth.Provider, m *metrics.Metrics, logger *log.Logger) *Handler {
	return &Handler{
		conf:      conf,
		db:        database,
		ids:       activitypub.NewIdBuilder(conf),
		directory: directory,
		outbox:    outbox,
		processor: processor,
		timeline:  tl,
		auth:      provider,
		metrics:   m,
		log:       logger.WithPrefix("web"),
	}
}

// Router wires every route onto a fresh gin engine.
func (h *Handler) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestMetrics(h.metrics))
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	globalLimiter := NewRateLimiter(rate.Limit(h.conf.Conf.RateLimit*2), h.conf.Conf.RateBurst*2)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	// federation
	inboxLimiter := NewRateLimiter(rate.Limit(h.conf.Conf.RateLimit), h.conf.Conf.RateBurst)
	maxBody := MaxBytesMiddleware(h.conf.Conf.MaxInboxBytes)
	g.GET("/.well-known/webfinger", h.webfinger)
	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBody, h.sharedInbox)
	g.POST("/users/:actor/inbox", RateLimitMiddleware(inboxLimiter), maxBody, h.personalInbox)
	g.GET("/users/:actor", h.actor)
	g.GET("/users/:actor/outbox", h.actorOutbox)
	g.GET("/users/:actor/followers", h.followers)
	g.GET("/users/:actor/following", h.following)
	g.GET("/notes/:id", h.note)

	// feeds
	g.GET("/feed", h.feed)
	g.GET("/users/:actor/feed", h.feed)

	// client API
	api := g.Group("/api/v1", middleware.Bearer(h.auth, h.log))
	read := middleware.RequireScope(auth.ScopeRead)
	write := middleware.RequireScope(auth.ScopeWrite)

	api.POST("/statuses", write, h.publishStatus)
	api.PUT("/statuses/:id", write, h.editStatus)
	api.DELETE("/statuses/:id", write, h.deleteStatus)
	api.POST("/statuses/:id/favourite", write, h.favourite)
	api.POST("/statuses/:id/unfavourite", write, h.unfavourite)
	api.POST("/statuses/:id/reblog", write, h.reblog)
	api.POST("/statuses/:id/unreblog", write, h.unreblog)

	api.POST("/follows", write, h.follow)
	api.POST("/accounts/:id/unfollow", write, h.unfollow)
	api.POST("/follow_requests/:id/authorize", write, h.authorizeFollow)
	api.POST("/follow_requests/:id/reject", write, h.rejectFollow)

	api.GET("/timelines/home", read, h.homeTimeline)
	api.GET("/timelines/public", read, h.publicTimeline)

	api.GET("/notifications", read, h.notifications)
	api.POST("/notifications/:id/dismiss", write, h.dismissNotification)
	api.POST("/notifications/clear", write, h.clearNotifications)

	return g
}

// Serve listens on the configured port until ctx is cancelled, then
// drains open requests.
func (h *Handler) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", h.conf.Conf.Host, h.conf.Conf.HttpPort),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("Starting HTTP server", "addr", srv.Addr, "domain", h.conf.Conf.SslDomain)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.log.Info("Stopping HTTP server")
	return srv.Shutdown(shutdownCtx)
}
