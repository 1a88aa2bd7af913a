package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quillpress/realtime/internal/blogapi"
	"github.com/quillpress/realtime/internal/cache"
	"github.com/quillpress/realtime/internal/models"
	"github.com/quillpress/realtime/internal/notify"
	"github.com/quillpress/realtime/internal/realtime"
	"github.com/quillpress/realtime/pkg/logging"
	"github.com/quillpress/realtime/pkg/telemetry"
)

const serviceName = "quill-realtime"

const defaultPageSize = 20

// Notifications is the store surface exposed over HTTP
type Notifications interface {
	View(f notify.Filter) notify.Snapshot
	UnreadCount() int
	TenantID() string
	ByGroup() map[models.Group][]models.Notification
	Page(ctx context.Context, page, size int) (*blogapi.Page, error)
	Unread(ctx context.Context) ([]models.Notification, error)
	MarkAsRead(id models.ID)
	MarkAllAsRead()
	Delete(id models.ID)
	DeleteAll()
}

// Realtime is the session surface exposed over HTTP
type Realtime interface {
	Status() realtime.Status
	SendMessage(destination string, payload any) error
}

// Mirror is the optional out-of-process copy of the unread state
type Mirror interface {
	Health(ctx context.Context) error
	Unread(ctx context.Context, tenantID string) (*cache.UnreadState, error)
}

// Options configures a Router
type Options struct {
	Store   Notifications
	Session Realtime
	// Cache is optional; a nil value is reported as disabled.
	Cache   Mirror
	Metrics bool
}

// Router sets up the local HTTP surface
type Router struct {
	store   Notifications
	session Realtime
	cache   Mirror
	metrics bool
	logger  *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(opts Options) *Router {
	return &Router{
		store:   opts.Store,
		session: opts.Session,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  logging.WithComponent("api-router"),
	}
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.Use(r.tracing)

	// Health check endpoints
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)
	if r.metrics {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	n := engine.Group("/notifications")
	n.GET("", r.listNotifications)
	n.GET("/unread", r.unreadNotifications)
	n.GET("/unread/count", r.unreadCount)
	n.GET("/groups", r.groupedNotifications)
	n.GET("/page", r.pageNotifications)
	n.PUT("/read-all", r.markAllAsRead)
	n.PUT("/:id/read", r.markAsRead)
	n.DELETE("/all", r.deleteAll)
	n.DELETE("/:id", r.deleteNotification)

	rt := engine.Group("/realtime")
	rt.GET("/status", r.realtimeStatus)
	rt.POST("/send", r.sendMessage)
}

func (r *Router) tracing(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "http "+c.Request.Method+" "+c.FullPath())
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	start := time.Now()
	c.Next()
	r.logger.Debug("Request handled",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("duration", time.Since(start)))
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	st := r.session.Status()
	cacheState := "disabled"
	if r.cache != nil {
		cacheState = "ok"
		if err := r.cache.Health(c.Request.Context()); err != nil {
			cacheState = "error"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   serviceName,
		"connected": st.Connected,
		"state":     st.State,
		"cache":     cacheState,
	})
}

func (r *Router) listNotifications(c *gin.Context) {
	filter, err := notify.ParseFilter(c.Query("filter"))
	if err != nil {
		abortWithError(c, NewError(http.StatusBadRequest, err.Error()))
		return
	}
	c.JSON(http.StatusOK, r.store.View(filter))
}

// unreadCount serves the store's counter, or with source=mirror the last
// state published to Redis
func (r *Router) unreadCount(c *gin.Context) {
	switch c.Query("source") {
	case "", "store":
		c.JSON(http.StatusOK, gin.H{"count": r.store.UnreadCount()})
	case "mirror":
		r.mirroredCount(c)
	default:
		abortWithError(c, NewError(http.StatusBadRequest, "source must be store or mirror"))
	}
}

func (r *Router) mirroredCount(c *gin.Context) {
	if r.cache == nil {
		abortWithError(c, NewError(http.StatusServiceUnavailable, cache.ErrCacheDisabled.Error()))
		return
	}
	tenantID := r.store.TenantID()
	if tenantID == "" {
		abortWithError(c, notify.ErrNoTenant)
		return
	}
	state, err := r.cache.Unread(c.Request.Context(), tenantID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": state.UnreadCount, "updatedAt": state.UpdatedAt})
}

func (r *Router) groupedNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, r.store.ByGroup())
}

func (r *Router) unreadNotifications(c *gin.Context) {
	items, err := r.store.Unread(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

func (r *Router) pageNotifications(c *gin.Context) {
	page, err := queryInt(c, "page", 0)
	if err != nil || page < 0 {
		abortWithError(c, NewError(http.StatusBadRequest, "page must be a non-negative integer"))
		return
	}
	size, err := queryInt(c, "size", defaultPageSize)
	if err != nil || size < 1 || size > 100 {
		abortWithError(c, NewError(http.StatusBadRequest, "size must be between 1 and 100"))
		return
	}

	result, err := r.store.Page(c.Request.Context(), page, size)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (r *Router) markAsRead(c *gin.Context) {
	r.store.MarkAsRead(models.ID(c.Param("id")))
	c.Status(http.StatusNoContent)
}

func (r *Router) markAllAsRead(c *gin.Context) {
	r.store.MarkAllAsRead()
	c.Status(http.StatusNoContent)
}

func (r *Router) deleteNotification(c *gin.Context) {
	r.store.Delete(models.ID(c.Param("id")))
	c.Status(http.StatusNoContent)
}

func (r *Router) deleteAll(c *gin.Context) {
	r.store.DeleteAll()
	c.Status(http.StatusNoContent)
}

func (r *Router) realtimeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.session.Status())
}

type sendRequest struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

func (r *Router) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewError(http.StatusBadRequest, "invalid request body"))
		return
	}
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Destination == "" {
		abortWithError(c, NewError(http.StatusBadRequest, "destination is required"))
		return
	}

	if err := r.session.SendMessage(req.Destination, req.Payload); err != nil {
		r.logger.Debug("Send rejected", zap.String("destination", req.Destination), zap.Error(err))
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
