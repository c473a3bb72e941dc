package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailschedule/internal/handler"
	"mailschedule/pkg/otel"
	"mailschedule/pkg/rbac"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnChecker is satisfied by *mq.Publisher.
type ConnChecker interface {
	IsConnected() bool
}

type Handlers struct {
	Auth     *handler.AuthHandler
	OAuth    *handler.OAuthHandler
	Email    *handler.EmailHandler
	Calendar *handler.CalendarHandler
	Admin    *handler.AdminHandler // nil 时不注册 /admin
}

type Deps struct {
	JWTSecret string
	DB        Pinger
	MQ        ConnChecker // 可为 nil
	Logger    *zap.Logger
}

func NewRouter(h Handlers, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), MetricsMiddleware(), RequestLogger(d.Logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", readiness(d.DB, d.MQ))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.POST("/register", h.Auth.Register)
	r.POST("/login", h.Auth.Login)
	r.GET("/oauth/google/callback", h.OAuth.Callback)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(d.JWTSecret))
	{
		auth.GET("/oauth/google/url", h.OAuth.AuthURL)

		auth.POST("/emails/process", RequirePermission(rbac.PermissionProcessMail), h.Email.Process)
		auth.POST("/emails/compose", RequirePermission(rbac.PermissionReadMail), h.Email.Compose)
		auth.GET("/emails", RequirePermission(rbac.PermissionReadMail), h.Email.List)
		auth.GET("/emails/:id", RequirePermission(rbac.PermissionReadMail), h.Email.Get)
		auth.DELETE("/emails/:id", RequirePermission(rbac.PermissionDeleteMail), h.Email.Delete)

		events := auth.Group("/calendar-events")
		events.Use(RequirePermission(rbac.PermissionManageEvents))
		{
			events.GET("", h.Calendar.List)
			events.GET("/export.ics", h.Calendar.Export)
			events.POST("", h.Calendar.Create)
			events.GET("/:id", h.Calendar.Get)
			events.PUT("/:id", h.Calendar.Update)
			events.DELETE("/:id", h.Calendar.Delete)
			events.POST("/:id/confirm", RequirePermission(rbac.PermissionConfirmEvents), h.Calendar.Confirm)
		}

		if h.Admin != nil {
			admin := auth.Group("/admin")
			admin.Use(RequirePermission(rbac.PermissionReplayOutbox))
			{
				admin.POST("/outbox/replay", h.Admin.ReplayOutboxEvent)
				admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
			}
		}
	}

	return r
}

func readiness(db Pinger, mq ConnChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if mq != nil && !mq.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
