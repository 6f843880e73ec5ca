package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rollcall/backend/internal/auth"
	"github.com/rollcall/backend/internal/checkin"
	"github.com/rollcall/backend/internal/events"
	"github.com/rollcall/backend/internal/middleware"
	"github.com/rollcall/backend/internal/reconcile"
	"github.com/rollcall/backend/pkg/response"
)

// NewRouter registers every HTTP route on a fresh engine.
func NewRouter(a *App) *gin.Engine {
	cfg := a.Config
	logger := a.Logger

	authHandler := auth.NewHandler(a.Accounts, a.JWT, logger)
	checkinHandler := checkin.NewHandler(a.Coordinator, a.Store, a.Queue, logger)
	eventHandler := events.NewHandler(a.Events, a.Codes, logger)
	syncHandler := reconcile.NewHandler(a.Reconciler, a.Store, a.ParkedLister(), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	if cfg.Server.RequestTimeout > 0 {
		router.Use(middleware.Timeout(time.Duration(cfg.Server.RequestTimeout) * time.Second))
	}

	// Health and metrics
	router.GET("/health", func(c *gin.Context) {
		if !a.Healthy(c.Request.Context()) {
			response.ServiceUnavailable(c, "redis unreachable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	// Auth (public)
	router.POST("/auth/login", authHandler.Login)

	// Staff login screen: resolve an event code
	router.GET("/codes/:code", eventHandler.ByCode)

	// Staff API (X-Event-Code required)
	staff := router.Group("/events/:id")
	staff.Use(middleware.EventCode(a.Codes))
	{
		staff.GET("/guests", checkinHandler.Guests)
		staff.POST("/checkin", checkinHandler.CheckIn)
		staff.DELETE("/checkin", checkinHandler.Undo)
		staff.GET("/queue", checkinHandler.QueueStatus)
	}

	// Scheduled sync (cron secret)
	router.GET("/sync", syncHandler.Ready)
	router.POST("/sync", middleware.CronSecret(cfg.Sync.CronSecret), syncHandler.SyncAll)

	// Admin API (JWT + admin role)
	admin := router.Group("/admin")
	admin.Use(middleware.JWT(a.JWT), middleware.RequireRole(auth.RoleAdmin))
	{
		admin.GET("/events", eventHandler.List)
		admin.POST("/events", eventHandler.Create)
		admin.PATCH("/events/:id/status", eventHandler.SetStatus)
		admin.DELETE("/events/:id", eventHandler.Delete)
		admin.POST("/events/:id/sync", syncHandler.SyncEvent)

		admin.POST("/sync/initial-load", syncHandler.InitialLoad)
		admin.GET("/dead-letters", syncHandler.DeadLetters)
		admin.GET("/parked-jobs", syncHandler.ParkedJobs)
	}

	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found: "+c.Request.Method+" "+c.Request.URL.Path)
	})
	return router
}

// NewServer wraps the router in an http.Server using the configured timeouts.
func NewServer(a *App) *http.Server {
	return &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      NewRouter(a),
		ReadTimeout:  time.Duration(a.Config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(a.Config.Server.WriteTimeout) * time.Second,
	}
}
