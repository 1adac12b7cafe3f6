package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/auth"
	"github.com/sentineliq/risk-engine/internal/ingest"
	"github.com/sentineliq/risk-engine/internal/linkgraph"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/outbox"
	"github.com/sentineliq/risk-engine/internal/queue"
	"github.com/sentineliq/risk-engine/internal/repositories"
	"github.com/sentineliq/risk-engine/internal/rules"
	"github.com/sentineliq/risk-engine/internal/shadow"
	"github.com/sentineliq/risk-engine/internal/state"
	"github.com/sentineliq/risk-engine/internal/webhook"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting SentinelIQ API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	bus, err := queue.NewEventBus(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis event bus")
	}
	defer bus.Close()

	stateStore, err := state.NewStore(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis state store")
	}
	defer stateStore.Close()

	// Initialize repositories
	outboxRepo := repositories.NewOutboxRepository(db)
	decisionRepo := repositories.NewDecisionRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	shadowRepo := repositories.NewShadowRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	linkRepo := repositories.NewLinkRepository(db, decisionRepo)

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.JWT)
	ingestService := ingest.NewService(outboxRepo)
	registry := rules.NewRegistry(cfg.Rules.Path, stateStore)
	auditService := audit.NewService(auditRepo)
	shadowService := shadow.NewService(shadowRepo, registry)
	linkService := linkgraph.NewService(linkRepo, stateStore)

	if err := registry.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to load ruleset")
	}

	// Background loops: outbox drain and retention
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	poller := outbox.NewPoller(outboxRepo, bus, cfg.Outbox)
	go poller.Run(bgCtx)

	cleanup := outbox.NewCleanup(outboxRepo, cfg.Outbox)
	go cleanup.Run(bgCtx)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	// Setup routes
	setupRoutes(router, jwtManager, ingestService, decisionRepo, registry,
		auditService, shadowService, linkService, webhookRepo, outboxRepo, bus, db)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	bgCancel()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	jwtManager *auth.JWTManager,
	ingestService *ingest.Service,
	decisionRepo *repositories.DecisionRepository,
	registry *rules.Registry,
	auditService *audit.Service,
	shadowService *shadow.Service,
	linkService *linkgraph.Service,
	webhookRepo *repositories.WebhookRepository,
	outboxRepo *repositories.OutboxRepository,
	bus *queue.EventBus,
	db *repositories.Database,
) {
	// Health check
	router.GET("/health", healthHandler(db, bus))

	// API v1 routes, all authenticated
	v1 := router.Group("/api/v1")
	v1.Use(auth.AuthMiddleware(jwtManager))

	// Event ingestion
	eventRoutes := v1.Group("/events")
	{
		eventRoutes.POST("", ingestEventHandler(ingestService))
		eventRoutes.POST("/auth", ingestAuthHandler(ingestService))
		eventRoutes.POST("/transaction", ingestTransactionHandler(ingestService))
		eventRoutes.GET("/streams", getStreamInfoHandler(bus))
		eventRoutes.GET("/:id", getEventHandler(ingestService))
	}

	// Decision queries
	decisionRoutes := v1.Group("/decisions")
	{
		decisionRoutes.GET("", listDecisionsHandler(decisionRepo))
		decisionRoutes.GET("/event/:event_id", getDecisionHandler(decisionRepo))
		decisionRoutes.GET("/user/:user_id", listUserDecisionsHandler(decisionRepo))
	}

	// Rule management (admin only)
	ruleRoutes := v1.Group("/rules")
	ruleRoutes.Use(auth.RoleMiddleware("admin"))
	{
		ruleRoutes.POST("/reload", reloadRulesHandler(registry))
		ruleRoutes.POST("/rollback", rollbackRulesHandler(registry))
		ruleRoutes.POST("/validate", validateRulesHandler(registry))
		ruleRoutes.GET("/current", currentRulesHandler(registry))
		ruleRoutes.GET("/history", ruleHistoryHandler(registry))
		ruleRoutes.GET("/stats", ruleStatsHandler(registry))
	}

	// Audit chain (admin only)
	auditRoutes := v1.Group("/audit")
	auditRoutes.Use(auth.RoleMiddleware("admin"))
	{
		auditRoutes.GET("/verify", verifyAuditHandler(auditService))
		auditRoutes.GET("/logs", auditLogsHandler(auditService))
		auditRoutes.GET("/report/:framework", complianceReportHandler(auditService))
		auditRoutes.GET("/stats", auditStatsHandler(auditService))
	}

	// Shadow evaluation (analysts and admins)
	shadowRoutes := v1.Group("/shadow")
	shadowRoutes.Use(auth.RoleMiddleware("admin", "analyst"))
	{
		shadowRoutes.POST("/:id/label", labelShadowHandler(shadowService))
		shadowRoutes.GET("/accuracy", shadowAccuracyHandler(shadowService))
		shadowRoutes.GET("/trends", shadowTrendsHandler(shadowService))
		shadowRoutes.GET("/compare", shadowCompareHandler(shadowService))
		shadowRoutes.GET("/pending", shadowPendingHandler(shadowService))
		shadowRoutes.GET("/stats", shadowStatsHandler(shadowService))
	}

	// Link graph (analysts and admins)
	linkRoutes := v1.Group("/links")
	linkRoutes.Use(auth.RoleMiddleware("admin", "analyst"))
	{
		linkRoutes.GET("/connected/:user_id", connectedUsersHandler(linkService))
		linkRoutes.GET("/ring/:user_id", ringAnalysisHandler(linkService))
		linkRoutes.POST("/flag-ring", flagRingHandler(linkService))
		linkRoutes.GET("/hubs", topHubsHandler(linkService))
		linkRoutes.GET("/graph", graphDataHandler(linkService))
	}

	// Webhook management
	webhookRoutes := v1.Group("/webhooks")
	{
		webhookRoutes.POST("", createWebhookHandler(webhookRepo))
		webhookRoutes.GET("", listWebhooksHandler(webhookRepo))
		webhookRoutes.PUT("/:id", updateWebhookHandler(webhookRepo))
		webhookRoutes.DELETE("/:id", deleteWebhookHandler(webhookRepo))
		webhookRoutes.GET("/:id/deliveries", webhookDeliveriesHandler(webhookRepo))
	}

	// Outbox monitor (admin only)
	outboxRoutes := v1.Group("/outbox")
	outboxRoutes.Use(auth.RoleMiddleware("admin"))
	{
		outboxRoutes.GET("/stats", outboxStatsHandler(outboxRepo))
		outboxRoutes.GET("/failed", outboxFailedHandler(outboxRepo))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	// Clean up old visitors periodically
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func healthHandler(db *repositories.Database, bus *queue.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		overall := "healthy"
		checks := gin.H{"database": "ok", "event_bus": "ok"}

		if err := db.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		if err := bus.Ping(ctx); err != nil {
			checks["event_bus"] = err.Error()
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}

		c.JSON(status, gin.H{
			"status":    overall,
			"checks":    checks,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func ingestEventHandler(svc *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := auth.OrgFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing org context"})
			return
		}

		var req ingest.IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		event, err := svc.Ingest(c.Request.Context(), orgID, c.ClientIP(), &req)
		if err != nil {
			ingestErrorResponse(c, err)
			return
		}

		// 202: the event is durably accepted; evaluation happens async
		c.JSON(http.StatusAccepted, gin.H{
			"event_id": event.ID,
			"status":   "accepted",
		})
	}
}

func ingestAuthHandler(svc *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := auth.OrgFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing org context"})
			return
		}

		var req ingest.AuthEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		event, err := svc.IngestAuth(c.Request.Context(), orgID, c.ClientIP(), &req)
		if err != nil {
			ingestErrorResponse(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"event_id":   event.ID,
			"event_type": event.EventType,
			"status":     "accepted",
		})
	}
}

func ingestTransactionHandler(svc *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := auth.OrgFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing org context"})
			return
		}

		var req ingest.TransactionEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		event, err := svc.IngestTransaction(c.Request.Context(), orgID, c.ClientIP(), &req)
		if err != nil {
			ingestErrorResponse(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"event_id":   event.ID,
			"event_type": event.EventType,
			"status":     "accepted",
		})
	}
}

func ingestErrorResponse(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrDuplicateEvent):
		c.JSON(http.StatusConflict, gin.H{"error": "event already ingested"})
	case errors.Is(err, ingest.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func getEventHandler(svc *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}

		event, err := svc.GetEvent(c.Request.Context(), orgID, id)
		if err != nil {
			if errors.Is(err, repositories.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, event)
	}
}

func getStreamInfoHandler(bus *queue.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos, err := bus.GetStreamInfo(c.Request.Context(), ingest.EventTypes())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"streams": infos})
	}
}

func listDecisionsHandler(repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)
		minLevel := c.DefaultQuery("min_level", models.RiskLevelLow)

		decisions, total, err := repo.ListByOrg(c.Request.Context(), orgID, minLevel, page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"decisions": decisions,
			"pagination": gin.H{
				"page":      page,
				"page_size": pageSize,
				"total":     total,
			},
		})
	}
}

func getDecisionHandler(repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		eventID, err := uuid.Parse(c.Param("event_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}

		decision, err := repo.GetByEventID(c.Request.Context(), orgID, eventID)
		if err != nil {
			if errors.Is(err, repositories.ErrDecisionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, decision)
	}
}

func listUserDecisionsHandler(repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)

		decisions, total, err := repo.ListByUser(c.Request.Context(), orgID, c.Param("user_id"), page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"decisions": decisions,
			"pagination": gin.H{
				"page":      page,
				"page_size": pageSize,
				"total":     total,
			},
		})
	}
}

func reloadRulesHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, _ := auth.SubjectFromContext(c)
		force := c.Query("force") == "true"

		result, err := registry.Reload(c.Request.Context(), force, subject)
		if err != nil {
			var verr *rules.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":  "ruleset validation failed",
					"issues": verr.Issues,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func rollbackRulesHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Version string `json:"version" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		subject, _ := auth.SubjectFromContext(c)
		snap, err := registry.Rollback(c.Request.Context(), req.Version, subject)
		if err != nil {
			if errors.Is(err, rules.ErrVersionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "rolled_back",
			"version": snap.Version,
			"hash":    snap.Hash,
		})
	}
}

func validateRulesHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := registry.ValidateFile(); err != nil {
			var verr *rules.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"valid":  false,
					"issues": verr.Issues,
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
	}
}

func currentRulesHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := registry.Current()
		if snap == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": rules.ErrNotLoaded.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"version":   snap.Version,
			"hash":      snap.Hash,
			"loaded_at": snap.LoadedAt,
			"ruleset":   snap.Ruleset,
		})
	}
}

func ruleHistoryHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"history": registry.History()})
	}
}

func ruleStatsHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := registry.Stats()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func verifyAuditHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		result, err := svc.Verify(c.Request.Context(), orgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func auditLogsHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		filter := audit.LogFilter{
			EventType:    c.Query("event_type"),
			ActorID:      c.Query("actor_id"),
			ResourceType: c.Query("resource_type"),
			Limit:        getIntParam(c, "limit", 100),
		}

		entries, err := svc.Logs(c.Request.Context(), orgID, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

func complianceReportHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		framework := c.Param("framework")

		to := time.Now()
		from := to.AddDate(0, 0, -getIntParam(c, "days", 30))

		report, err := svc.Report(c.Request.Context(), framework, orgID, from, to)
		if err != nil {
			if errors.Is(err, audit.ErrUnknownFramework) {
				c.JSON(http.StatusNotFound, gin.H{
					"error":      "unknown framework",
					"frameworks": audit.Frameworks(),
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, report)
	}
}

func auditStatsHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		stats, err := svc.Stats(c.Request.Context(), orgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func labelShadowHandler(svc *shadow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid result id"})
			return
		}

		var req struct {
			Outcome string `json:"outcome" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := svc.Label(c.Request.Context(), id, req.Outcome)
		if err != nil {
			switch {
			case errors.Is(err, shadow.ErrInvalidOutcome):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, shadow.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "shadow result not found"})
			case errors.Is(err, shadow.ErrAlreadyLabeled):
				c.JSON(http.StatusConflict, gin.H{"error": "result already labeled"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func shadowAccuracyHandler(svc *shadow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		ruleID := c.Query("rule_id")
		if ruleID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rule_id is required"})
			return
		}
		since := time.Now().AddDate(0, 0, -getIntParam(c, "days", 30))

		metrics, err := svc.Accuracy(c.Request.Context(), orgID, ruleID, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, metrics)
	}
}

func shadowTrendsHandler(svc *shadow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		ruleID := c.Query("rule_id")
		if ruleID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rule_id is required"})
			return
		}
		since := time.Now().AddDate(0, 0, -getIntParam(c, "days", 30))

		trends, err := svc.Trends(c.Request.Context(), orgID, ruleID, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rule_id": ruleID, "trends": trends})
	}
}

func shadowCompareHandler(svc *shadow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		ruleA := c.Query("rule_a")
		ruleB := c.Query("rule_b")
		if ruleA == "" || ruleB == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rule_a and rule_b are required"})
			return
		}
		since := time.Now().AddDate(0, 0, -getIntParam(c, "days", 30))

		comparison, err := svc.CompareRules(c.Request.Context(), orgID, ruleA, ruleB, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, comparison)
	}
}

func shadowPendingHandler(svc *shadow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		limit := getIntParam(c, "limit", 50)

		pending, err := svc.Pending(c.Request.Context(), orgID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": pending})
	}
}

func shadowStatsHandler(svc *shadow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		ruleID := c.Query("rule_id")
		if ruleID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rule_id is required"})
			return
		}
		since := time.Now().AddDate(0, 0, -getIntParam(c, "days", 30))

		stats, err := svc.RuleStats(c.Request.Context(), orgID, ruleID, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func connectedUsersHandler(svc *linkgraph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		depth := getIntParam(c, "depth", linkgraph.DefaultDepth)

		users, err := svc.Connected(c.Request.Context(), orgID, c.Param("user_id"), depth)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":   c.Param("user_id"),
			"depth":     depth,
			"connected": users,
		})
	}
}

func ringAnalysisHandler(svc *linkgraph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		analysis, err := svc.AnalyzeRing(c.Request.Context(), orgID, c.Param("user_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, analysis)
	}
}

func flagRingHandler(svc *linkgraph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		var req struct {
			Users []string `json:"users" binding:"required,min=2"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		flagged, err := svc.FlagRing(c.Request.Context(), orgID, req.Users)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"edges_flagged": flagged})
	}
}

func topHubsHandler(svc *linkgraph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)
		limit := getIntParam(c, "limit", 10)

		hubs, err := svc.TopHubs(c.Request.Context(), orgID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"hubs": hubs})
	}
}

func graphDataHandler(svc *linkgraph.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		data, err := svc.GraphData(c.Request.Context(), orgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, data)
	}
}

func createWebhookHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		var req struct {
			URL          string   `json:"url" binding:"required,url"`
			EventTypes   []string `json:"event_types"`
			MinRiskLevel string   `json:"min_risk_level"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		minLevel := req.MinRiskLevel
		if minLevel == "" {
			minLevel = models.RiskLevelLow
		}
		if models.RiskLevelRank(minLevel) < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_risk_level"})
			return
		}

		secret, err := webhook.GenerateSecret()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		w := &models.Webhook{
			ID:           uuid.New(),
			OrgID:        orgID,
			URL:          req.URL,
			SecretKey:    secret,
			EventTypes:   req.EventTypes,
			MinRiskLevel: minLevel,
			Enabled:      true,
			CreatedAt:    time.Now(),
		}
		if err := repo.Create(c.Request.Context(), w); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// The signing secret is returned exactly once, at creation
		c.JSON(http.StatusCreated, gin.H{
			"webhook": w,
			"secret":  secret,
		})
	}
}

func listWebhooksHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		webhooks, err := repo.List(c.Request.Context(), orgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"webhooks": webhooks})
	}
}

func updateWebhookHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
			return
		}

		var req struct {
			URL          string   `json:"url" binding:"required,url"`
			EventTypes   []string `json:"event_types"`
			MinRiskLevel string   `json:"min_risk_level" binding:"required"`
			Enabled      *bool    `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if models.RiskLevelRank(req.MinRiskLevel) < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_risk_level"})
			return
		}

		w := &models.Webhook{
			ID:           id,
			OrgID:        orgID,
			URL:          req.URL,
			EventTypes:   req.EventTypes,
			MinRiskLevel: req.MinRiskLevel,
			Enabled:      *req.Enabled,
		}
		if err := repo.Update(c.Request.Context(), w); err != nil {
			if errors.Is(err, repositories.ErrWebhookNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

func deleteWebhookHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
			return
		}

		if err := repo.Delete(c.Request.Context(), orgID, id); err != nil {
			if errors.Is(err, repositories.ErrWebhookNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func webhookDeliveriesHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.OrgFromContext(c)

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
			return
		}

		// Load the webhook first so delivery history stays org-scoped
		w, err := repo.GetByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if w == nil || w.OrgID != orgID {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}

		deliveries, err := repo.ListDeliveries(c.Request.Context(), id, getIntParam(c, "limit", 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
	}
}

func outboxStatsHandler(repo *repositories.OutboxRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := repo.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func outboxFailedHandler(repo *repositories.OutboxRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := repo.RecentFailed(c.Request.Context(), getIntParam(c, "limit", 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed": entries})
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
