// Package api exposes the backtester over HTTP: run lifecycle, results,
// trades, equity curves, events, CSV export, kline passthrough and a
// websocket progress stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-backtester/internal/backtest"
	"futures-backtester/internal/cache"
	"futures-backtester/internal/database"
	"futures-backtester/internal/events"
	"futures-backtester/internal/marketdata"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	repo       *database.Repository
	runner     *backtest.Runner
	runStore   *cache.RunStore // nil when Redis is disabled
	data       *marketdata.Service
	eventBus   *events.EventBus
	config     ServerConfig
	log        zerolog.Logger
}

// NewServer creates a new API server. runStore may be nil when Redis is
// disabled; cancellation then works through the in-process runner only.
func NewServer(
	config ServerConfig,
	repo *database.Repository,
	runner *backtest.Runner,
	runStore *cache.RunStore,
	data *marketdata.Service,
	eventBus *events.EventBus,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088", "http://localhost:8090"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:   router,
		repo:     repo,
		runner:   runner,
		runStore: runStore,
		data:     data,
		eventBus: eventBus,
		config:   config,
		log:      logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	InitWebSocket(eventBus)

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/strategies", s.handleListStrategies)
		api.GET("/klines", s.handleGetKlines)

		bt := api.Group("/backtest")
		{
			bt.POST("/runs", s.handleStartBacktest)
			bt.GET("/runs", s.handleListRuns)
			bt.GET("/runs/:id", s.handleGetRun)
			bt.GET("/runs/:id/status", s.handleGetRunStatus)
			bt.GET("/runs/:id/results", s.handleGetResults)
			bt.POST("/runs/:id/cancel", s.handleCancelRun)
			bt.DELETE("/runs/:id", s.handleDeleteRun)
			bt.GET("/runs/:id/trades", s.handleGetTrades)
			bt.GET("/runs/:id/equity-curve", s.handleGetEquityCurve)
			bt.GET("/runs/:id/positions-timeline", s.handleGetPositionTimeline)
			bt.GET("/runs/:id/events", s.handleGetEvents)
			bt.GET("/runs/:id/export/csv", s.handleExportCSV)
		}
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	dbOK := true
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		dbOK = false
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"database": dbOK,
		"time":     time.Now().UTC(),
	})
}

// userID extracts the caller identity. Auth is out of scope; deployments put
// a gateway in front and forward the user id in a header.
func (s *Server) userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return c.Query("user_id")
}
