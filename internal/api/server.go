// Package api exposes the mode-owning orchestrator surface over HTTP: start
// and stop a mode, read status and orders, and a websocket feed of engine
// events for UI consumption.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"binary-options-bot/internal/engine"
	"binary-options-bot/internal/events"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	eng        *engine.Engine
	eventBus   *events.Bus
	hub        *WSHub
	config     ServerConfig

	defaultAsset   string
	defaultAccount string
	defaultStaking engine.StakingConfig
}

// NewServer creates a new API server wired to the engine and the event bus.
func NewServer(config ServerConfig, eng *engine.Engine, eventBus *events.Bus, defaultAsset, defaultAccount string, defaultStaking engine.StakingConfig) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:         gin.Default(),
		eng:            eng,
		eventBus:       eventBus,
		hub:            NewWSHub(),
		config:         config,
		defaultAsset:   defaultAsset,
		defaultAccount: defaultAccount,
		defaultStaking: defaultStaking,
	}

	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s.setupRoutes()

	// Forward every engine event to connected websocket clients
	eventBus.SubscribeAll(s.hub.BroadcastEvent)

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	{
		api.POST("/mode/start", s.handleModeStart)
		api.POST("/mode/stop", s.handleModeStop)
		api.GET("/mode/status", s.handleModeStatus)
		api.GET("/mode/orders", s.handleModeOrders)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		log.Printf("[API] Server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[API] Server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
