// Package server is the boundary transport: a websocket channel for
// interactive chat and a JSON admin surface. It demultiplexes requests onto
// per-session executors and holds no conversation state of its own.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nova/internal/llm"
	"nova/internal/logging"
)

// Config tunes the HTTP server.
type Config struct {
	Addr         string
	AuthToken    string // empty disables auth
	AllowOrigins []string
}

// Server hosts the transport.
type Server struct {
	cfg     Config
	hub     *Hub
	gateway *llm.Gateway
	engine  *gin.Engine
	http    *http.Server
	logger  logging.Logger
}

// New wires the routes.
func New(cfg Config, hub *Hub, gateway *llm.Gateway) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-Session-ID", "Authorization")
	engine.Use(cors.New(corsCfg))

	s := &Server{
		cfg:     cfg,
		hub:     hub,
		gateway: gateway,
		engine:  engine,
		logger:  logging.NewComponentLogger("server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	if s.cfg.AuthToken != "" {
		api.Use(s.authMiddleware())
	}

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.PATCH("/sessions/:id", s.handleUpdateSession)
	api.DELETE("/sessions/:id", s.handleDeleteSession)

	api.POST("/chat", s.handleChat)
	api.GET("/history", s.handleHistory)
	api.POST("/clear", s.handleClear)
	api.GET("/status", s.handleStatus)
	api.POST("/sync", s.handleSync)

	api.POST("/memory/search", s.handleMemorySearch)
	api.GET("/memory/stats", s.handleMemoryStats)
	api.POST("/memory/summarize", s.handleMemorySummarize)

	api.GET("/tasks/status", s.handleTasksStatus)
	api.POST("/tasks/resume", s.handleTasksResume)
	api.POST("/tasks/abandon", s.handleTasksAbandon)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			token = token[len(prefix):]
		}
		if token != s.cfg.AuthToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		c.Next()
	}
}

// sessionID resolves the session from the request; the header wins over the
// query parameter.
func sessionID(c *gin.Context) string {
	if id := c.GetHeader("X-Session-ID"); id != "" {
		return id
	}
	return c.Query("session_id")
}

// Run serves until ctx is cancelled, then drains connections and write
// queues.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.http.Shutdown(shutdownCtx)
	s.hub.Close(shutdownCtx)
	return err
}
