// Package server is the local HTTP API: loopback-only, bearer-token
// authenticated, a thin façade over the agent and the read stores.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"mama/internal/agent"
	"mama/internal/audit"
	"mama/internal/llm/costs"
	"mama/internal/logging"
	"mama/internal/memory"
	"mama/internal/tools"
)

// StatusFunc supplies the daemon snapshot served by /api/status.
type StatusFunc func() map[string]any

// Options wires the API's dependencies. Any nil dependency makes its routes
// answer 503.
type Options struct {
	Port     int
	Token    string
	Agent    *agent.Agent
	Jobs     tools.JobService
	Audit    audit.Store
	Memories *memory.ConsolidatedStore
	Costs    *costs.Tracker
	Status   StatusFunc
	Logger   logging.Logger
}

// Server is the local HTTP API.
type Server struct {
	opts   Options
	token  string
	logger logging.Logger

	mu     sync.Mutex
	server *http.Server
}

// New creates the server. A missing token is generated at startup and
// logged once so local clients can pick it up.
func New(opts Options) *Server {
	token := opts.Token
	if token == "" {
		token = generateToken()
	}
	return &Server{
		opts:   opts,
		token:  token,
		logger: logging.OrNop(opts.Logger),
	}
}

// Token returns the effective bearer token.
func (s *Server) Token() string {
	return s.token
}

// Start binds to loopback and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.opts.Port),
		Handler: s.buildRouter(ctx),
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed: %v", err)
		}
	}()
	s.logger.Info("API server listening on 127.0.0.1:%d", s.opts.Port)
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func (s *Server) buildRouter(ctx context.Context) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := router.Group("/", s.requireAuth)
	authed.POST("/api/message", s.handleMessage(ctx))
	authed.GET("/api/status", s.handleStatus)
	authed.GET("/api/jobs", s.handleListJobs)
	authed.POST("/api/jobs", s.handleCreateJob)
	authed.GET("/api/audit", s.handleAudit)
	authed.GET("/api/memory/search", s.handleMemorySearch)
	authed.GET("/api/cost", s.handleCost)
	return router
}

func (s *Server) requireAuth(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) handleMessage(runCtx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Agent == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent unavailable"})
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing message"})
			return
		}

		resp, err := s.opts.Agent.ProcessMessage(runCtx, "api", body.Message, agent.Callbacks{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"content":  resp.Content,
			"model":    resp.Model,
			"provider": resp.Provider,
		})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.opts.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.opts.Status())
}

func (s *Server) handleListJobs(c *gin.Context) {
	if s.opts.Jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	jobs, err := s.opts.Jobs.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleCreateJob(c *gin.Context) {
	if s.opts.Jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	var body struct {
		Schedule string `json:"schedule"`
		Task     string `json:"task"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Schedule == "" || body.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "schedule and task are required"})
		return
	}
	job, err := s.opts.Jobs.CreateJob(c.Request.Context(), body.Name, body.Schedule, body.Task, "cron")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": job.ID})
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.opts.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit unavailable"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..100"})
			return
		}
		limit = n
	}
	entries, err := s.opts.Audit.GetRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleMemorySearch(c *gin.Context) {
	if s.opts.Memories == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "memory unavailable"})
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q"})
		return
	}
	memories, err := s.opts.Memories.Search(c.Request.Context(), query, memory.MemorySearchOptions{TopK: 10})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": memories})
}

func (s *Server) handleCost(c *gin.Context) {
	if s.opts.Costs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cost tracking unavailable"})
		return
	}
	summary, err := s.opts.Costs.Summarize(c.Request.Context(), costs.PeriodAll)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func generateToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("mama-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
