package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"mama/internal/config"
	"mama/internal/logging"
)

// maxWebhookBody caps accepted request bodies.
const maxWebhookBody = 1 << 20

// WebhookServer accepts POST /hooks/<id> and fires the hook's task.
type WebhookServer struct {
	config  config.WebhookConfig
	runTask RunTaskFunc
	logger  logging.Logger

	mu      sync.Mutex
	server  *http.Server
	pending sync.WaitGroup
}

// NewWebhookServer creates the server.
func NewWebhookServer(cfg config.WebhookConfig, runTask RunTaskFunc, logger logging.Logger) *WebhookServer {
	return &WebhookServer{
		config:  cfg,
		runTask: runTask,
		logger:  logging.OrNop(logger),
	}
}

// Start begins listening. A disabled configuration is a no-op.
func (s *WebhookServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.POST("/hooks/:id", s.handleHook(ctx))
	router.NoRoute(func(c *gin.Context) { c.Status(http.StatusNotFound) })

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: router,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook server failed: %v", err)
		}
	}()
	s.logger.Info("Webhook server listening on port %d", s.config.Port)
	return nil
}

// Stop shuts the listener down and waits for in-flight tasks.
func (s *WebhookServer) Stop() {
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
	s.pending.Wait()
}

func (s *WebhookServer) handleHook(runCtx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		hook, ok := s.findHook(c.Param("id"))
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}

		auth := c.GetHeader("Authorization")
		if hook.Token != "" && auth != "Bearer "+hook.Token {
			c.Status(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		payload := describePayload(body)
		task := expandTemplate(hook.Task, map[string]string{"payload": payload})

		// Respond before the task runs; webhook callers never wait on the
		// agent.
		c.Status(http.StatusAccepted)

		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			if s.runTask == nil {
				return
			}
			if _, err := s.runTask(runCtx, task, "webhook "+hook.ID); err != nil {
				s.logger.Warn("Webhook task %s failed: %v", hook.ID, err)
			}
		}()
	}
}

func (s *WebhookServer) findHook(id string) (config.HookConfig, bool) {
	for _, hook := range s.config.Hooks {
		if hook.ID == id {
			return hook, true
		}
	}
	return config.HookConfig{}, false
}

// describePayload renders the request body for the task template: compacted
// JSON when the body parses, the raw text otherwise.
func describePayload(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "(empty)"
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if compact, err := json.Marshal(parsed); err == nil {
			return string(compact)
		}
	}
	return trimmed
}
