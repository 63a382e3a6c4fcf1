// Package netcap implements the network capability: domain-gated outbound
// HTTP with a sliding-window rate limit and a capped response body.
package netcap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mama/internal/logging"
	"mama/internal/sandbox"
	"mama/internal/security/redaction"
)

// maxBodyChars caps the returned response body.
const maxBodyChars = 10000

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	http.MethodOptions: true,
}

// Config configures the capability.
type Config struct {
	AllowedDomains     []string
	AskDomains         bool
	RateLimitPerMinute int
	LogAllRequests     bool
	Timeout            time.Duration
}

// Capability is the network capability.
type Capability struct {
	mu              sync.Mutex
	allowed         map[string]bool
	sessionApproved map[string]bool
	askDomains      bool
	rateLimit       int
	requestTimes    []time.Time
	logAll          bool
	client          *http.Client
	logger          logging.Logger
	now             func() time.Time
}

// New creates the network capability.
func New(cfg Config, logger logging.Logger) *Capability {
	allowed := make(map[string]bool, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed[strings.ToLower(d)] = true
	}
	rateLimit := cfg.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = 30
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Capability{
		allowed:         allowed,
		sessionApproved: make(map[string]bool),
		askDomains:      cfg.AskDomains,
		rateLimit:       rateLimit,
		logAll:          cfg.LogAllRequests,
		client:          &http.Client{Timeout: timeout},
		logger:          logging.OrNop(logger),
		now:             time.Now,
	}
}

// Name implements sandbox.Capability.
func (c *Capability) Name() string { return "network" }

// CheckPermission allows hosts on the allow list or already approved this
// session; others are ask-level when askDomains is set, denied otherwise.
func (c *Capability) CheckPermission(_ context.Context, _ string, resource string, params map[string]any) sandbox.Decision {
	rawURL := resource
	if rawURL == "" {
		rawURL, _ = params["url"].(string)
	}
	host, err := extractHost(rawURL)
	if err != nil {
		return sandbox.Decision{Allowed: false, Level: sandbox.LevelDeny, Reason: fmt.Sprintf("Invalid URL: %v", err)}
	}

	c.mu.Lock()
	approved := c.allowed[host] || c.sessionApproved[host]
	c.mu.Unlock()

	if approved {
		return sandbox.Decision{Allowed: true, Level: sandbox.LevelAuto}
	}
	if c.askDomains {
		return sandbox.Decision{Allowed: true, Level: sandbox.LevelAsk}
	}
	return sandbox.Decision{Allowed: false, Level: sandbox.LevelDeny, Reason: fmt.Sprintf("Domain not allowed: %s", host)}
}

// Execute issues the HTTP request.
func (c *Capability) Execute(ctx context.Context, _ string, params map[string]any) sandbox.Result {
	rawURL, _ := params["url"].(string)
	host, err := extractHost(rawURL)
	if err != nil {
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Invalid URL: %v", err)}
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !allowedMethods[method] {
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Method not allowed: %s", method)}
	}

	if !c.tryAcquire() {
		return sandbox.Result{Success: false, Error: fmt.Sprintf("Rate limit exceeded: %d requests per minute", c.rateLimit)}
	}

	var body io.Reader
	if raw, ok := params["body"].(string); ok && raw != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logAll {
		c.logger.Info("Network: %s %s", method, redaction.RedactStringValue("url", rawURL))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return sandbox.Result{Success: false, Error: redaction.Sanitize(err.Error(), nil)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyChars+1))
	if err != nil {
		return sandbox.Result{Success: false, Error: err.Error()}
	}
	text := string(data)
	truncated := false
	if len(text) > maxBodyChars {
		text = text[:maxBodyChars]
		truncated = true
	}

	output := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, text)
	if truncated {
		output += "\n[response truncated at 10000 characters]"
	}

	// A completed request approves the host for the rest of the session.
	c.mu.Lock()
	c.sessionApproved[host] = true
	c.mu.Unlock()

	return sandbox.Result{Success: true, Output: redaction.Sanitize(output, nil)}
}

// tryAcquire enforces the sliding-window limit: at most rateLimit requests
// within the previous 60 seconds.
func (c *Capability) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cutoff := now.Add(-time.Minute)
	kept := c.requestTimes[:0]
	for _, t := range c.requestTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.requestTimes = kept
	if len(c.requestTimes) >= c.rateLimit {
		return false
	}
	c.requestTimes = append(c.requestTimes, now)
	return true
}

func extractHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host")
	}
	return host, nil
}
