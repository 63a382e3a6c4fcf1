// Package telegram is the chat-bot channel: a long-polling Bot API client
// that relays user messages to the agent and approval prompts back to the
// user as inline keyboards.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mama/internal/logging"
	"mama/internal/sandbox"
)

// maxMessageLength is Telegram's hard message size limit.
const maxMessageLength = 4096

// approvalTimeout resolves unanswered approval prompts to deny.
const approvalTimeout = 5 * time.Minute

// pollTimeout is the long-poll wait passed to getUpdates.
const pollTimeout = 30 * time.Second

// MessageFunc handles an inbound user message and returns the reply text.
type MessageFunc func(ctx context.Context, chatID int64, text string) (string, error)

// Config configures the adapter.
type Config struct {
	BotToken string
	// ChatID restricts the bot to a single conversation. Zero accepts any
	// chat.
	ChatID  int64
	BaseURL string
}

// Adapter is the Telegram channel.
type Adapter struct {
	config    Config
	onMessage MessageFunc
	client    *http.Client
	logger    logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	offset int64
	// pending maps request ids to their waiting approval calls; always
	// holds the (capability, action, resource) keys granted via the Always
	// button, which skip the prompt entirely.
	pending map[string]pendingApproval
	always  map[string]bool
}

// pendingApproval is one in-flight approval prompt.
type pendingApproval struct {
	ch  chan bool
	key string
}

// New creates the adapter.
func New(config Config, onMessage MessageFunc, logger logging.Logger) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.telegram.org"
	}
	return &Adapter{
		config:    config,
		onMessage: onMessage,
		client:    &http.Client{Timeout: pollTimeout + 15*time.Second},
		logger:    logging.OrNop(logger),
		pending:   make(map[string]pendingApproval),
		always:    make(map[string]bool),
	}
}

// Start begins long-polling. Starting twice is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.pollLoop(runCtx, a.done)
	a.logger.Info("Telegram adapter started")
	return nil
}

// Stop halts polling. Idempotent.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// update mirrors the subset of the Bot API update object the adapter uses.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"callback_query"`
}

func (a *Adapter) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := a.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("Telegram poll failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			a.mu.Lock()
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
			}
			a.mu.Unlock()
			a.handleUpdate(ctx, u)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, u update) {
	if u.CallbackQuery != nil {
		a.resolveCallback(ctx, u.CallbackQuery.ID, u.CallbackQuery.Data)
		return
	}
	if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
		return
	}
	chatID := u.Message.Chat.ID
	if a.config.ChatID != 0 && chatID != a.config.ChatID {
		a.logger.Warn("Ignoring message from unexpected chat %d", chatID)
		return
	}
	if a.onMessage == nil {
		return
	}

	reply, err := a.onMessage(ctx, chatID, u.Message.Text)
	if err != nil {
		reply = "Something went wrong: " + err.Error()
	}
	if err := a.SendMessage(ctx, chatID, reply, nil); err != nil {
		a.logger.Warn("Telegram send failed: %v", err)
	}
}

// resolveCallback settles a pending approval from an inline-button press.
func (a *Adapter) resolveCallback(ctx context.Context, callbackID, data string) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}
	verdict, requestID := parts[0], parts[1]

	a.mu.Lock()
	p, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
		if verdict == "always" {
			a.always[p.key] = true
		}
	}
	a.mu.Unlock()

	if ok {
		p.ch <- verdict == "approve" || verdict == "always"
	}
	_ = a.answerCallback(ctx, callbackID)
}

// approvalKey identifies what an Always grant covers.
func approvalKey(req sandbox.ApprovalRequest) string {
	return req.Capability + "." + req.Action + ":" + req.Resource
}

// ApprovalHandler returns a sandbox approval handler that asks over
// Telegram with approve/deny/always buttons and a 5-minute timeout. An
// Always answer grants the same capability, action, and resource for the
// lifetime of the adapter without prompting again.
func (a *Adapter) ApprovalHandler(chatID int64) sandbox.ApprovalHandler {
	return func(ctx context.Context, req sandbox.ApprovalRequest) bool {
		key := approvalKey(req)
		requestID := uuid.NewString()
		ch := make(chan bool, 1)
		a.mu.Lock()
		if a.always[key] {
			a.mu.Unlock()
			return true
		}
		a.pending[requestID] = pendingApproval{ch: ch, key: key}
		a.mu.Unlock()

		text := fmt.Sprintf("Approval needed: %s.%s on %s (requested by %s)",
			req.Capability, req.Action, req.Resource, req.RequestedBy)
		markup := map[string]any{
			"inline_keyboard": [][]map[string]string{{
				{"text": "Approve", "callback_data": "approve:" + requestID},
				{"text": "Deny", "callback_data": "deny:" + requestID},
				{"text": "Always", "callback_data": "always:" + requestID},
			}},
		}
		if err := a.SendMessage(ctx, chatID, text, markup); err != nil {
			a.logger.Warn("Approval prompt failed to send: %v", err)
			return false
		}

		select {
		case verdict := <-ch:
			return verdict
		case <-time.After(approvalTimeout):
			a.mu.Lock()
			delete(a.pending, requestID)
			a.mu.Unlock()
			a.logger.Info("Approval %s timed out, denying", requestID)
			return false
		case <-ctx.Done():
			a.mu.Lock()
			delete(a.pending, requestID)
			a.mu.Unlock()
			return false
		}
	}
}

// SendMessage delivers text, splitting messages over 4096 characters on
// newlines where possible. replyMarkup applies only to the final chunk.
func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string, replyMarkup map[string]any) error {
	chunks := splitMessage(text, maxMessageLength)
	for i, chunk := range chunks {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if replyMarkup != nil && i == len(chunks)-1 {
			payload["reply_markup"] = replyMarkup
		}
		if err := a.call(ctx, "sendMessage", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) getUpdates(ctx context.Context) ([]update, error) {
	a.mu.Lock()
	offset := a.offset
	a.mu.Unlock()

	var result struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	err := a.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": int(pollTimeout.Seconds()),
	}, &result)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("getUpdates returned not ok")
	}
	return result.Result, nil
}

func (a *Adapter) answerCallback(ctx context.Context, callbackID string) error {
	return a.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": callbackID}, nil)
}

func (a *Adapter) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", a.config.BaseURL, a.config.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// splitMessage breaks text into chunks of at most limit characters,
// preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
