package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mama/internal/sandbox"
)

func approvalRequest(capability, action, resource string) sandbox.ApprovalRequest {
	return sandbox.ApprovalRequest{
		Capability:  capability,
		Action:      action,
		Resource:    resource,
		RequestedBy: "telegram",
	}
}

// waitForApprovalPrompt blocks until the bot received the inline-keyboard
// prompt and returns its request id.
func waitForApprovalPrompt(t *testing.T, bot *fakeBot) string {
	t.Helper()
	return waitForNthApprovalPrompt(t, bot, 1)
}

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello", 4096)
	assert.Equal(t, []string{"hello"}, chunks)

	chunks = splitMessage("", 4096)
	assert.Equal(t, []string{""}, chunks)
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := splitMessage(text, 15)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 10), chunks[0])
	assert.Equal(t, strings.Repeat("b", 10), chunks[1])
}

func TestSplitMessageHardCutWithoutNewline(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := splitMessage(text, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 10), chunks[0])
	assert.Equal(t, strings.Repeat("x", 10), chunks[1])
	assert.Equal(t, strings.Repeat("x", 5), chunks[2])
}

func TestSplitMessageRespectsLimit(t *testing.T) {
	text := strings.Repeat("line of text\n", 800)
	chunks := splitMessage(text, maxMessageLength)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), maxMessageLength)
	}
}

// fakeBot records Bot API calls and scripts getUpdates responses.
type fakeBot struct {
	mu       sync.Mutex
	sent     []map[string]any
	updates  []update
	answered []string
}

func (b *fakeBot) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)

		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			b.sent = append(b.sent, payload)
			w.Write([]byte(`{"ok": true}`))
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			resp := struct {
				OK     bool     `json:"ok"`
				Result []update `json:"result"`
			}{OK: true, Result: b.updates}
			b.updates = nil
			encoded, _ := json.Marshal(resp)
			w.Write(encoded)
		case strings.HasSuffix(r.URL.Path, "/answerCallbackQuery"):
			id, _ := payload["callback_query_id"].(string)
			b.answered = append(b.answered, id)
			w.Write([]byte(`{"ok": true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (b *fakeBot) sentMessages() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.sent...)
}

func newTestAdapter(t *testing.T, bot *fakeBot, onMessage MessageFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(bot.handler())
	t.Cleanup(server.Close)
	return New(Config{BotToken: "test-token", BaseURL: server.URL}, onMessage, nil)
}

func TestSendMessageChunksLongText(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, nil)

	long := strings.Repeat("paragraph of reply text\n", 300)
	require.NoError(t, a.SendMessage(context.Background(), 42, long, nil))

	sent := bot.sentMessages()
	require.Greater(t, len(sent), 1)
	for _, msg := range sent {
		assert.Equal(t, float64(42), msg["chat_id"])
		text, _ := msg["text"].(string)
		assert.LessOrEqual(t, len(text), maxMessageLength)
	}
}

func TestSendMessageMarkupOnFinalChunkOnly(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, nil)

	long := strings.Repeat("a", maxMessageLength) + "\ntail"
	markup := map[string]any{"inline_keyboard": []any{}}
	require.NoError(t, a.SendMessage(context.Background(), 1, long, markup))

	sent := bot.sentMessages()
	require.Len(t, sent, 2)
	assert.NotContains(t, sent[0], "reply_markup")
	assert.Contains(t, sent[1], "reply_markup")
}

func TestHandleUpdateRepliesToMessage(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, func(_ context.Context, chatID int64, text string) (string, error) {
		return "you said: " + text, nil
	})

	var u update
	require.NoError(t, json.Unmarshal([]byte(`{"update_id": 1, "message": {"chat": {"id": 7}, "text": "hi"}}`), &u))
	a.handleUpdate(context.Background(), u)

	sent := bot.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "you said: hi", sent[0]["text"])
	assert.Equal(t, float64(7), sent[0]["chat_id"])
}

func TestHandleUpdateIgnoresForeignChat(t *testing.T) {
	bot := &fakeBot{}
	server := httptest.NewServer(bot.handler())
	t.Cleanup(server.Close)
	a := New(Config{BotToken: "t", BaseURL: server.URL, ChatID: 100}, func(context.Context, int64, string) (string, error) {
		t.Fatal("handler must not run for a foreign chat")
		return "", nil
	}, nil)

	var u update
	require.NoError(t, json.Unmarshal([]byte(`{"update_id": 1, "message": {"chat": {"id": 7}, "text": "hi"}}`), &u))
	a.handleUpdate(context.Background(), u)
	assert.Empty(t, bot.sentMessages())
}

func TestApprovalFlow(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, nil)
	handler := a.ApprovalHandler(42)

	verdict := make(chan bool, 1)
	go func() {
		verdict <- handler(context.Background(), approvalRequest("shell", "execute", "rm file"))
	}()

	// Wait for the prompt, then press its Approve button.
	requestID := waitForApprovalPrompt(t, bot)
	var u update
	payload := `{"update_id": 2, "callback_query": {"id": "cb1", "data": "approve:` + requestID + `"}}`
	require.NoError(t, json.Unmarshal([]byte(payload), &u))
	a.handleUpdate(context.Background(), u)

	assert.True(t, <-verdict)
	bot.mu.Lock()
	answered := append([]string(nil), bot.answered...)
	bot.mu.Unlock()
	assert.Equal(t, []string{"cb1"}, answered)
}

func TestApprovalDenied(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, nil)
	handler := a.ApprovalHandler(42)

	verdict := make(chan bool, 1)
	go func() {
		verdict <- handler(context.Background(), approvalRequest("network", "request", "https://example.com"))
	}()

	requestID := waitForApprovalPrompt(t, bot)
	var u update
	payload := `{"update_id": 3, "callback_query": {"id": "cb2", "data": "deny:` + requestID + `"}}`
	require.NoError(t, json.Unmarshal([]byte(payload), &u))
	a.handleUpdate(context.Background(), u)

	assert.False(t, <-verdict)
}

func TestApprovalAlwaysSkipsFuturePrompts(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, nil)
	handler := a.ApprovalHandler(42)

	verdict := make(chan bool, 1)
	go func() {
		verdict <- handler(context.Background(), approvalRequest("shell", "execute", "git pull"))
	}()

	requestID := waitForApprovalPrompt(t, bot)
	var u update
	payload := `{"update_id": 4, "callback_query": {"id": "cb3", "data": "always:` + requestID + `"}}`
	require.NoError(t, json.Unmarshal([]byte(payload), &u))
	a.handleUpdate(context.Background(), u)
	assert.True(t, <-verdict)

	// The same triple is granted without a second prompt.
	prompts := len(bot.sentMessages())
	assert.True(t, handler(context.Background(), approvalRequest("shell", "execute", "git pull")))
	assert.Len(t, bot.sentMessages(), prompts)

	// A different resource still prompts.
	done := make(chan bool, 1)
	go func() {
		done <- handler(context.Background(), approvalRequest("shell", "execute", "git push"))
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(bot.sentMessages()) == prompts && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Greater(t, len(bot.sentMessages()), prompts)

	second := waitForNthApprovalPrompt(t, bot, 2)
	payload = `{"update_id": 5, "callback_query": {"id": "cb4", "data": "deny:` + second + `"}}`
	require.NoError(t, json.Unmarshal([]byte(payload), &u))
	a.handleUpdate(context.Background(), u)
	assert.False(t, <-done)
}

// waitForNthApprovalPrompt returns the request id of the n-th inline
// keyboard prompt the bot received.
func waitForNthApprovalPrompt(t *testing.T, bot *fakeBot, n int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		seen := 0
		for _, msg := range bot.sentMessages() {
			markup, ok := msg["reply_markup"].(map[string]any)
			if !ok {
				continue
			}
			rows, _ := markup["inline_keyboard"].([]any)
			if len(rows) == 0 {
				continue
			}
			buttons, _ := rows[0].([]any)
			if len(buttons) == 0 {
				continue
			}
			button, _ := buttons[0].(map[string]any)
			data, _ := button["callback_data"].(string)
			id, found := strings.CutPrefix(data, "approve:")
			if !found {
				continue
			}
			seen++
			if seen == n {
				return id
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("approval prompt %d never arrived", n)
	return ""
}

func TestApprovalCancelledContext(t *testing.T) {
	bot := &fakeBot{}
	a := newTestAdapter(t, bot, nil)
	handler := a.ApprovalHandler(42)

	ctx, cancel := context.WithCancel(context.Background())
	verdict := make(chan bool, 1)
	go func() {
		verdict <- handler(ctx, approvalRequest("shell", "execute", "ls"))
	}()
	waitForApprovalPrompt(t, bot)
	cancel()
	assert.False(t, <-verdict)
}
