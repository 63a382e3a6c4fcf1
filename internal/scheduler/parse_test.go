package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mama/internal/llm"
)

func TestParseValidCronPassesThrough(t *testing.T) {
	p := NewParser(nil, nil)
	got, err := p.Parse(context.Background(), "*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got)
}

func TestParsePhraseTable(t *testing.T) {
	p := NewParser(nil, nil)
	cases := map[string]string{
		"every minute":          "* * * * *",
		"hourly":                "0 * * * *",
		"every hour":            "0 * * * *",
		"daily":                 "0 0 * * *",
		"every day":             "0 0 * * *",
		"weekly":                "0 0 * * 0",
		"monthly":               "0 0 1 * *",
		"every 15 minutes":      "*/15 * * * *",
		"every 2 hours":         "0 */2 * * *",
		"every day at 09:30":    "30 9 * * *",
		"every monday at 08:00": "0 8 * * 1",
		"Every Friday at 17:15": "15 17 * * 5",
	}
	for input, want := range cases {
		got, err := p.Parse(context.Background(), input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}
}

func TestParseEmptySchedule(t *testing.T) {
	p := NewParser(nil, nil)
	_, err := p.Parse(context.Background(), "  ")
	assert.Error(t, err)
}

func TestParseUninterpretable(t *testing.T) {
	p := NewParser(nil, nil)
	_, err := p.Parse(context.Background(), "whenever you feel like it")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot interpret schedule")
}

func TestParseWithLLMValidAnswer(t *testing.T) {
	mock := llm.NewMock("m").Enqueue(&llm.Response{Content: "0 7 * * 1-5"})
	p := NewParser(mock, nil)

	got, err := p.Parse(context.Background(), "weekday mornings at seven")
	require.NoError(t, err)
	assert.Equal(t, "0 7 * * 1-5", got)
	assert.Equal(t, 1, mock.Calls())
}

func TestParseWithLLMInvalidSentinelFallsToPhrases(t *testing.T) {
	mock := llm.NewMock("m").Enqueue(&llm.Response{Content: "INVALID"})
	p := NewParser(mock, nil)

	got, err := p.Parse(context.Background(), "every day")
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * *", got)
}

func TestParseWithLLMGarbageRejected(t *testing.T) {
	mock := llm.NewMock("m").Enqueue(&llm.Response{Content: "sometime soon maybe"})
	p := NewParser(mock, nil)

	_, err := p.Parse(context.Background(), "not a schedule at all")
	assert.Error(t, err)
}

func TestParseWithLLMStripsBackticks(t *testing.T) {
	mock := llm.NewMock("m").Enqueue(&llm.Response{Content: "`0 12 * * *`"})
	p := NewParser(mock, nil)

	got, err := p.Parse(context.Background(), "at noon")
	require.NoError(t, err)
	assert.Equal(t, "0 12 * * *", got)
}

func TestParseInvalidFiveFieldGoesToPhrases(t *testing.T) {
	p := NewParser(nil, nil)
	// Five fields but not valid cron; no LLM; no phrase match.
	_, err := p.Parse(context.Background(), "99 99 99 99 99")
	assert.Error(t, err)
}
