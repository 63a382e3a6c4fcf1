package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"mama/internal/llm"
	"mama/internal/logging"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Completer is the LLM surface schedule parsing needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Parser normalizes schedule input to a canonical 5-field cron expression.
// Valid cron passes through untouched; natural language goes first to a
// small LLM call, then to a deterministic phrase table.
type Parser struct {
	llm    Completer
	logger logging.Logger
}

// NewParser creates a parser. completer may be nil; only cron expressions
// and the phrase table are then accepted.
func NewParser(completer Completer, logger logging.Logger) *Parser {
	return &Parser{llm: completer, logger: logging.OrNop(logger)}
}

// Parse returns the canonical cron expression for input, or an error when
// nothing can interpret it.
func (p *Parser) Parse(ctx context.Context, input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("empty schedule")
	}

	if len(strings.Fields(trimmed)) == 5 {
		if _, err := cronParser.Parse(trimmed); err == nil {
			return trimmed, nil
		}
	}

	if expr, ok := p.parseWithLLM(ctx, trimmed); ok {
		return expr, nil
	}
	if expr, ok := parsePhrase(trimmed); ok {
		return expr, nil
	}
	return "", fmt.Errorf("cannot interpret schedule %q", input)
}

func (p *Parser) parseWithLLM(ctx context.Context, input string) (string, bool) {
	if p.llm == nil {
		return "", false
	}
	resp, err := p.llm.Complete(ctx, llm.Request{
		SystemPrompt: `Convert the user's schedule description to a standard 5-field cron expression (minute hour day-of-month month day-of-week). Respond with ONLY the expression, or the single word INVALID if the input is not a schedule.`,
		Messages:     []llm.Message{{Role: "user", Content: input}},
		TaskType:     llm.TaskSimple,
		MaxTokens:    64,
	})
	if err != nil {
		p.logger.Debug("LLM schedule parse failed: %v", err)
		return "", false
	}
	expr := strings.TrimSpace(strings.Trim(resp.Content, "`"))
	if expr == "" || strings.EqualFold(expr, "INVALID") {
		return "", false
	}
	if _, err := cronParser.Parse(expr); err != nil {
		p.logger.Debug("LLM returned invalid cron %q: %v", expr, err)
		return "", false
	}
	return expr, true
}

var (
	everyNMinutes = regexp.MustCompile(`^every (\d+) min(ute)?s?$`)
	everyNHours   = regexp.MustCompile(`^every (\d+) hours?$`)
	dailyAt       = regexp.MustCompile(`^every day at (\d{1,2}):(\d{2})$`)
	weekdayAt     = regexp.MustCompile(`^every (sunday|monday|tuesday|wednesday|thursday|friday|saturday) at (\d{1,2}):(\d{2})$`)
)

var weekdayNumbers = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// parsePhrase maps common natural phrases to cron deterministically.
func parsePhrase(input string) (string, bool) {
	phrase := strings.ToLower(strings.TrimSpace(input))
	switch phrase {
	case "every minute":
		return "* * * * *", true
	case "hourly", "every hour":
		return "0 * * * *", true
	case "daily", "every day":
		return "0 0 * * *", true
	case "weekly", "every week":
		return "0 0 * * 0", true
	case "monthly", "every month":
		return "0 0 1 * *", true
	}
	if m := everyNMinutes.FindStringSubmatch(phrase); m != nil {
		return fmt.Sprintf("*/%s * * * *", m[1]), true
	}
	if m := everyNHours.FindStringSubmatch(phrase); m != nil {
		return fmt.Sprintf("0 */%s * * *", m[1]), true
	}
	if m := dailyAt.FindStringSubmatch(phrase); m != nil {
		return fmt.Sprintf("%s %s * * *", trimZero(m[2]), trimZero(m[1])), true
	}
	if m := weekdayAt.FindStringSubmatch(phrase); m != nil {
		return fmt.Sprintf("%s %s * * %d", trimZero(m[3]), trimZero(m[2]), weekdayNumbers[m[1]]), true
	}
	return "", false
}

// trimZero drops a leading zero so "09" renders as cron field "9".
func trimZero(field string) string {
	if len(field) == 2 && field[0] == '0' {
		return field[1:]
	}
	return field
}
