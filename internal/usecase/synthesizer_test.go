package usecase

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/domain"
)

func okResult(content string) domain.ToolResult { return domain.ToolResult{Content: content} }

func errResult(cat domain.ErrorCategory, msg string) domain.ToolResult {
	return domain.ToolResult{Content: `{"error":"` + msg + `"}`, IsError: true, Category: cat}
}

func round(pairs ...any) ToolRound {
	var r ToolRound
	for i := 0; i < len(pairs); i += 2 {
		r.Calls = append(r.Calls, domain.ToolCall{Name: pairs[i].(string)})
		r.Results = append(r.Results, pairs[i+1].(domain.ToolResult))
	}
	return r
}

func TestToolRoundAllFailed(t *testing.T) {
	assert.False(t, ToolRound{}.AllFailed())
	assert.True(t, round("a", errResult(domain.CategoryValidation, "x")).AllFailed())
	assert.False(t, round("a", errResult(domain.CategoryValidation, "x"), "b", okResult(`{}`)).AllFailed())
}

func TestSynthesizeFindings(t *testing.T) {
	s := NewSynthesizer()
	rounds := []ToolRound{
		round("list_orders", okResult(`{"orders":[{"id":"o-1","customer":"Baker Farms","total":1200},{"id":"o-2","customer":"Hill Co","total":88.5}],"count":2}`)),
		round("send_email", errResult(domain.CategoryPermissionDenied, "draft-only mode: send_email is disabled")),
	}

	got := s.Synthesize(rounds, false)

	want := "Here is what I found:\n" +
		"- list_orders:\n" +
		"  - count: 2\n" +
		"  - orders: 2 items\n" +
		"    - customer=Baker Farms, id=o-1, total=1200\n" +
		"    - customer=Hill Co, id=o-2, total=88.5\n" +
		"\nIssues:\n" +
		"1. send_email (PERMISSION_DENIED): draft-only mode: send_email is disabled"
	assert.Equal(t, want, got)
}

func TestSynthesizeCapsItems(t *testing.T) {
	items := make([]string, 8)
	for i := range items {
		items[i] = `{"id":"t-` + string(rune('1'+i)) + `"}`
	}
	rounds := []ToolRound{round("list_tasks", okResult(`[`+strings.Join(items, ",")+`]`))}

	got := NewSynthesizer().Synthesize(rounds, false)

	assert.Contains(t, got, "- items: 8 items")
	assert.Contains(t, got, "id=t-5")
	assert.NotContains(t, got, "id=t-6")
	assert.Contains(t, got, "- and 3 more")
}

func TestSynthesizeStopped(t *testing.T) {
	rounds := []ToolRound{
		round("list_orders", okResult(`{"orders":[]}`)),
		round("send_sms", errResult(domain.CategoryUpstreamFailure, "SMS provider unavailable")),
		round("send_sms", errResult(domain.CategoryUpstreamFailure, "SMS provider unavailable")),
	}

	got := NewSynthesizer().Synthesize(rounds, true)

	assert.True(t, strings.HasPrefix(got, "Blocked (UPSTREAM_FAILURE): send_sms failed: SMS provider unavailable\n"), got)
	assert.Contains(t, got, "failed for 2 rounds in a row")
	assert.Contains(t, got, "To continue, I need: the external system to be reachable again.")
}

func TestSynthesizeOnlyErrors(t *testing.T) {
	tests := []struct {
		cat  domain.ErrorCategory
		next string
	}{
		{domain.CategoryValidation, "corrected value"},
		{domain.CategoryPermissionDenied, "a manager or admin"},
		{domain.CategoryBudgetExceeded, "a new message"},
		{domain.CategoryNone, "external system"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			got := NewSynthesizer().Synthesize([]ToolRound{round("update_task", errResult(tt.cat, "nope"))}, false)
			assert.Contains(t, got, "Blocked (")
			assert.Contains(t, got, tt.next)
			assert.NotContains(t, got, "rounds in a row")
		})
	}
}

func TestSynthesizeNothing(t *testing.T) {
	got := NewSynthesizer().Synthesize(nil, false)
	assert.NotEmpty(t, got)
	assert.Contains(t, got, "To continue, I need:")
}

func TestSummarizePayloadNonJSON(t *testing.T) {
	assert.Equal(t, []string{"- plain text result"}, summarizePayload("  plain text result "))
	assert.Equal(t, []string{"- (empty result)"}, summarizePayload(`{}`))
	assert.Equal(t, []string{"- true"}, summarizePayload(`true`))
}

func TestClipKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc...", clip("abcdef", 3))

	got := clip(strings.Repeat("ü", 10), 5) // two bytes each
	assert.True(t, utf8.ValidString(got), "%q", got)
	assert.Equal(t, "üü...", got)

	long := summarizePayload(strings.Repeat("日本語", 200))
	require.Len(t, long, 1)
	assert.True(t, utf8.ValidString(long[0]))
}
