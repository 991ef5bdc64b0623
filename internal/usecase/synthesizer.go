package usecase

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"opsdesk/internal/domain"
)

const (
	synthMaxItems   = 5
	synthMaxItemLen = 160
	synthMaxText    = 400
)

// nextStep is the specific input asked for when a category blocks progress.
var nextStep = map[domain.ErrorCategory]string{
	domain.CategoryValidation:       "the exact record id or a corrected value for the field that was rejected.",
	domain.CategoryPermissionDenied: "a manager or admin to make this change, or your explicit confirmation if you have access.",
	domain.CategoryNotFound:         "a different id, name or search term for the record.",
	domain.CategoryBudgetExceeded:   "a new message to continue with the remaining changes.",
	domain.CategoryUpstreamFailure:  "the external system to be reachable again. Please retry in a few minutes.",
	domain.CategorySystemic:         "someone to check the integration settings before retrying.",
}

// ToolRound is one executed model round: the calls in request order and
// their results at the same indices.
type ToolRound struct {
	Calls   []domain.ToolCall
	Results []domain.ToolResult
}

// AllFailed reports whether every result of the round is an error. An
// empty round does not count as failed.
func (r ToolRound) AllFailed() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.IsError {
			return false
		}
	}
	return true
}

// Synthesizer writes a reply from tool results when the model produced
// none. Output is a deterministic function of the results and never empty.
type Synthesizer struct{}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer() *Synthesizer { return &Synthesizer{} }

type outcome struct {
	tool   string
	result domain.ToolResult
}

// Synthesize summarizes rounds. stopped marks a run halted for repeated
// failures; it always produces the blocked report.
func (s *Synthesizer) Synthesize(rounds []ToolRound, stopped bool) string {
	var ok, failed []outcome
	for _, r := range rounds {
		for i, res := range r.Results {
			name := ""
			if i < len(r.Calls) {
				name = r.Calls[i].Name
			}
			if res.IsError {
				failed = append(failed, outcome{name, res})
			} else {
				ok = append(ok, outcome{name, res})
			}
		}
	}

	if stopped || len(ok) == 0 {
		return s.blocked(rounds, failed, stopped)
	}

	var sb strings.Builder
	sb.WriteString("Here is what I found:\n")
	for _, o := range ok {
		fmt.Fprintf(&sb, "- %s:\n", o.tool)
		for _, line := range summarizePayload(o.result.Content) {
			fmt.Fprintf(&sb, "  %s\n", line)
		}
	}
	if len(failed) > 0 {
		sb.WriteString("\nIssues:\n")
		for i, o := range failed {
			fmt.Fprintf(&sb, "%d. %s (%s): %s\n", i+1, o.tool, category(o.result), errorMessage(o.result))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (s *Synthesizer) blocked(rounds []ToolRound, failed []outcome, stopped bool) string {
	if len(failed) == 0 {
		return "I do not have an answer yet: no data came back for this request.\n" +
			"To continue, I need: the record, date or person this is about."
	}
	last := failed[len(failed)-1]
	cat := category(last.result)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Blocked (%s): %s failed: %s\n", cat, last.tool, errorMessage(last.result))
	if stopped {
		n := 0
		for i := len(rounds) - 1; i >= 0 && rounds[i].AllFailed(); i-- {
			n++
		}
		fmt.Fprintf(&sb, "Every tool call failed for %d rounds in a row, so I stopped retrying.\n", n)
	}
	fmt.Fprintf(&sb, "To continue, I need: %s", nextStep[cat])
	return sb.String()
}

func category(res domain.ToolResult) domain.ErrorCategory {
	if _, ok := nextStep[res.Category]; ok {
		return res.Category
	}
	return domain.CategoryUpstreamFailure
}

// summarizePayload renders a result's JSON as bullet lines without adding
// anything the payload does not contain.
func summarizePayload(content string) []string {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return []string{"- " + clip(strings.TrimSpace(content), synthMaxText)}
	}
	switch t := v.(type) {
	case map[string]any:
		keys := sortedKeys(t)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, describeField(k, t[k])...)
		}
		if len(lines) == 0 {
			return []string{"- (empty result)"}
		}
		return lines
	case []any:
		return describeField("items", t)
	default:
		return []string{"- " + scalar(t)}
	}
}

func describeField(key string, v any) []string {
	switch t := v.(type) {
	case []any:
		lines := []string{fmt.Sprintf("- %s: %d items", key, len(t))}
		for i, item := range t {
			if i == synthMaxItems {
				lines = append(lines, fmt.Sprintf("  - and %d more", len(t)-synthMaxItems))
				break
			}
			lines = append(lines, "  - "+compact(item))
		}
		return lines
	case map[string]any:
		return []string{fmt.Sprintf("- %s: %s", key, compact(t))}
	default:
		return []string{fmt.Sprintf("- %s: %s", key, scalar(t))}
	}
}

// compact renders an item on one line: scalar fields as key=value in key
// order, nested values skipped.
func compact(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return clip(scalar(v), synthMaxItemLen)
	}
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		switch m[k].(type) {
		case map[string]any, []any, nil:
			continue
		}
		parts = append(parts, k+"="+scalar(m[k]))
	}
	return clip(strings.Join(parts, ", "), synthMaxItemLen)
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "none"
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
