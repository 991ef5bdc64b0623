package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"opsdesk/internal/domain"
)

const briefingMaxItems = 10

// CompleteBriefing appends every section of br whose title does not already
// appear in reply, rendered from the assembled context. Sections with no
// data render "No items".
func CompleteBriefing(reply string, br *domain.Briefing, assembled domain.AssembledContext) string {
	if br == nil {
		return reply
	}
	lower := strings.ToLower(reply)
	var missing []string
	for _, s := range br.Sections {
		if !strings.Contains(lower, strings.ToLower(s.Title)) {
			missing = append(missing, RenderSection(s, assembled))
		}
	}
	if len(missing) == 0 {
		return reply
	}
	out := strings.TrimRight(reply, "\n")
	if out != "" {
		out += "\n\n"
	}
	return out + strings.Join(missing, "\n\n")
}

// RenderSection renders one briefing section as a markdown heading and a
// bullet per item, showing the section's fields in order.
func RenderSection(s domain.BriefingSection, assembled domain.AssembledContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n", s.Title)

	rows := toRows(assembled[s.ContextKey])
	if len(rows) == 0 {
		sb.WriteString("No items")
		return sb.String()
	}
	for i, row := range rows {
		if i == briefingMaxItems {
			fmt.Fprintf(&sb, "- and %d more\n", len(rows)-briefingMaxItems)
			break
		}
		var parts []string
		for _, f := range s.Fields {
			if v, ok := row[f]; ok && v != nil && fmt.Sprint(v) != "" {
				parts = append(parts, fmt.Sprint(v))
			}
		}
		if len(parts) == 0 {
			parts = append(parts, compact(row))
		}
		fmt.Fprintf(&sb, "- %s\n", strings.Join(parts, " | "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// toRows normalizes a context value into a list of rows. Anything that is
// not a list of objects yields nil.
func toRows(v any) []map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case []domain.Record:
		out := make([]map[string]any, len(t))
		for i, r := range t {
			out[i] = r
		}
		return out
	case []map[string]any:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil
	}
	return rows
}
