package tool

import (
	"strings"

	"opsdesk/internal/domain"
)

// ResolveAssignee matches a free-text name against the roster. Matching is
// case-insensitive and tried in order: exact id, email or name; substring in
// either direction; first name. The first roster entry that matches wins.
func ResolveAssignee(members []domain.TeamMember, name string) (domain.TeamMember, bool) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return domain.TeamMember{}, false
	}

	for _, m := range members {
		if strings.EqualFold(m.ID, q) || strings.EqualFold(m.Email, q) || strings.EqualFold(m.Name, q) {
			return m, true
		}
	}
	for _, m := range members {
		n := strings.ToLower(strings.TrimSpace(m.Name))
		if n == "" {
			continue
		}
		if (len(q) >= 2 && strings.Contains(n, q)) || strings.Contains(q, n) {
			return m, true
		}
	}
	first := firstName(q)
	for _, m := range members {
		if first != "" && firstName(strings.ToLower(m.Name)) == first {
			return m, true
		}
	}
	return domain.TeamMember{}, false
}

func firstName(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// isSelf reports whether m is the caller's own roster row.
func isSelf(m domain.TeamMember, c domain.Caller) bool {
	switch {
	case c.ID != "" && (m.ID == c.ID || m.UserID == c.ID):
		return true
	case c.Email != "" && strings.EqualFold(m.Email, c.Email):
		return true
	}
	return false
}

// RedactMember strips identity and financial detail from a roster row.
func RedactMember(m domain.TeamMember) domain.TeamMember {
	return domain.TeamMember{ID: m.ID, Name: m.Name, Role: m.Role}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(sub)))
}
