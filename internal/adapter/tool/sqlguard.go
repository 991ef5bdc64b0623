package tool

import (
	"regexp"
	"strings"

	"opsdesk/internal/domain"
)

var (
	lineComment   = regexp.MustCompile(`--[^\n]*`)
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	quotedLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)

	readPrefix    = regexp.MustCompile(`(?i)^\s*(select|with)\b`)
	writePrefix   = regexp.MustCompile(`(?i)^\s*(insert|update|delete)\b`)
	hasWhere      = regexp.MustCompile(`(?i)\bwhere\b`)
	mutatingWord  = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|merge|attach|detach|pragma|vacuum|copy)\b`)
	chainedWrite  = regexp.MustCompile(`(?i);\s*(insert|update|delete|drop|alter|create|truncate|grant|revoke|merge|replace|attach|detach|pragma|vacuum|copy|call|exec|execute)\b`)
	trailingSemis = regexp.MustCompile(`[;\s]+$`)
)

// destructivePatterns are refused for every write regardless of confirm.
var destructivePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"DROP TABLE", regexp.MustCompile(`(?i)\bdrop\s+table\b`)},
	{"DROP DATABASE", regexp.MustCompile(`(?i)\bdrop\s+database\b`)},
	{"DROP SCHEMA", regexp.MustCompile(`(?i)\bdrop\s+schema\b`)},
	{"TRUNCATE", regexp.MustCompile(`(?i)\btruncate\b`)},
	{"GRANT", regexp.MustCompile(`(?i)\bgrant\b`)},
	{"REVOKE", regexp.MustCompile(`(?i)\brevoke\b`)},
	{"ALTER ... DROP", regexp.MustCompile(`(?i)\balter\s+table\b[^;]*\bdrop\b`)},
	{"ALTER USER/ROLE", regexp.MustCompile(`(?i)\balter\s+(user|role)\b`)},
}

// sanitizeSQL blanks comments and string literals so keyword checks only see
// executable SQL.
func sanitizeSQL(q string) string {
	q = blockComment.ReplaceAllString(q, " ")
	q = lineComment.ReplaceAllString(q, " ")
	return quotedLiteral.ReplaceAllString(q, "''")
}

// isMultiStatement reports whether anything other than whitespace follows a
// semicolon.
func isMultiStatement(clean string) bool {
	body := trailingSemis.ReplaceAllString(clean, "")
	return strings.Contains(body, ";")
}

// ValidateReadQuery accepts a single SELECT or WITH statement no longer than
// maxLen bytes.
func ValidateReadQuery(query string, maxLen int) error {
	if strings.TrimSpace(query) == "" {
		return domain.Validationf("query is required")
	}
	if maxLen > 0 && len(query) > maxLen {
		return domain.Validationf("query too long: %d characters, max %d", len(query), maxLen)
	}
	clean := sanitizeSQL(query)
	if chainedWrite.MatchString(clean) {
		return domain.Deniedf(domain.ErrMultiStatement,
			"Multi-statement write detected: only a single SELECT/WITH statement is allowed")
	}
	if isMultiStatement(clean) {
		return domain.Deniedf(domain.ErrMultiStatement, "Multiple statements are not allowed: send one SELECT/WITH query")
	}
	if !readPrefix.MatchString(clean) {
		return domain.Deniedf(domain.ErrReadOnlyQuery, "only SELECT/WITH permitted")
	}
	if m := mutatingWord.FindString(clean); m != "" {
		return domain.Deniedf(domain.ErrReadOnlyQuery,
			"only SELECT/WITH permitted: %s is not allowed in a read query", strings.ToUpper(m))
	}
	return nil
}

// ValidateWriteStatement accepts a single bounded INSERT, UPDATE or DELETE and
// returns its verb in upper case. Destructive constructs are checked first.
func ValidateWriteStatement(stmt string, maxLen int) (string, error) {
	if strings.TrimSpace(stmt) == "" {
		return "", domain.Validationf("query is required")
	}
	if maxLen > 0 && len(stmt) > maxLen {
		return "", domain.Validationf("statement too long: %d characters, max %d", len(stmt), maxLen)
	}
	clean := sanitizeSQL(stmt)
	for _, p := range destructivePatterns {
		if p.re.MatchString(clean) {
			return "", domain.Deniedf(domain.ErrDestructiveSQL,
				"destructive statement blocked: %s is not allowed", p.name)
		}
	}
	if isMultiStatement(clean) {
		return "", domain.Deniedf(domain.ErrMultiStatement,
			"Multi-statement write detected: submit exactly one statement")
	}
	m := writePrefix.FindStringSubmatch(clean)
	if m == nil {
		return "", domain.Deniedf(nil, "only INSERT, UPDATE or DELETE statements are accepted by this tool")
	}
	verb := strings.ToUpper(m[1])
	if verb != "INSERT" && !hasWhere.MatchString(clean) {
		return "", domain.Deniedf(domain.ErrUnboundedMutation,
			"%s without WHERE is not allowed: target rows by primary key", verb)
	}
	return verb, nil
}
