package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"opsdesk/internal/domain"
)

// ErrorCategory says whether a failed model call is worth repeating.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryRetryable covers throttling, 5xx, network trouble and
	// context overflow (retried with a shorter history).
	ErrorCategoryRetryable
	// ErrorCategoryPermanent covers auth, quota and malformed requests.
	ErrorCategoryPermanent
)

// ClassifiedError is the verdict for one provider error.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // domain sentinel the error maps to, if any
	StatusCode int   // HTTP status parsed from the message, or 0
}

// ErrorClassifier decides how the loop reacts to a provider error.
type ErrorClassifier struct{}

// NewErrorClassifier returns a classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

type verdict struct {
	sentinel  error
	retryable bool
}

func (v verdict) classify(err error, status int) ClassifiedError {
	cat := ErrorCategoryPermanent
	if v.retryable {
		cat = ErrorCategoryRetryable
	}
	return ClassifiedError{Original: err, Category: cat, Sentinel: v.sentinel, StatusCode: status}
}

// Quota is checked before rate limiting: providers report an exhausted
// balance as a 429 too.
var sentinelVerdicts = []verdict{
	{domain.ErrQuotaExceeded, false},
	{domain.ErrRateLimit, true},
	{domain.ErrContextOverflow, true},
	{domain.ErrAuthInvalid, false},
	{domain.ErrProviderError, true},
}

var statusVerdicts = map[int]verdict{
	429: {domain.ErrRateLimit, true},
	402: {domain.ErrQuotaExceeded, false},
	401: {domain.ErrAuthInvalid, false},
	403: {domain.ErrAuthInvalid, false},
	413: {domain.ErrContextOverflow, true},
}

// textVerdicts match provider errors that carry no status code.
var textVerdicts = []struct {
	markers []string
	verdict
}{
	{[]string{"rate limit", "too many requests"}, verdict{domain.ErrRateLimit, true}},
	{[]string{"context length", "token limit", "maximum context"}, verdict{domain.ErrContextOverflow, true}},
	{[]string{"connection refused", "no such host", "timeout", "deadline exceeded", "connection reset"}, verdict{nil, true}},
}

// overflowHints flag a 400 as a context length problem.
var overflowHints = []string{"context", "token", "length", "too long", "maximum"}

// apiErrorPattern matches the "API error <status>:" prefix every adapter emits.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify maps err to a category. Wrapped domain sentinels win over the
// status code, which wins over message text.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	for _, v := range sentinelVerdicts {
		if errors.Is(err, v.sentinel) {
			return v.classify(err, 0)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return verdict{domain.ErrProviderError, true}.classify(err, 0)
	}

	msg := err.Error()
	if m := apiErrorPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return statusVerdict(msg, code).classify(err, code)
	}

	lower := strings.ToLower(msg)
	for _, tv := range textVerdicts {
		if containsAny(lower, tv.markers) {
			return tv.verdict.classify(err, 0)
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

func statusVerdict(msg string, code int) verdict {
	if v, ok := statusVerdicts[code]; ok {
		return v
	}
	switch {
	case code == 400 && containsAny(strings.ToLower(msg), overflowHints):
		return verdict{domain.ErrContextOverflow, true}
	case code >= 500 && code < 600:
		return verdict{nil, true}
	default:
		return verdict{nil, false}
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
