package tool

import (
	"errors"
	"strings"

	"opsdesk/internal/domain"
)

// transientMarkers are lowercase fragments of network and lock errors that
// clear up on their own.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"database is locked",
}

// transientToolError reports whether a failed tool call is worth retrying.
// Only UPSTREAM_FAILURE errors qualify; refused or malformed calls fail the
// same way every time, as do disabled integrations and bad credentials.
func transientToolError(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.CategoryOf(err) != domain.CategoryUpstreamFailure:
		return false
	case errors.Is(err, domain.ErrDisabled), errors.Is(err, domain.ErrAuthInvalid):
		return false
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrProviderError), errors.Is(err, domain.ErrRateLimit):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
