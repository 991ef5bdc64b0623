package tool

import (
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"

	"opsdesk/internal/domain"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.Validationf("'%s' is required", name)
	}
	return nil
}

// RequireFields takes name/value pairs and reports the first blank one.
func RequireFields(pairs ...string) error {
	if len(pairs)%2 == 1 {
		return domain.Validationf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(pairs); i += 2 {
		if err := RequireField(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRange accepts lo <= value <= hi.
func ValidateRange(name string, value, lo, hi int) error {
	if value < lo || value > hi {
		return domain.Validationf("%s must be %d-%d", name, lo, hi)
	}
	return nil
}

// ValidatePositive rejects zero and negative ids and counts.
func ValidatePositive(name string, value int) error {
	if value < 1 {
		return domain.Validationf("'%s' is required and must be > 0", name)
	}
	return nil
}

// ValidateEnum accepts an empty value or one of allowed.
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" || slices.Contains(allowed, value) {
		return nil
	}
	return domain.Validationf("invalid %s %q (want: %s)", name, value, joinComma(allowed))
}

// ValidateAll reports the first failed check, so a tool can list its field
// rules in one call:
//
//	ValidateAll(RequireField("to", p.To), ValidateEmail("to", p.To))
func ValidateAll(checks ...error) error {
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateMaxLength caps value at limit bytes.
func ValidateMaxLength(name, value string, limit int) error {
	if len(value) > limit {
		return domain.Validationf("%s exceeds maximum length of %d", name, limit)
	}
	return nil
}

// ValidateEmail checks that value is a single bare address. An empty value
// is allowed.
func ValidateEmail(name, value string) error {
	if value == "" {
		return nil
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		return domain.Validationf("invalid %s: %q is not an email address", name, value)
	}
	return nil
}

var phoneRe = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ValidatePhone checks that value is an E.164 number. An empty value is
// allowed.
func ValidatePhone(name, value string) error {
	if value == "" || phoneRe.MatchString(value) {
		return nil
	}
	return domain.Validationf("invalid %s: %q must be in E.164 format, e.g. +15551234567", name, value)
}

// ValidateDate checks for YYYY-MM-DD or RFC 3339. An empty value is allowed.
func ValidateDate(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, value); err == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return nil
	}
	return domain.Validationf("invalid %s %q: use YYYY-MM-DD", name, value)
}
