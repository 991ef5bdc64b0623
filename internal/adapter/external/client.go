// Package external holds thin clients for the systems agents write to:
// WordPress, Odoo, QuickBooks, SMTP email and Twilio SMS. Each client returns
// categorized domain errors so tool results explain failures uniformly.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opsdesk/internal/domain"
)

// maxResponseBody bounds how much of a remote response is read.
const maxResponseBody = 4 * 1024 * 1024

// defaultTimeout applies when a client is built without an *http.Client.
const defaultTimeout = 20 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// request describes one HTTP call.
type request struct {
	op      string
	method  string
	url     string
	headers map[string]string
	json    any        // encoded as the JSON body when non-nil
	form    url.Values // encoded as a form body when non-nil
	user    string     // basic auth when non-empty
	pass    string
}

// do executes req and decodes a 2xx JSON body into out (if non-nil).
func do(ctx context.Context, client *http.Client, req request, out any) error {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.json != nil:
		data, err := json.Marshal(req.json)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", req.op, err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	case req.form != nil:
		body, contentType = strings.NewReader(req.form.Encode()), "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", req.op, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if req.user != "" {
		httpReq.SetBasicAuth(req.user, req.pass)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return domain.Upstreamf(
			domain.NewSubSystemError("external", req.op, domain.ErrProviderError, err.Error()),
			"%s unreachable: %v", req.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return domain.Upstreamf(nil, "%s: read response: %v", req.op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapStatus(req.op, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.Upstreamf(nil, "%s: decode response: %v", req.op, err)
	}
	return nil
}

// mapStatus converts a non-2xx response into a categorized error.
func mapStatus(op string, status int, body []byte) error {
	msg := remoteMessage(body)
	detail := fmt.Sprintf("HTTP %d: %s", status, msg)
	switch {
	case status == http.StatusNotFound:
		return domain.Categorize(domain.CategoryNotFound,
			domain.NewSubSystemError("external", op, domain.ErrNotFound, detail), "%s: not found", op)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.Upstreamf(domain.NewSubSystemError("external", op, domain.ErrAuthInvalid, detail),
			"%s rejected the configured credentials", op)
	case status == http.StatusTooManyRequests:
		return domain.Upstreamf(domain.NewSubSystemError("external", op, domain.ErrRateLimit, detail),
			"%s is rate limiting requests, try again shortly", op)
	case status >= 500:
		return domain.Upstreamf(domain.NewSubSystemError("external", op, domain.ErrProviderError, detail),
			"%s failed with HTTP %d", op, status)
	default:
		return domain.Categorize(domain.CategoryValidation,
			domain.NewSubSystemError("external", op, domain.ErrInvalidInput, detail), "%s rejected the request: %s", op, msg)
	}
}

// remoteMessage extracts a readable message from common error body shapes.
func remoteMessage(body []byte) string {
	var shape struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Fault   struct {
			Error []struct {
				Message string `json:"Message"`
				Detail  string `json:"Detail"`
			} `json:"Error"`
		} `json:"Fault"`
	}
	if json.Unmarshal(body, &shape) == nil {
		switch {
		case shape.Message != "":
			return shape.Message
		case len(shape.Fault.Error) > 0:
			return strings.TrimSpace(shape.Fault.Error[0].Message + " " + shape.Fault.Error[0].Detail)
		case shape.Error != nil:
			if s, ok := shape.Error.(string); ok {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// notConfigured reports a missing integration.
func notConfigured(system string) error {
	return domain.Upstreamf(domain.ErrDisabled, "%s integration is not configured", system)
}
