package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdesk/internal/domain"
)

func TestMapStatusCategories(t *testing.T) {
	tests := []struct {
		status   int
		category domain.ErrorCategory
		sentinel error
	}{
		{http.StatusNotFound, domain.CategoryNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.CategoryUpstreamFailure, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.CategoryUpstreamFailure, domain.ErrAuthInvalid},
		{http.StatusTooManyRequests, domain.CategoryUpstreamFailure, domain.ErrRateLimit},
		{http.StatusBadGateway, domain.CategoryUpstreamFailure, domain.ErrProviderError},
		{http.StatusBadRequest, domain.CategoryValidation, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		err := mapStatus("test.op", tt.status, []byte(`{"message":"nope"}`))
		assert.Equal(t, tt.category, domain.CategoryOf(err), "status %d", tt.status)
		assert.ErrorIs(t, err, tt.sentinel, "status %d", tt.status)
	}
}

func TestRemoteMessageShapes(t *testing.T) {
	assert.Equal(t, "bad slug", remoteMessage([]byte(`{"code":"x","message":"bad slug"}`)))
	assert.Equal(t, "Object Not Found id 9", remoteMessage([]byte(`{"Fault":{"Error":[{"Message":"Object Not Found","Detail":"id 9"}]}}`)))
	assert.Equal(t, "quota", remoteMessage([]byte(`{"error":"quota"}`)))
	assert.Equal(t, "plain text", remoteMessage([]byte("plain text")))
}

func TestNotConfigured(t *testing.T) {
	ctx := context.Background()

	_, err := NewWordPress("", "", "", nil).ListPages(ctx, "", 5)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryUpstreamFailure, domain.CategoryOf(err))
	assert.ErrorIs(t, err, domain.ErrDisabled)

	_, err = NewOdoo("", "", 0, "", nil).FindOrder(ctx, "S1")
	assert.ErrorIs(t, err, domain.ErrDisabled)

	_, err = NewQuickBooks("", "", "", nil).GetInvoice(ctx, "1")
	assert.ErrorIs(t, err, domain.ErrDisabled)

	_, err = NewTwilio("", "", "", "", nil).SendSMS(ctx, "+15550100", "hi")
	assert.ErrorIs(t, err, domain.ErrDisabled)

	_, err = NewSMTPMailer("", 0, "", "", "").SendEmail(ctx, "a@b.co", "s", "b")
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestWordPressListAndUpdate(t *testing.T) {
	var gotUpdate map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "editor" || pass != "app pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/wp-json/wp/v2/pages":
			assert.Equal(t, "pricing", r.URL.Query().Get("search"))
			_, _ = io.WriteString(w, `[{"id":12,"slug":"pricing","status":"publish","title":{"rendered":"Pricing"}}]`)
		case r.Method == http.MethodPost && r.URL.Path == "/wp-json/wp/v2/pages/12":
			_ = json.NewDecoder(r.Body).Decode(&gotUpdate)
			_, _ = io.WriteString(w, `{"id":12,"slug":"pricing","status":"publish","title":{"rendered":"New Pricing"}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/wp-json/wp/v2/posts":
			_ = json.NewDecoder(r.Body).Decode(&gotUpdate)
			_, _ = io.WriteString(w, `{"id":99,"status":"draft","title":{"rendered":"Hello"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":"rest_no_route","message":"No route"}`)
		}
	}))
	defer srv.Close()

	wp := NewWordPress(srv.URL+"/", "editor", "app pw", srv.Client())
	require.True(t, wp.Configured())

	pages, err := wp.ListPages(context.Background(), "pricing", 0)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "Pricing", pages[0].Title)

	p, err := wp.Update(context.Background(), "pages", 12, WordPressUpdate{Title: "New Pricing"})
	require.NoError(t, err)
	assert.Equal(t, "New Pricing", p.Title)
	assert.Equal(t, map[string]any{"title": "New Pricing"}, gotUpdate)

	post, err := wp.CreatePost(context.Background(), WordPressUpdate{Title: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, 99, post.ID)
	assert.Equal(t, "draft", gotUpdate["status"])

	_, err = wp.GetPage(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryNotFound, domain.CategoryOf(err))

	_, err = wp.Update(context.Background(), "media", 1, WordPressUpdate{})
	assert.Error(t, err)
}

func TestWordPressBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"rest_forbidden","message":"Sorry"}`)
	}))
	defer srv.Close()

	_, err := NewWordPress(srv.URL, "u", "p", srv.Client()).ListPages(context.Background(), "", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Contains(t, err.Error(), "rejected the configured credentials")
}

func odooServer(t *testing.T, handle func(method string, args []any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64 `json:"id"`
			Params struct {
				Args []any `json:"args"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		args := req.Params.Args
		method, _ := args[4].(string)
		result := handle(method, args[5].([]any))
		if e, ok := result.(error); ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"message": "Odoo Server Error", "data": map[string]any{
					"name": "odoo.exceptions.AccessDenied", "message": e.Error(),
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestOdooFindAndUpdateOrder(t *testing.T) {
	var wrote map[string]any
	srv := odooServer(t, func(method string, args []any) any {
		switch method {
		case "search_read":
			domainArg := args[0].([]any)[0].([]any)
			if domainArg[2] == "S00042" {
				return []map[string]any{{"id": 42, "name": "S00042", "state": "draft"}}
			}
			return []map[string]any{}
		case "write":
			wrote = args[1].(map[string]any)
			return true
		}
		return nil
	})
	defer srv.Close()

	o := NewOdoo(srv.URL, "erp", 2, "secret", srv.Client())
	order, err := o.FindOrder(context.Background(), "S00042")
	require.NoError(t, err)
	assert.Equal(t, "S00042", order["name"])

	require.NoError(t, o.UpdateOrder(context.Background(), "S00042", map[string]any{"state": "sale"}))
	assert.Equal(t, "sale", wrote["state"])

	_, err = o.FindOrder(context.Background(), "S404")
	assert.Equal(t, domain.CategoryNotFound, domain.CategoryOf(err))
	assert.NotContains(t, o.String(), "secret")
}

func TestOdooAccessDenied(t *testing.T) {
	srv := odooServer(t, func(string, []any) any { return errors.New("Access Denied") })
	defer srv.Close()

	_, err := NewOdoo(srv.URL, "erp", 2, "bad", srv.Client()).FindOrder(context.Background(), "S1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Equal(t, domain.CategoryUpstreamFailure, domain.CategoryOf(err))
}

func TestOdooState(t *testing.T) {
	assert.Equal(t, "sale", OdooState("Confirmed"))
	assert.Equal(t, "cancel", OdooState("canceled"))
	assert.Equal(t, "", OdooState("on_hold"))
}

func TestQuickBooksGetInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "65", r.URL.Query().Get("minorversion"))
		if r.URL.Path != "/v3/company/123/invoice/77" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"Fault":{"Error":[{"Message":"Object Not Found","Detail":"Invoice"}]}}`)
			return
		}
		_, _ = io.WriteString(w, `{"Invoice":{"Id":"77","DocNumber":"1042","CustomerRef":{"name":"Acme"},"TotalAmt":1200.5,"Balance":200,"DueDate":"2026-11-01"}}`)
	}))
	defer srv.Close()

	qb := NewQuickBooks(srv.URL, "123", "tok", srv.Client())
	inv, err := qb.GetInvoice(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, "Acme", inv.Customer)
	assert.InDelta(t, 1200.5, inv.TotalAmount, 0.001)

	_, err = qb.GetInvoice(context.Background(), "78")
	require.Error(t, err)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
	assert.Contains(t, err.Error(), "Object Not Found")
}

func TestTwilioSendSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550100", r.PostForm.Get("To"))
		assert.Equal(t, "+15550199", r.PostForm.Get("From"))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"sid":"SM123","status":"queued"}`)
	}))
	defer srv.Close()

	sid, err := NewTwilio(srv.URL, "AC1", "tok", "+15550199", srv.Client()).SendSMS(context.Background(), "+15550100", "Truck is loaded")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)
}

func TestTwilioRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewTwilio(srv.URL, "AC1", "tok", "+1", srv.Client()).SendSMS(context.Background(), "+2", "x")
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Equal(t, domain.CategoryUpstreamFailure, domain.CategoryOf(err))
}

func TestSMTPMailerSend(t *testing.T) {
	m := NewSMTPMailer("mail.example.com", 0, "ops", "pw", "ops@example.com")
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	m.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	id, err := m.SendEmail(context.Background(), "Dana <dana@example.org>", "Estimate ready", "Line one\nLine two")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.com>"))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, []string{"dana@example.org"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Estimate ready\r\n")
	assert.Contains(t, gotMsg, "Message-ID: "+id)
	assert.Contains(t, gotMsg, "Line one\r\nLine two")
}

func TestSMTPMailerRejectsBadInput(t *testing.T) {
	m := NewSMTPMailer("mail.example.com", 25, "", "", "ops@example.com")
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return nil }

	_, err := m.SendEmail(context.Background(), "not an address", "s", "b")
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))

	_, err = m.SendEmail(context.Background(), "a@b.co", "s\r\nBcc: x@y.z", "b")
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
}

func TestSMTPMailerFailureAndTimeout(t *testing.T) {
	m := NewSMTPMailer("mail.example.com", 25, "", "", "ops@example.com")
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 mailbox unavailable") }

	_, err := m.SendEmail(context.Background(), "a@b.co", "s", "b")
	require.Error(t, err)
	assert.Equal(t, domain.CategoryUpstreamFailure, domain.CategoryOf(err))

	release := make(chan struct{})
	defer close(release)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.SendEmail(ctx, "a@b.co", "s", "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
