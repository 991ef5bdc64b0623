package external

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

// NewTwilio creates a client. client may be nil.
func NewTwilio(baseURL, accountSID, authToken, from string, client *http.Client) *Twilio {
	if client == nil {
		client = defaultHTTPClient()
	}
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &Twilio{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		client:     client,
	}
}

// Configured reports whether credentials are present.
func (t *Twilio) Configured() bool {
	return t != nil && t.accountSID != "" && t.authToken != "" && t.from != ""
}

// SendSMS sends body to the E.164 number to and returns the message SID.
func (t *Twilio) SendSMS(ctx context.Context, to, body string) (string, error) {
	if !t.Configured() {
		return "", notConfigured("sms")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Body", body)

	var resp struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	err := do(ctx, t.client, request{
		op: "twilio.send_sms", method: http.MethodPost,
		url:  t.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(t.accountSID) + "/Messages.json",
		form: form, user: t.accountSID, pass: t.authToken,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.SID, nil
}
