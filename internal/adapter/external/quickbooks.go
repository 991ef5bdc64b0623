package external

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// QuickBooks reads invoices from QuickBooks Online.
type QuickBooks struct {
	baseURL string
	realmID string
	token   string
	client  *http.Client
}

// NewQuickBooks creates a client. client may be nil.
func NewQuickBooks(baseURL, realmID, accessToken string, client *http.Client) *QuickBooks {
	if client == nil {
		client = defaultHTTPClient()
	}
	if baseURL == "" {
		baseURL = "https://quickbooks.api.intuit.com"
	}
	return &QuickBooks{
		baseURL: strings.TrimRight(baseURL, "/"),
		realmID: realmID,
		token:   accessToken,
		client:  client,
	}
}

// Configured reports whether credentials are present.
func (q *QuickBooks) Configured() bool {
	return q != nil && q.realmID != "" && q.token != ""
}

// Invoice is the subset of a QuickBooks invoice returned to agents.
type Invoice struct {
	ID          string  `json:"id"`
	DocNumber   string  `json:"doc_number"`
	Customer    string  `json:"customer"`
	TotalAmount float64 `json:"total_amount"`
	Balance     float64 `json:"balance"`
	DueDate     string  `json:"due_date"`
	TxnDate     string  `json:"txn_date"`
	EmailStatus string  `json:"email_status,omitempty"`
}

type qbInvoice struct {
	Invoice struct {
		ID          string `json:"Id"`
		DocNumber   string `json:"DocNumber"`
		CustomerRef struct {
			Name string `json:"name"`
		} `json:"CustomerRef"`
		TotalAmt    float64 `json:"TotalAmt"`
		Balance     float64 `json:"Balance"`
		DueDate     string  `json:"DueDate"`
		TxnDate     string  `json:"TxnDate"`
		EmailStatus string  `json:"EmailStatus"`
	} `json:"Invoice"`
}

// GetInvoice fetches an invoice by its QuickBooks id.
func (q *QuickBooks) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	if !q.Configured() {
		return nil, notConfigured("quickbooks")
	}
	u := q.baseURL + "/v3/company/" + url.PathEscape(q.realmID) + "/invoice/" + url.PathEscape(id) + "?minorversion=65"

	var resp qbInvoice
	err := do(ctx, q.client, request{
		op: "quickbooks.get_invoice", method: http.MethodGet, url: u,
		headers: map[string]string{"Authorization": "Bearer " + q.token},
	}, &resp)
	if err != nil {
		return nil, err
	}
	inv := resp.Invoice
	return &Invoice{
		ID:          inv.ID,
		DocNumber:   inv.DocNumber,
		Customer:    inv.CustomerRef.Name,
		TotalAmount: inv.TotalAmt,
		Balance:     inv.Balance,
		DueDate:     inv.DueDate,
		TxnDate:     inv.TxnDate,
		EmailStatus: inv.EmailStatus,
	}, nil
}
