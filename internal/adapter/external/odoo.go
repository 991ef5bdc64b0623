package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"opsdesk/internal/domain"
)

// orderFields are the sale.order fields read back to agents.
var orderFields = []string{"id", "name", "state", "partner_id", "amount_total", "date_order", "commitment_date"}

// Odoo calls the Odoo JSON-RPC endpoint (object.execute_kw).
type Odoo struct {
	baseURL  string
	url      string
	database string
	uid      int
	password string
	client   *http.Client
	seq      atomic.Int64
}

// NewOdoo creates a client. client may be nil.
func NewOdoo(baseURL, database string, uid int, password string, client *http.Client) *Odoo {
	if client == nil {
		client = defaultHTTPClient()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Odoo{
		baseURL:  baseURL,
		url:      baseURL + "/jsonrpc",
		database: database,
		uid:      uid,
		password: password,
		client:   client,
	}
}

// Configured reports whether credentials are present.
func (o *Odoo) Configured() bool {
	return o != nil && o.baseURL != "" && o.database != "" && o.uid > 0 && o.password != ""
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

func (o *Odoo) executeKW(ctx context.Context, op, model, method string, args []any, kwargs map[string]any, out any) error {
	if !o.Configured() {
		return notConfigured("odoo")
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "call",
		"id":      o.seq.Add(1),
		"params": map[string]any{
			"service": "object",
			"method":  "execute_kw",
			"args":    []any{o.database, o.uid, o.password, model, method, args, kwargs},
		},
	}

	var resp rpcResponse
	if err := do(ctx, o.client, request{op: op, method: http.MethodPost, url: o.url, json: payload}, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		msg := resp.Error.Data.Message
		if msg == "" {
			msg = resp.Error.Message
		}
		sentinel := domain.ErrProviderError
		if strings.Contains(resp.Error.Data.Name, "AccessDenied") || strings.Contains(resp.Error.Data.Name, "AccessError") {
			sentinel = domain.ErrAuthInvalid
		}
		return domain.Upstreamf(domain.NewSubSystemError("external", op, sentinel, msg), "%s: %s", op, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return domain.Upstreamf(nil, "%s: decode result: %v", op, err)
	}
	return nil
}

// FindOrder looks up a sale order by its reference (e.g. "S00042").
func (o *Odoo) FindOrder(ctx context.Context, ref string) (map[string]any, error) {
	var rows []map[string]any
	err := o.executeKW(ctx, "odoo.find_order", "sale.order", "search_read",
		[]any{[]any{[]any{"name", "=", ref}}},
		map[string]any{"fields": orderFields, "limit": 1}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.NotFoundf("odoo order %s not found", ref)
	}
	return rows[0], nil
}

// UpdateOrder writes vals onto the sale order with the given reference.
func (o *Odoo) UpdateOrder(ctx context.Context, ref string, vals map[string]any) error {
	order, err := o.FindOrder(ctx, ref)
	if err != nil {
		return err
	}
	id, ok := order["id"].(float64)
	if !ok {
		return domain.Upstreamf(nil, "odoo order %s has no numeric id", ref)
	}
	var written bool
	if err := o.executeKW(ctx, "odoo.update_order", "sale.order", "write",
		[]any{[]any{int(id)}, vals}, nil, &written); err != nil {
		return err
	}
	if !written {
		return domain.Upstreamf(nil, "odoo refused to update order %s", ref)
	}
	return nil
}

// OdooState maps a local order status onto the sale.order state field.
// Unmapped statuses return "".
func OdooState(status string) string {
	switch strings.ToLower(status) {
	case "new", "quoted", "draft":
		return "draft"
	case "sent":
		return "sent"
	case "confirmed", "in_production", "ready", "shipped", "delivered":
		return "sale"
	case "completed", "closed":
		return "done"
	case "cancelled", "canceled":
		return "cancel"
	default:
		return ""
	}
}

// String implements fmt.Stringer for log output without credentials.
func (o *Odoo) String() string {
	return fmt.Sprintf("odoo(%s db=%s uid=%d)", o.url, o.database, o.uid)
}
