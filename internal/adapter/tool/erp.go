package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"opsdesk/internal/domain"
)

// QBGetInvoiceTool reads one invoice from the accounting system.
type QBGetInvoiceTool struct {
	toolSpec
	accounting Accounting
	logger     *slog.Logger
}

// NewQBGetInvoiceTool creates the qb_get_invoice tool.
func NewQBGetInvoiceTool(accounting Accounting, logger *slog.Logger) *QBGetInvoiceTool {
	return &QBGetInvoiceTool{
		toolSpec: toolSpec{
			name:        "qb_get_invoice",
			description: "Fetch an invoice from QuickBooks by its QuickBooks id: customer, total, open balance and due date.",
			schema: `{
				"type": "object",
				"properties": {
					"invoice_id": {"type": "string", "description": "QuickBooks invoice id (the external_ref of a local invoice)"}
				},
				"required": ["invoice_id"]
			}`,
		},
		accounting: accounting,
		logger:     logger,
	}
}

type invoiceParams struct {
	InvoiceID string `json:"invoice_id"`
}

func (t *QBGetInvoiceTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.qb_get_invoice", t.logger, params,
		func(ctx context.Context, _ trace.Span, p invoiceParams) (any, error) {
			if err := RequireField("invoice_id", p.InvoiceID); err != nil {
				return nil, err
			}
			inv, err := t.accounting.GetInvoice(ctx, p.InvoiceID)
			if domain.CategoryOf(err) == domain.CategoryNotFound {
				return NotFoundResult("no QuickBooks invoice with id %s", p.InvoiceID), nil
			}
			if err != nil {
				return nil, err
			}
			return inv, nil
		})
}

// OdooGetOrderTool reads one sales order from the ERP.
type OdooGetOrderTool struct {
	toolSpec
	erp    ERP
	logger *slog.Logger
}

// NewOdooGetOrderTool creates the odoo_get_order tool.
func NewOdooGetOrderTool(erp ERP, logger *slog.Logger) *OdooGetOrderTool {
	return &OdooGetOrderTool{
		toolSpec: toolSpec{
			name:        "odoo_get_order",
			description: "Fetch a sales order from Odoo by its reference (the external_ref of a local order).",
			schema: `{
				"type": "object",
				"properties": {
					"ref": {"type": "string", "description": "Odoo order reference, e.g. S00042"}
				},
				"required": ["ref"]
			}`,
		},
		erp:    erp,
		logger: logger,
	}
}

type odooOrderParams struct {
	Ref string `json:"ref"`
}

func (t *OdooGetOrderTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.odoo_get_order", t.logger, params,
		func(ctx context.Context, _ trace.Span, p odooOrderParams) (any, error) {
			if err := RequireField("ref", p.Ref); err != nil {
				return nil, err
			}
			order, err := t.erp.FindOrder(ctx, p.Ref)
			if domain.CategoryOf(err) == domain.CategoryNotFound || (err == nil && order == nil) {
				return NotFoundResult("no Odoo order with reference %s", p.Ref), nil
			}
			if err != nil {
				return nil, err
			}
			return order, nil
		})
}
