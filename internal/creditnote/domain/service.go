package domain

import (
	"context"

	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type LineRequest struct {
	LineItemID  string `json:"line_item_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type CreateCreditNoteRequest struct {
	InvoiceID      string         `json:"invoice_id"`
	Reason         string         `json:"reason"`
	Lines          []LineRequest  `json:"lines"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"-"`
}

type ListCreditNoteRequest struct {
	PageToken  string `form:"page_token"`
	PageSize   int32  `form:"page_size"`
	InvoiceID  string `form:"invoice_id"`
	CustomerID string `form:"customer_id"`
	Status     Status `form:"status"`
}

type ListCreditNoteResponse struct {
	pagination.PageInfo
	CreditNotes []CreditNote `json:"credit_notes"`
}

type Service interface {
	Create(context.Context, CreateCreditNoteRequest) (CreditNote, error)
	Get(context.Context, string) (CreditNote, error)
	List(context.Context, ListCreditNoteRequest) (ListCreditNoteResponse, error)
	Finalize(context.Context, string) (CreditNote, error)
}

var (
	ErrInvalidID      = errs.Validation("invalid_id")
	ErrInvalidInvoice = errs.Validation("invalid_invoice")
	ErrInvalidLine    = errs.Validation("invalid_credit_note_line")
	ErrInvalidAmount  = errs.Validation("invalid_amount")
	ErrExceedsLine    = errs.Validation("credit_exceeds_line_item")
	ErrNotFound       = errs.NotFound("credit_note_not_found")
	ErrNotDraft       = errs.InvalidState("credit_note_not_draft")
	ErrInvoiceState   = errs.InvalidState("invoice_not_creditable")
)
