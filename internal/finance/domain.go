// Package finance owns invoices, payments, credit notes and the running
// customer and vendor balances derived from them. Invoice status is never set
// by hand: it is recomputed from the invoice total against active payments and
// applied credit notes.
package finance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// InvoiceType separates receivables from payables.
type InvoiceType string

const (
	// TypeAR bills a customer.
	TypeAR InvoiceType = "AR"
	// TypeAP records a vendor bill.
	TypeAP InvoiceType = "AP"
)

// PartyKind mirrors InvoiceType on the balance side.
func (t InvoiceType) PartyKind() PartyKind {
	if t == TypeAP {
		return PartyVendor
	}
	return PartyCustomer
}

// InvoiceStatus is derived from payments and credit notes, never assigned
// directly by callers.
type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "UNPAID"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

// Invoice is an AR or AP document with a running open balance.
type Invoice struct {
	ID            int64           `json:"id" db:"id"`
	Number        string          `json:"number" db:"number"`
	Type          InvoiceType     `json:"type" db:"type"`
	PartyID       int64           `json:"party_id" db:"party_id"`
	Currency      string          `json:"currency" db:"currency"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	BalanceAmount decimal.Decimal `json:"balance_amount" db:"balance_amount"`
	Status        InvoiceStatus   `json:"status" db:"status"`
	IssueDate     time.Time       `json:"issue_date" db:"issue_date"`
	DueDate       time.Time       `json:"due_date" db:"due_date"`
	SourceModule  *string         `json:"source_module,omitempty" db:"source_module"`
	SourceID      *int64          `json:"source_id,omitempty" db:"source_id"`
	CreatedBy     int64           `json:"created_by" db:"created_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time      `json:"-" db:"deleted_at"`
}

// Open reports whether the invoice still accepts payments.
func (i *Invoice) Open() bool {
	return i.Status == InvoiceUnpaid || i.Status == InvoicePartiallyPaid
}

// Payment settles part or all of one invoice. Amount is immutable once
// recorded; corrections go through deletion and re-entry.
type Payment struct {
	ID        int64           `json:"id" db:"id"`
	Number    string          `json:"number" db:"number"`
	InvoiceID int64           `json:"invoice_id" db:"invoice_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Method    string          `json:"method" db:"method"`
	PaidAt    time.Time       `json:"paid_at" db:"paid_at"`
	Note      *string         `json:"note,omitempty" db:"note"`
	CreatedBy int64           `json:"created_by" db:"created_by"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	DeletedAt *time.Time      `json:"-" db:"deleted_at"`
}

// CreditNoteStatus is the credit note state.
type CreditNoteStatus string

const (
	CreditDraft     CreditNoteStatus = "DRAFT"
	CreditIssued    CreditNoteStatus = "ISSUED"
	CreditApplied   CreditNoteStatus = "APPLIED"
	CreditCancelled CreditNoteStatus = "CANCELLED"
)

var creditTransitions = map[CreditNoteStatus][]CreditNoteStatus{
	CreditDraft:  {CreditIssued, CreditCancelled},
	CreditIssued: {CreditApplied, CreditCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s CreditNoteStatus) CanTransition(to CreditNoteStatus) bool {
	for _, next := range creditTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Effective reports whether the note currently reduces its invoice balance.
// The financial effect lands on issue; marking applied is bookkeeping only.
func (s CreditNoteStatus) Effective() bool {
	return s == CreditIssued || s == CreditApplied
}

// CreditNote reduces an invoice's open balance without a cash movement.
type CreditNote struct {
	ID        int64            `json:"id" db:"id"`
	Number    string           `json:"number" db:"number"`
	InvoiceID int64            `json:"invoice_id" db:"invoice_id"`
	Amount    decimal.Decimal  `json:"amount" db:"amount"`
	Status    CreditNoteStatus `json:"status" db:"status"`
	Reason    *string          `json:"reason,omitempty" db:"reason"`
	CreatedBy int64            `json:"created_by" db:"created_by"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// Transition moves the credit note or reports the rejected move.
func (c *CreditNote) Transition(to CreditNoteStatus) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("credit note %s cannot move %s -> %s: %w", c.Number, c.Status, to, shared.ErrInvalidTransition)
	}
	c.Status = to
	return nil
}

// PartyKind marks a balance row as customer or vendor side.
type PartyKind string

const (
	PartyCustomer PartyKind = "CUSTOMER"
	PartyVendor   PartyKind = "VENDOR"
)

// PartyBalance is the running financial position of one customer or vendor.
// Outstanding never goes below zero even when credits exceed invoiced.
type PartyBalance struct {
	PartyID         int64           `json:"party_id" db:"party_id"`
	Kind            PartyKind       `json:"kind" db:"kind"`
	TotalInvoiced   decimal.Decimal `json:"total_invoiced" db:"total_invoiced"`
	TotalPaid       decimal.Decimal `json:"total_paid" db:"total_paid"`
	TotalCreditNote decimal.Decimal `json:"total_credit_note" db:"total_credit_note"`
	Outstanding     decimal.Decimal `json:"outstanding" db:"-"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateInvoiceRequest opens an invoice, standalone or derived from a source
// document. When SourceModule is set the party and amount come from the
// source and must be omitted here.
type CreateInvoiceRequest struct {
	Type         InvoiceType     `json:"type" validate:"required,oneof=AR AP"`
	PartyID      int64           `json:"party_id,omitempty"`
	Currency     string          `json:"currency" validate:"required,len=3"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	DueDate      time.Time       `json:"due_date" validate:"required"`
	SourceModule *string         `json:"source_module,omitempty" validate:"omitempty,oneof=delivery goods_receipt"`
	SourceID     *int64          `json:"source_id,omitempty"`
}

// AddPaymentRequest settles part of an invoice.
type AddPaymentRequest struct {
	InvoiceID int64           `json:"invoice_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"required"`
	Note      *string         `json:"note,omitempty"`
}

// CreateCreditNoteRequest drafts a credit note against an invoice.
type CreateCreditNoteRequest struct {
	InvoiceID int64           `json:"invoice_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    *string         `json:"reason,omitempty"`
}
