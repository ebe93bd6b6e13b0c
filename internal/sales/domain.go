// Package sales owns the sales order aggregate and its two state machines.
package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// SalesOrderStatus represents the execution lifecycle of a sales order.
type SalesOrderStatus string

const (
	SOStatusDraft     SalesOrderStatus = "DRAFT"
	SOStatusPending   SalesOrderStatus = "PENDING"
	SOStatusApproved  SalesOrderStatus = "APPROVED"
	SOStatusFulfilled SalesOrderStatus = "FULFILLED"
	SOStatusCancelled SalesOrderStatus = "CANCELLED"
)

// ApprovalStatus tracks the parallel approval workflow.
type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "DRAFT"
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

var soTransitions = map[SalesOrderStatus][]SalesOrderStatus{
	SOStatusDraft:    {SOStatusPending, SOStatusCancelled},
	SOStatusPending:  {SOStatusApproved, SOStatusCancelled},
	SOStatusApproved: {SOStatusFulfilled, SOStatusCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s SalesOrderStatus) CanTransition(to SalesOrderStatus) bool {
	for _, next := range soTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s SalesOrderStatus) Terminal() bool {
	return len(soTransitions[s]) == 0
}

// IsValid checks if the status is a known value.
func (s SalesOrderStatus) IsValid() bool {
	switch s {
	case SOStatusDraft, SOStatusPending, SOStatusApproved, SOStatusFulfilled, SOStatusCancelled:
		return true
	default:
		return false
	}
}

// SalesOrder represents a customer order awaiting fulfilment.
type SalesOrder struct {
	ID             int64            `json:"id" db:"id"`
	Number         string           `json:"number" db:"number"`
	CustomerID     int64            `json:"customer_id" db:"customer_id"`
	OrderDate      time.Time        `json:"order_date" db:"order_date"`
	Status         SalesOrderStatus `json:"status" db:"status"`
	ApprovalStatus ApprovalStatus   `json:"approval_status" db:"approval_status"`
	Currency       string           `json:"currency" db:"currency"`
	Subtotal       decimal.Decimal  `json:"subtotal" db:"subtotal"`
	TaxAmount      decimal.Decimal  `json:"tax_amount" db:"tax_amount"`
	TotalAmount    decimal.Decimal  `json:"total_amount" db:"total_amount"`
	Notes          *string          `json:"notes,omitempty" db:"notes"`
	CreatedBy      int64            `json:"created_by" db:"created_by"`
	ApprovedBy     *int64           `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt     *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty" db:"deleted_at"`
	Lines          []SalesOrderLine `json:"lines,omitempty" db:"-"`
}

// SalesOrderLine is one product entry with an ordered quantity.
type SalesOrderLine struct {
	ID           int64           `json:"id" db:"id"`
	SalesOrderID int64           `json:"sales_order_id" db:"sales_order_id"`
	ProductID    int64           `json:"product_id" db:"product_id"`
	OrderedQty   decimal.Decimal `json:"ordered_qty" db:"ordered_qty"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
	TaxAmount    decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	LineTotal    decimal.Decimal `json:"line_total" db:"line_total"`
	LineOrder    int             `json:"line_order" db:"line_order"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Transition advances the execution status, validating against the table.
func (so *SalesOrder) Transition(to SalesOrderStatus) error {
	if !so.Status.CanTransition(to) {
		return fmt.Errorf("sales order %s cannot move %s -> %s: %w", so.Number, so.Status, to, shared.ErrInvalidTransition)
	}
	so.Status = to
	return nil
}

// SubmitForApproval moves both state machines from Draft to Pending.
func (so *SalesOrder) SubmitForApproval() error {
	if so.ApprovalStatus != ApprovalDraft {
		return fmt.Errorf("sales order %s approval already %s: %w", so.Number, so.ApprovalStatus, shared.ErrInvalidTransition)
	}
	if err := so.Transition(SOStatusPending); err != nil {
		return err
	}
	so.ApprovalStatus = ApprovalPending
	return nil
}

// ApplyApprovalDecision resolves a Pending approval. Approval auto-advances
// the execution status to Approved; rejection auto-cancels the order. Both
// couplings live here so no caller can forget them.
func (so *SalesOrder) ApplyApprovalDecision(approve bool, actorID int64, at time.Time) error {
	if so.ApprovalStatus != ApprovalPending {
		return fmt.Errorf("sales order %s approval is %s, want PENDING: %w", so.Number, so.ApprovalStatus, shared.ErrInvalidTransition)
	}
	if approve {
		if err := so.Transition(SOStatusApproved); err != nil {
			return err
		}
		so.ApprovalStatus = ApprovalApproved
		so.ApprovedBy = &actorID
		so.ApprovedAt = &at
		return nil
	}
	if err := so.Transition(SOStatusCancelled); err != nil {
		return err
	}
	so.ApprovalStatus = ApprovalRejected
	return nil
}

// ============================================================================
// REQUEST DTOs
// ============================================================================

// CreateSalesOrderRequest represents a request to create a sales order.
type CreateSalesOrderRequest struct {
	CustomerID int64                     `json:"customer_id" validate:"required,gt=0"`
	OrderDate  time.Time                 `json:"order_date" validate:"required"`
	Currency   string                    `json:"currency" validate:"required,len=3"`
	Notes      *string                   `json:"notes,omitempty"`
	Lines      []CreateSalesOrderLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreateSalesOrderLineReq represents a line item in the create request.
type CreateSalesOrderLineReq struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	OrderedQty decimal.Decimal `json:"ordered_qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TaxAmount  decimal.Decimal `json:"tax_amount"`
	LineOrder  int             `json:"line_order" validate:"gte=0"`
}

// UpdateSalesOrderRequest updates an editable sales order.
type UpdateSalesOrderRequest struct {
	OrderDate *time.Time                 `json:"order_date,omitempty"`
	Notes     *string                    `json:"notes,omitempty"`
	Lines     *[]CreateSalesOrderLineReq `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}
