// Package goodsissue owns the warehouse-side release of stock for a delivery.
// Approval of an issue is the single trigger that decrements on-hand stock.
package goodsissue

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// IssueStatus is the good issue approval state.
type IssueStatus string

const (
	StatusPending  IssueStatus = "PENDING"
	StatusApproved IssueStatus = "APPROVED"
	StatusRejected IssueStatus = "REJECTED"
)

var issueTransitions = map[IssueStatus][]IssueStatus{
	StatusPending: {StatusApproved, StatusRejected},
}

// CanTransition reports whether the move is present in the transition table.
func (s IssueStatus) CanTransition(to IssueStatus) bool {
	for _, next := range issueTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s IssueStatus) Terminal() bool {
	return len(issueTransitions[s]) == 0
}

// GoodIssue releases stock from a warehouse for one delivery.
type GoodIssue struct {
	ID          int64           `json:"id" db:"id"`
	Number      string          `json:"number" db:"number"`
	DeliveryID  int64           `json:"delivery_id" db:"delivery_id"`
	WarehouseID int64           `json:"warehouse_id" db:"warehouse_id"`
	Status      IssueStatus     `json:"status" db:"status"`
	Notes       *string         `json:"notes,omitempty" db:"notes"`
	CreatedBy   int64           `json:"created_by" db:"created_by"`
	ApprovedBy  *int64          `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	Lines       []GoodIssueLine `json:"lines,omitempty" db:"-"`
}

// GoodIssueLine issues a quantity against one delivery line.
type GoodIssueLine struct {
	ID             int64           `json:"id" db:"id"`
	GoodIssueID    int64           `json:"good_issue_id" db:"good_issue_id"`
	DeliveryLineID int64           `json:"delivery_line_id" db:"delivery_line_id"`
	ProductID      int64           `json:"product_id" db:"product_id"`
	IssuedQty      decimal.Decimal `json:"issued_qty" db:"issued_qty"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Transition advances the status, validating against the table.
func (g *GoodIssue) Transition(to IssueStatus) error {
	if !g.Status.CanTransition(to) {
		return fmt.Errorf("good issue %s cannot move %s -> %s: %w", g.Number, g.Status, to, shared.ErrInvalidTransition)
	}
	g.Status = to
	return nil
}

// CreateGoodIssueRequest creates a pending issue for a delivery.
type CreateGoodIssueRequest struct {
	DeliveryID int64                    `json:"delivery_id" validate:"required,gt=0"`
	Notes      *string                  `json:"notes,omitempty"`
	Lines      []CreateGoodIssueLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreateGoodIssueLineReq issues a quantity for one delivery line.
type CreateGoodIssueLineReq struct {
	DeliveryLineID int64           `json:"delivery_line_id" validate:"required,gt=0"`
	IssuedQty      decimal.Decimal `json:"issued_qty"`
}
