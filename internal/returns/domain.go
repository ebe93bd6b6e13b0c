// Package returns owns customer return orders raised against delivered
// shipments.
package returns

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// ReturnStatus is the return order state.
type ReturnStatus string

const (
	StatusDraft     ReturnStatus = "DRAFT"
	StatusApproved  ReturnStatus = "APPROVED"
	StatusCompleted ReturnStatus = "COMPLETED"
	StatusCancelled ReturnStatus = "CANCELLED"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	StatusDraft:    {StatusApproved, StatusCancelled},
	StatusApproved: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s ReturnStatus) CanTransition(to ReturnStatus) bool {
	for _, next := range returnTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s ReturnStatus) Terminal() bool {
	return len(returnTransitions[s]) == 0
}

// ReturnOrder is a customer return against one delivered delivery. Orders are
// created directly in Approved, mirroring the good issue trust model.
type ReturnOrder struct {
	ID         int64             `json:"id" db:"id"`
	Number     string            `json:"number" db:"number"`
	DeliveryID int64             `json:"delivery_id" db:"delivery_id"`
	Status     ReturnStatus      `json:"status" db:"status"`
	Reason     *string           `json:"reason,omitempty" db:"reason"`
	CreatedBy  int64             `json:"created_by" db:"created_by"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty" db:"deleted_at"`
	Lines      []ReturnOrderLine `json:"lines,omitempty" db:"-"`
}

// ReturnOrderLine returns a quantity against one delivery line.
type ReturnOrderLine struct {
	ID             int64           `json:"id" db:"id"`
	ReturnOrderID  int64           `json:"return_order_id" db:"return_order_id"`
	DeliveryLineID int64           `json:"delivery_line_id" db:"delivery_line_id"`
	ProductID      int64           `json:"product_id" db:"product_id"`
	ReturnedQty    decimal.Decimal `json:"returned_qty" db:"returned_qty"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Transition advances the status, validating against the table.
func (ro *ReturnOrder) Transition(to ReturnStatus) error {
	if !ro.Status.CanTransition(to) {
		return fmt.Errorf("return order %s cannot move %s -> %s: %w", ro.Number, ro.Status, to, shared.ErrInvalidTransition)
	}
	ro.Status = to
	return nil
}

// CreateReturnOrderRequest creates a return against a delivered delivery.
type CreateReturnOrderRequest struct {
	DeliveryID int64                      `json:"delivery_id" validate:"required,gt=0"`
	Reason     *string                    `json:"reason,omitempty"`
	Lines      []CreateReturnOrderLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreateReturnOrderLineReq returns a quantity for one delivery line.
type CreateReturnOrderLineReq struct {
	DeliveryLineID int64           `json:"delivery_line_id" validate:"required,gt=0"`
	ReturnedQty    decimal.Decimal `json:"returned_qty"`
}
