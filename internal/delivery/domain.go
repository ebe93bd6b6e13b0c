// Package delivery owns shipment documents and the quantity reconciliation
// engine that bounds how much may still be planned against a sales order line.
package delivery

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// DeliveryStatus is the shipment execution state.
type DeliveryStatus string

const (
	StatusDraft     DeliveryStatus = "DRAFT"
	StatusPicked    DeliveryStatus = "PICKED"
	StatusShipped   DeliveryStatus = "SHIPPED"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusCancelled DeliveryStatus = "CANCELLED"
)

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusDraft:   {StatusPicked, StatusCancelled},
	StatusPicked:  {StatusShipped, StatusCancelled},
	StatusShipped: {StatusDelivered, StatusCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	for _, next := range deliveryTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s DeliveryStatus) Terminal() bool {
	return len(deliveryTransitions[s]) == 0
}

// CanEditLines reports whether line items may still change. Picking freezes
// the item list.
func (s DeliveryStatus) CanEditLines() bool {
	return s == StatusDraft
}

// CanEditRouting reports whether address and warehouse may still change.
// Shipping freezes routing.
func (s DeliveryStatus) CanEditRouting() bool {
	return s == StatusDraft || s == StatusPicked
}

// Delivery is a planned or executed shipment against a sales order.
type Delivery struct {
	ID            int64          `json:"id" db:"id"`
	Number        string         `json:"number" db:"number"`
	SalesOrderID  int64          `json:"sales_order_id" db:"sales_order_id"`
	WarehouseID   int64          `json:"warehouse_id" db:"warehouse_id"`
	Status        DeliveryStatus `json:"status" db:"status"`
	Address       string         `json:"address" db:"address"`
	ScheduledDate time.Time      `json:"scheduled_date" db:"scheduled_date"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	Notes         *string        `json:"notes,omitempty" db:"notes"`
	CreatedBy     int64          `json:"created_by" db:"created_by"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
	Lines         []DeliveryLine `json:"lines,omitempty" db:"-"`
}

// DeliveryLine plans a shipment quantity for one sales order line.
type DeliveryLine struct {
	ID               int64           `json:"id" db:"id"`
	DeliveryID       int64           `json:"delivery_id" db:"delivery_id"`
	SalesOrderLineID int64           `json:"sales_order_line_id" db:"sales_order_line_id"`
	ProductID        int64           `json:"product_id" db:"product_id"`
	PlannedQty       decimal.Decimal `json:"planned_qty" db:"planned_qty"`
	DeliveredQty     decimal.Decimal `json:"delivered_qty" db:"delivered_qty"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Transition advances the status, validating against the table.
func (d *Delivery) Transition(to DeliveryStatus) error {
	if !d.Status.CanTransition(to) {
		return fmt.Errorf("delivery %s cannot move %s -> %s: %w", d.Number, d.Status, to, shared.ErrInvalidTransition)
	}
	d.Status = to
	return nil
}

// CreateDeliveryRequest creates a delivery against an approved sales order.
type CreateDeliveryRequest struct {
	SalesOrderID  int64                   `json:"sales_order_id" validate:"required,gt=0"`
	WarehouseID   int64                   `json:"warehouse_id" validate:"required,gt=0"`
	Address       string                  `json:"address" validate:"required"`
	ScheduledDate time.Time               `json:"scheduled_date" validate:"required"`
	Notes         *string                 `json:"notes,omitempty"`
	Lines         []CreateDeliveryLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreateDeliveryLineReq plans a quantity for one sales order line.
type CreateDeliveryLineReq struct {
	SalesOrderLineID int64           `json:"sales_order_line_id" validate:"required,gt=0"`
	PlannedQty       decimal.Decimal `json:"planned_qty"`
}

// UpdateDeliveryRequest edits a delivery subject to status gating.
type UpdateDeliveryRequest struct {
	WarehouseID   *int64                   `json:"warehouse_id,omitempty" validate:"omitempty,gt=0"`
	Address       *string                  `json:"address,omitempty"`
	ScheduledDate *time.Time               `json:"scheduled_date,omitempty"`
	Notes         *string                  `json:"notes,omitempty"`
	Lines         *[]CreateDeliveryLineReq `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}
