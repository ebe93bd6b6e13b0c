package delivery

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// LineUsage is one delivery line's claim against a sales order line, together
// with the parent delivery's status.
type LineUsage struct {
	DeliveryStatus DeliveryStatus
	PlannedQty     decimal.Decimal
	DeliveredQty   decimal.Decimal
}

// OrderLineUsage is the full reconciliation breakdown for one sales order
// line. Carrying all four figures lets rejected mutations report every number
// that went into the decision.
type OrderLineUsage struct {
	SalesOrderLineID   int64           `json:"sales_order_line_id"`
	OrderedQty         decimal.Decimal `json:"ordered_qty"`
	DeliveredQty       decimal.Decimal `json:"delivered_qty"`
	PlannedOutstanding decimal.Decimal `json:"planned_outstanding"`
	Remaining          decimal.Decimal `json:"remaining"`
}

// ReconcileStore is the read surface the reconciliation engine needs.
type ReconcileStore interface {
	// OrderLineUsage returns the ordered quantity of the sales order line and
	// every delivery line claiming against it.
	OrderLineUsage(ctx context.Context, salesOrderLineID int64) (decimal.Decimal, []LineUsage, error)
	// DeliveryLineReturnUsage returns a delivery line's delivered quantity and
	// the cumulative returned quantity over approved return orders.
	DeliveryLineReturnUsage(ctx context.Context, deliveryLineID int64) (decimal.Decimal, decimal.Decimal, error)
}

// Reconciler derives remaining deliverable and returnable quantities from the
// document graph. It never mutates anything.
type Reconciler struct {
	store ReconcileStore
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store ReconcileStore) *Reconciler {
	return &Reconciler{store: store}
}

// sumDelivered totals delivered quantity over non-cancelled delivery lines.
func sumDelivered(usages []LineUsage) decimal.Decimal {
	total := decimal.Zero
	for _, u := range usages {
		if u.DeliveryStatus == StatusCancelled {
			continue
		}
		total = total.Add(u.DeliveredQty)
	}
	return total
}

// sumPlannedOutstanding totals planned quantity over delivery lines whose
// parent has not reached Delivered or Cancelled. Delivered lines count via
// their delivered quantity instead, so a partial delivery releases the
// undelivered remainder back to the order line.
func sumPlannedOutstanding(usages []LineUsage) decimal.Decimal {
	total := decimal.Zero
	for _, u := range usages {
		if u.DeliveryStatus == StatusDelivered || u.DeliveryStatus == StatusCancelled {
			continue
		}
		total = total.Add(u.PlannedQty)
	}
	return total
}

// UsageForOrderLine computes the full breakdown for one sales order line.
func (r *Reconciler) UsageForOrderLine(ctx context.Context, salesOrderLineID int64) (OrderLineUsage, error) {
	ordered, usages, err := r.store.OrderLineUsage(ctx, salesOrderLineID)
	if err != nil {
		return OrderLineUsage{}, err
	}
	delivered := sumDelivered(usages)
	planned := sumPlannedOutstanding(usages)
	return OrderLineUsage{
		SalesOrderLineID:   salesOrderLineID,
		OrderedQty:         ordered,
		DeliveredQty:       delivered,
		PlannedOutstanding: planned,
		Remaining:          ordered.Sub(delivered).Sub(planned),
	}, nil
}

// DeliveredQtyForOrderLine returns the delivered total across non-cancelled
// deliveries.
func (r *Reconciler) DeliveredQtyForOrderLine(ctx context.Context, salesOrderLineID int64) (decimal.Decimal, error) {
	usage, err := r.UsageForOrderLine(ctx, salesOrderLineID)
	if err != nil {
		return decimal.Zero, err
	}
	return usage.DeliveredQty, nil
}

// RemainingDeliverableQty returns how much may still be planned for the line.
func (r *Reconciler) RemainingDeliverableQty(ctx context.Context, salesOrderLineID int64) (decimal.Decimal, error) {
	usage, err := r.UsageForOrderLine(ctx, salesOrderLineID)
	if err != nil {
		return decimal.Zero, err
	}
	return usage.Remaining, nil
}

// CheckPlannable fails when planning qty against the line would overshoot the
// ordered quantity. The error carries the whole breakdown.
func (r *Reconciler) CheckPlannable(ctx context.Context, salesOrderLineID int64, qty decimal.Decimal) (OrderLineUsage, error) {
	usage, err := r.UsageForOrderLine(ctx, salesOrderLineID)
	if err != nil {
		return OrderLineUsage{}, err
	}
	if qty.GreaterThan(usage.Remaining) {
		return usage, fmt.Errorf(
			"order line %d: requested %s exceeds remaining %s (ordered %s, delivered %s, planned %s): %w",
			salesOrderLineID, qty, usage.Remaining, usage.OrderedQty, usage.DeliveredQty,
			usage.PlannedOutstanding, shared.ErrQuantityViolation)
	}
	return usage, nil
}

// ReturnableQty returns how much of a delivery line may still be returned.
func (r *Reconciler) ReturnableQty(ctx context.Context, deliveryLineID int64) (decimal.Decimal, error) {
	delivered, returned, err := r.store.DeliveryLineReturnUsage(ctx, deliveryLineID)
	if err != nil {
		return decimal.Zero, err
	}
	return delivered.Sub(returned), nil
}

// CheckReturnable fails when returning qty would exceed what was delivered
// minus what was already returned.
func (r *Reconciler) CheckReturnable(ctx context.Context, deliveryLineID int64, qty decimal.Decimal) error {
	delivered, returned, err := r.store.DeliveryLineReturnUsage(ctx, deliveryLineID)
	if err != nil {
		return err
	}
	returnable := delivered.Sub(returned)
	if qty.GreaterThan(returnable) {
		return fmt.Errorf(
			"delivery line %d: requested return %s exceeds returnable %s (delivered %s, already returned %s): %w",
			deliveryLineID, qty, returnable, delivered, returned, shared.ErrQuantityViolation)
	}
	return nil
}
