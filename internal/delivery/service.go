package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/sequence"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

// OrderCloser marks a fully delivered sales order as fulfilled. Wired to the
// sales service at startup; nil disables auto-close.
type OrderCloser interface {
	MarkFulfilled(ctx context.Context, salesOrderID int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns delivery lifecycle operations.
type Service struct {
	repo      RepositoryPort
	reconcile *Reconciler
	numbers   sequence.Numbering
	closer    OrderCloser
	audit     AuditPort
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, numbers sequence.Numbering, closer OrderCloser, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		reconcile: NewReconciler(repo),
		numbers:   numbers,
		closer:    closer,
		audit:     audit,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Reconciler exposes the quantity engine for sibling services.
func (s *Service) Reconciler() *Reconciler {
	return s.reconcile
}

// Get loads one delivery with lines.
func (s *Service) Get(ctx context.Context, id int64) (*Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// Create plans a new shipment. Validation runs in full before any entity is
// built, so a rejected request leaves nothing behind. The referenced sales
// order must be Approved.
func (s *Service) Create(ctx context.Context, req CreateDeliveryRequest) (*Delivery, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create delivery: %v: %w", err, shared.ErrValidation)
	}

	// Phase one: validate everything.
	soNumber, soStatus, err := s.repo.SalesOrderStatus(ctx, req.SalesOrderID)
	if err != nil {
		return nil, err
	}
	if soStatus != "APPROVED" {
		return nil, fmt.Errorf("sales order %s is %s, want APPROVED: %w", soNumber, soStatus, shared.ErrInvalidTransition)
	}

	requested := make(map[int64]decimal.Decimal, len(req.Lines))
	products := make(map[int64]int64, len(req.Lines))
	for i, lr := range req.Lines {
		if lr.PlannedQty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("line %d: planned qty must be positive, got %s: %w", i+1, lr.PlannedQty, shared.ErrQuantityViolation)
		}
		info, err := s.repo.GetOrderLineInfo(ctx, lr.SalesOrderLineID)
		if err != nil {
			return nil, err
		}
		if info.SalesOrderID != req.SalesOrderID {
			return nil, fmt.Errorf("sales order line %d belongs to order %d, not %d: %w",
				lr.SalesOrderLineID, info.SalesOrderID, req.SalesOrderID, shared.ErrValidation)
		}
		requested[lr.SalesOrderLineID] = requested[lr.SalesOrderLineID].Add(lr.PlannedQty)
		products[lr.SalesOrderLineID] = info.ProductID
	}
	for orderLineID, qty := range requested {
		if _, err := s.reconcile.CheckPlannable(ctx, orderLineID, qty); err != nil {
			return nil, err
		}
	}

	// Phase two: build.
	var created *Delivery
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, sequence.PrefixDelivery)
		if err != nil {
			return nil, err
		}
		d := Delivery{
			Number:        number,
			SalesOrderID:  req.SalesOrderID,
			WarehouseID:   req.WarehouseID,
			Status:        StatusDraft,
			Address:       req.Address,
			ScheduledDate: req.ScheduledDate,
			Notes:         req.Notes,
			CreatedBy:     actor.ID,
		}
		lines := make([]DeliveryLine, 0, len(req.Lines))
		for _, lr := range req.Lines {
			lines = append(lines, DeliveryLine{
				SalesOrderLineID: lr.SalesOrderLineID,
				ProductID:        products[lr.SalesOrderLineID],
				PlannedQty:       lr.PlannedQty,
				DeliveredQty:     decimal.Zero,
			})
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateDelivery(ctx, d)
			if err != nil {
				return err
			}
			d.ID = id
			for i := range lines {
				lines[i].DeliveryID = id
				lineID, err := tx.InsertDeliveryLine(ctx, lines[i])
				if err != nil {
					return err
				}
				lines[i].ID = lineID
			}
			return nil
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("delivery number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		d.Lines = lines
		created = &d
		break
	}
	if created == nil {
		return nil, fmt.Errorf("create delivery: exhausted %d number attempts: %w",
			sequence.MaxAttempts, shared.ErrDuplicateNumber)
	}
	s.recordAudit(ctx, actor.ID, "delivery:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

// Pick freezes the item list and hands the delivery to the warehouse.
func (s *Service) Pick(ctx context.Context, id int64) (*Delivery, error) {
	return s.transition(ctx, id, StatusPicked, nil)
}

// Ship dispatches a picked delivery. An approved good issue must exist, since
// goods cannot leave without the warehouse releasing them.
func (s *Service) Ship(ctx context.Context, id int64) (*Delivery, error) {
	return s.transition(ctx, id, StatusShipped, func(ctx context.Context, d *Delivery) error {
		ok, err := s.repo.HasApprovedGoodIssue(ctx, d.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("delivery %s has no approved good issue: %w", d.Number, shared.ErrInvalidTransition)
		}
		return nil
	})
}

// Cancel aborts a delivery that has not reached a terminal state.
func (s *Service) Cancel(ctx context.Context, id int64) (*Delivery, error) {
	return s.transition(ctx, id, StatusCancelled, nil)
}

func (s *Service) transition(ctx context.Context, id int64, to DeliveryStatus, guard func(context.Context, *Delivery) error) (*Delivery, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(ctx, d); err != nil {
			return nil, err
		}
	}
	if err := d.Transition(to); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateDelivery(ctx, d.ID, map[string]interface{}{"status": d.Status})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor.ID, fmt.Sprintf("delivery:%s", to), d.ID, map[string]any{"number": d.Number})
	return d, nil
}

// MarkDelivered completes the shipment. Delivered quantities come from the
// approved good issue, not from caller input, allocated to lines per product
// up to each line's planned quantity.
func (s *Service) MarkDelivered(ctx context.Context, id int64) (*Delivery, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	issued, err := s.repo.ApprovedIssueQtyByProduct(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if err := d.Transition(StatusDelivered); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d.DeliveredAt = &now

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		remaining := make(map[int64]decimal.Decimal, len(issued))
		for productID, qty := range issued {
			remaining[productID] = qty
		}
		for i := range d.Lines {
			line := &d.Lines[i]
			avail := remaining[line.ProductID]
			take := decimal.Min(line.PlannedQty, avail)
			if take.IsNegative() {
				take = decimal.Zero
			}
			remaining[line.ProductID] = avail.Sub(take)
			line.DeliveredQty = take
			if err := tx.SetLineDeliveredQty(ctx, line.ID, take); err != nil {
				return err
			}
		}
		return tx.UpdateDelivery(ctx, d.ID, map[string]interface{}{
			"status":       d.Status,
			"delivered_at": now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor.ID, "delivery:DELIVERED", d.ID, map[string]any{"number": d.Number})
	s.closeOrderIfComplete(ctx, d.SalesOrderID)
	return d, nil
}

// closeOrderIfComplete fulfils the sales order once every line is fully
// delivered with nothing outstanding.
func (s *Service) closeOrderIfComplete(ctx context.Context, salesOrderID int64) {
	if s.closer == nil {
		return
	}
	lineIDs, err := s.repo.OrderLineIDs(ctx, salesOrderID)
	if err != nil {
		s.logger.Error("check order completion", slog.Int64("sales_order_id", salesOrderID), slog.Any("error", err))
		return
	}
	for _, lineID := range lineIDs {
		usage, err := s.reconcile.UsageForOrderLine(ctx, lineID)
		if err != nil {
			s.logger.Error("check order completion", slog.Int64("sales_order_id", salesOrderID), slog.Any("error", err))
			return
		}
		if !usage.DeliveredQty.Equal(usage.OrderedQty) || !usage.PlannedOutstanding.IsZero() {
			return
		}
	}
	if err := s.closer.MarkFulfilled(ctx, salesOrderID); err != nil {
		s.logger.Error("mark order fulfilled", slog.Int64("sales_order_id", salesOrderID), slog.Any("error", err))
	}
}

// Update edits a delivery. What may change depends on how far execution has
// progressed; delivered documents admit only supervisors.
func (s *Service) Update(ctx context.Context, id int64, req UpdateDeliveryRequest) (*Delivery, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("update delivery: %v: %w", err, shared.ErrValidation)
	}
	d, err := s.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusCancelled {
		return nil, fmt.Errorf("delivery %s is cancelled: %w", d.Number, shared.ErrInvalidTransition)
	}
	if d.Status == StatusDelivered && !actor.Elevated() {
		return nil, fmt.Errorf("delivery %s is delivered, supervisor role required: %w", d.Number, shared.ErrUnauthorized)
	}
	if req.Lines != nil && !d.Status.CanEditLines() && d.Status != StatusDelivered {
		return nil, fmt.Errorf("delivery %s is %s, items frozen: %w", d.Number, d.Status, shared.ErrInvalidTransition)
	}
	if (req.Address != nil || req.WarehouseID != nil) && !d.Status.CanEditRouting() && d.Status != StatusDelivered {
		return nil, fmt.Errorf("delivery %s is %s, routing frozen: %w", d.Number, d.Status, shared.ErrInvalidTransition)
	}

	updates := map[string]interface{}{}
	if req.WarehouseID != nil {
		updates["warehouse_id"] = *req.WarehouseID
		d.WarehouseID = *req.WarehouseID
	}
	if req.Address != nil {
		updates["address"] = *req.Address
		d.Address = *req.Address
	}
	if req.ScheduledDate != nil {
		updates["scheduled_date"] = *req.ScheduledDate
		d.ScheduledDate = *req.ScheduledDate
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
		d.Notes = req.Notes
	}

	var newLines []DeliveryLine
	if req.Lines != nil {
		requested := make(map[int64]decimal.Decimal, len(*req.Lines))
		products := make(map[int64]int64, len(*req.Lines))
		for i, lr := range *req.Lines {
			if lr.PlannedQty.LessThanOrEqual(decimal.Zero) {
				return nil, fmt.Errorf("line %d: planned qty must be positive, got %s: %w", i+1, lr.PlannedQty, shared.ErrQuantityViolation)
			}
			info, err := s.repo.GetOrderLineInfo(ctx, lr.SalesOrderLineID)
			if err != nil {
				return nil, err
			}
			if info.SalesOrderID != d.SalesOrderID {
				return nil, fmt.Errorf("sales order line %d belongs to order %d, not %d: %w",
					lr.SalesOrderLineID, info.SalesOrderID, d.SalesOrderID, shared.ErrValidation)
			}
			requested[lr.SalesOrderLineID] = requested[lr.SalesOrderLineID].Add(lr.PlannedQty)
			products[lr.SalesOrderLineID] = info.ProductID
		}
		// This delivery's own claim does not count against the new plan.
		existing := make(map[int64]decimal.Decimal, len(d.Lines))
		for _, line := range d.Lines {
			existing[line.SalesOrderLineID] = existing[line.SalesOrderLineID].Add(line.PlannedQty)
		}
		for orderLineID, qty := range requested {
			usage, err := s.reconcile.UsageForOrderLine(ctx, orderLineID)
			if err != nil {
				return nil, err
			}
			allowed := usage.Remaining.Add(existing[orderLineID])
			if qty.GreaterThan(allowed) {
				return nil, fmt.Errorf(
					"order line %d: requested %s exceeds remaining %s (ordered %s, delivered %s, planned %s): %w",
					orderLineID, qty, allowed, usage.OrderedQty, usage.DeliveredQty,
					usage.PlannedOutstanding.Sub(existing[orderLineID]), shared.ErrQuantityViolation)
			}
		}
		for _, lr := range *req.Lines {
			newLines = append(newLines, DeliveryLine{
				DeliveryID:       d.ID,
				SalesOrderLineID: lr.SalesOrderLineID,
				ProductID:        products[lr.SalesOrderLineID],
				PlannedQty:       lr.PlannedQty,
				DeliveredQty:     decimal.Zero,
			})
		}
		// On a delivered document the replacement lines keep the delivered
		// quantity, reallocated from the approved good issue the same way
		// MarkDelivered assigns it.
		if d.Status == StatusDelivered {
			issued, err := s.repo.ApprovedIssueQtyByProduct(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			remaining := make(map[int64]decimal.Decimal, len(issued))
			for productID, qty := range issued {
				remaining[productID] = qty
			}
			for i := range newLines {
				line := &newLines[i]
				avail := remaining[line.ProductID]
				take := decimal.Min(line.PlannedQty, avail)
				if take.IsNegative() {
					take = decimal.Zero
				}
				remaining[line.ProductID] = avail.Sub(take)
				line.DeliveredQty = take
			}
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateDelivery(ctx, d.ID, updates); err != nil {
			return err
		}
		if newLines == nil {
			return nil
		}
		if err := tx.DeleteDeliveryLines(ctx, d.ID); err != nil {
			return err
		}
		for i := range newLines {
			lineID, err := tx.InsertDeliveryLine(ctx, newLines[i])
			if err != nil {
				return err
			}
			newLines[i].ID = lineID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if newLines != nil {
		d.Lines = newLines
	}
	s.recordAudit(ctx, actor.ID, "delivery:update", d.ID, map[string]any{"number": d.Number})
	return d, nil
}

// Delete soft-deletes a draft delivery.
func (s *Service) Delete(ctx context.Context, id int64) error {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return err
	}
	d, err := s.repo.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != StatusDraft {
		return fmt.Errorf("delivery %s is %s, only drafts may be deleted: %w", d.Number, d.Status, shared.ErrInvalidTransition)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SoftDeleteDelivery(ctx, d.ID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.ID, "delivery:delete", d.ID, map[string]any{"number": d.Number})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, refID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "delivery",
		EntityID: fmt.Sprintf("%d", refID),
		Meta:     meta,
	})
}
