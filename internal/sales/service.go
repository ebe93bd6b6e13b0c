package sales

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

const approvalModule = "sales_order"

// ApprovalPort records approval history entries.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns sales order lifecycle operations.
type Service struct {
	repo      RepositoryPort
	numbers   sequence.Numbering
	approvals ApprovalPort
	audit     AuditPort
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, numbers sequence.Numbering, approvals ApprovalPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		numbers:   numbers,
		approvals: approvals,
		audit:     audit,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Get loads one sales order with lines.
func (s *Service) Get(ctx context.Context, id int64) (*SalesOrder, error) {
	return s.repo.GetSalesOrder(ctx, id)
}

// GetByNumber loads one sales order by document number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*SalesOrder, error) {
	return s.repo.GetSalesOrderByNumber(ctx, number)
}

// List returns orders matching the filter without their lines.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]SalesOrder, error) {
	return s.repo.ListSalesOrders(ctx, filter)
}

// Create persists a new draft sales order with a generated number. On a number
// collision the whole transaction retries with a fresh number, bounded by
// sequence.MaxAttempts.
func (s *Service) Create(ctx context.Context, req CreateSalesOrderRequest) (*SalesOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create sales order: %v: %w", err, shared.ErrValidation)
	}
	lines, subtotal, tax, err := buildLines(req.Lines)
	if err != nil {
		return nil, err
	}

	var created *SalesOrder
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, sequence.PrefixSalesOrder)
		if err != nil {
			return nil, err
		}
		so := SalesOrder{
			Number:         number,
			CustomerID:     req.CustomerID,
			OrderDate:      req.OrderDate,
			Status:         SOStatusDraft,
			ApprovalStatus: ApprovalDraft,
			Currency:       req.Currency,
			Subtotal:       subtotal,
			TaxAmount:      tax,
			TotalAmount:    subtotal.Add(tax),
			Notes:          req.Notes,
			CreatedBy:      actor.ID,
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateSalesOrder(ctx, so)
			if err != nil {
				return err
			}
			so.ID = id
			for i := range lines {
				lines[i].SalesOrderID = id
				lineID, err := tx.InsertSalesOrderLine(ctx, lines[i])
				if err != nil {
					return err
				}
				lines[i].ID = lineID
			}
			return nil
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("sales order number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		so.Lines = lines
		created = &so
		break
	}
	if created == nil {
		return nil, fmt.Errorf("create sales order: exhausted %d number attempts: %w",
			sequence.MaxAttempts, shared.ErrDuplicateNumber)
	}
	s.recordAudit(ctx, actor.ID, "sales_order:create", created.ID, map[string]any{
		"number": created.Number, "total": created.TotalAmount.String(),
	})
	return created, nil
}

// Submit moves a draft order into the approval queue.
func (s *Service) Submit(ctx context.Context, id int64) (*SalesOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	so, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := so.SubmitForApproval(); err != nil {
		return nil, err
	}
	if err := s.persistStatus(ctx, so); err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, so.ID, shared.ApprovalSubmit, "")
	return so, nil
}

// Approve resolves a pending approval positively. The execution status
// advances to Approved in the same step.
func (s *Service) Approve(ctx context.Context, id int64, note string) (*SalesOrder, error) {
	return s.decide(ctx, id, true, note)
}

// Reject resolves a pending approval negatively and cancels the order.
func (s *Service) Reject(ctx context.Context, id int64, note string) (*SalesOrder, error) {
	return s.decide(ctx, id, false, note)
}

func (s *Service) decide(ctx context.Context, id int64, approve bool, note string) (*SalesOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	so, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := so.ApplyApprovalDecision(approve, actor.ID, now); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"status":          so.Status,
		"approval_status": so.ApprovalStatus,
	}
	if approve {
		updates["approved_by"] = actor.ID
		updates["approved_at"] = now
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateSalesOrder(ctx, so.ID, updates)
	})
	if err != nil {
		return nil, err
	}
	action := shared.ApprovalApprove
	if !approve {
		action = shared.ApprovalReject
	}
	s.recordApproval(ctx, actor.ID, so.ID, action, note)
	return so, nil
}

// Cancel aborts an order that has not been fulfilled yet.
func (s *Service) Cancel(ctx context.Context, id int64) (*SalesOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	so, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := s.repo.CountActiveDeliveries(ctx, so.ID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("sales order %s has %d active deliveries: %w", so.Number, count, shared.ErrInvalidTransition)
	}
	if err := so.Transition(SOStatusCancelled); err != nil {
		return nil, err
	}
	if err := s.persistStatus(ctx, so); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor.ID, "sales_order:cancel", so.ID, map[string]any{"number": so.Number})
	return so, nil
}

// MarkFulfilled closes out an approved order once all quantities shipped.
// Called by the delivery flow, not exposed as a direct endpoint.
func (s *Service) MarkFulfilled(ctx context.Context, id int64) (*SalesOrder, error) {
	so, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := so.Transition(SOStatusFulfilled); err != nil {
		return nil, err
	}
	if err := s.persistStatus(ctx, so); err != nil {
		return nil, err
	}
	return so, nil
}

// Update rewrites header fields and, when given, replaces all lines. Editing
// locks down as the order progresses: pending approval blocks everyone,
// approved orders admit only supervisors, downstream documents freeze the
// order entirely.
func (s *Service) Update(ctx context.Context, id int64, req UpdateSalesOrderRequest) (*SalesOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("update sales order: %v: %w", err, shared.ErrValidation)
	}
	so, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureEditable(ctx, so, actor); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.OrderDate != nil {
		updates["order_date"] = *req.OrderDate
		so.OrderDate = *req.OrderDate
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
		so.Notes = req.Notes
	}

	var newLines []SalesOrderLine
	if req.Lines != nil {
		lines, subtotal, tax, err := buildLines(*req.Lines)
		if err != nil {
			return nil, err
		}
		newLines = lines
		updates["subtotal"] = subtotal
		updates["tax_amount"] = tax
		updates["total_amount"] = subtotal.Add(tax)
		so.Subtotal = subtotal
		so.TaxAmount = tax
		so.TotalAmount = subtotal.Add(tax)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateSalesOrder(ctx, so.ID, updates); err != nil {
			return err
		}
		if newLines == nil {
			return nil
		}
		if err := tx.DeleteSalesOrderLines(ctx, so.ID); err != nil {
			return err
		}
		for i := range newLines {
			newLines[i].SalesOrderID = so.ID
			lineID, err := tx.InsertSalesOrderLine(ctx, newLines[i])
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
		so.Lines = newLines
	}
	s.recordAudit(ctx, actor.ID, "sales_order:update", so.ID, map[string]any{"number": so.Number})
	return so, nil
}

// Delete soft-deletes an order under the same gating as Update.
func (s *Service) Delete(ctx context.Context, id int64) error {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return err
	}
	so, err := s.repo.GetSalesOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureEditable(ctx, so, actor); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SoftDeleteSalesOrder(ctx, so.ID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.ID, "sales_order:delete", so.ID, map[string]any{"number": so.Number})
	return nil
}

func (s *Service) ensureEditable(ctx context.Context, so *SalesOrder, actor shared.Actor) error {
	switch so.Status {
	case SOStatusDraft:
		// always editable
	case SOStatusPending:
		return fmt.Errorf("sales order %s is awaiting approval: %w", so.Number, shared.ErrInvalidTransition)
	case SOStatusApproved:
		if !actor.Elevated() {
			return fmt.Errorf("sales order %s is approved, supervisor role required: %w", so.Number, shared.ErrUnauthorized)
		}
	default:
		return fmt.Errorf("sales order %s is %s and cannot change: %w", so.Number, so.Status, shared.ErrInvalidTransition)
	}
	deliveries, err := s.repo.CountActiveDeliveries(ctx, so.ID)
	if err != nil {
		return err
	}
	if deliveries > 0 {
		return fmt.Errorf("sales order %s has %d active deliveries: %w", so.Number, deliveries, shared.ErrInvalidTransition)
	}
	invoices, err := s.repo.CountInvoices(ctx, so.ID)
	if err != nil {
		return err
	}
	if invoices > 0 {
		return fmt.Errorf("sales order %s has %d invoices: %w", so.Number, invoices, shared.ErrInvalidTransition)
	}
	return nil
}

func (s *Service) persistStatus(ctx context.Context, so *SalesOrder) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateSalesOrder(ctx, so.ID, map[string]interface{}{
			"status":          so.Status,
			"approval_status": so.ApprovalStatus,
		})
	})
}

func (s *Service) recordApproval(ctx context.Context, actorID, refID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   refID,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      time.Now().UTC(),
	}); err != nil {
		s.logger.Error("record sales order approval", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, refID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   approvalModule,
		EntityID: fmt.Sprintf("%d", refID),
		Meta:     meta,
	})
}

// buildLines validates line quantities and computes monetary totals.
func buildLines(reqs []CreateSalesOrderLineReq) ([]SalesOrderLine, decimal.Decimal, decimal.Decimal, error) {
	lines := make([]SalesOrderLine, 0, len(reqs))
	subtotal := decimal.Zero
	tax := decimal.Zero
	for i, lr := range reqs {
		if lr.OrderedQty.LessThanOrEqual(decimal.Zero) {
			return nil, decimal.Zero, decimal.Zero, fmt.Errorf(
				"line %d: ordered qty must be positive, got %s: %w", i+1, lr.OrderedQty, shared.ErrQuantityViolation)
		}
		if lr.UnitPrice.IsNegative() || lr.TaxAmount.IsNegative() {
			return nil, decimal.Zero, decimal.Zero, fmt.Errorf(
				"line %d: negative amounts not allowed: %w", i+1, shared.ErrValidation)
		}
		lineNet := lr.OrderedQty.Mul(lr.UnitPrice)
		lines = append(lines, SalesOrderLine{
			ProductID:  lr.ProductID,
			OrderedQty: lr.OrderedQty,
			UnitPrice:  lr.UnitPrice,
			TaxAmount:  lr.TaxAmount,
			LineTotal:  lineNet.Add(lr.TaxAmount),
			LineOrder:  lr.LineOrder,
		})
		subtotal = subtotal.Add(lineNet)
		tax = tax.Add(lr.TaxAmount)
	}
	return lines, subtotal, tax, nil
}
