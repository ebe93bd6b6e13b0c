package goodsissue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/inventory"
	"github.com/tradewind-erp/tradewind/internal/sequence"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

const approvalModule = "good_issue"

// StockPort is the warehouse stock ledger surface the issue flow needs.
type StockPort interface {
	Decrease(ctx context.Context, input inventory.MovementInput) (inventory.Balance, error)
	QuantityOf(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error)
}

// ApprovalPort records approval history entries.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service owns good issue lifecycle operations.
type Service struct {
	repo      RepositoryPort
	stock     StockPort
	numbers   sequence.Numbering
	approvals ApprovalPort
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, stock StockPort, numbers sequence.Numbering, approvals ApprovalPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		stock:     stock,
		numbers:   numbers,
		approvals: approvals,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Get loads one good issue with lines.
func (s *Service) Get(ctx context.Context, id int64) (*GoodIssue, error) {
	return s.repo.GetGoodIssue(ctx, id)
}

// Create opens a pending issue for a delivery. Issued quantities are bounded
// by each delivery line's planned quantity; nothing touches stock until
// approval.
func (s *Service) Create(ctx context.Context, req CreateGoodIssueRequest) (*GoodIssue, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create good issue: %v: %w", err, shared.ErrValidation)
	}

	info, err := s.repo.GetDeliveryInfo(ctx, req.DeliveryID)
	if err != nil {
		return nil, err
	}
	if info.Status == "CANCELLED" || info.Status == "DELIVERED" {
		return nil, fmt.Errorf("delivery %s is %s, cannot issue against it: %w", info.Number, info.Status, shared.ErrInvalidTransition)
	}

	lines := make([]GoodIssueLine, 0, len(req.Lines))
	for i, lr := range req.Lines {
		if lr.IssuedQty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("line %d: issued qty must be positive, got %s: %w", i+1, lr.IssuedQty, shared.ErrQuantityViolation)
		}
		lineInfo, err := s.repo.GetDeliveryLineInfo(ctx, lr.DeliveryLineID)
		if err != nil {
			return nil, err
		}
		if lineInfo.DeliveryID != req.DeliveryID {
			return nil, fmt.Errorf("delivery line %d belongs to delivery %d, not %d: %w",
				lr.DeliveryLineID, lineInfo.DeliveryID, req.DeliveryID, shared.ErrValidation)
		}
		if lr.IssuedQty.GreaterThan(lineInfo.PlannedQty) {
			return nil, fmt.Errorf("delivery line %d: issued %s exceeds planned %s: %w",
				lr.DeliveryLineID, lr.IssuedQty, lineInfo.PlannedQty, shared.ErrQuantityViolation)
		}
		lines = append(lines, GoodIssueLine{
			DeliveryLineID: lr.DeliveryLineID,
			ProductID:      lineInfo.ProductID,
			IssuedQty:      lr.IssuedQty,
		})
	}

	var created *GoodIssue
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, sequence.PrefixGoodIssue)
		if err != nil {
			return nil, err
		}
		gi := GoodIssue{
			Number:      number,
			DeliveryID:  req.DeliveryID,
			WarehouseID: info.WarehouseID,
			Status:      StatusPending,
			Notes:       req.Notes,
			CreatedBy:   actor.ID,
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateGoodIssue(ctx, gi)
			if err != nil {
				return err
			}
			gi.ID = id
			for i := range lines {
				lines[i].GoodIssueID = id
				lineID, err := tx.InsertGoodIssueLine(ctx, lines[i])
				if err != nil {
					return err
				}
				lines[i].ID = lineID
			}
			return nil
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("good issue number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		gi.Lines = lines
		created = &gi
		break
	}
	if created == nil {
		return nil, fmt.Errorf("create good issue: exhausted %d number attempts: %w",
			sequence.MaxAttempts, shared.ErrDuplicateNumber)
	}
	return created, nil
}

// Approve releases the goods. Stock decrements once, aggregated per product.
// Only one approved issue may exist per delivery; a second approval attempt
// for the same delivery is rejected.
func (s *Service) Approve(ctx context.Context, id int64, note string) (*GoodIssue, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	gi, err := s.repo.GetGoodIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if gi.Status != StatusPending {
		return nil, fmt.Errorf("good issue %s is %s, want PENDING: %w", gi.Number, gi.Status, shared.ErrInvalidTransition)
	}
	taken, err := s.repo.HasApprovedIssueForDelivery(ctx, gi.DeliveryID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("delivery %d already has an approved good issue: %w", gi.DeliveryID, shared.ErrInvalidTransition)
	}

	perProduct := make(map[int64]decimal.Decimal, len(gi.Lines))
	for _, line := range gi.Lines {
		perProduct[line.ProductID] = perProduct[line.ProductID].Add(line.IssuedQty)
	}
	for productID, qty := range perProduct {
		onHand, err := s.stock.QuantityOf(ctx, gi.WarehouseID, productID)
		if err != nil {
			return nil, err
		}
		if onHand.LessThan(qty) {
			return nil, fmt.Errorf("good issue %s: warehouse %d product %d has %s, need %s: %w",
				gi.Number, gi.WarehouseID, productID, onHand, qty, shared.ErrInsufficientStock)
		}
	}

	if err := gi.Transition(StatusApproved); err != nil {
		return nil, err
	}
	productIDs := make([]int64, 0, len(perProduct))
	for productID := range perProduct {
		productIDs = append(productIDs, productID)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	now := time.Now().UTC()
	gi.ApprovedBy = &actor.ID
	gi.ApprovedAt = &now
	// The status flip and the stock decrements share one transaction: the
	// conditional update stops a concurrent double approval, and a failed
	// decrement rolls the flip back. Products post in id order so parallel
	// approvals lock balance rows consistently.
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateGoodIssueStatus(ctx, gi.ID, StatusApproved, &actor.ID, &now); err != nil {
			return err
		}
		for _, productID := range productIDs {
			_, err := s.stock.Decrease(ctx, inventory.MovementInput{
				WarehouseID: gi.WarehouseID,
				ProductID:   productID,
				Qty:         perProduct[productID],
				RefModule:   approvalModule,
				Note:        gi.Number,
				ActorID:     actor.ID,
			})
			if err != nil {
				return fmt.Errorf("good issue %s: decrement product %d: %w", gi.Number, productID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordApproval(ctx, actor.ID, gi.ID, shared.ApprovalApprove, note)
	return gi, nil
}

// Reject closes a pending issue with no stock effect.
func (s *Service) Reject(ctx context.Context, id int64, note string) (*GoodIssue, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	gi, err := s.repo.GetGoodIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := gi.Transition(StatusRejected); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateGoodIssueStatus(ctx, gi.ID, StatusRejected, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, gi.ID, shared.ApprovalReject, note)
	return gi, nil
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
		s.logger.Error("record good issue approval", slog.Any("error", err))
	}
}
