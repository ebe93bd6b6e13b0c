package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/inventory"
	"github.com/tradewind-erp/tradewind/internal/sequence"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

// ReturnableChecker bounds return quantities against delivered minus already
// returned. Satisfied by the delivery reconciler.
type ReturnableChecker interface {
	CheckReturnable(ctx context.Context, deliveryLineID int64, qty decimal.Decimal) error
}

// StockPort posts returned goods back into the warehouse.
type StockPort interface {
	Increase(ctx context.Context, input inventory.MovementInput) (inventory.Balance, error)
}

// Service owns return order lifecycle operations.
type Service struct {
	repo       RepositoryPort
	returnable ReturnableChecker
	stock      StockPort
	numbers    sequence.Numbering
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, returnable ReturnableChecker, stock StockPort, numbers sequence.Numbering, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		returnable: returnable,
		stock:      stock,
		numbers:    numbers,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Get loads one return order with lines.
func (s *Service) Get(ctx context.Context, id int64) (*ReturnOrder, error) {
	return s.repo.GetReturnOrder(ctx, id)
}

// Create raises a return against a delivered delivery. The order lands
// directly in Approved; stock moves only on completion, when the goods are
// physically back.
func (s *Service) Create(ctx context.Context, req CreateReturnOrderRequest) (*ReturnOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create return order: %v: %w", err, shared.ErrValidation)
	}

	info, err := s.repo.GetDeliveryInfo(ctx, req.DeliveryID)
	if err != nil {
		return nil, err
	}
	if info.Status != "DELIVERED" {
		return nil, fmt.Errorf("delivery %s is %s, returns require DELIVERED: %w", info.Number, info.Status, shared.ErrInvalidTransition)
	}

	requested := make(map[int64]decimal.Decimal, len(req.Lines))
	products := make(map[int64]int64, len(req.Lines))
	for i, lr := range req.Lines {
		if lr.ReturnedQty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("line %d: returned qty must be positive, got %s: %w", i+1, lr.ReturnedQty, shared.ErrQuantityViolation)
		}
		lineInfo, err := s.repo.GetDeliveryLineInfo(ctx, lr.DeliveryLineID)
		if err != nil {
			return nil, err
		}
		if lineInfo.DeliveryID != req.DeliveryID {
			return nil, fmt.Errorf("delivery line %d belongs to delivery %d, not %d: %w",
				lr.DeliveryLineID, lineInfo.DeliveryID, req.DeliveryID, shared.ErrValidation)
		}
		requested[lr.DeliveryLineID] = requested[lr.DeliveryLineID].Add(lr.ReturnedQty)
		products[lr.DeliveryLineID] = lineInfo.ProductID
	}
	for deliveryLineID, qty := range requested {
		if err := s.returnable.CheckReturnable(ctx, deliveryLineID, qty); err != nil {
			return nil, err
		}
	}

	var created *ReturnOrder
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, sequence.PrefixReturnOrder)
		if err != nil {
			return nil, err
		}
		ro := ReturnOrder{
			Number:     number,
			DeliveryID: req.DeliveryID,
			Status:     StatusApproved,
			Reason:     req.Reason,
			CreatedBy:  actor.ID,
		}
		lines := make([]ReturnOrderLine, 0, len(req.Lines))
		for _, lr := range req.Lines {
			lines = append(lines, ReturnOrderLine{
				DeliveryLineID: lr.DeliveryLineID,
				ProductID:      products[lr.DeliveryLineID],
				ReturnedQty:    lr.ReturnedQty,
			})
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateReturnOrder(ctx, ro)
			if err != nil {
				return err
			}
			ro.ID = id
			for i := range lines {
				lines[i].ReturnOrderID = id
				lineID, err := tx.InsertReturnOrderLine(ctx, lines[i])
				if err != nil {
					return err
				}
				lines[i].ID = lineID
			}
			return nil
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("return order number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		ro.Lines = lines
		created = &ro
		break
	}
	if created == nil {
		return nil, fmt.Errorf("create return order: exhausted %d number attempts: %w",
			sequence.MaxAttempts, shared.ErrDuplicateNumber)
	}
	return created, nil
}

// Complete books the returned goods back into the source warehouse, one
// increase per product.
func (s *Service) Complete(ctx context.Context, id int64) (*ReturnOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	ro, err := s.repo.GetReturnOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	info, err := s.repo.GetDeliveryInfo(ctx, ro.DeliveryID)
	if err != nil {
		return nil, err
	}
	from := ro.Status
	if err := ro.Transition(StatusCompleted); err != nil {
		return nil, err
	}
	perProduct := make(map[int64]decimal.Decimal, len(ro.Lines))
	for _, line := range ro.Lines {
		perProduct[line.ProductID] = perProduct[line.ProductID].Add(line.ReturnedQty)
	}
	productIDs := make([]int64, 0, len(perProduct))
	for productID := range perProduct {
		productIDs = append(productIDs, productID)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	// Status flip and restock commit together; the conditional update stops
	// a concurrent second completion from double-incrementing.
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateReturnOrderStatus(ctx, ro.ID, from, StatusCompleted); err != nil {
			return err
		}
		for _, productID := range productIDs {
			_, err := s.stock.Increase(ctx, inventory.MovementInput{
				WarehouseID: info.WarehouseID,
				ProductID:   productID,
				Qty:         perProduct[productID],
				RefModule:   "return_order",
				Note:        ro.Number,
				ActorID:     actor.ID,
			})
			if err != nil {
				return fmt.Errorf("return order %s: restock product %d: %w", ro.Number, productID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ro, nil
}

// Cancel voids an approved return before completion.
func (s *Service) Cancel(ctx context.Context, id int64) (*ReturnOrder, error) {
	if _, err := shared.RequireActor(ctx); err != nil {
		return nil, err
	}
	ro, err := s.repo.GetReturnOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	from := ro.Status
	if err := ro.Transition(StatusCancelled); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateReturnOrderStatus(ctx, ro.ID, from, StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	return ro, nil
}
