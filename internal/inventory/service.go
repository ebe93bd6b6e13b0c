package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates stock ledger operations. It is the only writer of
// on-hand quantity; callers go through Increase/Decrease and never touch the
// balance rows directly.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	allowNeg bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, allowNeg: cfg.AllowNegativeStock}
}

// Increase adds stock for the pair, creating the balance row lazily.
func (s *Service) Increase(ctx context.Context, input MovementInput) (Balance, error) {
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return Balance{}, fmt.Errorf("inventory: increase qty must be positive, got %s: %w", input.Qty, shared.ErrValidation)
	}
	return s.postMovement(ctx, input, MovementIn, input.Qty)
}

// Decrease removes stock for the pair. The non-negativity check runs at write
// time under the row lock, not only at an earlier read.
func (s *Service) Decrease(ctx context.Context, input MovementInput) (Balance, error) {
	if input.Qty.LessThanOrEqual(decimal.Zero) {
		return Balance{}, fmt.Errorf("inventory: decrease qty must be positive, got %s: %w", input.Qty, shared.ErrValidation)
	}
	return s.postMovement(ctx, input, MovementOut, input.Qty.Neg())
}

// QuantityOf returns the current on-hand quantity, zero for unknown pairs.
func (s *Service) QuantityOf(ctx context.Context, warehouseID, productID int64) (decimal.Decimal, error) {
	if warehouseID == 0 || productID == 0 {
		return decimal.Zero, fmt.Errorf("inventory: warehouse and product required: %w", shared.ErrValidation)
	}
	balance, err := s.repo.GetBalance(ctx, warehouseID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Qty, nil
}

// Movements lists recent movements for the pair.
func (s *Service) Movements(ctx context.Context, warehouseID, productID int64, limit int) ([]Movement, error) {
	if warehouseID == 0 || productID == 0 {
		return nil, fmt.Errorf("inventory: warehouse and product required: %w", shared.ErrValidation)
	}
	return s.repo.ListMovements(ctx, warehouseID, productID, limit)
}

func (s *Service) postMovement(ctx context.Context, input MovementInput, movementType MovementType, qtyChange decimal.Decimal) (Balance, error) {
	if input.WarehouseID == 0 || input.ProductID == 0 {
		return Balance{}, fmt.Errorf("inventory: warehouse and product required: %w", shared.ErrValidation)
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return Balance{}, fmt.Errorf("inventory: invalid ref id %q: %w", input.RefID, shared.ErrValidation)
		}
	}
	now := time.Now().UTC()
	var result Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		balance, err := tx.GetBalanceForUpdate(ctx, input.WarehouseID, input.ProductID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		if errors.Is(err, ErrBalanceNotFound) {
			balance = Balance{WarehouseID: input.WarehouseID, ProductID: input.ProductID, Qty: decimal.Zero}
		}
		newQty := balance.Qty.Add(qtyChange)
		if !s.allowNeg && newQty.IsNegative() {
			return fmt.Errorf("inventory: warehouse %d product %d has %s, need %s: %w",
				input.WarehouseID, input.ProductID, balance.Qty, qtyChange.Abs(), shared.ErrInsufficientStock)
		}
		movement := Movement{
			Type:        movementType,
			WarehouseID: input.WarehouseID,
			ProductID:   input.ProductID,
			Qty:         qtyChange,
			RefModule:   input.RefModule,
			RefID:       input.RefID,
			Note:        input.Note,
			ActorID:     input.ActorID,
			PostedAt:    now,
		}
		if _, err := tx.InsertMovement(ctx, movement); err != nil {
			return err
		}
		balance.Qty = newQty
		balance.UpdatedAt = now
		if err := tx.UpsertBalance(ctx, balance); err != nil {
			return err
		}
		result = balance
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("inventory:%s", movementType),
			Entity:   "stock_balance",
			EntityID: fmt.Sprintf("%d:%d", input.WarehouseID, input.ProductID),
			Meta: map[string]any{
				"warehouse_id": input.WarehouseID,
				"product_id":   input.ProductID,
				"qty":          qtyChange.String(),
				"note":         input.Note,
			},
		})
	}
	return result, nil
}
