package goodsissue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-erp/tradewind/internal/inventory"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

type mockRepository struct {
	issues     map[int64]*GoodIssue
	deliveries map[int64]DeliveryInfo
	lines      map[int64]DeliveryLineInfo
	nextID     int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		issues:     make(map[int64]*GoodIssue),
		deliveries: make(map[int64]DeliveryInfo),
		lines:      make(map[int64]DeliveryLineInfo),
		nextID:     1,
	}
}

// WithTx snapshots the stored issues and restores them when the callback
// fails, mirroring a rolled back transaction.
func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[int64]GoodIssue, len(m.issues))
	for id, gi := range m.issues {
		clone := *gi
		clone.Lines = append([]GoodIssueLine(nil), gi.Lines...)
		snapshot[id] = clone
	}
	if err := fn(ctx, m); err != nil {
		m.issues = make(map[int64]*GoodIssue, len(snapshot))
		for id := range snapshot {
			clone := snapshot[id]
			m.issues[id] = &clone
		}
		return err
	}
	return nil
}

func (m *mockRepository) GetGoodIssue(_ context.Context, id int64) (*GoodIssue, error) {
	gi, ok := m.issues[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *gi
	clone.Lines = append([]GoodIssueLine(nil), gi.Lines...)
	return &clone, nil
}

func (m *mockRepository) GetDeliveryInfo(_ context.Context, deliveryID int64) (DeliveryInfo, error) {
	info, ok := m.deliveries[deliveryID]
	if !ok {
		return DeliveryInfo{}, shared.ErrNotFound
	}
	return info, nil
}

func (m *mockRepository) GetDeliveryLineInfo(_ context.Context, deliveryLineID int64) (DeliveryLineInfo, error) {
	info, ok := m.lines[deliveryLineID]
	if !ok {
		return DeliveryLineInfo{}, shared.ErrNotFound
	}
	return info, nil
}

func (m *mockRepository) HasApprovedIssueForDelivery(_ context.Context, deliveryID int64) (bool, error) {
	for _, gi := range m.issues {
		if gi.DeliveryID == deliveryID && gi.Status == StatusApproved {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) CreateGoodIssue(_ context.Context, gi GoodIssue) (int64, error) {
	gi.ID = m.nextID
	m.nextID++
	m.issues[gi.ID] = &gi
	return gi.ID, nil
}

func (m *mockRepository) InsertGoodIssueLine(_ context.Context, line GoodIssueLine) (int64, error) {
	gi, ok := m.issues[line.GoodIssueID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	line.ID = m.nextID
	m.nextID++
	gi.Lines = append(gi.Lines, line)
	return line.ID, nil
}

func (m *mockRepository) UpdateGoodIssueStatus(_ context.Context, id int64, status IssueStatus, approvedBy *int64, approvedAt *time.Time) error {
	gi, ok := m.issues[id]
	if !ok {
		return shared.ErrNotFound
	}
	if gi.Status != StatusPending {
		return fmt.Errorf("good issue %d is no longer PENDING: %w", id, shared.ErrInvalidTransition)
	}
	gi.Status = status
	gi.ApprovedBy = approvedBy
	gi.ApprovedAt = approvedAt
	return nil
}

type stockKey struct {
	warehouseID int64
	productID   int64
}

type mockStock struct {
	onHand     map[stockKey]decimal.Decimal
	decrements []inventory.MovementInput
	failErr    error
}

func newMockStock() *mockStock {
	return &mockStock{onHand: make(map[stockKey]decimal.Decimal)}
}

func (m *mockStock) QuantityOf(_ context.Context, warehouseID, productID int64) (decimal.Decimal, error) {
	return m.onHand[stockKey{warehouseID, productID}], nil
}

func (m *mockStock) Decrease(_ context.Context, input inventory.MovementInput) (inventory.Balance, error) {
	if m.failErr != nil {
		return inventory.Balance{}, m.failErr
	}
	key := stockKey{input.WarehouseID, input.ProductID}
	newQty := m.onHand[key].Sub(input.Qty)
	if newQty.IsNegative() {
		return inventory.Balance{}, shared.ErrInsufficientStock
	}
	m.onHand[key] = newQty
	m.decrements = append(m.decrements, input)
	return inventory.Balance{WarehouseID: input.WarehouseID, ProductID: input.ProductID, Qty: newQty}, nil
}

type mockNumbering struct{ counter int }

func (m *mockNumbering) Next(_ context.Context, prefix string) (string, error) {
	m.counter++
	return fmt.Sprintf("%s-202603-%05d", prefix, m.counter), nil
}

func newTestService() (*Service, *mockRepository, *mockStock) {
	repo := newMockRepository()
	stock := newMockStock()
	svc := NewService(repo, stock, &mockNumbering{}, nil, nil)
	// Delivery 1, picked, warehouse 3, one line planning 60 of product 5.
	repo.deliveries[1] = DeliveryInfo{Number: "DL-202603-00001", Status: "PICKED", WarehouseID: 3}
	repo.lines[20] = DeliveryLineInfo{DeliveryID: 1, ProductID: 5, PlannedQty: decimal.NewFromInt(60)}
	stock.onHand[stockKey{3, 5}] = decimal.NewFromInt(100)
	return svc, repo, stock
}

func actorCtx(id int64) context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: id, Role: shared.RoleStandard})
}

func issueReq(qty int64) CreateGoodIssueRequest {
	return CreateGoodIssueRequest{
		DeliveryID: 1,
		Lines: []CreateGoodIssueLineReq{
			{DeliveryLineID: 20, IssuedQty: decimal.NewFromInt(qty)},
		},
	}
}

func TestService_Create(t *testing.T) {
	ctx := actorCtx(7)

	t.Run("creates pending issue", func(t *testing.T) {
		svc, _, stock := newTestService()
		gi, err := svc.Create(ctx, issueReq(60))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, gi.Status)
		assert.Equal(t, "GI-202603-00001", gi.Number)
		assert.Equal(t, int64(3), gi.WarehouseID)
		assert.Empty(t, stock.decrements, "creation must not touch stock")
	})

	t.Run("issued qty bounded by planned", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.Create(ctx, issueReq(61))
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
		assert.Contains(t, err.Error(), "issued 61 exceeds planned 60")
	})

	t.Run("rejects cancelled delivery", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.deliveries[1] = DeliveryInfo{Number: "DL-1", Status: "CANCELLED", WarehouseID: 3}
		_, err := svc.Create(ctx, issueReq(10))
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})

	t.Run("rejects foreign delivery line", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.deliveries[2] = DeliveryInfo{Number: "DL-2", Status: "PICKED", WarehouseID: 3}
		req := issueReq(10)
		req.DeliveryID = 2
		_, err := svc.Create(ctx, req)
		assert.ErrorIs(t, err, shared.ErrValidation)
	})
}

func TestService_Approve(t *testing.T) {
	ctx := actorCtx(9)

	t.Run("decrements stock exactly once", func(t *testing.T) {
		svc, _, stock := newTestService()
		gi, err := svc.Create(ctx, issueReq(60))
		require.NoError(t, err)

		approved, err := svc.Approve(ctx, gi.ID, "")
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, approved.Status)
		require.NotNil(t, approved.ApprovedBy)
		assert.Equal(t, int64(9), *approved.ApprovedBy)

		assert.Len(t, stock.decrements, 1)
		assert.True(t, stock.onHand[stockKey{3, 5}].Equal(decimal.NewFromInt(40)))

		// Re-approval of an already approved issue is rejected, stock untouched.
		_, err = svc.Approve(ctx, gi.ID, "")
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.True(t, stock.onHand[stockKey{3, 5}].Equal(decimal.NewFromInt(40)))
	})

	t.Run("aggregates lines per product", func(t *testing.T) {
		svc, repo, stock := newTestService()
		repo.lines[21] = DeliveryLineInfo{DeliveryID: 1, ProductID: 5, PlannedQty: decimal.NewFromInt(30)}
		req := issueReq(40)
		req.Lines = append(req.Lines, CreateGoodIssueLineReq{DeliveryLineID: 21, IssuedQty: decimal.NewFromInt(20)})
		gi, err := svc.Create(ctx, req)
		require.NoError(t, err)

		_, err = svc.Approve(ctx, gi.ID, "")
		require.NoError(t, err)
		assert.Len(t, stock.decrements, 1, "one decrement per product")
		assert.True(t, stock.onHand[stockKey{3, 5}].Equal(decimal.NewFromInt(40)))
	})

	t.Run("only one approved issue per delivery", func(t *testing.T) {
		svc, _, _ := newTestService()
		first, err := svc.Create(ctx, issueReq(30))
		require.NoError(t, err)
		second, err := svc.Create(ctx, issueReq(30))
		require.NoError(t, err)

		_, err = svc.Approve(ctx, first.ID, "")
		require.NoError(t, err)
		_, err = svc.Approve(ctx, second.ID, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "already has an approved good issue")
	})

	t.Run("failed stock movement rolls the approval back", func(t *testing.T) {
		svc, _, stock := newTestService()
		gi, err := svc.Create(ctx, issueReq(60))
		require.NoError(t, err)

		stock.failErr = errors.New("balance row lock timeout")
		_, err = svc.Approve(ctx, gi.ID, "")
		require.Error(t, err)

		got, err := svc.Get(ctx, gi.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status, "status flip and stock movement commit together")

		stock.failErr = nil
		_, err = svc.Approve(ctx, gi.ID, "")
		require.NoError(t, err)
		assert.True(t, stock.onHand[stockKey{3, 5}].Equal(decimal.NewFromInt(40)))
	})

	t.Run("insufficient stock blocks approval", func(t *testing.T) {
		svc, _, stock := newTestService()
		stock.onHand[stockKey{3, 5}] = decimal.NewFromInt(10)
		gi, err := svc.Create(ctx, issueReq(60))
		require.NoError(t, err)

		_, err = svc.Approve(ctx, gi.ID, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInsufficientStock)
		assert.Contains(t, err.Error(), "has 10, need 60")
		assert.Empty(t, stock.decrements)

		got, err := svc.Get(ctx, gi.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status, "failed approval leaves the issue pending")
	})
}

func TestService_Reject(t *testing.T) {
	ctx := actorCtx(9)
	svc, _, stock := newTestService()
	gi, err := svc.Create(ctx, issueReq(60))
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, gi.ID, "wrong batch")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Empty(t, stock.decrements, "rejection has no stock effect")

	_, err = svc.Approve(ctx, gi.ID, "")
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}
