package returns

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-erp/tradewind/internal/inventory"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

type mockRepository struct {
	orders     map[int64]*ReturnOrder
	deliveries map[int64]DeliveryInfo
	lines      map[int64]DeliveryLineInfo
	nextID     int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		orders:     make(map[int64]*ReturnOrder),
		deliveries: make(map[int64]DeliveryInfo),
		lines:      make(map[int64]DeliveryLineInfo),
		nextID:     1,
	}
}

// WithTx snapshots the stored orders and restores them when the callback
// fails, mirroring a rolled back transaction.
func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[int64]ReturnOrder, len(m.orders))
	for id, ro := range m.orders {
		clone := *ro
		clone.Lines = append([]ReturnOrderLine(nil), ro.Lines...)
		snapshot[id] = clone
	}
	if err := fn(ctx, m); err != nil {
		m.orders = make(map[int64]*ReturnOrder, len(snapshot))
		for id := range snapshot {
			clone := snapshot[id]
			m.orders[id] = &clone
		}
		return err
	}
	return nil
}

func (m *mockRepository) GetReturnOrder(_ context.Context, id int64) (*ReturnOrder, error) {
	ro, ok := m.orders[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *ro
	clone.Lines = append([]ReturnOrderLine(nil), ro.Lines...)
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

func (m *mockRepository) CreateReturnOrder(_ context.Context, ro ReturnOrder) (int64, error) {
	ro.ID = m.nextID
	m.nextID++
	m.orders[ro.ID] = &ro
	return ro.ID, nil
}

func (m *mockRepository) InsertReturnOrderLine(_ context.Context, line ReturnOrderLine) (int64, error) {
	ro, ok := m.orders[line.ReturnOrderID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	line.ID = m.nextID
	m.nextID++
	ro.Lines = append(ro.Lines, line)
	return line.ID, nil
}

func (m *mockRepository) UpdateReturnOrderStatus(_ context.Context, id int64, from, to ReturnStatus) error {
	ro, ok := m.orders[id]
	if !ok {
		return shared.ErrNotFound
	}
	if ro.Status != from {
		return fmt.Errorf("return order %d is no longer %s: %w", id, from, shared.ErrInvalidTransition)
	}
	ro.Status = to
	return nil
}

// mockChecker tracks cumulative approved returns per delivery line the way
// the delivery reconciler would.
type mockChecker struct {
	repo *mockRepository
}

func (c *mockChecker) CheckReturnable(_ context.Context, deliveryLineID int64, qty decimal.Decimal) error {
	delivered := c.repo.lines[deliveryLineID].DeliveredQty
	returned := decimal.Zero
	for _, ro := range c.repo.orders {
		if ro.Status == StatusCancelled {
			continue
		}
		for _, line := range ro.Lines {
			if line.DeliveryLineID == deliveryLineID {
				returned = returned.Add(line.ReturnedQty)
			}
		}
	}
	returnable := delivered.Sub(returned)
	if qty.GreaterThan(returnable) {
		return fmt.Errorf("delivery line %d: requested return %s exceeds returnable %s (delivered %s, already returned %s): %w",
			deliveryLineID, qty, returnable, delivered, returned, shared.ErrQuantityViolation)
	}
	return nil
}

type mockStock struct {
	increases []inventory.MovementInput
	failErr   error
}

func (m *mockStock) Increase(_ context.Context, input inventory.MovementInput) (inventory.Balance, error) {
	if m.failErr != nil {
		return inventory.Balance{}, m.failErr
	}
	m.increases = append(m.increases, input)
	return inventory.Balance{WarehouseID: input.WarehouseID, ProductID: input.ProductID, Qty: input.Qty}, nil
}

type mockNumbering struct{ counter int }

func (m *mockNumbering) Next(_ context.Context, prefix string) (string, error) {
	m.counter++
	return fmt.Sprintf("%s-202603-%05d", prefix, m.counter), nil
}

func newTestService() (*Service, *mockRepository, *mockStock) {
	repo := newMockRepository()
	stock := &mockStock{}
	svc := NewService(repo, &mockChecker{repo: repo}, stock, &mockNumbering{}, nil)
	// Delivery 1 delivered from warehouse 3; line 20 delivered 50 of product 5.
	repo.deliveries[1] = DeliveryInfo{Number: "DL-202603-00001", Status: "DELIVERED", WarehouseID: 3}
	repo.lines[20] = DeliveryLineInfo{DeliveryID: 1, ProductID: 5, DeliveredQty: decimal.NewFromInt(50)}
	return svc, repo, stock
}

func actorCtx(id int64) context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: id, Role: shared.RoleStandard})
}

func returnReq(qty int64) CreateReturnOrderRequest {
	return CreateReturnOrderRequest{
		DeliveryID: 1,
		Lines: []CreateReturnOrderLineReq{
			{DeliveryLineID: 20, ReturnedQty: decimal.NewFromInt(qty)},
		},
	}
}

func TestService_Create(t *testing.T) {
	ctx := actorCtx(7)

	t.Run("creates directly approved", func(t *testing.T) {
		svc, _, stock := newTestService()
		ro, err := svc.Create(ctx, returnReq(30))
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, ro.Status)
		assert.Equal(t, "RT-202603-00001", ro.Number)
		assert.Empty(t, stock.increases, "creation must not touch stock")
	})

	t.Run("requires delivered delivery", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.deliveries[1] = DeliveryInfo{Number: "DL-202603-00001", Status: "SHIPPED", WarehouseID: 3}
		_, err := svc.Create(ctx, returnReq(10))
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "returns require DELIVERED")
		assert.Contains(t, err.Error(), "SHIPPED")
	})

	t.Run("return bound enforced cumulatively", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.Create(ctx, returnReq(30))
		require.NoError(t, err)
		_, err = svc.Create(ctx, returnReq(20))
		require.NoError(t, err)
		_, err = svc.Create(ctx, returnReq(1))
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
		assert.Contains(t, err.Error(), "delivered 50")
		assert.Contains(t, err.Error(), "already returned 50")
	})

	t.Run("rejects non-positive qty", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.Create(ctx, returnReq(0))
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	})

	t.Run("rejects foreign delivery line", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.deliveries[2] = DeliveryInfo{Number: "DL-2", Status: "DELIVERED", WarehouseID: 3}
		req := returnReq(10)
		req.DeliveryID = 2
		_, err := svc.Create(ctx, req)
		assert.ErrorIs(t, err, shared.ErrValidation)
	})
}

func TestService_Complete(t *testing.T) {
	ctx := actorCtx(7)
	svc, _, stock := newTestService()
	ro, err := svc.Create(ctx, returnReq(30))
	require.NoError(t, err)

	t.Run("restocks per product", func(t *testing.T) {
		got, err := svc.Complete(ctx, ro.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		require.Len(t, stock.increases, 1)
		assert.Equal(t, int64(3), stock.increases[0].WarehouseID)
		assert.Equal(t, int64(5), stock.increases[0].ProductID)
		assert.True(t, stock.increases[0].Qty.Equal(decimal.NewFromInt(30)))
	})

	t.Run("complete twice rejected", func(t *testing.T) {
		_, err := svc.Complete(ctx, ro.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Len(t, stock.increases, 1)
	})
}

func TestService_Complete_FailedRestockRollsBack(t *testing.T) {
	ctx := actorCtx(7)
	svc, _, stock := newTestService()
	ro, err := svc.Create(ctx, returnReq(30))
	require.NoError(t, err)

	stock.failErr = errors.New("balance row lock timeout")
	_, err = svc.Complete(ctx, ro.ID)
	require.Error(t, err)

	got, err := svc.Get(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status, "status flip and restock commit together")

	stock.failErr = nil
	completed, err := svc.Complete(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Len(t, stock.increases, 1)
}

func TestService_Cancel(t *testing.T) {
	ctx := actorCtx(7)
	svc, _, stock := newTestService()
	ro, err := svc.Create(ctx, returnReq(30))
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, stock.increases)

	_, err = svc.Complete(ctx, ro.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}
