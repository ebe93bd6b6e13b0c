package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

type pairKey struct {
	warehouseID int64
	productID   int64
}

type mockRepository struct {
	balances  map[pairKey]Balance
	movements []Movement
	nextID    int64

	// beforeSeed runs when GetBalanceForUpdate misses, before the zero row
	// is seeded. Tests use it to slip in a competing first write.
	beforeSeed func()
}

func newMockRepository() *mockRepository {
	return &mockRepository{balances: make(map[pairKey]Balance), nextID: 1}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) GetBalance(_ context.Context, warehouseID, productID int64) (Balance, error) {
	b, ok := m.balances[pairKey{warehouseID, productID}]
	if !ok {
		return Balance{WarehouseID: warehouseID, ProductID: productID, Qty: decimal.Zero}, nil
	}
	return b, nil
}

func (m *mockRepository) ListMovements(_ context.Context, warehouseID, productID int64, limit int) ([]Movement, error) {
	var out []Movement
	for _, mv := range m.movements {
		if mv.WarehouseID == warehouseID && mv.ProductID == productID {
			out = append(out, mv)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetBalanceForUpdate seeds a missing pair at zero before returning it,
// matching the repository contract.
func (m *mockRepository) GetBalanceForUpdate(_ context.Context, warehouseID, productID int64) (Balance, error) {
	key := pairKey{warehouseID, productID}
	if _, ok := m.balances[key]; !ok {
		if m.beforeSeed != nil {
			m.beforeSeed()
		}
		if _, ok := m.balances[key]; !ok {
			m.balances[key] = Balance{WarehouseID: warehouseID, ProductID: productID, Qty: decimal.Zero}
		}
	}
	return m.balances[key], nil
}

func (m *mockRepository) UpsertBalance(_ context.Context, balance Balance) error {
	m.balances[pairKey{balance.WarehouseID, balance.ProductID}] = balance
	return nil
}

func (m *mockRepository) InsertMovement(_ context.Context, movement Movement) (int64, error) {
	movement.ID = m.nextID
	m.nextID++
	if movement.PostedAt.IsZero() {
		movement.PostedAt = time.Now()
	}
	m.movements = append(m.movements, movement)
	return movement.ID, nil
}

func newTestService() (*Service, *mockRepository) {
	repo := newMockRepository()
	return NewService(repo, nil, ServiceConfig{}), repo
}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestService_Increase(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	t.Run("creates balance lazily", func(t *testing.T) {
		balance, err := svc.Increase(ctx, MovementInput{WarehouseID: 1, ProductID: 7, Qty: qty(100), ActorID: 1})
		require.NoError(t, err)
		assert.True(t, balance.Qty.Equal(qty(100)))
		assert.Len(t, repo.movements, 1)
		assert.Equal(t, MovementIn, repo.movements[0].Type)
	})

	t.Run("accumulates", func(t *testing.T) {
		balance, err := svc.Increase(ctx, MovementInput{WarehouseID: 1, ProductID: 7, Qty: qty(25), ActorID: 1})
		require.NoError(t, err)
		assert.True(t, balance.Qty.Equal(qty(125)))
	})

	t.Run("rejects non-positive qty", func(t *testing.T) {
		_, err := svc.Increase(ctx, MovementInput{WarehouseID: 1, ProductID: 7, Qty: decimal.Zero, ActorID: 1})
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("rejects missing pair", func(t *testing.T) {
		_, err := svc.Increase(ctx, MovementInput{ProductID: 7, Qty: qty(1), ActorID: 1})
		assert.ErrorIs(t, err, shared.ErrValidation)
	})
}

func TestService_Decrease(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Increase(ctx, MovementInput{WarehouseID: 2, ProductID: 9, Qty: qty(60), ActorID: 1})
	require.NoError(t, err)

	t.Run("reduces balance", func(t *testing.T) {
		balance, err := svc.Decrease(ctx, MovementInput{WarehouseID: 2, ProductID: 9, Qty: qty(40), ActorID: 1})
		require.NoError(t, err)
		assert.True(t, balance.Qty.Equal(qty(20)))
	})

	t.Run("insufficient stock reports have and need", func(t *testing.T) {
		_, err := svc.Decrease(ctx, MovementInput{WarehouseID: 2, ProductID: 9, Qty: qty(21), ActorID: 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInsufficientStock)
		assert.Contains(t, err.Error(), "has 20")
		assert.Contains(t, err.Error(), "need 21")
	})

	t.Run("exact drain to zero allowed", func(t *testing.T) {
		balance, err := svc.Decrease(ctx, MovementInput{WarehouseID: 2, ProductID: 9, Qty: qty(20), ActorID: 1})
		require.NoError(t, err)
		assert.True(t, balance.Qty.IsZero())
	})

	t.Run("decrease on unknown pair fails", func(t *testing.T) {
		_, err := svc.Decrease(ctx, MovementInput{WarehouseID: 99, ProductID: 99, Qty: qty(1), ActorID: 1})
		assert.ErrorIs(t, err, shared.ErrInsufficientStock)
	})
}

func TestService_AllowNegativeStock(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, ServiceConfig{AllowNegativeStock: true})
	ctx := context.Background()

	balance, err := svc.Decrease(ctx, MovementInput{WarehouseID: 3, ProductID: 1, Qty: qty(5), ActorID: 1})
	require.NoError(t, err)
	assert.True(t, balance.Qty.Equal(qty(-5)))
}

func TestService_QuantityOf(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	t.Run("unknown pair is zero", func(t *testing.T) {
		onHand, err := svc.QuantityOf(ctx, 5, 5)
		require.NoError(t, err)
		assert.True(t, onHand.IsZero())
	})

	t.Run("tracks increases", func(t *testing.T) {
		_, err := svc.Increase(ctx, MovementInput{WarehouseID: 5, ProductID: 5, Qty: qty(12), ActorID: 1})
		require.NoError(t, err)
		onHand, err := svc.QuantityOf(ctx, 5, 5)
		require.NoError(t, err)
		assert.True(t, onHand.Equal(qty(12)))
	})
}

func TestService_FirstTouchDoesNotClobberCompetingWrite(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	// A competing movement commits the pair's first row between our miss and
	// our seed. The seed leaves it alone and the increase stacks on top.
	repo.beforeSeed = func() {
		repo.balances[pairKey{4, 8}] = Balance{WarehouseID: 4, ProductID: 8, Qty: qty(30)}
	}
	balance, err := svc.Increase(ctx, MovementInput{WarehouseID: 4, ProductID: 8, Qty: qty(10), ActorID: 1})
	require.NoError(t, err)
	assert.True(t, balance.Qty.Equal(qty(40)))
}

func TestService_InvalidRefID(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Increase(context.Background(), MovementInput{
		WarehouseID: 1, ProductID: 1, Qty: qty(1), RefID: "not-a-uuid", ActorID: 1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrValidation))
}
