package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

type orderLine struct {
	salesOrderID int64
	productID    int64
	orderedQty   decimal.Decimal
}

type mockRepository struct {
	deliveries  map[int64]*Delivery
	orderLines  map[int64]orderLine
	orderStatus map[int64]string
	approvedGI  map[int64]map[int64]decimal.Decimal
	returns     map[int64]decimal.Decimal
	nextID      int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		deliveries:  make(map[int64]*Delivery),
		orderLines:  make(map[int64]orderLine),
		orderStatus: make(map[int64]string),
		approvedGI:  make(map[int64]map[int64]decimal.Decimal),
		returns:     make(map[int64]decimal.Decimal),
		nextID:      1,
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) GetDelivery(_ context.Context, id int64) (*Delivery, error) {
	dl, ok := m.deliveries[id]
	if !ok || dl.DeletedAt != nil {
		return nil, shared.ErrNotFound
	}
	clone := *dl
	clone.Lines = append([]DeliveryLine(nil), dl.Lines...)
	return &clone, nil
}

func (m *mockRepository) SalesOrderStatus(_ context.Context, salesOrderID int64) (string, string, error) {
	status, ok := m.orderStatus[salesOrderID]
	if !ok {
		return "", "", shared.ErrNotFound
	}
	return fmt.Sprintf("SO-%d", salesOrderID), status, nil
}

func (m *mockRepository) GetOrderLineInfo(_ context.Context, id int64) (OrderLineInfo, error) {
	ol, ok := m.orderLines[id]
	if !ok {
		return OrderLineInfo{}, shared.ErrNotFound
	}
	return OrderLineInfo{SalesOrderID: ol.salesOrderID, ProductID: ol.productID, OrderedQty: ol.orderedQty}, nil
}

func (m *mockRepository) OrderLineIDs(_ context.Context, salesOrderID int64) ([]int64, error) {
	var ids []int64
	for id, ol := range m.orderLines {
		if ol.salesOrderID == salesOrderID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockRepository) OrderLineUsage(_ context.Context, salesOrderLineID int64) (decimal.Decimal, []LineUsage, error) {
	ol, ok := m.orderLines[salesOrderLineID]
	if !ok {
		return decimal.Zero, nil, shared.ErrNotFound
	}
	var usages []LineUsage
	for _, dl := range m.deliveries {
		if dl.DeletedAt != nil {
			continue
		}
		for _, line := range dl.Lines {
			if line.SalesOrderLineID == salesOrderLineID {
				usages = append(usages, LineUsage{
					DeliveryStatus: dl.Status,
					PlannedQty:     line.PlannedQty,
					DeliveredQty:   line.DeliveredQty,
				})
			}
		}
	}
	return ol.orderedQty, usages, nil
}

func (m *mockRepository) DeliveryLineReturnUsage(_ context.Context, deliveryLineID int64) (decimal.Decimal, decimal.Decimal, error) {
	for _, dl := range m.deliveries {
		for _, line := range dl.Lines {
			if line.ID == deliveryLineID {
				return line.DeliveredQty, m.returns[deliveryLineID], nil
			}
		}
	}
	return decimal.Zero, decimal.Zero, shared.ErrNotFound
}

func (m *mockRepository) HasApprovedGoodIssue(_ context.Context, deliveryID int64) (bool, error) {
	return len(m.approvedGI[deliveryID]) > 0, nil
}

func (m *mockRepository) ApprovedIssueQtyByProduct(_ context.Context, deliveryID int64) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal, len(m.approvedGI[deliveryID]))
	for productID, qty := range m.approvedGI[deliveryID] {
		out[productID] = qty
	}
	return out, nil
}

func (m *mockRepository) CreateDelivery(_ context.Context, dl Delivery) (int64, error) {
	dl.ID = m.nextID
	m.nextID++
	m.deliveries[dl.ID] = &dl
	return dl.ID, nil
}

func (m *mockRepository) InsertDeliveryLine(_ context.Context, line DeliveryLine) (int64, error) {
	dl, ok := m.deliveries[line.DeliveryID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	line.ID = m.nextID
	m.nextID++
	dl.Lines = append(dl.Lines, line)
	return line.ID, nil
}

func (m *mockRepository) UpdateDelivery(_ context.Context, id int64, updates map[string]interface{}) error {
	dl, ok := m.deliveries[id]
	if !ok || dl.DeletedAt != nil {
		return shared.ErrNotFound
	}
	for field, value := range updates {
		switch field {
		case "status":
			dl.Status = value.(DeliveryStatus)
		case "address":
			dl.Address = value.(string)
		case "warehouse_id":
			dl.WarehouseID = value.(int64)
		case "scheduled_date":
			dl.ScheduledDate = value.(time.Time)
		case "delivered_at":
			v := value.(time.Time)
			dl.DeliveredAt = &v
		case "notes":
			v := value.(string)
			dl.Notes = &v
		}
	}
	return nil
}

func (m *mockRepository) DeleteDeliveryLines(_ context.Context, deliveryID int64) error {
	if dl, ok := m.deliveries[deliveryID]; ok {
		dl.Lines = nil
	}
	return nil
}

func (m *mockRepository) SoftDeleteDelivery(_ context.Context, id int64) error {
	dl, ok := m.deliveries[id]
	if !ok || dl.DeletedAt != nil {
		return shared.ErrNotFound
	}
	now := time.Now()
	dl.DeletedAt = &now
	return nil
}

func (m *mockRepository) SetLineDeliveredQty(_ context.Context, lineID int64, qty decimal.Decimal) error {
	for _, dl := range m.deliveries {
		for i := range dl.Lines {
			if dl.Lines[i].ID == lineID {
				dl.Lines[i].DeliveredQty = qty
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

type mockNumbering struct{ counter int }

func (m *mockNumbering) Next(_ context.Context, prefix string) (string, error) {
	m.counter++
	return fmt.Sprintf("%s-202603-%05d", prefix, m.counter), nil
}

type mockCloser struct{ fulfilled []int64 }

func (m *mockCloser) MarkFulfilled(_ context.Context, salesOrderID int64) error {
	m.fulfilled = append(m.fulfilled, salesOrderID)
	return nil
}

func newTestService() (*Service, *mockRepository, *mockCloser) {
	repo := newMockRepository()
	closer := &mockCloser{}
	svc := NewService(repo, &mockNumbering{}, closer, nil, nil)
	// Sales order 1, approved, one line of 100 units of product 5.
	repo.orderStatus[1] = "APPROVED"
	repo.orderLines[10] = orderLine{salesOrderID: 1, productID: 5, orderedQty: d(100)}
	return svc, repo, closer
}

func actorCtx(id int64, role shared.Role) context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: id, Role: role})
}

func createReq(plannedQty int64) CreateDeliveryRequest {
	return CreateDeliveryRequest{
		SalesOrderID:  1,
		WarehouseID:   3,
		Address:       "12 Quay St",
		ScheduledDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Lines: []CreateDeliveryLineReq{
			{SalesOrderLineID: 10, PlannedQty: d(plannedQty)},
		},
	}
}

func TestService_Create_QuantityConservation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := actorCtx(7, shared.RoleStandard)

	first, err := svc.Create(ctx, createReq(60))
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, first.Status)
	assert.Equal(t, "DL-202603-00001", first.Number)

	remaining, err := svc.Reconciler().RemainingDeliverableQty(ctx, 10)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(d(40)))

	_, err = svc.Create(ctx, createReq(40))
	require.NoError(t, err)

	_, err = svc.Create(ctx, createReq(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	assert.Contains(t, err.Error(), "ordered 100")
}

func TestService_Create_Preconditions(t *testing.T) {
	ctx := actorCtx(7, shared.RoleStandard)

	t.Run("requires approved sales order", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.orderStatus[1] = "DRAFT"
		_, err := svc.Create(ctx, createReq(10))
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})

	t.Run("rejects foreign order line", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.orderStatus[2] = "APPROVED"
		req := createReq(10)
		req.SalesOrderID = 2
		_, err := svc.Create(ctx, req)
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("aggregates duplicate line claims", func(t *testing.T) {
		svc, _, _ := newTestService()
		req := createReq(60)
		req.Lines = append(req.Lines, CreateDeliveryLineReq{SalesOrderLineID: 10, PlannedQty: d(41)})
		_, err := svc.Create(ctx, req)
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	})

	t.Run("rejects non-positive planned qty", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.Create(ctx, createReq(0))
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	})

	t.Run("requires actor", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.Create(context.Background(), createReq(10))
		assert.ErrorIs(t, err, shared.ErrUnauthorized)
	})
}

func TestService_ShipRequiresApprovedIssue(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := actorCtx(7, shared.RoleStandard)

	dl, err := svc.Create(ctx, createReq(60))
	require.NoError(t, err)
	_, err = svc.Pick(ctx, dl.ID)
	require.NoError(t, err)

	_, err = svc.Ship(ctx, dl.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "no approved good issue")

	repo.approvedGI[dl.ID] = map[int64]decimal.Decimal{5: d(60)}
	shipped, err := svc.Ship(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, shipped.Status)
}

func TestService_MarkDelivered(t *testing.T) {
	svc, repo, closer := newTestService()
	ctx := actorCtx(7, shared.RoleStandard)

	dl, err := svc.Create(ctx, createReq(60))
	require.NoError(t, err)
	_, err = svc.Pick(ctx, dl.ID)
	require.NoError(t, err)
	repo.approvedGI[dl.ID] = map[int64]decimal.Decimal{5: d(50)}
	_, err = svc.Ship(ctx, dl.ID)
	require.NoError(t, err)

	t.Run("delivered qty comes from the approved issue", func(t *testing.T) {
		got, err := svc.MarkDelivered(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, got.Status)
		require.NotNil(t, got.DeliveredAt)
		require.Len(t, got.Lines, 1)
		assert.True(t, got.Lines[0].DeliveredQty.Equal(d(50)))
	})

	t.Run("partial delivery reopens the gap", func(t *testing.T) {
		remaining, err := svc.Reconciler().RemainingDeliverableQty(ctx, 10)
		require.NoError(t, err)
		assert.True(t, remaining.Equal(d(50)))
		assert.Empty(t, closer.fulfilled)
	})

	t.Run("deliver twice rejected", func(t *testing.T) {
		_, err := svc.MarkDelivered(ctx, dl.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})
}

func TestService_AutoFulfilOrder(t *testing.T) {
	svc, repo, closer := newTestService()
	ctx := actorCtx(7, shared.RoleStandard)

	dl, err := svc.Create(ctx, createReq(100))
	require.NoError(t, err)
	_, err = svc.Pick(ctx, dl.ID)
	require.NoError(t, err)
	repo.approvedGI[dl.ID] = map[int64]decimal.Decimal{5: d(100)}
	_, err = svc.Ship(ctx, dl.ID)
	require.NoError(t, err)
	_, err = svc.MarkDelivered(ctx, dl.ID)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, closer.fulfilled)
}

func TestService_UpdateGating(t *testing.T) {
	stdCtx := actorCtx(7, shared.RoleStandard)
	supCtx := actorCtx(8, shared.RoleSupervisor)
	addr := "9 Dock Rd"

	t.Run("draft allows everything", func(t *testing.T) {
		svc, _, _ := newTestService()
		dl, err := svc.Create(stdCtx, createReq(60))
		require.NoError(t, err)
		newLines := []CreateDeliveryLineReq{{SalesOrderLineID: 10, PlannedQty: d(80)}}
		got, err := svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Address: &addr, Lines: &newLines})
		require.NoError(t, err)
		assert.Equal(t, addr, got.Address)
		assert.True(t, got.Lines[0].PlannedQty.Equal(d(80)))
	})

	t.Run("picked freezes items but not routing", func(t *testing.T) {
		svc, _, _ := newTestService()
		dl, err := svc.Create(stdCtx, createReq(60))
		require.NoError(t, err)
		_, err = svc.Pick(stdCtx, dl.ID)
		require.NoError(t, err)

		newLines := []CreateDeliveryLineReq{{SalesOrderLineID: 10, PlannedQty: d(30)}}
		_, err = svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Lines: &newLines})
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)

		_, err = svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Address: &addr})
		assert.NoError(t, err)
	})

	t.Run("shipped freezes routing", func(t *testing.T) {
		svc, repo, _ := newTestService()
		dl, err := svc.Create(stdCtx, createReq(60))
		require.NoError(t, err)
		_, err = svc.Pick(stdCtx, dl.ID)
		require.NoError(t, err)
		repo.approvedGI[dl.ID] = map[int64]decimal.Decimal{5: d(60)}
		_, err = svc.Ship(stdCtx, dl.ID)
		require.NoError(t, err)

		_, err = svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Address: &addr})
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)

		note := "left at gate"
		_, err = svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Notes: &note})
		assert.NoError(t, err)
	})

	t.Run("delivered admits only supervisors", func(t *testing.T) {
		svc, repo, _ := newTestService()
		dl, err := svc.Create(stdCtx, createReq(60))
		require.NoError(t, err)
		_, err = svc.Pick(stdCtx, dl.ID)
		require.NoError(t, err)
		repo.approvedGI[dl.ID] = map[int64]decimal.Decimal{5: d(60)}
		_, err = svc.Ship(stdCtx, dl.ID)
		require.NoError(t, err)
		_, err = svc.MarkDelivered(stdCtx, dl.ID)
		require.NoError(t, err)

		note := "correction"
		_, err = svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Notes: &note})
		assert.ErrorIs(t, err, shared.ErrUnauthorized)

		_, err = svc.Update(supCtx, dl.ID, UpdateDeliveryRequest{Notes: &note})
		assert.NoError(t, err)
	})

	t.Run("supervisor line edit keeps delivered quantity", func(t *testing.T) {
		svc, repo, _ := newTestService()
		dl, err := svc.Create(stdCtx, createReq(60))
		require.NoError(t, err)
		_, err = svc.Pick(stdCtx, dl.ID)
		require.NoError(t, err)
		repo.approvedGI[dl.ID] = map[int64]decimal.Decimal{5: d(60)}
		_, err = svc.Ship(stdCtx, dl.ID)
		require.NoError(t, err)
		_, err = svc.MarkDelivered(stdCtx, dl.ID)
		require.NoError(t, err)

		newLines := []CreateDeliveryLineReq{{SalesOrderLineID: 10, PlannedQty: d(70)}}
		got, err := svc.Update(supCtx, dl.ID, UpdateDeliveryRequest{Lines: &newLines})
		require.NoError(t, err)
		require.Len(t, got.Lines, 1)
		assert.True(t, got.Lines[0].PlannedQty.Equal(d(70)))
		assert.True(t, got.Lines[0].DeliveredQty.Equal(d(60)),
			"delivered qty reallocates from the approved good issue")

		stored, err := svc.Get(supCtx, dl.ID)
		require.NoError(t, err)
		require.Len(t, stored.Lines, 1)
		assert.True(t, stored.Lines[0].DeliveredQty.Equal(d(60)))
	})

	t.Run("own claim excluded when revalidating lines", func(t *testing.T) {
		svc, _, _ := newTestService()
		dl, err := svc.Create(stdCtx, createReq(100))
		require.NoError(t, err)
		// Remaining is zero, but replacing the 100 plan with 90 must pass.
		newLines := []CreateDeliveryLineReq{{SalesOrderLineID: 10, PlannedQty: d(90)}}
		got, err := svc.Update(stdCtx, dl.ID, UpdateDeliveryRequest{Lines: &newLines})
		require.NoError(t, err)
		assert.True(t, got.Lines[0].PlannedQty.Equal(d(90)))
	})
}

func TestService_Delete(t *testing.T) {
	ctx := actorCtx(7, shared.RoleStandard)

	t.Run("draft deletable", func(t *testing.T) {
		svc, _, _ := newTestService()
		dl, err := svc.Create(ctx, createReq(60))
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, dl.ID))
		_, err = svc.Get(ctx, dl.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("picked not deletable", func(t *testing.T) {
		svc, _, _ := newTestService()
		dl, err := svc.Create(ctx, createReq(60))
		require.NoError(t, err)
		_, err = svc.Pick(ctx, dl.ID)
		require.NoError(t, err)
		err = svc.Delete(ctx, dl.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})
}
