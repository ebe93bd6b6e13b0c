package procurement

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
	requisitions map[int64]*Requisition
	rfqs         map[int64]*RFQ
	quotations   map[int64]*Quotation
	orders       map[int64]*PurchaseOrder
	receipts     map[int64]*GoodsReceipt
	nextID       int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		requisitions: make(map[int64]*Requisition),
		rfqs:         make(map[int64]*RFQ),
		quotations:   make(map[int64]*Quotation),
		orders:       make(map[int64]*PurchaseOrder),
		receipts:     make(map[int64]*GoodsReceipt),
		nextID:       1,
	}
}

func (m *mockRepository) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// WithTx snapshots the stored receipts and restores them when the callback
// fails, mirroring a rolled back transaction.
func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[int64]GoodsReceipt, len(m.receipts))
	for id, grn := range m.receipts {
		clone := *grn
		clone.Lines = append([]GoodsReceiptLine(nil), grn.Lines...)
		snapshot[id] = clone
	}
	if err := fn(ctx, m); err != nil {
		m.receipts = make(map[int64]*GoodsReceipt, len(snapshot))
		for id := range snapshot {
			clone := snapshot[id]
			m.receipts[id] = &clone
		}
		return err
	}
	return nil
}

func (m *mockRepository) GetRequisition(_ context.Context, id int64) (*Requisition, error) {
	pr, ok := m.requisitions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *pr
	clone.Lines = append([]RequisitionLine(nil), pr.Lines...)
	return &clone, nil
}

func (m *mockRepository) GetRFQ(_ context.Context, id int64) (*RFQ, error) {
	rfq, ok := m.rfqs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *rfq
	return &clone, nil
}

func (m *mockRepository) GetQuotation(_ context.Context, id int64) (*Quotation, error) {
	q, ok := m.quotations[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *q
	return &clone, nil
}

func (m *mockRepository) GetPurchaseOrder(_ context.Context, id int64) (*PurchaseOrder, error) {
	po, ok := m.orders[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *po
	clone.Lines = append([]PurchaseOrderLine(nil), po.Lines...)
	return &clone, nil
}

func (m *mockRepository) GetGoodsReceipt(_ context.Context, id int64) (*GoodsReceipt, error) {
	grn, ok := m.receipts[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *grn
	clone.Lines = append([]GoodsReceiptLine(nil), grn.Lines...)
	return &clone, nil
}

func (m *mockRepository) ApprovedReceivedQtyForOrderLine(_ context.Context, purchaseOrderLineID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, grn := range m.receipts {
		if grn.Status != GRNApproved {
			continue
		}
		for _, line := range grn.Lines {
			if line.PurchaseOrderLineID == purchaseOrderLineID {
				total = total.Add(line.ReceivedQty)
			}
		}
	}
	return total, nil
}

func (m *mockRepository) CreateRequisition(_ context.Context, pr Requisition) (int64, error) {
	pr.ID = m.id()
	m.requisitions[pr.ID] = &pr
	return pr.ID, nil
}

func (m *mockRepository) InsertRequisitionLine(_ context.Context, line RequisitionLine) (int64, error) {
	pr, ok := m.requisitions[line.RequisitionID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	line.ID = m.id()
	pr.Lines = append(pr.Lines, line)
	return line.ID, nil
}

func (m *mockRepository) UpdateRequisitionStatus(_ context.Context, id int64, status RequisitionStatus) error {
	pr, ok := m.requisitions[id]
	if !ok {
		return shared.ErrNotFound
	}
	pr.Status = status
	return nil
}

func (m *mockRepository) CreateRFQ(_ context.Context, rfq RFQ) (int64, error) {
	rfq.ID = m.id()
	m.rfqs[rfq.ID] = &rfq
	return rfq.ID, nil
}

func (m *mockRepository) UpdateRFQStatus(_ context.Context, id int64, status RFQStatus) error {
	rfq, ok := m.rfqs[id]
	if !ok {
		return shared.ErrNotFound
	}
	rfq.Status = status
	return nil
}

func (m *mockRepository) CreateQuotation(_ context.Context, q Quotation) (int64, error) {
	q.ID = m.id()
	m.quotations[q.ID] = &q
	return q.ID, nil
}

func (m *mockRepository) UpdateQuotationStatus(_ context.Context, id int64, status QuotationStatus) error {
	q, ok := m.quotations[id]
	if !ok {
		return shared.ErrNotFound
	}
	q.Status = status
	return nil
}

func (m *mockRepository) CreatePurchaseOrder(_ context.Context, po PurchaseOrder) (int64, error) {
	po.ID = m.id()
	m.orders[po.ID] = &po
	return po.ID, nil
}

func (m *mockRepository) InsertPurchaseOrderLine(_ context.Context, line PurchaseOrderLine) (int64, error) {
	po, ok := m.orders[line.PurchaseOrderID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	line.ID = m.id()
	po.Lines = append(po.Lines, line)
	return line.ID, nil
}

func (m *mockRepository) UpdatePurchaseOrderStatus(_ context.Context, id int64, status PurchaseOrderStatus) error {
	po, ok := m.orders[id]
	if !ok {
		return shared.ErrNotFound
	}
	po.Status = status
	return nil
}

func (m *mockRepository) CreateGoodsReceipt(_ context.Context, grn GoodsReceipt) (int64, error) {
	grn.ID = m.id()
	m.receipts[grn.ID] = &grn
	return grn.ID, nil
}

func (m *mockRepository) InsertGoodsReceiptLine(_ context.Context, line GoodsReceiptLine) (int64, error) {
	grn, ok := m.receipts[line.GoodsReceiptID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	line.ID = m.id()
	grn.Lines = append(grn.Lines, line)
	return line.ID, nil
}

func (m *mockRepository) UpdateGoodsReceiptStatus(_ context.Context, id int64, status ReceiptStatus, approvedBy *int64, approvedAt *time.Time) error {
	grn, ok := m.receipts[id]
	if !ok {
		return shared.ErrNotFound
	}
	if grn.Status != GRNPending {
		return fmt.Errorf("goods receipt %d is no longer PENDING: %w", id, shared.ErrInvalidTransition)
	}
	grn.Status = status
	grn.ApprovedBy = approvedBy
	grn.ApprovedAt = approvedAt
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
	svc := NewService(repo, stock, &mockNumbering{}, nil, nil)
	return svc, repo, stock
}

func actorCtx(id int64) context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: id, Role: shared.RoleStandard})
}

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// seedApprovedOrder creates and approves a PO for 100 units of product 5 at
// 2.50, delivered into warehouse 3. Returns the order with line IDs filled.
func seedApprovedOrder(t *testing.T, svc *Service, ctx context.Context) *PurchaseOrder {
	t.Helper()
	po, err := svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderRequest{
		VendorID:    11,
		WarehouseID: 3,
		Currency:    "USD",
		Lines: []CreatePurchaseOrderLineReq{
			{ProductID: 5, OrderedQty: qty(100), UnitPrice: decimal.NewFromFloat(2.50)},
		},
	})
	require.NoError(t, err)
	po, err = svc.ApprovePurchaseOrder(ctx, po.ID, "")
	require.NoError(t, err)
	full, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	return full
}

func TestService_RequisitionFlow(t *testing.T) {
	ctx := actorCtx(7)
	svc, _, _ := newTestService()

	pr, err := svc.CreateRequisition(ctx, CreateRequisitionRequest{
		Lines: []CreateRequisitionLineReq{{ProductID: 5, Qty: qty(100)}},
	})
	require.NoError(t, err)
	assert.Equal(t, PRDraft, pr.Status)
	assert.Equal(t, "PR-202603-00001", pr.Number)
	assert.Equal(t, int64(7), pr.RequestedBy)

	t.Run("rejects non-positive qty", func(t *testing.T) {
		_, err := svc.CreateRequisition(ctx, CreateRequisitionRequest{
			Lines: []CreateRequisitionLineReq{{ProductID: 5, Qty: qty(0)}},
		})
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	})

	t.Run("approve requires submit first", func(t *testing.T) {
		_, err := svc.DecideRequisition(ctx, pr.ID, true, "")
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})

	t.Run("submit then approve", func(t *testing.T) {
		got, err := svc.SubmitRequisition(ctx, pr.ID)
		require.NoError(t, err)
		assert.Equal(t, PRSubmitted, got.Status)

		got, err = svc.DecideRequisition(ctx, pr.ID, true, "budget ok")
		require.NoError(t, err)
		assert.Equal(t, PRApproved, got.Status)
	})

	t.Run("rejected requisition is terminal", func(t *testing.T) {
		other, err := svc.CreateRequisition(ctx, CreateRequisitionRequest{
			Lines: []CreateRequisitionLineReq{{ProductID: 6, Qty: qty(10)}},
		})
		require.NoError(t, err)
		_, err = svc.SubmitRequisition(ctx, other.ID)
		require.NoError(t, err)
		_, err = svc.DecideRequisition(ctx, other.ID, false, "no budget")
		require.NoError(t, err)
		_, err = svc.SubmitRequisition(ctx, other.ID)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})
}

func TestService_RFQAndQuotation(t *testing.T) {
	ctx := actorCtx(7)
	svc, _, _ := newTestService()

	pr, err := svc.CreateRequisition(ctx, CreateRequisitionRequest{
		Lines: []CreateRequisitionLineReq{{ProductID: 5, Qty: qty(100)}},
	})
	require.NoError(t, err)

	t.Run("rfq requires approved requisition", func(t *testing.T) {
		_, err := svc.CreateRFQ(ctx, CreateRFQRequest{RequisitionID: pr.ID})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "want APPROVED")
	})

	_, err = svc.SubmitRequisition(ctx, pr.ID)
	require.NoError(t, err)
	_, err = svc.DecideRequisition(ctx, pr.ID, true, "")
	require.NoError(t, err)

	rfq, err := svc.CreateRFQ(ctx, CreateRFQRequest{RequisitionID: pr.ID})
	require.NoError(t, err)
	assert.Equal(t, RFQDraft, rfq.Status)

	t.Run("quotation requires sent rfq", func(t *testing.T) {
		_, err := svc.CreateQuotation(ctx, CreateQuotationRequest{
			RFQID: rfq.ID, VendorID: 11, TotalAmount: decimal.NewFromInt(250),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "want SENT")
	})

	rfq, err = svc.SendRFQ(ctx, rfq.ID)
	require.NoError(t, err)
	assert.Equal(t, RFQSent, rfq.Status)

	q1, err := svc.CreateQuotation(ctx, CreateQuotationRequest{
		RFQID: rfq.ID, VendorID: 11, TotalAmount: decimal.NewFromInt(250),
	})
	require.NoError(t, err)
	q2, err := svc.CreateQuotation(ctx, CreateQuotationRequest{
		RFQID: rfq.ID, VendorID: 12, TotalAmount: decimal.NewFromInt(240),
	})
	require.NoError(t, err)

	t.Run("rejects non-positive total", func(t *testing.T) {
		_, err := svc.CreateQuotation(ctx, CreateQuotationRequest{
			RFQID: rfq.ID, VendorID: 13, TotalAmount: decimal.Zero,
		})
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("accepting one closes the rfq", func(t *testing.T) {
		_, err := svc.DecideQuotation(ctx, q1.ID, false)
		require.NoError(t, err)

		got, err := svc.DecideQuotation(ctx, q2.ID, true)
		require.NoError(t, err)
		assert.Equal(t, PQAccepted, got.Status)

		closed, err := svc.repo.GetRFQ(ctx, rfq.ID)
		require.NoError(t, err)
		assert.Equal(t, RFQClosed, closed.Status)
	})

	t.Run("decision is terminal", func(t *testing.T) {
		_, err := svc.DecideQuotation(ctx, q2.ID, false)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})
}

func TestService_CreatePurchaseOrder(t *testing.T) {
	ctx := actorCtx(7)

	t.Run("computes total from lines", func(t *testing.T) {
		svc, _, _ := newTestService()
		po, err := svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderRequest{
			VendorID:    11,
			WarehouseID: 3,
			Currency:    "USD",
			Lines: []CreatePurchaseOrderLineReq{
				{ProductID: 5, OrderedQty: qty(100), UnitPrice: decimal.NewFromFloat(2.50)},
				{ProductID: 6, OrderedQty: qty(4), UnitPrice: decimal.NewFromInt(10)},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, PODraft, po.Status)
		assert.True(t, po.TotalAmount.Equal(decimal.NewFromInt(290)), "got %s", po.TotalAmount)
		assert.Len(t, po.Lines, 2)
	})

	t.Run("from quotation requires accepted", func(t *testing.T) {
		svc, repo, _ := newTestService()
		repo.quotations[50] = &Quotation{ID: 50, Number: "PQ-1", Status: PQReceived}
		quotationID := int64(50)
		_, err := svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderRequest{
			QuotationID: &quotationID,
			VendorID:    11,
			WarehouseID: 3,
			Currency:    "USD",
			Lines: []CreatePurchaseOrderLineReq{
				{ProductID: 5, OrderedQty: qty(10), UnitPrice: decimal.NewFromInt(1)},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "want ACCEPTED")
	})

	t.Run("rejects non-positive qty", func(t *testing.T) {
		svc, _, _ := newTestService()
		_, err := svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderRequest{
			VendorID:    11,
			WarehouseID: 3,
			Currency:    "USD",
			Lines: []CreatePurchaseOrderLineReq{
				{ProductID: 5, OrderedQty: qty(-1), UnitPrice: decimal.NewFromInt(1)},
			},
		})
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	})
}

func TestService_CreateGoodsReceipt(t *testing.T) {
	ctx := actorCtx(7)

	t.Run("requires approved order", func(t *testing.T) {
		svc, _, _ := newTestService()
		po, err := svc.CreatePurchaseOrder(ctx, CreatePurchaseOrderRequest{
			VendorID:    11,
			WarehouseID: 3,
			Currency:    "USD",
			Lines: []CreatePurchaseOrderLineReq{
				{ProductID: 5, OrderedQty: qty(100), UnitPrice: decimal.NewFromInt(1)},
			},
		})
		require.NoError(t, err)
		full, err := svc.GetPurchaseOrder(ctx, po.ID)
		require.NoError(t, err)
		_, err = svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: full.Lines[0].ID, ReceivedQty: qty(10)},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "want APPROVED")
	})

	t.Run("received cannot exceed ordered", func(t *testing.T) {
		svc, _, _ := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		lineID := po.Lines[0].ID

		_, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(101)},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
		assert.Contains(t, err.Error(), "receiving 101 exceeds ordered 100")
		assert.Contains(t, err.Error(), "already received 0")
	})

	t.Run("duplicate lines aggregated before the bound", func(t *testing.T) {
		svc, _, _ := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		lineID := po.Lines[0].ID

		_, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(60)},
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(41)},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
	})

	t.Run("cumulative bound counts approved receipts", func(t *testing.T) {
		svc, _, _ := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		lineID := po.Lines[0].ID

		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(70)},
			},
		})
		require.NoError(t, err)
		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.NoError(t, err)

		_, err = svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(31)},
			},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrQuantityViolation)
		assert.Contains(t, err.Error(), "already received 70")

		_, err = svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(30)},
			},
		})
		require.NoError(t, err)
	})

	t.Run("rejects foreign order line", func(t *testing.T) {
		svc, _, _ := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		_, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: 9999, ReceivedQty: qty(10)},
			},
		})
		assert.ErrorIs(t, err, shared.ErrValidation)
	})
}

func TestService_ApproveGoodsReceipt(t *testing.T) {
	ctx := actorCtx(7)

	t.Run("books stock once per product", func(t *testing.T) {
		svc, _, stock := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		lineID := po.Lines[0].ID

		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(40)},
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(20)},
			},
		})
		require.NoError(t, err)
		assert.Empty(t, stock.increases, "creation must not touch stock")

		got, err := svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.NoError(t, err)
		assert.Equal(t, GRNApproved, got.Status)
		require.NotNil(t, got.ApprovedBy)
		assert.Equal(t, int64(7), *got.ApprovedBy)

		require.Len(t, stock.increases, 1, "two lines of one product post one movement")
		assert.Equal(t, int64(3), stock.increases[0].WarehouseID)
		assert.Equal(t, int64(5), stock.increases[0].ProductID)
		assert.True(t, stock.increases[0].Qty.Equal(qty(60)))
		assert.Equal(t, "goods_receipt", stock.increases[0].RefModule)
	})

	t.Run("approve twice rejected, stock untouched", func(t *testing.T) {
		svc, _, stock := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: po.Lines[0].ID, ReceivedQty: qty(40)},
			},
		})
		require.NoError(t, err)
		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.NoError(t, err)

		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Len(t, stock.increases, 1)
	})

	t.Run("full receipt closes the order", func(t *testing.T) {
		svc, repo, _ := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		lineID := po.Lines[0].ID

		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: lineID, ReceivedQty: qty(100)},
			},
		})
		require.NoError(t, err)
		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.NoError(t, err)

		assert.Equal(t, POClosed, repo.orders[po.ID].Status)
	})

	t.Run("partial receipt keeps the order open", func(t *testing.T) {
		svc, repo, _ := newTestService()
		po := seedApprovedOrder(t, svc, ctx)

		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: po.Lines[0].ID, ReceivedQty: qty(30)},
			},
		})
		require.NoError(t, err)
		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.NoError(t, err)

		assert.Equal(t, POApproved, repo.orders[po.ID].Status)
	})

	t.Run("failed stock posting rolls the approval back", func(t *testing.T) {
		svc, _, stock := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: po.Lines[0].ID, ReceivedQty: qty(40)},
			},
		})
		require.NoError(t, err)

		stock.failErr = errors.New("balance row lock timeout")
		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.Error(t, err)

		got, err := svc.GetGoodsReceipt(ctx, grn.ID)
		require.NoError(t, err)
		assert.Equal(t, GRNPending, got.Status, "status flip and stock posting commit together")
		assert.Nil(t, got.ApprovedBy)

		stock.failErr = nil
		approved, err := svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		require.NoError(t, err)
		assert.Equal(t, GRNApproved, approved.Status)
		assert.Len(t, stock.increases, 1)
	})

	t.Run("reject has no stock effect", func(t *testing.T) {
		svc, _, stock := newTestService()
		po := seedApprovedOrder(t, svc, ctx)
		grn, err := svc.CreateGoodsReceipt(ctx, CreateGoodsReceiptRequest{
			PurchaseOrderID: po.ID,
			Lines: []CreateGoodsReceiptLineReq{
				{PurchaseOrderLineID: po.Lines[0].ID, ReceivedQty: qty(40)},
			},
		})
		require.NoError(t, err)

		got, err := svc.RejectGoodsReceipt(ctx, grn.ID, "damaged")
		require.NoError(t, err)
		assert.Equal(t, GRNRejected, got.Status)
		assert.Empty(t, stock.increases)

		_, err = svc.ApproveGoodsReceipt(ctx, grn.ID, "")
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	})
}
