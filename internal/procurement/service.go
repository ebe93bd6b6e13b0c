package procurement

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

// StockPort posts received goods into the warehouse.
type StockPort interface {
	Increase(ctx context.Context, input inventory.MovementInput) (inventory.Balance, error)
}

// ApprovalPort records approval history entries.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Service owns the purchase chain lifecycle.
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

// withNumber issues a document number, retrying the given persist func on
// unique-constraint collisions.
func (s *Service) withNumber(ctx context.Context, prefix string, persist func(number string) error) error {
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, prefix)
		if err != nil {
			return err
		}
		err = persist(number)
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("document number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		return err
	}
	return fmt.Errorf("exhausted %d number attempts: %w", sequence.MaxAttempts, shared.ErrDuplicateNumber)
}

// CreateRequisition opens a draft requisition.
func (s *Service) CreateRequisition(ctx context.Context, req CreateRequisitionRequest) (*Requisition, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create requisition: %v: %w", err, shared.ErrValidation)
	}
	for i, lr := range req.Lines {
		if lr.Qty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("line %d: qty must be positive, got %s: %w", i+1, lr.Qty, shared.ErrQuantityViolation)
		}
	}
	var pr Requisition
	err = s.withNumber(ctx, sequence.PrefixRequisition, func(number string) error {
		pr = Requisition{Number: number, RequestedBy: actor.ID, Status: PRDraft, Notes: req.Notes}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateRequisition(ctx, pr)
			if err != nil {
				return err
			}
			pr.ID = id
			for _, lr := range req.Lines {
				line := RequisitionLine{RequisitionID: id, ProductID: lr.ProductID, Qty: lr.Qty}
				lineID, err := tx.InsertRequisitionLine(ctx, line)
				if err != nil {
					return err
				}
				line.ID = lineID
				pr.Lines = append(pr.Lines, line)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// SubmitRequisition queues a draft for approval.
func (s *Service) SubmitRequisition(ctx context.Context, id int64) (*Requisition, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	pr, err := s.repo.GetRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := pr.Transition(PRSubmitted); err != nil {
		return nil, err
	}
	if err := s.persistRequisitionStatus(ctx, pr); err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, "purchase_requisition", pr.ID, shared.ApprovalSubmit, "")
	return pr, nil
}

// DecideRequisition approves or rejects a submitted requisition.
func (s *Service) DecideRequisition(ctx context.Context, id int64, approve bool, note string) (*Requisition, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	pr, err := s.repo.GetRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	target := PRApproved
	action := shared.ApprovalApprove
	if !approve {
		target = PRRejected
		action = shared.ApprovalReject
	}
	if err := pr.Transition(target); err != nil {
		return nil, err
	}
	if err := s.persistRequisitionStatus(ctx, pr); err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, "purchase_requisition", pr.ID, action, note)
	return pr, nil
}

func (s *Service) persistRequisitionStatus(ctx context.Context, pr *Requisition) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRequisitionStatus(ctx, pr.ID, pr.Status)
	})
}

// CreateRFQ opens a request for quotation for an approved requisition.
func (s *Service) CreateRFQ(ctx context.Context, req CreateRFQRequest) (*RFQ, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create rfq: %v: %w", err, shared.ErrValidation)
	}
	pr, err := s.repo.GetRequisition(ctx, req.RequisitionID)
	if err != nil {
		return nil, err
	}
	if pr.Status != PRApproved {
		return nil, fmt.Errorf("requisition %s is %s, want APPROVED: %w", pr.Number, pr.Status, shared.ErrInvalidTransition)
	}
	var rfq RFQ
	err = s.withNumber(ctx, sequence.PrefixRFQ, func(number string) error {
		rfq = RFQ{Number: number, RequisitionID: pr.ID, Status: RFQDraft, DueDate: req.DueDate, CreatedBy: actor.ID}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateRFQ(ctx, rfq)
			rfq.ID = id
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &rfq, nil
}

// SendRFQ publishes the RFQ to vendors.
func (s *Service) SendRFQ(ctx context.Context, id int64) (*RFQ, error) {
	return s.transitionRFQ(ctx, id, RFQSent)
}

// CloseRFQ ends the quoting window.
func (s *Service) CloseRFQ(ctx context.Context, id int64) (*RFQ, error) {
	return s.transitionRFQ(ctx, id, RFQClosed)
}

func (s *Service) transitionRFQ(ctx context.Context, id int64, to RFQStatus) (*RFQ, error) {
	if _, err := shared.RequireActor(ctx); err != nil {
		return nil, err
	}
	rfq, err := s.repo.GetRFQ(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rfq.Transition(to); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRFQStatus(ctx, rfq.ID, rfq.Status)
	})
	if err != nil {
		return nil, err
	}
	return rfq, nil
}

// CreateQuotation registers a vendor answer to a sent RFQ.
func (s *Service) CreateQuotation(ctx context.Context, req CreateQuotationRequest) (*Quotation, error) {
	if _, err := shared.RequireActor(ctx); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create quotation: %v: %w", err, shared.ErrValidation)
	}
	if req.TotalAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quotation total must be positive, got %s: %w", req.TotalAmount, shared.ErrValidation)
	}
	rfq, err := s.repo.GetRFQ(ctx, req.RFQID)
	if err != nil {
		return nil, err
	}
	if rfq.Status != RFQSent {
		return nil, fmt.Errorf("rfq %s is %s, want SENT: %w", rfq.Number, rfq.Status, shared.ErrInvalidTransition)
	}
	var q Quotation
	err = s.withNumber(ctx, sequence.PrefixQuotation, func(number string) error {
		q = Quotation{Number: number, RFQID: rfq.ID, VendorID: req.VendorID, Status: PQReceived, TotalAmount: req.TotalAmount}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateQuotation(ctx, q)
			q.ID = id
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// DecideQuotation accepts or rejects a received quotation.
func (s *Service) DecideQuotation(ctx context.Context, id int64, accept bool) (*Quotation, error) {
	if _, err := shared.RequireActor(ctx); err != nil {
		return nil, err
	}
	q, err := s.repo.GetQuotation(ctx, id)
	if err != nil {
		return nil, err
	}
	target := PQAccepted
	if !accept {
		target = PQRejected
	}
	if err := q.Transition(target); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateQuotationStatus(ctx, q.ID, q.Status)
	})
	if err != nil {
		return nil, err
	}
	if accept {
		s.closeRFQAfterAward(ctx, q.RFQID)
	}
	return q, nil
}

// closeRFQAfterAward ends the quoting window once a quotation wins.
func (s *Service) closeRFQAfterAward(ctx context.Context, rfqID int64) {
	rfq, err := s.repo.GetRFQ(ctx, rfqID)
	if err != nil {
		s.logger.Error("close rfq after award", slog.Int64("rfq_id", rfqID), slog.Any("error", err))
		return
	}
	if rfq.Status != RFQSent {
		return
	}
	if err := rfq.Transition(RFQClosed); err != nil {
		return
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRFQStatus(ctx, rfq.ID, rfq.Status)
	})
	if err != nil {
		s.logger.Error("close rfq after award", slog.Int64("rfq_id", rfqID), slog.Any("error", err))
	}
}

// CreatePurchaseOrder commits a purchase, standalone or from an accepted
// quotation.
func (s *Service) CreatePurchaseOrder(ctx context.Context, req CreatePurchaseOrderRequest) (*PurchaseOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create purchase order: %v: %w", err, shared.ErrValidation)
	}
	if req.QuotationID != nil {
		q, err := s.repo.GetQuotation(ctx, *req.QuotationID)
		if err != nil {
			return nil, err
		}
		if q.Status != PQAccepted {
			return nil, fmt.Errorf("quotation %s is %s, want ACCEPTED: %w", q.Number, q.Status, shared.ErrInvalidTransition)
		}
	}
	total := decimal.Zero
	for i, lr := range req.Lines {
		if lr.OrderedQty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("line %d: ordered qty must be positive, got %s: %w", i+1, lr.OrderedQty, shared.ErrQuantityViolation)
		}
		if lr.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("line %d: negative unit price: %w", i+1, shared.ErrValidation)
		}
		total = total.Add(lr.OrderedQty.Mul(lr.UnitPrice))
	}
	var po PurchaseOrder
	err = s.withNumber(ctx, sequence.PrefixPurchaseOrder, func(number string) error {
		po = PurchaseOrder{
			Number:      number,
			QuotationID: req.QuotationID,
			VendorID:    req.VendorID,
			WarehouseID: req.WarehouseID,
			Status:      PODraft,
			Currency:    req.Currency,
			TotalAmount: total,
			CreatedBy:   actor.ID,
		}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreatePurchaseOrder(ctx, po)
			if err != nil {
				return err
			}
			po.ID = id
			for _, lr := range req.Lines {
				line := PurchaseOrderLine{PurchaseOrderID: id, ProductID: lr.ProductID, OrderedQty: lr.OrderedQty, UnitPrice: lr.UnitPrice}
				lineID, err := tx.InsertPurchaseOrderLine(ctx, line)
				if err != nil {
					return err
				}
				line.ID = lineID
				po.Lines = append(po.Lines, line)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &po, nil
}

// ApprovePurchaseOrder releases the order to the vendor.
func (s *Service) ApprovePurchaseOrder(ctx context.Context, id int64, note string) (*PurchaseOrder, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	po, err := s.repo.GetPurchaseOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := po.Transition(POApproved); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePurchaseOrderStatus(ctx, po.ID, po.Status)
	})
	if err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, "purchase_order", po.ID, shared.ApprovalApprove, note)
	return po, nil
}

// CancelPurchaseOrder aborts a draft or approved order.
func (s *Service) CancelPurchaseOrder(ctx context.Context, id int64) (*PurchaseOrder, error) {
	if _, err := shared.RequireActor(ctx); err != nil {
		return nil, err
	}
	po, err := s.repo.GetPurchaseOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := po.Transition(POCancelled); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePurchaseOrderStatus(ctx, po.ID, po.Status)
	})
	if err != nil {
		return nil, err
	}
	return po, nil
}

// CreateGoodsReceipt records arrived goods against an approved purchase
// order. Cumulative received quantity per order line never exceeds ordered.
func (s *Service) CreateGoodsReceipt(ctx context.Context, req CreateGoodsReceiptRequest) (*GoodsReceipt, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create goods receipt: %v: %w", err, shared.ErrValidation)
	}
	po, err := s.repo.GetPurchaseOrder(ctx, req.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	if po.Status != POApproved {
		return nil, fmt.Errorf("purchase order %s is %s, want APPROVED: %w", po.Number, po.Status, shared.ErrInvalidTransition)
	}

	poLines := make(map[int64]PurchaseOrderLine, len(po.Lines))
	for _, line := range po.Lines {
		poLines[line.ID] = line
	}
	requested := make(map[int64]decimal.Decimal, len(req.Lines))
	for i, lr := range req.Lines {
		if lr.ReceivedQty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("line %d: received qty must be positive, got %s: %w", i+1, lr.ReceivedQty, shared.ErrQuantityViolation)
		}
		if _, ok := poLines[lr.PurchaseOrderLineID]; !ok {
			return nil, fmt.Errorf("purchase order line %d does not belong to order %s: %w",
				lr.PurchaseOrderLineID, po.Number, shared.ErrValidation)
		}
		requested[lr.PurchaseOrderLineID] = requested[lr.PurchaseOrderLineID].Add(lr.ReceivedQty)
	}
	for lineID, qty := range requested {
		received, err := s.repo.ApprovedReceivedQtyForOrderLine(ctx, lineID)
		if err != nil {
			return nil, err
		}
		ordered := poLines[lineID].OrderedQty
		if received.Add(qty).GreaterThan(ordered) {
			return nil, fmt.Errorf(
				"order line %d: receiving %s exceeds ordered %s (already received %s): %w",
				lineID, qty, ordered, received, shared.ErrQuantityViolation)
		}
	}

	var grn GoodsReceipt
	err = s.withNumber(ctx, sequence.PrefixGoodsReceipt, func(number string) error {
		grn = GoodsReceipt{
			Number:          number,
			PurchaseOrderID: po.ID,
			WarehouseID:     po.WarehouseID,
			Status:          GRNPending,
			CreatedBy:       actor.ID,
		}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateGoodsReceipt(ctx, grn)
			if err != nil {
				return err
			}
			grn.ID = id
			for _, lr := range req.Lines {
				line := GoodsReceiptLine{
					GoodsReceiptID:      id,
					PurchaseOrderLineID: lr.PurchaseOrderLineID,
					ProductID:           poLines[lr.PurchaseOrderLineID].ProductID,
					ReceivedQty:         lr.ReceivedQty,
				}
				lineID, err := tx.InsertGoodsReceiptLine(ctx, line)
				if err != nil {
					return err
				}
				line.ID = lineID
				grn.Lines = append(grn.Lines, line)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &grn, nil
}

// ApproveGoodsReceipt books the goods into stock, one increase per product,
// and closes the purchase order once everything ordered has arrived.
func (s *Service) ApproveGoodsReceipt(ctx context.Context, id int64, note string) (*GoodsReceipt, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	grn, err := s.repo.GetGoodsReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := grn.Transition(GRNApproved); err != nil {
		return nil, err
	}
	perProduct := make(map[int64]decimal.Decimal, len(grn.Lines))
	for _, line := range grn.Lines {
		perProduct[line.ProductID] = perProduct[line.ProductID].Add(line.ReceivedQty)
	}
	productIDs := make([]int64, 0, len(perProduct))
	for productID := range perProduct {
		productIDs = append(productIDs, productID)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	now := time.Now().UTC()
	grn.ApprovedBy = &actor.ID
	grn.ApprovedAt = &now
	// Status flip and stock postings share one transaction; the conditional
	// PENDING update makes a concurrent double approval roll back whole.
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateGoodsReceiptStatus(ctx, grn.ID, GRNApproved, &actor.ID, &now); err != nil {
			return err
		}
		for _, productID := range productIDs {
			_, err := s.stock.Increase(ctx, inventory.MovementInput{
				WarehouseID: grn.WarehouseID,
				ProductID:   productID,
				Qty:         perProduct[productID],
				RefModule:   "goods_receipt",
				Note:        grn.Number,
				ActorID:     actor.ID,
			})
			if err != nil {
				return fmt.Errorf("goods receipt %s: restock product %d: %w", grn.Number, productID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, "goods_receipt", grn.ID, shared.ApprovalApprove, note)
	s.closePurchaseOrderIfComplete(ctx, grn.PurchaseOrderID)
	return grn, nil
}

// RejectGoodsReceipt closes a pending receipt with no stock effect.
func (s *Service) RejectGoodsReceipt(ctx context.Context, id int64, note string) (*GoodsReceipt, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	grn, err := s.repo.GetGoodsReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := grn.Transition(GRNRejected); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateGoodsReceiptStatus(ctx, grn.ID, GRNRejected, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	s.recordApproval(ctx, actor.ID, "goods_receipt", grn.ID, shared.ApprovalReject, note)
	return grn, nil
}

func (s *Service) closePurchaseOrderIfComplete(ctx context.Context, purchaseOrderID int64) {
	po, err := s.repo.GetPurchaseOrder(ctx, purchaseOrderID)
	if err != nil {
		s.logger.Error("check purchase order completion", slog.Int64("purchase_order_id", purchaseOrderID), slog.Any("error", err))
		return
	}
	for _, line := range po.Lines {
		received, err := s.repo.ApprovedReceivedQtyForOrderLine(ctx, line.ID)
		if err != nil {
			s.logger.Error("check purchase order completion", slog.Int64("purchase_order_id", purchaseOrderID), slog.Any("error", err))
			return
		}
		if received.LessThan(line.OrderedQty) {
			return
		}
	}
	if err := po.Transition(POClosed); err != nil {
		return
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePurchaseOrderStatus(ctx, po.ID, po.Status)
	})
	if err != nil {
		s.logger.Error("close purchase order", slog.Int64("purchase_order_id", purchaseOrderID), slog.Any("error", err))
	}
}

// Getters used by the HTTP layer.

func (s *Service) GetRequisition(ctx context.Context, id int64) (*Requisition, error) {
	return s.repo.GetRequisition(ctx, id)
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (*PurchaseOrder, error) {
	return s.repo.GetPurchaseOrder(ctx, id)
}

func (s *Service) GetGoodsReceipt(ctx context.Context, id int64) (*GoodsReceipt, error) {
	return s.repo.GetGoodsReceipt(ctx, id)
}

func (s *Service) recordApproval(ctx context.Context, actorID int64, module string, refID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   refID,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      time.Now().UTC(),
	}); err != nil {
		s.logger.Error("record approval", slog.String("module", module), slog.Any("error", err))
	}
}
