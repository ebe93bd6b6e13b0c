// Package procurement owns the purchase document chain: requisition, request
// for quotation, quotation, purchase order and goods receipt. Receipt approval
// is the inbound mirror of the good issue: it is the single trigger that
// increments warehouse stock.
package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// RequisitionStatus is the purchase requisition state.
type RequisitionStatus string

const (
	PRDraft     RequisitionStatus = "DRAFT"
	PRSubmitted RequisitionStatus = "SUBMITTED"
	PRApproved  RequisitionStatus = "APPROVED"
	PRRejected  RequisitionStatus = "REJECTED"
	PRCancelled RequisitionStatus = "CANCELLED"
)

var prTransitions = map[RequisitionStatus][]RequisitionStatus{
	PRDraft:     {PRSubmitted, PRCancelled},
	PRSubmitted: {PRApproved, PRRejected, PRCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s RequisitionStatus) CanTransition(to RequisitionStatus) bool {
	for _, next := range prTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// RFQStatus is the request-for-quotation state.
type RFQStatus string

const (
	RFQDraft     RFQStatus = "DRAFT"
	RFQSent      RFQStatus = "SENT"
	RFQClosed    RFQStatus = "CLOSED"
	RFQCancelled RFQStatus = "CANCELLED"
)

var rfqTransitions = map[RFQStatus][]RFQStatus{
	RFQDraft: {RFQSent, RFQCancelled},
	RFQSent:  {RFQClosed, RFQCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s RFQStatus) CanTransition(to RFQStatus) bool {
	for _, next := range rfqTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// QuotationStatus is the vendor quotation state.
type QuotationStatus string

const (
	PQReceived QuotationStatus = "RECEIVED"
	PQAccepted QuotationStatus = "ACCEPTED"
	PQRejected QuotationStatus = "REJECTED"
)

var pqTransitions = map[QuotationStatus][]QuotationStatus{
	PQReceived: {PQAccepted, PQRejected},
}

// CanTransition reports whether the move is present in the transition table.
func (s QuotationStatus) CanTransition(to QuotationStatus) bool {
	for _, next := range pqTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PurchaseOrderStatus is the purchase order state.
type PurchaseOrderStatus string

const (
	PODraft     PurchaseOrderStatus = "DRAFT"
	POApproved  PurchaseOrderStatus = "APPROVED"
	POClosed    PurchaseOrderStatus = "CLOSED"
	POCancelled PurchaseOrderStatus = "CANCELLED"
)

var poTransitions = map[PurchaseOrderStatus][]PurchaseOrderStatus{
	PODraft:    {POApproved, POCancelled},
	POApproved: {POClosed, POCancelled},
}

// CanTransition reports whether the move is present in the transition table.
func (s PurchaseOrderStatus) CanTransition(to PurchaseOrderStatus) bool {
	for _, next := range poTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ReceiptStatus is the goods receipt state.
type ReceiptStatus string

const (
	GRNPending  ReceiptStatus = "PENDING"
	GRNApproved ReceiptStatus = "APPROVED"
	GRNRejected ReceiptStatus = "REJECTED"
)

var grnTransitions = map[ReceiptStatus][]ReceiptStatus{
	GRNPending: {GRNApproved, GRNRejected},
}

// CanTransition reports whether the move is present in the transition table.
func (s ReceiptStatus) CanTransition(to ReceiptStatus) bool {
	for _, next := range grnTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Requisition asks for goods to be purchased.
type Requisition struct {
	ID          int64             `json:"id" db:"id"`
	Number      string            `json:"number" db:"number"`
	RequestedBy int64             `json:"requested_by" db:"requested_by"`
	Status      RequisitionStatus `json:"status" db:"status"`
	Notes       *string           `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
	Lines       []RequisitionLine `json:"lines,omitempty" db:"-"`
}

// RequisitionLine is one requested product quantity.
type RequisitionLine struct {
	ID            int64           `json:"id" db:"id"`
	RequisitionID int64           `json:"requisition_id" db:"requisition_id"`
	ProductID     int64           `json:"product_id" db:"product_id"`
	Qty           decimal.Decimal `json:"qty" db:"qty"`
}

// RFQ invites vendors to quote against an approved requisition.
type RFQ struct {
	ID            int64      `json:"id" db:"id"`
	Number        string     `json:"number" db:"number"`
	RequisitionID int64      `json:"requisition_id" db:"requisition_id"`
	Status        RFQStatus  `json:"status" db:"status"`
	DueDate       *time.Time `json:"due_date,omitempty" db:"due_date"`
	CreatedBy     int64      `json:"created_by" db:"created_by"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Quotation is a vendor's priced answer to an RFQ.
type Quotation struct {
	ID          int64           `json:"id" db:"id"`
	Number      string          `json:"number" db:"number"`
	RFQID       int64           `json:"rfq_id" db:"rfq_id"`
	VendorID    int64           `json:"vendor_id" db:"vendor_id"`
	Status      QuotationStatus `json:"status" db:"status"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// PurchaseOrder commits to buying from a vendor.
type PurchaseOrder struct {
	ID          int64               `json:"id" db:"id"`
	Number      string              `json:"number" db:"number"`
	QuotationID *int64              `json:"quotation_id,omitempty" db:"quotation_id"`
	VendorID    int64               `json:"vendor_id" db:"vendor_id"`
	WarehouseID int64               `json:"warehouse_id" db:"warehouse_id"`
	Status      PurchaseOrderStatus `json:"status" db:"status"`
	Currency    string              `json:"currency" db:"currency"`
	TotalAmount decimal.Decimal     `json:"total_amount" db:"total_amount"`
	CreatedBy   int64               `json:"created_by" db:"created_by"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" db:"updated_at"`
	Lines       []PurchaseOrderLine `json:"lines,omitempty" db:"-"`
}

// PurchaseOrderLine is one product entry with an ordered quantity.
type PurchaseOrderLine struct {
	ID              int64           `json:"id" db:"id"`
	PurchaseOrderID int64           `json:"purchase_order_id" db:"purchase_order_id"`
	ProductID       int64           `json:"product_id" db:"product_id"`
	OrderedQty      decimal.Decimal `json:"ordered_qty" db:"ordered_qty"`
	UnitPrice       decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// GoodsReceipt records goods arriving against a purchase order.
type GoodsReceipt struct {
	ID              int64              `json:"id" db:"id"`
	Number          string             `json:"number" db:"number"`
	PurchaseOrderID int64              `json:"purchase_order_id" db:"purchase_order_id"`
	WarehouseID     int64              `json:"warehouse_id" db:"warehouse_id"`
	Status          ReceiptStatus      `json:"status" db:"status"`
	CreatedBy       int64              `json:"created_by" db:"created_by"`
	ApprovedBy      *int64             `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt      *time.Time         `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
	Lines           []GoodsReceiptLine `json:"lines,omitempty" db:"-"`
}

// GoodsReceiptLine receives a quantity against one purchase order line.
type GoodsReceiptLine struct {
	ID                  int64           `json:"id" db:"id"`
	GoodsReceiptID      int64           `json:"goods_receipt_id" db:"goods_receipt_id"`
	PurchaseOrderLineID int64           `json:"purchase_order_line_id" db:"purchase_order_line_id"`
	ProductID           int64           `json:"product_id" db:"product_id"`
	ReceivedQty         decimal.Decimal `json:"received_qty" db:"received_qty"`
}

func (p *Requisition) Transition(to RequisitionStatus) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("requisition %s cannot move %s -> %s: %w", p.Number, p.Status, to, shared.ErrInvalidTransition)
	}
	p.Status = to
	return nil
}

func (r *RFQ) Transition(to RFQStatus) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("rfq %s cannot move %s -> %s: %w", r.Number, r.Status, to, shared.ErrInvalidTransition)
	}
	r.Status = to
	return nil
}

func (q *Quotation) Transition(to QuotationStatus) error {
	if !q.Status.CanTransition(to) {
		return fmt.Errorf("quotation %s cannot move %s -> %s: %w", q.Number, q.Status, to, shared.ErrInvalidTransition)
	}
	q.Status = to
	return nil
}

func (p *PurchaseOrder) Transition(to PurchaseOrderStatus) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("purchase order %s cannot move %s -> %s: %w", p.Number, p.Status, to, shared.ErrInvalidTransition)
	}
	p.Status = to
	return nil
}

func (g *GoodsReceipt) Transition(to ReceiptStatus) error {
	if !g.Status.CanTransition(to) {
		return fmt.Errorf("goods receipt %s cannot move %s -> %s: %w", g.Number, g.Status, to, shared.ErrInvalidTransition)
	}
	g.Status = to
	return nil
}

// CreateRequisitionRequest opens a draft requisition.
type CreateRequisitionRequest struct {
	Notes *string                    `json:"notes,omitempty"`
	Lines []CreateRequisitionLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreateRequisitionLineReq requests one product quantity.
type CreateRequisitionLineReq struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
}

// CreateRFQRequest opens an RFQ for an approved requisition.
type CreateRFQRequest struct {
	RequisitionID int64      `json:"requisition_id" validate:"required,gt=0"`
	DueDate       *time.Time `json:"due_date,omitempty"`
}

// CreateQuotationRequest registers a vendor quotation on a sent RFQ.
type CreateQuotationRequest struct {
	RFQID       int64           `json:"rfq_id" validate:"required,gt=0"`
	VendorID    int64           `json:"vendor_id" validate:"required,gt=0"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// CreatePurchaseOrderRequest commits a purchase, optionally from an accepted
// quotation.
type CreatePurchaseOrderRequest struct {
	QuotationID *int64                       `json:"quotation_id,omitempty"`
	VendorID    int64                        `json:"vendor_id" validate:"required,gt=0"`
	WarehouseID int64                        `json:"warehouse_id" validate:"required,gt=0"`
	Currency    string                       `json:"currency" validate:"required,len=3"`
	Lines       []CreatePurchaseOrderLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreatePurchaseOrderLineReq is one ordered product entry.
type CreatePurchaseOrderLineReq struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	OrderedQty decimal.Decimal `json:"ordered_qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// CreateGoodsReceiptRequest records an arrival against a purchase order.
type CreateGoodsReceiptRequest struct {
	PurchaseOrderID int64                       `json:"purchase_order_id" validate:"required,gt=0"`
	Lines           []CreateGoodsReceiptLineReq `json:"lines" validate:"required,min=1,dive"`
}

// CreateGoodsReceiptLineReq receives a quantity for one order line.
type CreateGoodsReceiptLineReq struct {
	PurchaseOrderLineID int64           `json:"purchase_order_line_id" validate:"required,gt=0"`
	ReceivedQty         decimal.Decimal `json:"received_qty"`
}
