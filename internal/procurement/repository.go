package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/platform/db"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateRequisition(ctx context.Context, pr Requisition) (int64, error)
	InsertRequisitionLine(ctx context.Context, line RequisitionLine) (int64, error)
	UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus) error

	CreateRFQ(ctx context.Context, rfq RFQ) (int64, error)
	UpdateRFQStatus(ctx context.Context, id int64, status RFQStatus) error

	CreateQuotation(ctx context.Context, q Quotation) (int64, error)
	UpdateQuotationStatus(ctx context.Context, id int64, status QuotationStatus) error

	CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPurchaseOrderLine(ctx context.Context, line PurchaseOrderLine) (int64, error)
	UpdatePurchaseOrderStatus(ctx context.Context, id int64, status PurchaseOrderStatus) error

	CreateGoodsReceipt(ctx context.Context, grn GoodsReceipt) (int64, error)
	InsertGoodsReceiptLine(ctx context.Context, line GoodsReceiptLine) (int64, error)
	UpdateGoodsReceiptStatus(ctx context.Context, id int64, status ReceiptStatus, approvedBy *int64, approvedAt *time.Time) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequisition(ctx context.Context, id int64) (*Requisition, error)
	GetRFQ(ctx context.Context, id int64) (*RFQ, error)
	GetQuotation(ctx context.Context, id int64) (*Quotation, error)
	GetPurchaseOrder(ctx context.Context, id int64) (*PurchaseOrder, error)
	GetGoodsReceipt(ctx context.Context, id int64) (*GoodsReceipt, error)
	// ApprovedReceivedQtyForOrderLine sums received quantities over approved
	// receipts for one purchase order line.
	ApprovedReceivedQtyForOrderLine(ctx context.Context, purchaseOrderLineID int64) (decimal.Decimal, error)
}

// Repository provides PostgreSQL backed persistence for the purchase chain.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction. The transaction
// rides on the context so stock writes made through other packages join it.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(db.ContextWithTx(ctx, tx), wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func duplicateNumber(err error, number string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("document number %s: %w", number, shared.ErrDuplicateNumber)
	}
	return err
}

// GetRequisition retrieves a requisition with its lines.
func (r *Repository) GetRequisition(ctx context.Context, id int64) (*Requisition, error) {
	var pr Requisition
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, requested_by, status, notes, created_at, updated_at
		FROM purchase_requisitions WHERE id = $1
	`, id).Scan(&pr.ID, &pr.Number, &pr.RequestedBy, &pr.Status, &pr.Notes, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, requisition_id, product_id, qty
		FROM purchase_requisition_lines WHERE requisition_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line RequisitionLine
		if err := rows.Scan(&line.ID, &line.RequisitionID, &line.ProductID, &line.Qty); err != nil {
			return nil, err
		}
		pr.Lines = append(pr.Lines, line)
	}
	return &pr, rows.Err()
}

// GetRFQ retrieves one RFQ.
func (r *Repository) GetRFQ(ctx context.Context, id int64) (*RFQ, error) {
	var rfq RFQ
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, requisition_id, status, due_date, created_by, created_at, updated_at
		FROM rfqs WHERE id = $1
	`, id).Scan(&rfq.ID, &rfq.Number, &rfq.RequisitionID, &rfq.Status, &rfq.DueDate, &rfq.CreatedBy, &rfq.CreatedAt, &rfq.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &rfq, nil
}

// GetQuotation retrieves one quotation.
func (r *Repository) GetQuotation(ctx context.Context, id int64) (*Quotation, error) {
	var q Quotation
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, rfq_id, vendor_id, status, total_amount, created_at, updated_at
		FROM purchase_quotations WHERE id = $1
	`, id).Scan(&q.ID, &q.Number, &q.RFQID, &q.VendorID, &q.Status, &q.TotalAmount, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// GetPurchaseOrder retrieves a purchase order with its lines.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id int64) (*PurchaseOrder, error) {
	var po PurchaseOrder
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, quotation_id, vendor_id, warehouse_id, status, currency,
		       total_amount, created_by, created_at, updated_at
		FROM purchase_orders WHERE id = $1
	`, id).Scan(&po.ID, &po.Number, &po.QuotationID, &po.VendorID, &po.WarehouseID, &po.Status,
		&po.Currency, &po.TotalAmount, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, purchase_order_id, product_id, ordered_qty, unit_price
		FROM purchase_order_lines WHERE purchase_order_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line PurchaseOrderLine
		if err := rows.Scan(&line.ID, &line.PurchaseOrderID, &line.ProductID, &line.OrderedQty, &line.UnitPrice); err != nil {
			return nil, err
		}
		po.Lines = append(po.Lines, line)
	}
	return &po, rows.Err()
}

// GetGoodsReceipt retrieves a receipt with its lines.
func (r *Repository) GetGoodsReceipt(ctx context.Context, id int64) (*GoodsReceipt, error) {
	var grn GoodsReceipt
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, purchase_order_id, warehouse_id, status, created_by,
		       approved_by, approved_at, created_at, updated_at
		FROM goods_receipts WHERE id = $1
	`, id).Scan(&grn.ID, &grn.Number, &grn.PurchaseOrderID, &grn.WarehouseID, &grn.Status,
		&grn.CreatedBy, &grn.ApprovedBy, &grn.ApprovedAt, &grn.CreatedAt, &grn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, goods_receipt_id, purchase_order_line_id, product_id, received_qty
		FROM goods_receipt_lines WHERE goods_receipt_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line GoodsReceiptLine
		if err := rows.Scan(&line.ID, &line.GoodsReceiptID, &line.PurchaseOrderLineID, &line.ProductID, &line.ReceivedQty); err != nil {
			return nil, err
		}
		grn.Lines = append(grn.Lines, line)
	}
	return &grn, rows.Err()
}

// ApprovedReceivedQtyForOrderLine sums received quantities over approved
// receipts for one purchase order line.
func (r *Repository) ApprovedReceivedQtyForOrderLine(ctx context.Context, purchaseOrderLineID int64) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(grl.received_qty), 0)
		FROM goods_receipt_lines grl
		JOIN goods_receipts grn ON grn.id = grl.goods_receipt_id
		WHERE grl.purchase_order_line_id = $1 AND grn.status = 'APPROVED'
	`
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, query, purchaseOrderLineID).Scan(&total)
	return total, err
}

func (t *txRepo) CreateRequisition(ctx context.Context, pr Requisition) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_requisitions (number, requested_by, status, notes)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, pr.Number, pr.RequestedBy, pr.Status, pr.Notes).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, pr.Number)
	}
	return id, nil
}

func (t *txRepo) InsertRequisitionLine(ctx context.Context, line RequisitionLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_requisition_lines (requisition_id, product_id, qty)
		VALUES ($1, $2, $3) RETURNING id
	`, line.RequisitionID, line.ProductID, line.Qty).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus) error {
	return t.updateStatus(ctx, "purchase_requisitions", id, string(status))
}

func (t *txRepo) CreateRFQ(ctx context.Context, rfq RFQ) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO rfqs (number, requisition_id, status, due_date, created_by)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, rfq.Number, rfq.RequisitionID, rfq.Status, rfq.DueDate, rfq.CreatedBy).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, rfq.Number)
	}
	return id, nil
}

func (t *txRepo) UpdateRFQStatus(ctx context.Context, id int64, status RFQStatus) error {
	return t.updateStatus(ctx, "rfqs", id, string(status))
}

func (t *txRepo) CreateQuotation(ctx context.Context, q Quotation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_quotations (number, rfq_id, vendor_id, status, total_amount)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, q.Number, q.RFQID, q.VendorID, q.Status, q.TotalAmount).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, q.Number)
	}
	return id, nil
}

func (t *txRepo) UpdateQuotationStatus(ctx context.Context, id int64, status QuotationStatus) error {
	return t.updateStatus(ctx, "purchase_quotations", id, string(status))
}

func (t *txRepo) CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_orders (number, quotation_id, vendor_id, warehouse_id, status, currency, total_amount, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
	`, po.Number, po.QuotationID, po.VendorID, po.WarehouseID, po.Status, po.Currency, po.TotalAmount, po.CreatedBy).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, po.Number)
	}
	return id, nil
}

func (t *txRepo) InsertPurchaseOrderLine(ctx context.Context, line PurchaseOrderLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_order_lines (purchase_order_id, product_id, ordered_qty, unit_price)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, line.PurchaseOrderID, line.ProductID, line.OrderedQty, line.UnitPrice).Scan(&id)
	return id, err
}

func (t *txRepo) UpdatePurchaseOrderStatus(ctx context.Context, id int64, status PurchaseOrderStatus) error {
	return t.updateStatus(ctx, "purchase_orders", id, string(status))
}

func (t *txRepo) CreateGoodsReceipt(ctx context.Context, grn GoodsReceipt) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO goods_receipts (number, purchase_order_id, warehouse_id, status, created_by)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, grn.Number, grn.PurchaseOrderID, grn.WarehouseID, grn.Status, grn.CreatedBy).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, grn.Number)
	}
	return id, nil
}

func (t *txRepo) InsertGoodsReceiptLine(ctx context.Context, line GoodsReceiptLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO goods_receipt_lines (goods_receipt_id, purchase_order_line_id, product_id, received_qty)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, line.GoodsReceiptID, line.PurchaseOrderLineID, line.ProductID, line.ReceivedQty).Scan(&id)
	return id, err
}

// UpdateGoodsReceiptStatus flips a pending receipt. Conditional on PENDING so
// a concurrent double approval loses and rolls back its stock postings.
func (t *txRepo) UpdateGoodsReceiptStatus(ctx context.Context, id int64, status ReceiptStatus, approvedBy *int64, approvedAt *time.Time) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE goods_receipts
		SET status = $1, approved_by = $2, approved_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'PENDING'
	`, status, approvedBy, approvedAt, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("goods receipt %d is no longer PENDING: %w", id, shared.ErrInvalidTransition)
	}
	return nil
}

func (t *txRepo) updateStatus(ctx context.Context, table string, id int64, status string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3`, table)
	cmdTag, err := t.tx.Exec(ctx, query, status, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
