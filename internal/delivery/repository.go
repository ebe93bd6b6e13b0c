package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// OrderLineInfo resolves a sales order line to its parent and product.
type OrderLineInfo struct {
	SalesOrderID int64
	ProductID    int64
	OrderedQty   decimal.Decimal
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateDelivery(ctx context.Context, d Delivery) (int64, error)
	InsertDeliveryLine(ctx context.Context, line DeliveryLine) (int64, error)
	UpdateDelivery(ctx context.Context, id int64, updates map[string]interface{}) error
	DeleteDeliveryLines(ctx context.Context, deliveryID int64) error
	SetLineDeliveredQty(ctx context.Context, lineID int64, qty decimal.Decimal) error
	SoftDeleteDelivery(ctx context.Context, id int64) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	ReconcileStore
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, id int64) (*Delivery, error)
	SalesOrderStatus(ctx context.Context, salesOrderID int64) (string, string, error)
	GetOrderLineInfo(ctx context.Context, salesOrderLineID int64) (OrderLineInfo, error)
	OrderLineIDs(ctx context.Context, salesOrderID int64) ([]int64, error)
	HasApprovedGoodIssue(ctx context.Context, deliveryID int64) (bool, error)
	ApprovedIssueQtyByProduct(ctx context.Context, deliveryID int64) (map[int64]decimal.Decimal, error)
}

// Repository provides PostgreSQL backed persistence for deliveries. Reads of
// sales order and good issue state go straight against those tables; cross
// aggregate references stay by id.
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

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetDelivery retrieves a live delivery with its lines.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	query := `
		SELECT id, number, sales_order_id, warehouse_id, status, address,
		       scheduled_date, delivered_at, notes, created_by, created_at,
		       updated_at, deleted_at
		FROM deliveries
		WHERE id = $1 AND deleted_at IS NULL
	`
	var d Delivery
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Number, &d.SalesOrderID, &d.WarehouseID, &d.Status, &d.Address,
		&d.ScheduledDate, &d.DeliveredAt, &d.Notes, &d.CreatedBy, &d.CreatedAt,
		&d.UpdatedAt, &d.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}

	lineQuery := `
		SELECT id, delivery_id, sales_order_line_id, product_id, planned_qty,
		       delivered_qty, created_at, updated_at
		FROM delivery_lines
		WHERE delivery_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, lineQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line DeliveryLine
		err := rows.Scan(
			&line.ID, &line.DeliveryID, &line.SalesOrderLineID, &line.ProductID,
			&line.PlannedQty, &line.DeliveredQty, &line.CreatedAt, &line.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		d.Lines = append(d.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &d, nil
}

// SalesOrderStatus reads the referenced order's number and execution status.
func (r *Repository) SalesOrderStatus(ctx context.Context, salesOrderID int64) (string, string, error) {
	query := `SELECT number, status FROM sales_orders WHERE id = $1 AND deleted_at IS NULL`
	var number, status string
	err := r.pool.QueryRow(ctx, query, salesOrderID).Scan(&number, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("sales order %d: %w", salesOrderID, shared.ErrNotFound)
		}
		return "", "", err
	}
	return number, status, nil
}

// GetOrderLineInfo resolves a sales order line's parent, product and quantity.
func (r *Repository) GetOrderLineInfo(ctx context.Context, salesOrderLineID int64) (OrderLineInfo, error) {
	query := `
		SELECT l.sales_order_id, l.product_id, l.ordered_qty
		FROM sales_order_lines l
		JOIN sales_orders o ON o.id = l.sales_order_id
		WHERE l.id = $1 AND o.deleted_at IS NULL
	`
	var info OrderLineInfo
	err := r.pool.QueryRow(ctx, query, salesOrderLineID).Scan(&info.SalesOrderID, &info.ProductID, &info.OrderedQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderLineInfo{}, fmt.Errorf("sales order line %d: %w", salesOrderLineID, shared.ErrNotFound)
		}
		return OrderLineInfo{}, err
	}
	return info, nil
}

// OrderLineIDs lists line ids of one sales order.
func (r *Repository) OrderLineIDs(ctx context.Context, salesOrderID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY id`, salesOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OrderLineUsage implements ReconcileStore.
func (r *Repository) OrderLineUsage(ctx context.Context, salesOrderLineID int64) (decimal.Decimal, []LineUsage, error) {
	var ordered decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT ordered_qty FROM sales_order_lines WHERE id = $1`, salesOrderLineID).Scan(&ordered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil, fmt.Errorf("sales order line %d: %w", salesOrderLineID, shared.ErrNotFound)
		}
		return decimal.Zero, nil, err
	}

	query := `
		SELECT d.status, dl.planned_qty, dl.delivered_qty
		FROM delivery_lines dl
		JOIN deliveries d ON d.id = dl.delivery_id
		WHERE dl.sales_order_line_id = $1 AND d.deleted_at IS NULL
	`
	rows, err := r.pool.Query(ctx, query, salesOrderLineID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer rows.Close()
	var usages []LineUsage
	for rows.Next() {
		var u LineUsage
		if err := rows.Scan(&u.DeliveryStatus, &u.PlannedQty, &u.DeliveredQty); err != nil {
			return decimal.Zero, nil, err
		}
		usages = append(usages, u)
	}
	return ordered, usages, rows.Err()
}

// DeliveryLineReturnUsage implements ReconcileStore.
func (r *Repository) DeliveryLineReturnUsage(ctx context.Context, deliveryLineID int64) (decimal.Decimal, decimal.Decimal, error) {
	var delivered decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT delivered_qty FROM delivery_lines WHERE id = $1`, deliveryLineID).Scan(&delivered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("delivery line %d: %w", deliveryLineID, shared.ErrNotFound)
		}
		return decimal.Zero, decimal.Zero, err
	}

	query := `
		SELECT COALESCE(SUM(rl.returned_qty), 0)
		FROM return_order_lines rl
		JOIN return_orders ro ON ro.id = rl.return_order_id
		WHERE rl.delivery_line_id = $1
		  AND ro.status IN ('APPROVED', 'COMPLETED')
		  AND ro.deleted_at IS NULL
	`
	var returned decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, deliveryLineID).Scan(&returned); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return delivered, returned, nil
}

// HasApprovedGoodIssue reports whether an approved good issue exists for the
// delivery.
func (r *Repository) HasApprovedGoodIssue(ctx context.Context, deliveryID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM good_issues WHERE delivery_id = $1 AND status = 'APPROVED')`
	var exists bool
	err := r.pool.QueryRow(ctx, query, deliveryID).Scan(&exists)
	return exists, err
}

// ApprovedIssueQtyByProduct aggregates approved good issue quantities per
// product for the delivery.
func (r *Repository) ApprovedIssueQtyByProduct(ctx context.Context, deliveryID int64) (map[int64]decimal.Decimal, error) {
	query := `
		SELECT dl.product_id, SUM(gil.issued_qty)
		FROM good_issue_lines gil
		JOIN good_issues gi ON gi.id = gil.good_issue_id
		JOIN delivery_lines dl ON dl.id = gil.delivery_line_id
		WHERE gi.delivery_id = $1 AND gi.status = 'APPROVED'
		GROUP BY dl.product_id
	`
	rows, err := r.pool.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	issued := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var productID int64
		var qty decimal.Decimal
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		issued[productID] = qty
	}
	return issued, rows.Err()
}

func (t *txRepo) CreateDelivery(ctx context.Context, d Delivery) (int64, error) {
	query := `
		INSERT INTO deliveries (
			number, sales_order_id, warehouse_id, status, address,
			scheduled_date, notes, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		d.Number, d.SalesOrderID, d.WarehouseID, d.Status, d.Address,
		d.ScheduledDate, d.Notes, d.CreatedBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("delivery number %s: %w", d.Number, shared.ErrDuplicateNumber)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) InsertDeliveryLine(ctx context.Context, line DeliveryLine) (int64, error) {
	query := `
		INSERT INTO delivery_lines (
			delivery_id, sales_order_line_id, product_id, planned_qty, delivered_qty
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		line.DeliveryID, line.SalesOrderLineID, line.ProductID, line.PlannedQty, line.DeliveredQty,
	).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateDelivery(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	var setClauses []string
	var args []interface{}
	argPos := 1
	for field, value := range updates {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", field, argPos))
		args = append(args, value)
		argPos++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now())
	argPos++
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE deliveries
		SET %s
		WHERE id = $%d AND deleted_at IS NULL
	`, strings.Join(setClauses, ", "), argPos)

	cmdTag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteDeliveryLines(ctx context.Context, deliveryID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM delivery_lines WHERE delivery_id = $1`, deliveryID)
	return err
}

func (t *txRepo) SetLineDeliveredQty(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	query := `UPDATE delivery_lines SET delivered_qty = $1, updated_at = $2 WHERE id = $3`
	cmdTag, err := t.tx.Exec(ctx, query, qty, time.Now(), lineID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) SoftDeleteDelivery(ctx context.Context, id int64) error {
	query := `UPDATE deliveries SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`
	cmdTag, err := t.tx.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
