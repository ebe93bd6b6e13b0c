package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateSalesOrder(ctx context.Context, so SalesOrder) (int64, error)
	InsertSalesOrderLine(ctx context.Context, line SalesOrderLine) (int64, error)
	UpdateSalesOrder(ctx context.Context, id int64, updates map[string]interface{}) error
	DeleteSalesOrderLines(ctx context.Context, salesOrderID int64) error
	SoftDeleteSalesOrder(ctx context.Context, id int64) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSalesOrder(ctx context.Context, id int64) (*SalesOrder, error)
	GetSalesOrderByNumber(ctx context.Context, number string) (*SalesOrder, error)
	ListSalesOrders(ctx context.Context, filter ListFilter) ([]SalesOrder, error)
	CountActiveDeliveries(ctx context.Context, salesOrderID int64) (int, error)
	CountInvoices(ctx context.Context, salesOrderID int64) (int, error)
}

// ListFilter narrows and pages sales order listings.
type ListFilter struct {
	Status     *SalesOrderStatus
	CustomerID *int64
	Limit      int
	Offset     int
}

// Repository provides PostgreSQL backed persistence for sales orders.
// Soft deletion is enforced here: every read filters deleted_at IS NULL so no
// call site can forget the tombstone check.
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

const salesOrderColumns = `
	id, number, customer_id, order_date, status, approval_status, currency,
	subtotal, tax_amount, total_amount, notes, created_by, approved_by,
	approved_at, created_at, updated_at, deleted_at
`

func scanSalesOrder(row pgx.Row) (*SalesOrder, error) {
	var so SalesOrder
	err := row.Scan(
		&so.ID, &so.Number, &so.CustomerID, &so.OrderDate, &so.Status,
		&so.ApprovalStatus, &so.Currency, &so.Subtotal, &so.TaxAmount,
		&so.TotalAmount, &so.Notes, &so.CreatedBy, &so.ApprovedBy,
		&so.ApprovedAt, &so.CreatedAt, &so.UpdatedAt, &so.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &so, nil
}

// GetSalesOrder retrieves a live sales order with its lines.
func (r *Repository) GetSalesOrder(ctx context.Context, id int64) (*SalesOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM sales_orders WHERE id = $1 AND deleted_at IS NULL`, salesOrderColumns)
	so, err := scanSalesOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	lines, err := r.getSalesOrderLines(ctx, id)
	if err != nil {
		return nil, err
	}
	so.Lines = lines
	return so, nil
}

// GetSalesOrderByNumber retrieves a live sales order by document number.
func (r *Repository) GetSalesOrderByNumber(ctx context.Context, number string) (*SalesOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM sales_orders WHERE number = $1 AND deleted_at IS NULL`, salesOrderColumns)
	so, err := scanSalesOrder(r.pool.QueryRow(ctx, query, number))
	if err != nil {
		return nil, err
	}
	lines, err := r.getSalesOrderLines(ctx, so.ID)
	if err != nil {
		return nil, err
	}
	so.Lines = lines
	return so, nil
}

func (r *Repository) getSalesOrderLines(ctx context.Context, salesOrderID int64) ([]SalesOrderLine, error) {
	query := `
		SELECT id, sales_order_id, product_id, ordered_qty, unit_price,
		       tax_amount, line_total, line_order, created_at, updated_at
		FROM sales_order_lines
		WHERE sales_order_id = $1
		ORDER BY line_order, id
	`
	rows, err := r.pool.Query(ctx, query, salesOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []SalesOrderLine
	for rows.Next() {
		var line SalesOrderLine
		err := rows.Scan(
			&line.ID, &line.SalesOrderID, &line.ProductID, &line.OrderedQty,
			&line.UnitPrice, &line.TaxAmount, &line.LineTotal, &line.LineOrder,
			&line.CreatedAt, &line.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ListSalesOrders returns live orders matching the filter, newest first.
// Lines are not loaded; callers fetch a single order for the full document.
func (r *Repository) ListSalesOrders(ctx context.Context, filter ListFilter) ([]SalesOrder, error) {
	where := []string{"deleted_at IS NULL"}
	var args []interface{}
	argPos := 1
	if filter.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *filter.Status)
		argPos++
	}
	if filter.CustomerID != nil {
		where = append(where, fmt.Sprintf("customer_id = $%d", argPos))
		args = append(args, *filter.CustomerID)
		argPos++
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s FROM sales_orders
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, salesOrderColumns, strings.Join(where, " AND "), argPos, argPos+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []SalesOrder
	for rows.Next() {
		so, err := scanSalesOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *so)
	}
	return orders, rows.Err()
}

// CountActiveDeliveries counts non-cancelled deliveries referencing the order.
func (r *Repository) CountActiveDeliveries(ctx context.Context, salesOrderID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM deliveries
		WHERE sales_order_id = $1 AND status <> 'CANCELLED' AND deleted_at IS NULL
	`
	var count int
	err := r.pool.QueryRow(ctx, query, salesOrderID).Scan(&count)
	return count, err
}

// CountInvoices counts live invoices referencing the order.
func (r *Repository) CountInvoices(ctx context.Context, salesOrderID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM invoices
		WHERE sales_order_id = $1 AND deleted_at IS NULL
	`
	var count int
	err := r.pool.QueryRow(ctx, query, salesOrderID).Scan(&count)
	return count, err
}

func (t *txRepo) CreateSalesOrder(ctx context.Context, so SalesOrder) (int64, error) {
	query := `
		INSERT INTO sales_orders (
			number, customer_id, order_date, status, approval_status, currency,
			subtotal, tax_amount, total_amount, notes, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		so.Number, so.CustomerID, so.OrderDate, so.Status, so.ApprovalStatus,
		so.Currency, so.Subtotal, so.TaxAmount, so.TotalAmount, so.Notes, so.CreatedBy,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("sales order number %s: %w", so.Number, shared.ErrDuplicateNumber)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) InsertSalesOrderLine(ctx context.Context, line SalesOrderLine) (int64, error) {
	query := `
		INSERT INTO sales_order_lines (
			sales_order_id, product_id, ordered_qty, unit_price,
			tax_amount, line_total, line_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		line.SalesOrderID, line.ProductID, line.OrderedQty, line.UnitPrice,
		line.TaxAmount, line.LineTotal, line.LineOrder,
	).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateSalesOrder(ctx context.Context, id int64, updates map[string]interface{}) error {
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
		UPDATE sales_orders
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

func (t *txRepo) DeleteSalesOrderLines(ctx context.Context, salesOrderID int64) error {
	query := `DELETE FROM sales_order_lines WHERE sales_order_id = $1`
	_, err := t.tx.Exec(ctx, query, salesOrderID)
	return err
}

func (t *txRepo) SoftDeleteSalesOrder(ctx context.Context, id int64) error {
	query := `UPDATE sales_orders SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`
	cmdTag, err := t.tx.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
