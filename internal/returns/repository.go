package returns

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

// DeliveryInfo is the delivery header data the return flow needs.
type DeliveryInfo struct {
	Number      string
	Status      string
	WarehouseID int64
}

// DeliveryLineInfo resolves a delivery line for return validation.
type DeliveryLineInfo struct {
	DeliveryID   int64
	ProductID    int64
	DeliveredQty decimal.Decimal
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateReturnOrder(ctx context.Context, ro ReturnOrder) (int64, error)
	InsertReturnOrderLine(ctx context.Context, line ReturnOrderLine) (int64, error)
	// UpdateReturnOrderStatus flips the status only when the row still holds
	// from, so concurrent movers cannot both win.
	UpdateReturnOrderStatus(ctx context.Context, id int64, from, to ReturnStatus) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReturnOrder(ctx context.Context, id int64) (*ReturnOrder, error)
	GetDeliveryInfo(ctx context.Context, deliveryID int64) (DeliveryInfo, error)
	GetDeliveryLineInfo(ctx context.Context, deliveryLineID int64) (DeliveryLineInfo, error)
}

// Repository provides PostgreSQL backed persistence for return orders.
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

// GetReturnOrder retrieves a live return order with its lines.
func (r *Repository) GetReturnOrder(ctx context.Context, id int64) (*ReturnOrder, error) {
	query := `
		SELECT id, number, delivery_id, status, reason, created_by,
		       created_at, updated_at, deleted_at
		FROM return_orders
		WHERE id = $1 AND deleted_at IS NULL
	`
	var ro ReturnOrder
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&ro.ID, &ro.Number, &ro.DeliveryID, &ro.Status, &ro.Reason, &ro.CreatedBy,
		&ro.CreatedAt, &ro.UpdatedAt, &ro.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, return_order_id, delivery_line_id, product_id, returned_qty, created_at
		FROM return_order_lines
		WHERE return_order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line ReturnOrderLine
		if err := rows.Scan(&line.ID, &line.ReturnOrderID, &line.DeliveryLineID, &line.ProductID, &line.ReturnedQty, &line.CreatedAt); err != nil {
			return nil, err
		}
		ro.Lines = append(ro.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ro, nil
}

// GetDeliveryInfo reads the referenced delivery's header.
func (r *Repository) GetDeliveryInfo(ctx context.Context, deliveryID int64) (DeliveryInfo, error) {
	query := `SELECT number, status, warehouse_id FROM deliveries WHERE id = $1 AND deleted_at IS NULL`
	var info DeliveryInfo
	err := r.pool.QueryRow(ctx, query, deliveryID).Scan(&info.Number, &info.Status, &info.WarehouseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryInfo{}, fmt.Errorf("delivery %d: %w", deliveryID, shared.ErrNotFound)
		}
		return DeliveryInfo{}, err
	}
	return info, nil
}

// GetDeliveryLineInfo resolves one delivery line.
func (r *Repository) GetDeliveryLineInfo(ctx context.Context, deliveryLineID int64) (DeliveryLineInfo, error) {
	query := `SELECT delivery_id, product_id, delivered_qty FROM delivery_lines WHERE id = $1`
	var info DeliveryLineInfo
	err := r.pool.QueryRow(ctx, query, deliveryLineID).Scan(&info.DeliveryID, &info.ProductID, &info.DeliveredQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryLineInfo{}, fmt.Errorf("delivery line %d: %w", deliveryLineID, shared.ErrNotFound)
		}
		return DeliveryLineInfo{}, err
	}
	return info, nil
}

func (t *txRepo) CreateReturnOrder(ctx context.Context, ro ReturnOrder) (int64, error) {
	query := `
		INSERT INTO return_orders (number, delivery_id, status, reason, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query, ro.Number, ro.DeliveryID, ro.Status, ro.Reason, ro.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("return order number %s: %w", ro.Number, shared.ErrDuplicateNumber)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) InsertReturnOrderLine(ctx context.Context, line ReturnOrderLine) (int64, error) {
	query := `
		INSERT INTO return_order_lines (return_order_id, delivery_line_id, product_id, returned_qty)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query, line.ReturnOrderID, line.DeliveryLineID, line.ProductID, line.ReturnedQty).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateReturnOrderStatus(ctx context.Context, id int64, from, to ReturnStatus) error {
	query := `
		UPDATE return_orders SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND deleted_at IS NULL
	`
	cmdTag, err := t.tx.Exec(ctx, query, to, time.Now(), id, from)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("return order %d is no longer %s: %w", id, from, shared.ErrInvalidTransition)
	}
	return nil
}
