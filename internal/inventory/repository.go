package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/platform/db"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

// ErrBalanceNotFound indicates no balance row exists yet for the pair.
var ErrBalanceNotFound = errors.New("inventory: balance not found")

// TxRepository exposes transactional stock operations.
type TxRepository interface {
	// GetBalanceForUpdate loads the balance row with a row lock so that
	// concurrent decrements on the same pair serialize instead of losing
	// updates. A missing row is seeded at zero before locking.
	GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error)
	ListMovements(ctx context.Context, warehouseID, productID int64, limit int) ([]Movement, error)
}

// Repository provides PostgreSQL backed persistence for stock balances.
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

// WithTx wraps callback in a repeatable-read transaction. When the context
// carries a document transaction the stock write joins it, so a status flip
// and its movements commit or roll back together; the owner commits.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if tx, ok := db.TxFromContext(ctx); ok {
		return fn(ctx, &txRepo{tx: tx})
	}
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

// GetBalance reads the current balance without locking.
func (r *Repository) GetBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	query := `
		SELECT warehouse_id, product_id, qty, updated_at
		FROM stock_balances
		WHERE warehouse_id = $1 AND product_id = $2
	`
	var b Balance
	err := r.pool.QueryRow(ctx, query, warehouseID, productID).Scan(
		&b.WarehouseID, &b.ProductID, &b.Qty, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{WarehouseID: warehouseID, ProductID: productID, Qty: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

// ListMovements returns the most recent stock movements for the pair.
func (r *Repository) ListMovements(ctx context.Context, warehouseID, productID int64, limit int) ([]Movement, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, movement_type, warehouse_id, product_id, qty,
		       ref_module, ref_id, note, actor_id, posted_at
		FROM stock_movements
		WHERE warehouse_id = $1 AND product_id = $2
		ORDER BY posted_at DESC, id DESC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, warehouseID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var m Movement
		err := rows.Scan(
			&m.ID, &m.Type, &m.WarehouseID, &m.ProductID, &m.Qty,
			&m.RefModule, &m.RefID, &m.Note, &m.ActorID, &m.PostedAt,
		)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (t *txRepo) GetBalanceForUpdate(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	b, err := t.lockBalance(ctx, warehouseID, productID)
	if !errors.Is(err, ErrBalanceNotFound) {
		return b, err
	}
	// Seed the row so the first movement on a pair still takes a row lock;
	// concurrent first touches would otherwise both write an absolute qty.
	_, err = t.tx.Exec(ctx, `
		INSERT INTO stock_balances (warehouse_id, product_id, qty, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (warehouse_id, product_id) DO NOTHING
	`, warehouseID, productID, time.Now())
	if err != nil {
		return Balance{}, err
	}
	return t.lockBalance(ctx, warehouseID, productID)
}

func (t *txRepo) lockBalance(ctx context.Context, warehouseID, productID int64) (Balance, error) {
	query := `
		SELECT warehouse_id, product_id, qty, updated_at
		FROM stock_balances
		WHERE warehouse_id = $1 AND product_id = $2
		FOR UPDATE
	`
	var b Balance
	err := t.tx.QueryRow(ctx, query, warehouseID, productID).Scan(
		&b.WarehouseID, &b.ProductID, &b.Qty, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (t *txRepo) UpsertBalance(ctx context.Context, balance Balance) error {
	query := `
		INSERT INTO stock_balances (warehouse_id, product_id, qty, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (warehouse_id, product_id)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = EXCLUDED.updated_at
	`
	cmdTag, err := t.tx.Exec(ctx, query, balance.WarehouseID, balance.ProductID, balance.Qty, time.Now())
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	query := `
		INSERT INTO stock_movements (
			movement_type, warehouse_id, product_id, qty,
			ref_module, ref_id, note, actor_id, posted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		movement.Type, movement.WarehouseID, movement.ProductID, movement.Qty,
		movement.RefModule, movement.RefID, movement.Note, movement.ActorID, movement.PostedAt,
	).Scan(&id)
	return id, err
}
