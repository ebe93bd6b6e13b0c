package goodsissue

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

// DeliveryLineInfo resolves a delivery line for issue validation.
type DeliveryLineInfo struct {
	DeliveryID int64
	ProductID  int64
	PlannedQty decimal.Decimal
}

// DeliveryInfo is the delivery header data the issue flow needs.
type DeliveryInfo struct {
	Number      string
	Status      string
	WarehouseID int64
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateGoodIssue(ctx context.Context, gi GoodIssue) (int64, error)
	InsertGoodIssueLine(ctx context.Context, line GoodIssueLine) (int64, error)
	UpdateGoodIssueStatus(ctx context.Context, id int64, status IssueStatus, approvedBy *int64, approvedAt *time.Time) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetGoodIssue(ctx context.Context, id int64) (*GoodIssue, error)
	GetDeliveryInfo(ctx context.Context, deliveryID int64) (DeliveryInfo, error)
	GetDeliveryLineInfo(ctx context.Context, deliveryLineID int64) (DeliveryLineInfo, error)
	HasApprovedIssueForDelivery(ctx context.Context, deliveryID int64) (bool, error)
}

// Repository provides PostgreSQL backed persistence for good issues.
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

// GetGoodIssue retrieves an issue with its lines.
func (r *Repository) GetGoodIssue(ctx context.Context, id int64) (*GoodIssue, error) {
	query := `
		SELECT id, number, delivery_id, warehouse_id, status, notes,
		       created_by, approved_by, approved_at, created_at, updated_at
		FROM good_issues
		WHERE id = $1
	`
	var gi GoodIssue
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&gi.ID, &gi.Number, &gi.DeliveryID, &gi.WarehouseID, &gi.Status, &gi.Notes,
		&gi.CreatedBy, &gi.ApprovedBy, &gi.ApprovedAt, &gi.CreatedAt, &gi.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, good_issue_id, delivery_line_id, product_id, issued_qty, created_at
		FROM good_issue_lines
		WHERE good_issue_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line GoodIssueLine
		if err := rows.Scan(&line.ID, &line.GoodIssueID, &line.DeliveryLineID, &line.ProductID, &line.IssuedQty, &line.CreatedAt); err != nil {
			return nil, err
		}
		gi.Lines = append(gi.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &gi, nil
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
	query := `SELECT delivery_id, product_id, planned_qty FROM delivery_lines WHERE id = $1`
	var info DeliveryLineInfo
	err := r.pool.QueryRow(ctx, query, deliveryLineID).Scan(&info.DeliveryID, &info.ProductID, &info.PlannedQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryLineInfo{}, fmt.Errorf("delivery line %d: %w", deliveryLineID, shared.ErrNotFound)
		}
		return DeliveryLineInfo{}, err
	}
	return info, nil
}

// HasApprovedIssueForDelivery reports whether an approved issue already exists.
func (r *Repository) HasApprovedIssueForDelivery(ctx context.Context, deliveryID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM good_issues WHERE delivery_id = $1 AND status = 'APPROVED')`
	var exists bool
	err := r.pool.QueryRow(ctx, query, deliveryID).Scan(&exists)
	return exists, err
}

func (t *txRepo) CreateGoodIssue(ctx context.Context, gi GoodIssue) (int64, error) {
	query := `
		INSERT INTO good_issues (number, delivery_id, warehouse_id, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query, gi.Number, gi.DeliveryID, gi.WarehouseID, gi.Status, gi.Notes, gi.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("good issue number %s: %w", gi.Number, shared.ErrDuplicateNumber)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) InsertGoodIssueLine(ctx context.Context, line GoodIssueLine) (int64, error) {
	query := `
		INSERT INTO good_issue_lines (good_issue_id, delivery_line_id, product_id, issued_qty)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query, line.GoodIssueID, line.DeliveryLineID, line.ProductID, line.IssuedQty).Scan(&id)
	return id, err
}

// UpdateGoodIssueStatus flips a pending issue. The update is conditional on
// PENDING so the loser of a concurrent approval matches zero rows and the
// whole transaction, stock movements included, rolls back.
func (t *txRepo) UpdateGoodIssueStatus(ctx context.Context, id int64, status IssueStatus, approvedBy *int64, approvedAt *time.Time) error {
	query := `
		UPDATE good_issues
		SET status = $1, approved_by = $2, approved_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'PENDING'
	`
	cmdTag, err := t.tx.Exec(ctx, query, status, approvedBy, approvedAt, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("good issue %d is no longer PENDING: %w", id, shared.ErrInvalidTransition)
	}
	return nil
}
