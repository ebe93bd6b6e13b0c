package finance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// SourceDoc is the billing view of a delivery or goods receipt.
type SourceDoc struct {
	Number  string
	Status  string
	PartyID int64
	Amount  decimal.Decimal
}

// PartyRef identifies one balance row.
type PartyRef struct {
	PartyID int64     `json:"party_id"`
	Kind    PartyKind `json:"kind"`
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateInvoice(ctx context.Context, inv Invoice) (int64, error)
	UpdateInvoiceBalance(ctx context.Context, id int64, balance decimal.Decimal, status InvoiceStatus) error
	SoftDeleteInvoice(ctx context.Context, id int64) error

	CreatePayment(ctx context.Context, p Payment) (int64, error)
	SoftDeletePayment(ctx context.Context, id int64) error

	CreateCreditNote(ctx context.Context, cn CreditNote) (int64, error)
	UpdateCreditNoteStatus(ctx context.Context, id int64, status CreditNoteStatus) error

	// AdjustPartyBalance applies incremental deltas, creating the row on
	// first touch.
	AdjustPartyBalance(ctx context.Context, ref PartyRef, invoicedDelta, paidDelta, creditDelta decimal.Decimal) error
	// SetPartyBalance overwrites the stored totals, used by the
	// recalculation sweep.
	SetPartyBalance(ctx context.Context, b PartyBalance) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	GetCreditNote(ctx context.Context, id int64) (*CreditNote, error)
	// ActivePayments lists non-deleted payments on one invoice.
	ActivePayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	// CreditNotesForInvoice lists all credit notes on one invoice.
	CreditNotesForInvoice(ctx context.Context, invoiceID int64) ([]CreditNote, error)
	// GetPartyBalance returns the stored balance row, or a zeroed row when
	// the party has no financial history yet.
	GetPartyBalance(ctx context.Context, ref PartyRef) (*PartyBalance, error)
	// PartyDocuments loads everything needed for a full balance rebuild.
	PartyDocuments(ctx context.Context, ref PartyRef) ([]Invoice, []Payment, []CreditNote, error)
	// OpenInvoices lists unpaid and partially paid invoices of one type.
	OpenInvoices(ctx context.Context, typ InvoiceType) ([]Invoice, error)
	// ListPartyRefs enumerates balance rows for the sweep.
	ListPartyRefs(ctx context.Context) ([]PartyRef, error)
	// DeliverySource resolves a delivery into billing data.
	DeliverySource(ctx context.Context, deliveryID int64) (SourceDoc, error)
	// ReceiptSource resolves a goods receipt into billing data.
	ReceiptSource(ctx context.Context, receiptID int64) (SourceDoc, error)
}

// Repository provides PostgreSQL backed persistence for finance documents.
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

const invoiceColumns = `
	id, number, type, party_id, currency, total_amount, balance_amount, status,
	issue_date, due_date, source_module, source_id, created_by, created_at,
	updated_at, deleted_at
`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.Type, &inv.PartyID, &inv.Currency,
		&inv.TotalAmount, &inv.BalanceAmount, &inv.Status, &inv.IssueDate, &inv.DueDate,
		&inv.SourceModule, &inv.SourceID, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt, &inv.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// GetInvoice retrieves one invoice.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1 AND deleted_at IS NULL`, invoiceColumns)
	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

// GetPayment retrieves one payment.
func (r *Repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var p Payment
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, invoice_id, amount, method, paid_at, note, created_by, created_at, deleted_at
		FROM payments WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&p.ID, &p.Number, &p.InvoiceID, &p.Amount, &p.Method, &p.PaidAt, &p.Note,
		&p.CreatedBy, &p.CreatedAt, &p.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetCreditNote retrieves one credit note.
func (r *Repository) GetCreditNote(ctx context.Context, id int64) (*CreditNote, error) {
	var cn CreditNote
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, invoice_id, amount, status, reason, created_by, created_at, updated_at
		FROM credit_notes WHERE id = $1
	`, id).Scan(&cn.ID, &cn.Number, &cn.InvoiceID, &cn.Amount, &cn.Status, &cn.Reason,
		&cn.CreatedBy, &cn.CreatedAt, &cn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &cn, nil
}

// ActivePayments lists non-deleted payments on one invoice.
func (r *Repository) ActivePayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, number, invoice_id, amount, method, paid_at, note, created_by, created_at, deleted_at
		FROM payments WHERE invoice_id = $1 AND deleted_at IS NULL ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.Number, &p.InvoiceID, &p.Amount, &p.Method, &p.PaidAt,
			&p.Note, &p.CreatedBy, &p.CreatedAt, &p.DeletedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// CreditNotesForInvoice lists all credit notes on one invoice.
func (r *Repository) CreditNotesForInvoice(ctx context.Context, invoiceID int64) ([]CreditNote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, number, invoice_id, amount, status, reason, created_by, created_at, updated_at
		FROM credit_notes WHERE invoice_id = $1 ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []CreditNote
	for rows.Next() {
		var cn CreditNote
		if err := rows.Scan(&cn.ID, &cn.Number, &cn.InvoiceID, &cn.Amount, &cn.Status,
			&cn.Reason, &cn.CreatedBy, &cn.CreatedAt, &cn.UpdatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, cn)
	}
	return notes, rows.Err()
}

// GetPartyBalance returns the stored balance, zeroed when absent.
func (r *Repository) GetPartyBalance(ctx context.Context, ref PartyRef) (*PartyBalance, error) {
	b := PartyBalance{PartyID: ref.PartyID, Kind: ref.Kind,
		TotalInvoiced:   decimal.Zero,
		TotalPaid:       decimal.Zero,
		TotalCreditNote: decimal.Zero,
	}
	err := r.pool.QueryRow(ctx, `
		SELECT total_invoiced, total_paid, total_credit_note, updated_at
		FROM party_balances WHERE party_id = $1 AND kind = $2
	`, ref.PartyID, ref.Kind).Scan(&b.TotalInvoiced, &b.TotalPaid, &b.TotalCreditNote, &b.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	b.Refresh()
	return &b, nil
}

// PartyDocuments loads all invoices, their payments and credit notes for one
// party, for a full balance rebuild.
func (r *Repository) PartyDocuments(ctx context.Context, ref PartyRef) ([]Invoice, []Payment, []CreditNote, error) {
	typ := TypeAR
	if ref.Kind == PartyVendor {
		typ = TypeAP
	}
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE party_id = $1 AND type = $2`, invoiceColumns)
	rows, err := r.pool.Query(ctx, query, ref.PartyID, typ)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, nil, nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	var payments []Payment
	var notes []CreditNote
	for _, inv := range invoices {
		if inv.Status == InvoiceCancelled || inv.DeletedAt != nil {
			continue
		}
		ps, err := r.ActivePayments(ctx, inv.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		payments = append(payments, ps...)
		ns, err := r.CreditNotesForInvoice(ctx, inv.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		notes = append(notes, ns...)
	}
	return invoices, payments, notes, nil
}

// OpenInvoices lists unpaid and partially paid invoices of one type.
func (r *Repository) OpenInvoices(ctx context.Context, typ InvoiceType) ([]Invoice, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM invoices
		WHERE type = $1 AND status IN ('UNPAID', 'PARTIALLY_PAID') AND deleted_at IS NULL
		ORDER BY party_id, due_date
	`, invoiceColumns)
	rows, err := r.pool.Query(ctx, query, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// ListPartyRefs enumerates every stored balance row.
func (r *Repository) ListPartyRefs(ctx context.Context) ([]PartyRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT party_id, kind FROM party_balances ORDER BY party_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []PartyRef
	for rows.Next() {
		var ref PartyRef
		if err := rows.Scan(&ref.PartyID, &ref.Kind); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeliverySource reads the billing view of a delivery through its sales
// order.
func (r *Repository) DeliverySource(ctx context.Context, deliveryID int64) (SourceDoc, error) {
	var doc SourceDoc
	err := r.pool.QueryRow(ctx, `
		SELECT d.number, d.status, so.customer_id, so.total_amount
		FROM deliveries d
		JOIN sales_orders so ON so.id = d.sales_order_id
		WHERE d.id = $1 AND d.deleted_at IS NULL
	`, deliveryID).Scan(&doc.Number, &doc.Status, &doc.PartyID, &doc.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return SourceDoc{}, shared.ErrNotFound
	}
	return doc, err
}

// ReceiptSource reads the billing view of a goods receipt through its
// purchase order.
func (r *Repository) ReceiptSource(ctx context.Context, receiptID int64) (SourceDoc, error) {
	var doc SourceDoc
	err := r.pool.QueryRow(ctx, `
		SELECT grn.number, grn.status, po.vendor_id, po.total_amount
		FROM goods_receipts grn
		JOIN purchase_orders po ON po.id = grn.purchase_order_id
		WHERE grn.id = $1
	`, receiptID).Scan(&doc.Number, &doc.Status, &doc.PartyID, &doc.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return SourceDoc{}, shared.ErrNotFound
	}
	return doc, err
}

func duplicateNumber(err error, number string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("document number %s: %w", number, shared.ErrDuplicateNumber)
	}
	return err
}

func (t *txRepo) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoices (number, type, party_id, currency, total_amount, balance_amount,
			status, issue_date, due_date, source_module, source_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id
	`, inv.Number, inv.Type, inv.PartyID, inv.Currency, inv.TotalAmount, inv.BalanceAmount,
		inv.Status, inv.IssueDate, inv.DueDate, inv.SourceModule, inv.SourceID, inv.CreatedBy).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, inv.Number)
	}
	return id, nil
}

func (t *txRepo) UpdateInvoiceBalance(ctx context.Context, id int64, balance decimal.Decimal, status InvoiceStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET balance_amount = $1, status = $2, updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL
	`, balance, status, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) SoftDeleteInvoice(ctx context.Context, id int64) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (number, invoice_id, amount, method, paid_at, note, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
	`, p.Number, p.InvoiceID, p.Amount, p.Method, p.PaidAt, p.Note, p.CreatedBy).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, p.Number)
	}
	return id, nil
}

func (t *txRepo) SoftDeletePayment(ctx context.Context, id int64) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE payments SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL
	`, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) CreateCreditNote(ctx context.Context, cn CreditNote) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO credit_notes (number, invoice_id, amount, status, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`, cn.Number, cn.InvoiceID, cn.Amount, cn.Status, cn.Reason, cn.CreatedBy).Scan(&id)
	if err != nil {
		return 0, duplicateNumber(err, cn.Number)
	}
	return id, nil
}

func (t *txRepo) UpdateCreditNoteStatus(ctx context.Context, id int64, status CreditNoteStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE credit_notes SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now(), id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) AdjustPartyBalance(ctx context.Context, ref PartyRef, invoicedDelta, paidDelta, creditDelta decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO party_balances (party_id, kind, total_invoiced, total_paid, total_credit_note, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (party_id, kind) DO UPDATE SET
			total_invoiced = party_balances.total_invoiced + EXCLUDED.total_invoiced,
			total_paid = party_balances.total_paid + EXCLUDED.total_paid,
			total_credit_note = party_balances.total_credit_note + EXCLUDED.total_credit_note,
			updated_at = EXCLUDED.updated_at
	`, ref.PartyID, ref.Kind, invoicedDelta, paidDelta, creditDelta, time.Now())
	return err
}

func (t *txRepo) SetPartyBalance(ctx context.Context, b PartyBalance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO party_balances (party_id, kind, total_invoiced, total_paid, total_credit_note, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (party_id, kind) DO UPDATE SET
			total_invoiced = EXCLUDED.total_invoiced,
			total_paid = EXCLUDED.total_paid,
			total_credit_note = EXCLUDED.total_credit_note,
			updated_at = EXCLUDED.updated_at
	`, b.PartyID, b.Kind, b.TotalInvoiced, b.TotalPaid, b.TotalCreditNote, time.Now())
	return err
}
