package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tradewind-erp/tradewind/internal/sequence"
	"github.com/tradewind-erp/tradewind/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns invoices, payments, credit notes and party balances.
type Service struct {
	repo     RepositoryPort
	numbers  sequence.Numbering
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, numbers sequence.Numbering, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		numbers:  numbers,
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
	}
}

// GetInvoice loads one invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// GetCreditNote loads one credit note.
func (s *Service) GetCreditNote(ctx context.Context, id int64) (*CreditNote, error) {
	return s.repo.GetCreditNote(ctx, id)
}

// PartyBalance returns the running position of one customer or vendor.
func (s *Service) PartyBalance(ctx context.Context, ref PartyRef) (*PartyBalance, error) {
	return s.repo.GetPartyBalance(ctx, ref)
}

// Aging buckets open invoice balances of one type by days past due.
func (s *Service) Aging(ctx context.Context, typ InvoiceType, asOf time.Time) ([]AgingRow, error) {
	invoices, err := s.repo.OpenInvoices(ctx, typ)
	if err != nil {
		return nil, err
	}
	return BuildAging(invoices, asOf), nil
}

// CreateInvoice opens an invoice. A delivery source must be DELIVERED and
// yields an AR invoice; a goods receipt source must be APPROVED and yields an
// AP invoice. The party and amount come from the source when one is named.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create invoice: %v: %w", err, shared.ErrValidation)
	}

	partyID := req.PartyID
	total := req.TotalAmount
	if req.SourceModule != nil {
		if req.SourceID == nil {
			return nil, fmt.Errorf("source_id required with source_module: %w", shared.ErrValidation)
		}
		doc, err := s.resolveSource(ctx, req.Type, *req.SourceModule, *req.SourceID)
		if err != nil {
			return nil, err
		}
		partyID = doc.PartyID
		total = doc.Amount
	}
	if partyID <= 0 {
		return nil, fmt.Errorf("party_id required: %w", shared.ErrValidation)
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invoice total must be positive, got %s: %w", total, shared.ErrAmountViolation)
	}

	prefix := sequence.PrefixARInvoice
	if req.Type == TypeAP {
		prefix = sequence.PrefixAPInvoice
	}
	var inv Invoice
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, prefix)
		if err != nil {
			return nil, err
		}
		inv = Invoice{
			Number:        number,
			Type:          req.Type,
			PartyID:       partyID,
			Currency:      req.Currency,
			TotalAmount:   total,
			BalanceAmount: total,
			Status:        InvoiceUnpaid,
			IssueDate:     time.Now().UTC(),
			DueDate:       req.DueDate,
			SourceModule:  req.SourceModule,
			SourceID:      req.SourceID,
			CreatedBy:     actor.ID,
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateInvoice(ctx, inv)
			if err != nil {
				return err
			}
			inv.ID = id
			return tx.AdjustPartyBalance(ctx, PartyRef{PartyID: partyID, Kind: req.Type.PartyKind()},
				total, decimal.Zero, decimal.Zero)
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("invoice number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		s.recordAudit(ctx, actor.ID, "invoice:create", inv.ID, map[string]any{
			"number": inv.Number, "type": inv.Type, "total": inv.TotalAmount,
		})
		return &inv, nil
	}
	return nil, fmt.Errorf("exhausted %d number attempts: %w", sequence.MaxAttempts, shared.ErrDuplicateNumber)
}

func (s *Service) resolveSource(ctx context.Context, typ InvoiceType, module string, sourceID int64) (SourceDoc, error) {
	switch module {
	case "delivery":
		if typ != TypeAR {
			return SourceDoc{}, fmt.Errorf("delivery source requires an AR invoice: %w", shared.ErrValidation)
		}
		doc, err := s.repo.DeliverySource(ctx, sourceID)
		if err != nil {
			return SourceDoc{}, err
		}
		if doc.Status != "DELIVERED" {
			return SourceDoc{}, fmt.Errorf("delivery %s is %s, billing requires DELIVERED: %w",
				doc.Number, doc.Status, shared.ErrInvalidTransition)
		}
		return doc, nil
	case "goods_receipt":
		if typ != TypeAP {
			return SourceDoc{}, fmt.Errorf("goods receipt source requires an AP invoice: %w", shared.ErrValidation)
		}
		doc, err := s.repo.ReceiptSource(ctx, sourceID)
		if err != nil {
			return SourceDoc{}, err
		}
		if doc.Status != "APPROVED" {
			return SourceDoc{}, fmt.Errorf("goods receipt %s is %s, billing requires APPROVED: %w",
				doc.Number, doc.Status, shared.ErrInvalidTransition)
		}
		return doc, nil
	default:
		return SourceDoc{}, fmt.Errorf("unknown source module %q: %w", module, shared.ErrValidation)
	}
}

// CancelInvoice voids an unpaid invoice and backs its amount out of the party
// balance. Invoices with any active payment cannot be cancelled.
func (s *Service) CancelInvoice(ctx context.Context, id int64) (*Invoice, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceCancelled {
		return nil, fmt.Errorf("invoice %s is already cancelled: %w", inv.Number, shared.ErrInvalidTransition)
	}
	payments, err := s.repo.ActivePayments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(payments) > 0 {
		return nil, fmt.Errorf("invoice %s has %d active payments, cancel blocked: %w",
			inv.Number, len(payments), shared.ErrInvalidTransition)
	}
	notes, err := s.repo.CreditNotesForInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	paidEffect, creditEffect := settlementEffect(inv, payments, notes)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateInvoiceBalance(ctx, id, decimal.Zero, InvoiceCancelled); err != nil {
			return err
		}
		return tx.AdjustPartyBalance(ctx, PartyRef{PartyID: inv.PartyID, Kind: inv.Type.PartyKind()},
			inv.TotalAmount.Neg(), paidEffect.Neg(), creditEffect.Neg())
	})
	if err != nil {
		return nil, err
	}
	inv.Status = InvoiceCancelled
	inv.BalanceAmount = decimal.Zero
	s.recordAudit(ctx, actor.ID, "invoice:cancel", id, map[string]any{"number": inv.Number})
	return inv, nil
}

// DeleteInvoice soft deletes an invoice that never collected a payment.
func (s *Service) DeleteInvoice(ctx context.Context, id int64) error {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return err
	}
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.Status == InvoicePaid {
		return fmt.Errorf("invoice %s is PAID, delete blocked: %w", inv.Number, shared.ErrInvalidTransition)
	}
	payments, err := s.repo.ActivePayments(ctx, id)
	if err != nil {
		return err
	}
	if len(payments) > 0 {
		return fmt.Errorf("invoice %s has %d active payments, delete blocked: %w",
			inv.Number, len(payments), shared.ErrInvalidTransition)
	}
	notes, err := s.repo.CreditNotesForInvoice(ctx, id)
	if err != nil {
		return err
	}
	invoicedBack := decimal.Zero
	paidBack := decimal.Zero
	creditBack := decimal.Zero
	if inv.Status != InvoiceCancelled {
		// A cancelled invoice already left the party aggregate.
		invoicedBack = inv.TotalAmount
		paidBack, creditBack = settlementEffect(inv, payments, notes)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SoftDeleteInvoice(ctx, id); err != nil {
			return err
		}
		if invoicedBack.IsZero() {
			return nil
		}
		return tx.AdjustPartyBalance(ctx, PartyRef{PartyID: inv.PartyID, Kind: inv.Type.PartyKind()},
			invoicedBack.Neg(), paidBack.Neg(), creditBack.Neg())
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.ID, "invoice:delete", id, map[string]any{"number": inv.Number})
	return nil
}

// AddPayment settles part of an open invoice. Overpayment is rejected with
// the open balance in the message; the invoice status and balance are
// recomputed from all active payments, never adjusted in place.
func (s *Service) AddPayment(ctx context.Context, req AddPaymentRequest) (*Payment, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("add payment: %v: %w", err, shared.ErrValidation)
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("payment amount must be positive, got %s: %w", req.Amount, shared.ErrAmountViolation)
	}
	inv, err := s.repo.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Open() {
		return nil, fmt.Errorf("invoice %s is %s, payments closed: %w", inv.Number, inv.Status, shared.ErrInvalidTransition)
	}
	if req.Amount.GreaterThan(inv.BalanceAmount) {
		return nil, fmt.Errorf("payment %s exceeds open balance %s on invoice %s: %w",
			req.Amount, inv.BalanceAmount, inv.Number, shared.ErrAmountViolation)
	}
	payments, notes, err := s.settlementDocs(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	paidBefore, creditBefore := settlementEffect(inv, payments, notes)

	var payment Payment
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, sequence.PrefixPayment)
		if err != nil {
			return nil, err
		}
		payment = Payment{
			Number:    number,
			InvoiceID: inv.ID,
			Amount:    req.Amount,
			Method:    req.Method,
			PaidAt:    time.Now().UTC(),
			Note:      req.Note,
			CreatedBy: actor.ID,
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreatePayment(ctx, payment)
			if err != nil {
				return err
			}
			payment.ID = id
			withNew := append(append([]Payment{}, payments...), payment)
			return applySettlement(ctx, tx, inv, withNew, notes, paidBefore, creditBefore)
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("payment number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		s.recordAudit(ctx, actor.ID, "payment:add", payment.ID, map[string]any{
			"number": payment.Number, "invoice": inv.Number, "amount": payment.Amount,
		})
		return &payment, nil
	}
	return nil, fmt.Errorf("exhausted %d number attempts: %w", sequence.MaxAttempts, shared.ErrDuplicateNumber)
}

// DeletePayment backs a payment out. A fully paid invoice reopens to
// PARTIALLY_PAID or UNPAID as the recomputation dictates.
func (s *Service) DeletePayment(ctx context.Context, id int64) error {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return err
	}
	payment, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	inv, err := s.repo.GetInvoice(ctx, payment.InvoiceID)
	if err != nil {
		return err
	}
	payments, notes, err := s.settlementDocs(ctx, inv.ID)
	if err != nil {
		return err
	}
	paidBefore, creditBefore := settlementEffect(inv, payments, notes)
	remaining := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.ID != id {
			remaining = append(remaining, p)
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SoftDeletePayment(ctx, id); err != nil {
			return err
		}
		return applySettlement(ctx, tx, inv, remaining, notes, paidBefore, creditBefore)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor.ID, "payment:delete", id, map[string]any{
		"number": payment.Number, "invoice": inv.Number, "amount": payment.Amount,
	})
	return nil
}

// CreateCreditNote drafts a credit note. No financial effect until issued.
// Settled invoices still accept credit notes; issuing one reopens them.
func (s *Service) CreateCreditNote(ctx context.Context, req CreateCreditNoteRequest) (*CreditNote, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("create credit note: %v: %w", err, shared.ErrValidation)
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("credit note amount must be positive, got %s: %w", req.Amount, shared.ErrAmountViolation)
	}
	inv, err := s.repo.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceCancelled {
		return nil, fmt.Errorf("invoice %s is cancelled, credit notes closed: %w", inv.Number, shared.ErrInvalidTransition)
	}

	var cn CreditNote
	for attempt := 1; attempt <= sequence.MaxAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, sequence.PrefixCreditNote)
		if err != nil {
			return nil, err
		}
		cn = CreditNote{
			Number:    number,
			InvoiceID: inv.ID,
			Amount:    req.Amount,
			Status:    CreditDraft,
			Reason:    req.Reason,
			CreatedBy: actor.ID,
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			id, err := tx.CreateCreditNote(ctx, cn)
			cn.ID = id
			return err
		})
		if errors.Is(err, shared.ErrDuplicateNumber) {
			s.logger.Warn("credit note number collision, retrying",
				slog.String("number", number), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return &cn, nil
	}
	return nil, fmt.Errorf("exhausted %d number attempts: %w", sequence.MaxAttempts, shared.ErrDuplicateNumber)
}

// IssueCreditNote applies the note to its invoice. The delta lands exactly
// once here; the later move to APPLIED is bookkeeping with no second effect.
// Issuing against a PAID invoice reopens the credited amount; a note larger
// than what the invoice ever collected is absorbed, never rejected.
func (s *Service) IssueCreditNote(ctx context.Context, id int64) (*CreditNote, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	cn, err := s.repo.GetCreditNote(ctx, id)
	if err != nil {
		return nil, err
	}
	inv, err := s.repo.GetInvoice(ctx, cn.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceCancelled {
		return nil, fmt.Errorf("invoice %s is cancelled, credit notes closed: %w", inv.Number, shared.ErrInvalidTransition)
	}
	if err := cn.Transition(CreditIssued); err != nil {
		return nil, err
	}
	payments, notes, err := s.settlementDocs(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	paidBefore, creditBefore := settlementEffect(inv, payments, notes)
	issued := make([]CreditNote, len(notes))
	copy(issued, notes)
	for i := range issued {
		if issued[i].ID == cn.ID {
			issued[i].Status = CreditIssued
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateCreditNoteStatus(ctx, cn.ID, CreditIssued); err != nil {
			return err
		}
		return applySettlement(ctx, tx, inv, payments, issued, paidBefore, creditBefore)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor.ID, "credit_note:issue", cn.ID, map[string]any{
		"number": cn.Number, "invoice": inv.Number, "amount": cn.Amount,
	})
	return cn, nil
}

// MarkCreditNoteApplied moves an issued note to APPLIED. Recompute only; the
// financial effect already landed on issue.
func (s *Service) MarkCreditNoteApplied(ctx context.Context, id int64) (*CreditNote, error) {
	if _, err := shared.RequireActor(ctx); err != nil {
		return nil, err
	}
	cn, err := s.repo.GetCreditNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cn.Transition(CreditApplied); err != nil {
		return nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateCreditNoteStatus(ctx, cn.ID, CreditApplied)
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// CancelCreditNote voids a note. Cancelling an issued note reverses its
// effect on the invoice and the party balance; a draft carries none.
func (s *Service) CancelCreditNote(ctx context.Context, id int64) (*CreditNote, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	cn, err := s.repo.GetCreditNote(ctx, id)
	if err != nil {
		return nil, err
	}
	wasEffective := cn.Status.Effective()
	if err := cn.Transition(CreditCancelled); err != nil {
		return nil, err
	}
	inv, err := s.repo.GetInvoice(ctx, cn.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !wasEffective || inv.Status == InvoiceCancelled {
		// No ledger effect to reverse; a cancelled invoice already backed
		// its documents out of the party aggregate.
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdateCreditNoteStatus(ctx, cn.ID, CreditCancelled)
		})
		if err != nil {
			return nil, err
		}
		s.recordAudit(ctx, actor.ID, "credit_note:cancel", cn.ID, map[string]any{"number": cn.Number})
		return cn, nil
	}
	payments, notes, err := s.settlementDocs(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	paidBefore, creditBefore := settlementEffect(inv, payments, notes)
	cancelled := make([]CreditNote, len(notes))
	copy(cancelled, notes)
	for i := range cancelled {
		if cancelled[i].ID == cn.ID {
			cancelled[i].Status = CreditCancelled
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateCreditNoteStatus(ctx, cn.ID, CreditCancelled); err != nil {
			return err
		}
		return applySettlement(ctx, tx, inv, payments, cancelled, paidBefore, creditBefore)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actor.ID, "credit_note:cancel", cn.ID, map[string]any{"number": cn.Number})
	return cn, nil
}

// settlementDocs loads the active payments and all credit notes of one
// invoice.
func (s *Service) settlementDocs(ctx context.Context, invoiceID int64) ([]Payment, []CreditNote, error) {
	payments, err := s.repo.ActivePayments(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	notes, err := s.repo.CreditNotesForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	return payments, notes, nil
}

// applySettlement persists the recomputed invoice balance and moves the
// party aggregate by the change in settlement effect, inside the caller's
// transaction. The raw document amount is not usable as the delta: a credit
// note that reopens collected money shifts the paid total, not the credit
// total.
func applySettlement(ctx context.Context, tx TxRepository, inv *Invoice, payments []Payment, notes []CreditNote, paidBefore, creditBefore decimal.Decimal) error {
	paidAfter, creditAfter := settlementEffect(inv, payments, notes)
	RecalculateInvoiceBalance(inv, payments, notes)
	if err := tx.UpdateInvoiceBalance(ctx, inv.ID, inv.BalanceAmount, inv.Status); err != nil {
		return err
	}
	paidDelta := paidAfter.Sub(paidBefore)
	creditDelta := creditAfter.Sub(creditBefore)
	if paidDelta.IsZero() && creditDelta.IsZero() {
		return nil
	}
	return tx.AdjustPartyBalance(ctx, PartyRef{PartyID: inv.PartyID, Kind: inv.Type.PartyKind()},
		decimal.Zero, paidDelta, creditDelta)
}

// RecalculatePartyBalance rebuilds one party position from its documents and
// overwrites the stored row. Used by the periodic sweep to repair drift from
// the incremental path.
func (s *Service) RecalculatePartyBalance(ctx context.Context, ref PartyRef) (*PartyBalance, error) {
	invoices, payments, notes, err := s.repo.PartyDocuments(ctx, ref)
	if err != nil {
		return nil, err
	}
	balance := RecalculateBalance(ref.PartyID, ref.Kind, invoices, payments, notes)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetPartyBalance(ctx, balance)
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// ListPartyRefs exposes stored balance rows for the sweep.
func (s *Service) ListPartyRefs(ctx context.Context) ([]PartyRef, error) {
	return s.repo.ListPartyRefs(ctx)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, refID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "finance",
		EntityID: fmt.Sprintf("%d", refID),
		Meta:     meta,
		At:       time.Now().UTC(),
	}); err != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
