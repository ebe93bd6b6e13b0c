package finance

import (
	"github.com/shopspring/decimal"
)

// The ledger holds the pure balance arithmetic. Every mutation has an
// incremental form applied at write time and a full-rescan form used by the
// recalculation sweep; the two must agree for any sequence of operations.

// outstanding floors the open position at zero so over-credited parties do
// not show a negative receivable.
func outstanding(invoiced, paid, credit decimal.Decimal) decimal.Decimal {
	out := invoiced.Sub(paid).Sub(credit)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// Refresh recomputes the derived outstanding figure from the stored totals.
func (b *PartyBalance) Refresh() {
	b.Outstanding = outstanding(b.TotalInvoiced, b.TotalPaid, b.TotalCreditNote)
}

// ApplyInvoiceCreated adds a new invoice total to the party position.
func (b *PartyBalance) ApplyInvoiceCreated(amount decimal.Decimal) {
	b.TotalInvoiced = b.TotalInvoiced.Add(amount)
	b.Refresh()
}

// ApplyInvoiceRemoved backs out a cancelled or deleted invoice.
func (b *PartyBalance) ApplyInvoiceRemoved(amount decimal.Decimal) {
	b.TotalInvoiced = b.TotalInvoiced.Sub(amount)
	b.Refresh()
}

// ApplyPaymentAdded records a settlement.
func (b *PartyBalance) ApplyPaymentAdded(amount decimal.Decimal) {
	b.TotalPaid = b.TotalPaid.Add(amount)
	b.Refresh()
}

// ApplyPaymentRemoved backs out a deleted payment.
func (b *PartyBalance) ApplyPaymentRemoved(amount decimal.Decimal) {
	b.TotalPaid = b.TotalPaid.Sub(amount)
	b.Refresh()
}

// ApplyCreditNoteIssued records a credit against the party.
func (b *PartyBalance) ApplyCreditNoteIssued(amount decimal.Decimal) {
	b.TotalCreditNote = b.TotalCreditNote.Add(amount)
	b.Refresh()
}

// ApplyCreditNoteCancelled backs out an issued credit note.
func (b *PartyBalance) ApplyCreditNoteCancelled(amount decimal.Decimal) {
	b.TotalCreditNote = b.TotalCreditNote.Sub(amount)
	b.Refresh()
}

// creditSplit divides effective credits between the open balance and a
// reversal of money already collected. Credits consume the open balance
// first; the remainder reopens paid amounts, capped at what was collected.
// Anything beyond that is absorbed.
func creditSplit(total, paid, credits decimal.Decimal) (againstOpen, reversed decimal.Decimal) {
	open := total.Sub(paid)
	if open.IsNegative() {
		open = decimal.Zero
	}
	againstOpen = decimal.Min(credits, open)
	reversed = decimal.Min(credits.Sub(againstOpen), paid)
	return againstOpen, reversed
}

// settlementEffect reduces one invoice's documents to their ledger effect:
// the collected amount net of credit reversals, and the credit applied
// against the open balance. Crediting a settled invoice reopens it rather
// than pushing the balance negative.
func settlementEffect(inv *Invoice, payments []Payment, notes []CreditNote) (paidEffect, creditEffect decimal.Decimal) {
	paid := decimal.Zero
	for _, p := range payments {
		if p.DeletedAt != nil {
			continue
		}
		paid = paid.Add(p.Amount)
	}
	credits := decimal.Zero
	for _, n := range notes {
		if !n.Status.Effective() {
			continue
		}
		credits = credits.Add(n.Amount)
	}
	againstOpen, reversed := creditSplit(inv.TotalAmount, paid, credits)
	return paid.Sub(reversed), againstOpen
}

// RecalculateBalance rebuilds a party position from scratch. Cancelled and
// deleted invoices contribute nothing, nor do their payments and credit
// notes; live invoices contribute their settlement effect.
func RecalculateBalance(partyID int64, kind PartyKind, invoices []Invoice, payments []Payment, notes []CreditNote) PartyBalance {
	b := PartyBalance{PartyID: partyID, Kind: kind,
		TotalInvoiced:   decimal.Zero,
		TotalPaid:       decimal.Zero,
		TotalCreditNote: decimal.Zero,
	}
	paymentsByInvoice := make(map[int64][]Payment)
	for _, p := range payments {
		paymentsByInvoice[p.InvoiceID] = append(paymentsByInvoice[p.InvoiceID], p)
	}
	notesByInvoice := make(map[int64][]CreditNote)
	for _, n := range notes {
		notesByInvoice[n.InvoiceID] = append(notesByInvoice[n.InvoiceID], n)
	}
	for i := range invoices {
		inv := &invoices[i]
		if inv.Status == InvoiceCancelled || inv.DeletedAt != nil {
			continue
		}
		paidEffect, creditEffect := settlementEffect(inv, paymentsByInvoice[inv.ID], notesByInvoice[inv.ID])
		b.TotalInvoiced = b.TotalInvoiced.Add(inv.TotalAmount)
		b.TotalPaid = b.TotalPaid.Add(paidEffect)
		b.TotalCreditNote = b.TotalCreditNote.Add(creditEffect)
	}
	b.Refresh()
	return b
}

// RecalculateInvoiceBalance derives the open balance and status of one
// invoice from its active payments and effective credit notes. A fully paid
// invoice reopens to PARTIALLY_PAID when a payment is removed or a credit
// note reverses part of the collected amount.
func RecalculateInvoiceBalance(inv *Invoice, payments []Payment, notes []CreditNote) {
	if inv.Status == InvoiceCancelled {
		inv.BalanceAmount = decimal.Zero
		return
	}
	paidEffect, creditEffect := settlementEffect(inv, payments, notes)
	balance := inv.TotalAmount.Sub(paidEffect).Sub(creditEffect)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	inv.BalanceAmount = balance
	switch {
	case balance.Equal(inv.TotalAmount):
		inv.Status = InvoiceUnpaid
	case balance.IsZero():
		inv.Status = InvoicePaid
	default:
		inv.Status = InvoicePartiallyPaid
	}
}
