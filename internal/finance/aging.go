package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgingBucket labels how far past due an open balance sits.
type AgingBucket string

const (
	BucketCurrent AgingBucket = "CURRENT"
	Bucket30      AgingBucket = "1_30"
	Bucket60      AgingBucket = "31_60"
	Bucket90      AgingBucket = "61_90"
	Bucket120     AgingBucket = "91_120"
	BucketOver120 AgingBucket = "OVER_120"
)

// AgingRow is one party's open balances split by days past due.
type AgingRow struct {
	PartyID int64                           `json:"party_id"`
	Kind    PartyKind                       `json:"kind"`
	Buckets map[AgingBucket]decimal.Decimal `json:"buckets"`
	Total   decimal.Decimal                 `json:"total"`
}

// bucketFor places an invoice by whole days between due date and the as-of
// date. Not yet due lands in CURRENT.
func bucketFor(dueDate, asOf time.Time) AgingBucket {
	days := int(asOf.Sub(dueDate).Hours() / 24)
	switch {
	case days <= 0:
		return BucketCurrent
	case days <= 30:
		return Bucket30
	case days <= 60:
		return Bucket60
	case days <= 90:
		return Bucket90
	case days <= 120:
		return Bucket120
	default:
		return BucketOver120
	}
}

// BuildAging groups open invoice balances per party into past-due buckets.
// Cancelled, deleted and fully paid invoices carry no open balance and are
// skipped.
func BuildAging(invoices []Invoice, asOf time.Time) []AgingRow {
	byParty := make(map[int64]*AgingRow)
	var order []int64
	for _, inv := range invoices {
		if inv.DeletedAt != nil || !inv.Open() || inv.BalanceAmount.IsZero() {
			continue
		}
		row, ok := byParty[inv.PartyID]
		if !ok {
			row = &AgingRow{
				PartyID: inv.PartyID,
				Kind:    inv.Type.PartyKind(),
				Buckets: make(map[AgingBucket]decimal.Decimal),
				Total:   decimal.Zero,
			}
			byParty[inv.PartyID] = row
			order = append(order, inv.PartyID)
		}
		bucket := bucketFor(inv.DueDate, asOf)
		row.Buckets[bucket] = row.Buckets[bucket].Add(inv.BalanceAmount)
		row.Total = row.Total.Add(inv.BalanceAmount)
	}
	rows := make([]AgingRow, 0, len(order))
	for _, partyID := range order {
		rows = append(rows, *byParty[partyID])
	}
	return rows
}
