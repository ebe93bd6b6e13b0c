// Package sequence produces collision-free human-readable document numbers.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// Document number prefixes per document type.
const (
	PrefixSalesOrder    = "SO"
	PrefixDelivery      = "DL"
	PrefixGoodIssue     = "GI"
	PrefixReturnOrder   = "RT"
	PrefixRequisition   = "PR"
	PrefixRFQ           = "RFQ"
	PrefixQuotation     = "PQ"
	PrefixPurchaseOrder = "PO"
	PrefixGoodsReceipt  = "GR"
	PrefixARInvoice     = "INV"
	PrefixAPInvoice     = "BILL"
	PrefixPayment       = "PAY"
	PrefixCreditNote    = "CN"
)

// MaxAttempts bounds retries on a number collision before the caller
// surfaces ErrDuplicateNumber.
const MaxAttempts = 3

// Numbering is the narrow interface services depend on.
type Numbering interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// Generator issues numbers of the form PREFIX-YYYYMM-NNNNN backed by a Redis
// counter per prefix and period. INCR is atomic, so concurrent callers never
// observe the same counter value.
type Generator struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewGenerator constructs a Generator.
func NewGenerator(rdb redis.UniversalClient) *Generator {
	return &Generator{rdb: rdb, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Next returns the next document number for the prefix.
func (g *Generator) Next(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("sequence: prefix required: %w", shared.ErrValidation)
	}
	period := g.now().UTC().Format("200601")
	key := fmt.Sprintf("seq:%s:%s", prefix, period)
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("sequence: next %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s-%s-%05d", prefix, period, n), nil
}

// Peek reports the last issued counter value for a prefix without advancing
// it. Returns zero when no number was issued this period.
func (g *Generator) Peek(ctx context.Context, prefix string) (int64, error) {
	period := g.now().UTC().Format("200601")
	key := fmt.Sprintf("seq:%s:%s", prefix, period)
	n, err := g.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence: peek %s: %w", prefix, err)
	}
	return n, nil
}
