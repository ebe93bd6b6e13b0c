// Package jobs runs background work over Asynq: the periodic party balance
// recalculation sweep that repairs drift between the incremental ledger
// writes and the document totals.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/tradewind-erp/tradewind/internal/finance"
)

// QueueDefault is the queue every task lands on.
const QueueDefault = "default"

// Task type names.
const (
	// TaskBalanceRecalc rebuilds party balances from documents.
	TaskBalanceRecalc = "finance:balance_recalc"
)

// balanceRecalcConcurrency bounds parallel party rebuilds within one sweep.
const balanceRecalcConcurrency = 4

// BalanceRecalcPayload selects the sweep scope. An empty payload rebuilds
// every stored balance row.
type BalanceRecalcPayload struct {
	PartyID int64  `json:"party_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// NewBalanceRecalcTask builds the sweep task.
func NewBalanceRecalcTask(payload BalanceRecalcPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceRecalc, data), nil
}

// BalanceRecalculator is the slice of the finance service the sweep needs.
type BalanceRecalculator interface {
	ListPartyRefs(ctx context.Context) ([]finance.PartyRef, error)
	RecalculatePartyBalance(ctx context.Context, ref finance.PartyRef) (*finance.PartyBalance, error)
}

// NewBalanceRecalcHandler returns the Asynq handler for the sweep. Targeted
// payloads rebuild one party; otherwise every balance row is rebuilt, fanned
// out across a bounded worker group. One failed party fails the task so Asynq
// retries the sweep.
func NewBalanceRecalcHandler(svc BalanceRecalculator, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, task *asynq.Task) error {
		var payload BalanceRecalcPayload
		if len(task.Payload()) > 0 {
			if err := json.Unmarshal(task.Payload(), &payload); err != nil {
				return err
			}
		}

		var refs []finance.PartyRef
		if payload.PartyID != 0 {
			kind := finance.PartyCustomer
			if payload.Kind == string(finance.PartyVendor) {
				kind = finance.PartyVendor
			}
			refs = []finance.PartyRef{{PartyID: payload.PartyID, Kind: kind}}
		} else {
			var err error
			refs, err = svc.ListPartyRefs(ctx)
			if err != nil {
				return err
			}
		}

		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(balanceRecalcConcurrency)
		for _, ref := range refs {
			g.Go(func() error {
				balance, err := svc.RecalculatePartyBalance(ctx, ref)
				if err != nil {
					logger.Error("balance recalc failed",
						slog.Int64("party_id", ref.PartyID),
						slog.String("kind", string(ref.Kind)),
						slog.Any("error", err))
					return err
				}
				logger.Debug("balance recalculated",
					slog.Int64("party_id", ref.PartyID),
					slog.String("kind", string(ref.Kind)),
					slog.String("outstanding", balance.Outstanding.String()))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		logger.Info("balance recalc sweep complete", slog.Int("parties", len(refs)))
		return nil
	}
}
