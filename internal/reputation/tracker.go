// Package reputation maintains per-bidder rolling quality aggregates that
// feed the auction eligibility gate.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aimarket-labs/aimarket/internal/ledger"
	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/shopspring/decimal"
)

// Average quality is an exponential moving average: a bidder's first job
// seeds the average, every later job folds in at this weight.
const emaWeight = 0.1

// historyCap bounds the per-bidder outcome log; oldest entries evict first.
const historyCap = 100

// Tracker records job outcomes and serves reputation lookups. All updates
// go through optimistic concurrency on the stored record.
type Tracker struct {
	store ledger.Store
	retry ledger.RetryConfig
	now   func() time.Time
}

func NewTracker(store ledger.Store) *Tracker {
	return &Tracker{
		store: store,
		retry: ledger.DefaultRetry(),
		now:   time.Now,
	}
}

// RecordJob folds a paid job into the bidder's aggregates: job counters,
// earnings, the quality moving average, and the bounded history.
func (t *Tracker) RecordJob(ctx context.Context, bidder, category string, price decimal.Decimal, qualityScore float64) (model.ReputationRecord, error) {
	return t.update(ctx, bidder, func(rec *model.ReputationRecord) error {
		earned, err := parseAmount(rec.TotalEarned)
		if err != nil {
			return fmt.Errorf("total_earned for %s: %w", bidder, err)
		}

		rec.TotalJobs++
		rec.TotalEarned = earned.Add(price).String()
		if rec.AverageQuality == 0 {
			rec.AverageQuality = qualityScore
		} else {
			rec.AverageQuality = (1-emaWeight)*rec.AverageQuality + emaWeight*qualityScore
		}
		if rec.JobsByCategory == nil {
			rec.JobsByCategory = make(map[string]int64)
		}
		rec.JobsByCategory[category]++

		t.appendOutcome(rec, model.JobOutcome{
			Time:     t.now().UTC(),
			Category: category,
			Price:    price.String(),
			Quality:  qualityScore,
			Outcome:  "paid",
		})
		return nil
	})
}

// RecordSlash marks a settlement that resolved against the bidder. Slashes
// count separately and do not touch the quality average or earnings.
func (t *Tracker) RecordSlash(ctx context.Context, bidder, category, reason string) (model.ReputationRecord, error) {
	rec, err := t.update(ctx, bidder, func(rec *model.ReputationRecord) error {
		rec.SlashCount++
		t.appendOutcome(rec, model.JobOutcome{
			Time:     t.now().UTC(),
			Category: category,
			Price:    "0",
			Quality:  0,
			Outcome:  "slashed",
		})
		return nil
	})
	if err != nil {
		return rec, err
	}
	slog.InfoContext(ctx, "reputation_slashed", "bidder", bidder, "slash_count", rec.SlashCount, "reason", reason)
	return rec, nil
}

// Get returns the bidder's record, or ledger.ErrNotFound for bidders with
// no recorded jobs.
func (t *Tracker) Get(ctx context.Context, bidder string) (model.ReputationRecord, error) {
	rec, ver, err := t.store.GetReputation(ctx, bidder)
	if err != nil {
		return model.ReputationRecord{}, err
	}
	if ver == 0 {
		return model.ReputationRecord{}, fmt.Errorf("reputation for %s: %w", bidder, ledger.ErrNotFound)
	}
	return rec, nil
}

// Score implements the auction's reputation lookup. Unknown bidders get
// ledger.ErrNotFound; the caller substitutes its neutral score.
func (t *Tracker) Score(ctx context.Context, bidder string) (float64, error) {
	rec, err := t.Get(ctx, bidder)
	if err != nil {
		return 0, err
	}
	return rec.AverageQuality, nil
}

func (t *Tracker) update(ctx context.Context, bidder string, mutate func(*model.ReputationRecord) error) (model.ReputationRecord, error) {
	var out model.ReputationRecord
	err := ledger.WithRetry(ctx, t.retry, func() error {
		rec, ver, err := t.store.GetReputation(ctx, bidder)
		if err != nil {
			return err
		}
		if ver == 0 {
			rec = model.ReputationRecord{
				Bidder:         bidder,
				TotalEarned:    "0",
				JobsByCategory: make(map[string]int64),
			}
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = t.now().UTC()
		if err := t.store.PutReputation(ctx, rec, ver); err != nil {
			if errors.Is(err, ledger.ErrExists) {
				return ledger.ErrConflict
			}
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (t *Tracker) appendOutcome(rec *model.ReputationRecord, outcome model.JobOutcome) {
	rec.History = append(rec.History, outcome)
	if len(rec.History) > historyCap {
		rec.History = rec.History[len(rec.History)-historyCap:]
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
