package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/reconciler"
	"github.com/rcourtman/pulse-billing/internal/billing/store"
	model "github.com/rcourtman/pulse-billing/pkg/billing"
)

const defaultSweepInterval = time.Hour

// sweptStatuses carry a deadline that the clock alone can pass.
var sweptStatuses = []model.Status{
	model.StatusActiveTrial,
	model.StatusMissedPayment,
	model.StatusCanceledButActive,
}

// SweepStore is the slice of the account store the sweeper reads.
type SweepStore interface {
	ListAccounts(ctx context.Context, filter store.ListFilter) ([]*model.Account, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// Expirer persists the clock-driven transitions due for one account.
type Expirer interface {
	Expire(ctx context.Context, accountID string) (reconciler.Result, error)
}

// Sweeper periodically persists deadlines that passed without a provider
// event: trial ends, grace expiry and scheduled cancellations. Snapshots
// already reflect these at read time; the sweep makes the stored status and
// the cache agree with them.
type Sweeper struct {
	store    SweepStore
	expirer  Expirer
	interval time.Duration
}

// NewSweeper creates a Sweeper. A non-positive interval uses the default.
func NewSweeper(st SweepStore, exp Expirer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{store: st, expirer: exp, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Lifecycle sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for the status gauge.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Lifecycle sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of accounts transitioned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	defer s.updateGauges(ctx)

	accounts, err := s.store.ListAccounts(ctx, store.ListFilter{Statuses: sweptStatuses})
	if err != nil {
		log.Error().Err(err).Msg("Lifecycle sweeper: failed to list accounts")
		return 0
	}

	transitioned := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return transitioned
		}
		if acct == nil {
			continue
		}

		res, err := s.expirer.Expire(ctx, acct.ID)
		if err != nil {
			log.Error().Err(err).Str("account_id", acct.ID).Msg("Lifecycle sweeper: expire failed")
			continue
		}
		if res.Outcome != reconciler.OutcomeApplied {
			continue
		}

		transitioned++
		bmetrics.SweepTransitions.WithLabelValues(string(res.From), string(res.To)).Inc()
		log.Info().
			Str("account_id", acct.ID).
			Str("from", string(res.From)).
			Str("to", string(res.To)).
			Msg("Lifecycle deadline passed")
	}
	return transitioned
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update account status metrics")
		return
	}

	// Stable label set for known statuses.
	for _, status := range model.AllStatuses {
		bmetrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
