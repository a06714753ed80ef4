// Package reconciliation sweeps for escrow state that drifted from the
// provider: milestones stuck in release_requested because a dispatch
// result or webhook got lost. For each stuck milestone it asks the
// provider what actually happened and converges the ledger to that
// answer. Ambiguous dispatches are re-sent under the original
// idempotency key, so chasing a payout can never double-pay it.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paylock/internal/escrow"
	"github.com/mbd888/paylock/internal/gateway"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/metrics"
)

// DefaultStuckAfter is how long a release may pend before being chased.
const DefaultStuckAfter = 10 * time.Minute

// Service chases stuck money movements.
type Service struct {
	ledger *ledger.Service
	orch   *escrow.Orchestrator
	gw     gateway.Gateway
	logger *slog.Logger

	stuckAfter  time.Duration
	maxAttempts int

	// inFlight keeps one reconciliation per milestone at a time; overlapping
	// sweeps and manual triggers skip instead of racing.
	inFlight sync.Map

	// failures counts consecutive unsuccessful chases per milestone. Past
	// maxAttempts the milestone is flagged for a human and left alone.
	failures sync.Map
	flagged  sync.Map
}

// NewService creates a reconciliation service.
func NewService(l *ledger.Service, orch *escrow.Orchestrator, gw gateway.Gateway) *Service {
	return &Service{
		ledger:      l,
		orch:        orch,
		gw:          gw,
		logger:      slog.Default(),
		stuckAfter:  DefaultStuckAfter,
		maxAttempts: 5,
	}
}

// WithLogger sets the structured logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithStuckAfter sets how long a release may pend before being chased.
func (s *Service) WithStuckAfter(d time.Duration) *Service {
	if d > 0 {
		s.stuckAfter = d
	}
	return s
}

// WithMaxAttempts sets how many chases a milestone gets before manual review.
func (s *Service) WithMaxAttempts(n int) *Service {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// Sweep runs one reconciliation pass over all stuck milestones.
func (s *Service) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := time.Now().Add(-s.stuckAfter)
	stuck, err := s.ledger.ListMilestonesByStatus(ctx, ledger.MilestoneReleaseRequested, cutoff, 100)
	if err != nil {
		reconcileErrors.Inc()
		s.logger.Warn("failed to list stuck milestones", "error", err)
		return
	}
	reconcileStuckMilestones.Set(float64(len(stuck)))

	for _, m := range stuck {
		if _, manual := s.flagged.Load(m.ID); manual {
			continue
		}
		if err := s.ReconcileMilestone(ctx, m); err != nil {
			reconcileErrors.Inc()
			s.recordFailure(m)
		} else {
			s.failures.Delete(m.ID)
		}
	}
}

// ReconcileMilestone converges one stuck milestone to the provider's view.
func (s *Service) ReconcileMilestone(ctx context.Context, m *ledger.Milestone) error {
	if _, busy := s.inFlight.LoadOrStore(m.ID, struct{}{}); busy {
		return nil // another reconciliation of this milestone is running
	}
	defer s.inFlight.Delete(m.ID)

	entry, err := s.ledger.GetEntryByKey(ctx, "release:"+m.ID)
	if err != nil {
		return fmt.Errorf("load release entry for %s: %w", m.ID, err)
	}

	switch {
	case entry.Status == ledger.EntryConfirmed:
		// Money moved but the milestone row lagged behind.
		reconcileCorrections.WithLabelValues("confirm_lagging").Inc()
		s.logger.Info("reconciliation confirming lagged release",
			"milestone_id", m.ID, "external_id", entry.ExternalTransactionID)
		return s.orch.ConfirmRelease(ctx, m.EscrowID, m.ID, entry.ExternalTransactionID)

	case entry.ExternalTransactionID != "":
		// The provider accepted the payout; ask how it ended.
		return s.chaseKnownPayout(ctx, m, entry)

	default:
		// We never learned whether the dispatch landed. Re-send under the
		// original idempotency key: the provider either replays its answer
		// or performs the movement for the first time.
		reconcileCorrections.WithLabelValues("redispatch").Inc()
		s.logger.Info("reconciliation re-dispatching ambiguous payout",
			"escrow_id", m.EscrowID, "milestone_id", m.ID)
		return s.orch.DispatchPayout(ctx, m.EscrowID, m.ID)
	}
}

func (s *Service) chaseKnownPayout(ctx context.Context, m *ledger.Milestone, entry *ledger.Entry) error {
	result, err := s.gw.GetPayout(ctx, entry.ExternalTransactionID)
	if errors.Is(err, gateway.ErrNotFound) {
		// Recorded ID the provider doesn't know: treat as never-landed.
		reconcileCorrections.WithLabelValues("redispatch").Inc()
		s.logger.Warn("provider does not know recorded payout, re-dispatching",
			"milestone_id", m.ID, "external_id", entry.ExternalTransactionID)
		return s.orch.DispatchPayout(ctx, m.EscrowID, m.ID)
	}
	if err != nil {
		return fmt.Errorf("fetch payout %s: %w", entry.ExternalTransactionID, err)
	}

	switch result.Status {
	case gateway.PayoutSucceeded:
		reconcileCorrections.WithLabelValues("confirm_drift").Inc()
		s.logger.Info("reconciliation confirming settled payout",
			"milestone_id", m.ID, "external_id", result.ExternalID)
		return s.orch.ConfirmRelease(ctx, m.EscrowID, m.ID, result.ExternalID)
	case gateway.PayoutFailed:
		reconcileCorrections.WithLabelValues("fail_drift").Inc()
		s.logger.Warn("reconciliation recording failed payout",
			"milestone_id", m.ID, "reason", result.FailureReason)
		return s.orch.MarkReleaseFailed(ctx, m.EscrowID, m.ID, result.FailureReason)
	default:
		// Still pending at the provider; nothing to correct yet.
		return nil
	}
}

// ReconcileEscrow reconciles every stuck movement of one escrow now,
// regardless of age. Exposed for the manual trigger endpoint.
func (s *Service) ReconcileEscrow(ctx context.Context, escrowID string) (int, error) {
	milestones, err := s.ledger.ListMilestones(ctx, escrowID)
	if err != nil {
		return 0, err
	}

	chased := 0
	for _, m := range milestones {
		if m.Status != ledger.MilestoneReleaseRequested {
			continue
		}
		chased++
		if err := s.ReconcileMilestone(ctx, m); err != nil {
			s.logger.Warn("manual reconciliation failed",
				"escrow_id", escrowID, "milestone_id", m.ID, "error", err)
		}
	}
	return chased, nil
}

func (s *Service) recordFailure(m *ledger.Milestone) {
	v, _ := s.failures.LoadOrStore(m.ID, 0)
	count := v.(int) + 1
	s.failures.Store(m.ID, count)

	if count >= s.maxAttempts {
		if _, already := s.flagged.LoadOrStore(m.ID, struct{}{}); !already {
			metrics.ManualReconciliationFlags.Inc()
			s.logger.Error("milestone flagged for manual reconciliation",
				"escrow_id", m.EscrowID, "milestone_id", m.ID, "attempts", count)
		}
	}
}
