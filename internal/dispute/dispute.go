// Package dispute tracks buyer objections to milestones. A dispute freezes
// its milestone (no releases) until an operator with the resolve capability
// decides the outcome: pay the supplier anyway, or refund the buyer. The
// money movement itself is the escrow orchestrator's job; this package owns
// the case record and the decision workflow.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/paylock/internal/escrow"
	"github.com/mbd888/paylock/internal/idgen"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrAlreadyOpen     = errors.New("dispute: milestone already has an open dispute")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrBadOutcome      = errors.New("dispute: outcome must be release or refund")
)

// Status of a dispute case.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome of a resolved dispute.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Dispute is one case against a milestone.
type Dispute struct {
	ID          string     `json:"id"`
	EscrowID    string     `json:"escrowId"`
	MilestoneID string     `json:"milestoneId"`
	OpenedBy    string     `json:"openedBy"`
	Reason      string     `json:"reason"`
	Status      Status     `json:"status"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	Note        string     `json:"note,omitempty"`
	OpenedAt    time.Time  `json:"openedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists dispute cases.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByMilestone(ctx context.Context, milestoneID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
}

// Arbiter is the orchestrator surface the dispute workflow drives.
type Arbiter interface {
	MarkDisputed(ctx context.Context, escrowID, milestoneID, reason string) error
	ResolveDisputeRelease(ctx context.Context, escrowID, milestoneID string) error
	ResolveDisputeRefund(ctx context.Context, escrowID, milestoneID string) error
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	OpenedBy string `json:"openedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
	Note    string  `json:"note"`
}

// Manager implements the dispute workflow.
type Manager struct {
	store   Store
	arbiter Arbiter
	logger  *slog.Logger
}

// NewManager creates a dispute manager.
func NewManager(store Store, arbiter Arbiter) *Manager {
	return &Manager{
		store:   store,
		arbiter: arbiter,
		logger:  slog.Default(),
	}
}

// WithLogger sets the structured logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// Open opens a dispute against a milestone and freezes it. The milestone
// state transition runs under the escrow lock, so two concurrent opens on
// one milestone collapse to a single winner.
func (m *Manager) Open(ctx context.Context, escrowID, milestoneID string, req OpenRequest) (*Dispute, error) {
	// The milestone transition is the serialization point: a second open
	// sees the milestone already disputed.
	if err := m.arbiter.MarkDisputed(ctx, escrowID, milestoneID, req.Reason); err != nil {
		if !errors.Is(err, escrow.ErrDisputed) {
			return nil, err
		}
		if prior, lookupErr := m.store.GetOpenByMilestone(ctx, milestoneID); lookupErr == nil {
			return prior, ErrAlreadyOpen
		}
		// Milestone frozen with no open record: a prior Open failed
		// between the transition and the insert. Fall through and write
		// the missing row so the dispute becomes resolvable.
		m.logger.Warn("disputed milestone had no open dispute record, recovering",
			"escrow_id", escrowID, "milestone_id", milestoneID)
	}

	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    escrowID,
		MilestoneID: milestoneID,
		OpenedBy:    req.OpenedBy,
		Reason:      req.Reason,
		Status:      StatusOpen,
		OpenedAt:    time.Now(),
	}
	if err := m.store.Create(ctx, d); err != nil {
		// The store's one-open-per-milestone guard closes the race where
		// another opener inserted between our lookup and this write.
		if errors.Is(err, ErrAlreadyOpen) {
			if prior, lookupErr := m.store.GetOpenByMilestone(ctx, milestoneID); lookupErr == nil {
				return prior, ErrAlreadyOpen
			}
		}
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	m.logger.Info("dispute opened",
		"dispute_id", d.ID, "escrow_id", escrowID, "milestone_id", milestoneID, "opened_by", req.OpenedBy)
	return d, nil
}

// Resolve closes a dispute with the given outcome and drives the resulting
// money movement. Only callers holding the dispute:resolve capability reach
// this (enforced at the route).
func (m *Manager) Resolve(ctx context.Context, disputeID, resolvedBy string, req ResolveRequest) (*Dispute, error) {
	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	switch req.Outcome {
	case OutcomeRelease:
		err = m.arbiter.ResolveDisputeRelease(ctx, d.EscrowID, d.MilestoneID)
	case OutcomeRefund:
		err = m.arbiter.ResolveDisputeRefund(ctx, d.EscrowID, d.MilestoneID)
	default:
		return nil, ErrBadOutcome
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = StatusResolved
	d.Outcome = req.Outcome
	d.ResolvedBy = resolvedBy
	d.Note = req.Note
	d.ResolvedAt = &now
	if err := m.store.Update(ctx, d); err != nil {
		// The movement already happened; the case record must follow.
		m.logger.Error("dispute resolved but record update failed",
			"dispute_id", d.ID, "error", err)
		return nil, err
	}

	m.logger.Info("dispute resolved",
		"dispute_id", d.ID, "outcome", req.Outcome, "resolved_by", resolvedBy)
	return d, nil
}

// Get returns a dispute by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	return m.store.Get(ctx, id)
}

// ListByEscrow returns all disputes for an escrow.
func (m *Manager) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return m.store.ListByEscrow(ctx, escrowID)
}
