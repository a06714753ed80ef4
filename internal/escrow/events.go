package escrow

import "context"

// Event describes a state transition worth telling the outside world about.
type Event struct {
	Type        string `json:"type"`
	EscrowID    string `json:"escrowId"`
	MilestoneID string `json:"milestoneId,omitempty"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Event types emitted by the orchestrator.
const (
	EventEscrowCreated    = "escrow.created"
	EventFundingInitiated = "escrow.funding_initiated"
	EventEscrowFunded     = "escrow.funded"
	EventEscrowCancelled  = "escrow.cancelled"
	EventEscrowExpired    = "escrow.expired"
	EventEscrowSettled    = "escrow.settled"
	EventReleaseRequested = "milestone.release_requested"
	EventReleased         = "milestone.released"
	EventReleaseFailed    = "milestone.release_failed"
	EventRefunded         = "milestone.refunded"
	EventDisputeOpened    = "milestone.dispute_opened"
	EventDisputeResolved  = "milestone.dispute_resolved"
)

// Notifier receives orchestrator events. Implementations must not block;
// delivery is best-effort and never gates a state transition.
type Notifier interface {
	EscrowEvent(ctx context.Context, ev Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) EscrowEvent(context.Context, Event) {}
