// Package ledger is the authoritative, append-only store of escrow,
// milestone, and transaction state. It owns the only write path into
// financial rows and enforces the financial invariants:
//
//   - sum(milestone.amount) == escrow.total_amount, always
//   - ledger entries are append-only and immutable once confirmed
//   - a repeated idempotency key returns the existing entry unchanged
//
// All mutating calls run under a per-escrow lock so concurrent
// release/refund/dispute requests on one escrow queue rather than interleave.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paylock/internal/idgen"
	"github.com/mbd888/paylock/internal/syncutil"
)

var (
	ErrNotFound       = errors.New("ledger: not found")
	ErrValidation     = errors.New("ledger: validation failed")
	ErrConflict       = errors.New("ledger: concurrent mutation conflict")
	ErrDuplicateEntry = errors.New("ledger: duplicate idempotency key")
	ErrImmutable      = errors.New("ledger: entry is confirmed and immutable")
)

// EscrowStatus represents the state of an escrow.
type EscrowStatus string

const (
	EscrowCreated           EscrowStatus = "created"
	EscrowFundingPending    EscrowStatus = "funding_pending"
	EscrowFunded            EscrowStatus = "funded"
	EscrowPartiallyReleased EscrowStatus = "partially_released"
	EscrowFullyReleased     EscrowStatus = "fully_released"
	EscrowDisputed          EscrowStatus = "disputed"
	EscrowRefunded          EscrowStatus = "refunded"
	EscrowCancelled         EscrowStatus = "cancelled"
	EscrowExpired           EscrowStatus = "expired"
)

// IsTerminal returns true if the status is a final escrow state.
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowFullyReleased, EscrowRefunded, EscrowCancelled, EscrowExpired:
		return true
	}
	return false
}

// MilestoneStatus represents the state of a milestone.
type MilestoneStatus string

const (
	MilestonePending          MilestoneStatus = "pending"
	MilestoneReleaseRequested MilestoneStatus = "release_requested"
	MilestoneReleased         MilestoneStatus = "released"
	MilestoneDisputed         MilestoneStatus = "disputed"
	MilestoneRefunded         MilestoneStatus = "refunded"
	MilestoneReleaseFailed    MilestoneStatus = "release_failed"
)

// IsTerminal returns true if no further transitions are expected.
// release_failed is terminal but alertable: it needs an operator, not a buyer.
func (s MilestoneStatus) IsTerminal() bool {
	switch s {
	case MilestoneReleased, MilestoneRefunded, MilestoneReleaseFailed:
		return true
	}
	return false
}

// EntryType classifies a financial movement.
type EntryType string

const (
	EntryFund    EntryType = "fund"
	EntryRelease EntryType = "release"
	EntryRefund  EntryType = "refund"
	EntryFee     EntryType = "fee"
)

// EntryStatus tracks whether a movement has been confirmed by the rail.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryConfirmed EntryStatus = "confirmed"
	EntryFailed    EntryStatus = "failed"
)

// Escrow holds buyer funds pending supplier milestones.
// All amounts are integer minor currency units.
type Escrow struct {
	ID          string       `json:"id"`
	BuyerID     string       `json:"buyerId"`
	SupplierID  string       `json:"supplierId"`
	TotalAmount int64        `json:"totalAmount"`
	Currency    string       `json:"currency"`
	Status      EscrowStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Milestone is an independently releasable portion of escrowed funds.
type Milestone struct {
	ID          string          `json:"id"`
	EscrowID    string          `json:"escrowId"`
	Amount      int64           `json:"amount"`
	Status      MilestoneStatus `json:"status"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	ReleasedAt  *time.Time      `json:"releasedAt,omitempty"`
	ExternalRef string          `json:"externalRef,omitempty"`
}

// Entry is an immutable record of one financial movement.
type Entry struct {
	ID                    string      `json:"id"`
	EscrowID              string      `json:"escrowId"`
	MilestoneID           string      `json:"milestoneId,omitempty"`
	Type                  EntryType   `json:"type"`
	Amount                int64       `json:"amount"`
	ExternalTransactionID string      `json:"externalTransactionId,omitempty"`
	Status                EntryStatus `json:"status"`
	IdempotencyKey        string      `json:"idempotencyKey"`
	CreatedAt             time.Time   `json:"createdAt"`
}

// MilestoneSpec describes one milestone at escrow creation time.
type MilestoneSpec struct {
	Amount  int64      `json:"amount" binding:"required"`
	DueDate *time.Time `json:"dueDate,omitempty"`
}

// Store persists escrow financial state.
type Store interface {
	CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrowStatus(ctx context.Context, id string, status EscrowStatus, updatedAt time.Time) error
	ListEscrowsByStatus(ctx context.Context, status EscrowStatus, olderThan time.Time, limit int) ([]*Escrow, error)

	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error
	ListMilestonesByStatus(ctx context.Context, status MilestoneStatus, olderThan time.Time, limit int) ([]*Milestone, error)

	// InsertEntry returns ErrDuplicateEntry if the idempotency key exists.
	InsertEntry(ctx context.Context, e *Entry) error
	GetEntryByKey(ctx context.Context, idempotencyKey string) (*Entry, error)
	// UpdateEntry returns ErrImmutable for entries already confirmed.
	UpdateEntry(ctx context.Context, id string, status EntryStatus, externalTransactionID string) error
	ListEntries(ctx context.Context, escrowID string) ([]*Entry, error)
	ListEntriesForMilestone(ctx context.Context, milestoneID string) ([]*Entry, error)
	SumEntries(ctx context.Context, escrowID string, typ EntryType, status EntryStatus) (int64, error)
}

// CreateEscrowRequest contains the parameters for creating an escrow.
type CreateEscrowRequest struct {
	BuyerID    string          `json:"buyerId" binding:"required"`
	SupplierID string          `json:"supplierId" binding:"required"`
	Total      int64           `json:"totalAmount" binding:"required"`
	Currency   string          `json:"currency" binding:"required"`
	Milestones []MilestoneSpec `json:"milestones" binding:"required"`
}

// AppendRequest contains the parameters for appending a ledger entry.
type AppendRequest struct {
	EscrowID              string
	MilestoneID           string
	Type                  EntryType
	Amount                int64
	ExternalTransactionID string
	Status                EntryStatus
	IdempotencyKey        string
}

// Service implements ledger business logic.
type Service struct {
	store Store
	locks *syncutil.ContextShardedMutex
}

// NewService creates a new ledger service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: syncutil.NewContextShardedMutex(),
	}
}

// WithEscrowLock runs fn while holding the per-escrow mutex. Every mutating
// path for one escrow funnels through here, including the orchestrator's
// multi-step transitions.
func (s *Service) WithEscrowLock(ctx context.Context, escrowID string, fn func() error) error {
	unlock, err := s.locks.LockContext(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	defer unlock()
	return fn()
}

// CreateEscrow creates an escrow and its milestones.
// Fails with ErrValidation if milestone amounts don't sum to the total,
// any amount is non-positive, or there are no milestones.
func (s *Service) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*Escrow, []*Milestone, error) {
	if len(req.Milestones) < 1 {
		return nil, nil, fmt.Errorf("%w: at least one milestone is required", ErrValidation)
	}
	if req.Total <= 0 {
		return nil, nil, fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}

	var sum int64
	for i, spec := range req.Milestones {
		if spec.Amount <= 0 {
			return nil, nil, fmt.Errorf("%w: milestones[%d] amount must be positive", ErrValidation, i)
		}
		sum += spec.Amount
	}
	if sum != req.Total {
		return nil, nil, fmt.Errorf("%w: milestone amounts sum to %d but total is %d",
			ErrValidation, sum, req.Total)
	}

	now := time.Now()
	e := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		BuyerID:     req.BuyerID,
		SupplierID:  req.SupplierID,
		TotalAmount: req.Total,
		Currency:    req.Currency,
		Status:      EscrowCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	milestones := make([]*Milestone, len(req.Milestones))
	for i, spec := range req.Milestones {
		milestones[i] = &Milestone{
			ID:       idgen.WithPrefix("mst_"),
			EscrowID: e.ID,
			Amount:   spec.Amount,
			Status:   MilestonePending,
			DueDate:  spec.DueDate,
		}
	}

	done := observeOp("create_escrow")
	defer done()

	if err := s.store.CreateEscrow(ctx, e, milestones); err != nil {
		return nil, nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	return e, milestones, nil
}

// AppendEntry appends a ledger entry. If an entry with the same idempotency
// key already exists it is returned unchanged and the second return value is
// true. This is the system's idempotent-insert primitive: retries and webhook
// replays collapse onto one row. The store's unique key on idempotency_key is
// the hard gate, so AppendEntry is safe without the escrow lock; callers
// composing multi-step transitions hold WithEscrowLock around it.
func (s *Service) AppendEntry(ctx context.Context, req AppendRequest) (*Entry, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("%w: entry amount must be positive", ErrValidation)
	}
	switch req.Type {
	case EntryFund, EntryRelease, EntryRefund, EntryFee:
	default:
		return nil, false, fmt.Errorf("%w: unknown entry type %q", ErrValidation, req.Type)
	}

	status := req.Status
	if status == "" {
		status = EntryPending
	}

	done := observeOp("append_entry")
	defer done()

	if _, err := s.store.GetEscrow(ctx, req.EscrowID); err != nil {
		return nil, false, err
	}

	e := &Entry{
		ID:                    idgen.WithPrefix("led_"),
		EscrowID:              req.EscrowID,
		MilestoneID:           req.MilestoneID,
		Type:                  req.Type,
		Amount:                req.Amount,
		ExternalTransactionID: req.ExternalTransactionID,
		Status:                status,
		IdempotencyKey:        req.IdempotencyKey,
		CreatedAt:             time.Now(),
	}

	err := s.store.InsertEntry(ctx, e)
	if errors.Is(err, ErrDuplicateEntry) {
		prior, getErr := s.store.GetEntryByKey(ctx, req.IdempotencyKey)
		if getErr != nil {
			return nil, false, getErr
		}
		return prior, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return e, false, nil
}

// ConfirmEntry marks a pending entry confirmed and records the external
// transaction ID. Confirmed entries are immutable; confirming twice with the
// same external reference is a no-op.
func (s *Service) ConfirmEntry(ctx context.Context, entryID, externalTransactionID string) error {
	done := observeOp("confirm_entry")
	defer done()

	return s.store.UpdateEntry(ctx, entryID, EntryConfirmed, externalTransactionID)
}

// FailEntry marks a pending entry failed.
func (s *Service) FailEntry(ctx context.Context, entryID string) error {
	done := observeOp("fail_entry")
	defer done()

	return s.store.UpdateEntry(ctx, entryID, EntryFailed, "")
}

// RecordExternalRef stores the provider transaction ID on a still-pending
// entry, so an in-flight movement can be chased if its confirmation is lost.
func (s *Service) RecordExternalRef(ctx context.Context, entryID, externalTransactionID string) error {
	done := observeOp("record_external_ref")
	defer done()

	return s.store.UpdateEntry(ctx, entryID, EntryPending, externalTransactionID)
}

// GetEscrow returns an escrow by ID.
func (s *Service) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// GetMilestone returns a milestone by ID.
func (s *Service) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return s.store.GetMilestone(ctx, id)
}

// ListMilestones returns the milestones of an escrow.
func (s *Service) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	return s.store.ListMilestones(ctx, escrowID)
}

// ListEntries returns the ledger entries of an escrow.
func (s *Service) ListEntries(ctx context.Context, escrowID string) ([]*Entry, error) {
	return s.store.ListEntries(ctx, escrowID)
}

// ListEntriesForMilestone returns the ledger entries tied to one milestone.
func (s *Service) ListEntriesForMilestone(ctx context.Context, milestoneID string) ([]*Entry, error) {
	return s.store.ListEntriesForMilestone(ctx, milestoneID)
}

// GetEntryByKey returns the entry recorded under an idempotency key.
func (s *Service) GetEntryByKey(ctx context.Context, key string) (*Entry, error) {
	return s.store.GetEntryByKey(ctx, key)
}

// SumConfirmed returns the confirmed total for one entry type on an escrow
// (e.g. confirmed deposits while funding).
func (s *Service) SumConfirmed(ctx context.Context, escrowID string, typ EntryType) (int64, error) {
	return s.store.SumEntries(ctx, escrowID, typ, EntryConfirmed)
}

// UpdateEscrowStatus transitions the escrow row. Caller must hold the escrow
// lock (the orchestrator funnels through WithEscrowLock).
func (s *Service) UpdateEscrowStatus(ctx context.Context, id string, status EscrowStatus) error {
	done := observeOp("update_escrow_status")
	defer done()

	if err := s.store.UpdateEscrowStatus(ctx, id, status, time.Now()); err != nil {
		return err
	}
	return s.checkInvariant(ctx, id)
}

// UpdateMilestone persists milestone changes. Caller must hold the escrow lock.
func (s *Service) UpdateMilestone(ctx context.Context, m *Milestone) error {
	done := observeOp("update_milestone")
	defer done()

	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return err
	}
	return s.checkInvariant(ctx, m.EscrowID)
}

// ListEscrowsByStatus returns escrows in a status older than the cutoff.
func (s *Service) ListEscrowsByStatus(ctx context.Context, status EscrowStatus, olderThan time.Time, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListEscrowsByStatus(ctx, status, olderThan, limit)
}

// ListMilestonesByStatus returns milestones in a status older than the cutoff.
// Used by the reconciliation sweep to find stuck release requests.
func (s *Service) ListMilestonesByStatus(ctx context.Context, status MilestoneStatus, olderThan time.Time, limit int) ([]*Milestone, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListMilestonesByStatus(ctx, status, olderThan, limit)
}

// checkInvariant re-verifies sum(milestone.amount) == escrow.total_amount
// after a mutation. A violation here means a code bug, not bad input.
func (s *Service) checkInvariant(ctx context.Context, escrowID string) error {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	milestones, err := s.store.ListMilestones(ctx, escrowID)
	if err != nil {
		return err
	}
	var sum int64
	for _, m := range milestones {
		sum += m.Amount
	}
	if sum != e.TotalAmount {
		invariantViolations.Inc()
		return fmt.Errorf("%w: escrow %s milestones sum to %d, total is %d",
			ErrValidation, escrowID, sum, e.TotalAmount)
	}
	return nil
}
