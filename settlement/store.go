package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTransitionConflict means the conditional status update found the escrow
// in a different state than expected, i.e. a concurrent transition won.
var ErrTransitionConflict = errors.New("settlement: concurrent status transition lost")

// Store provides the narrow persistence operations the orchestrator needs.
// The conditional transition is the at-most-once payout guard: it requires the
// pre-transition status to still hold at write time, which works across
// multiple stateless orchestrator instances.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps a gorm handle. The clock is overridable for tests.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Escrow loads one escrow record.
func (s *Store) Escrow(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var escrow Escrow
	if err := s.db.WithContext(ctx).First(&escrow, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, fmt.Errorf("settlement: load escrow: %w", err)
	}
	return &escrow, nil
}

// Project loads the owning project's state.
func (s *Store) Project(ctx context.Context, id uuid.UUID) (*Project, error) {
	var project Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("settlement: load project: %w", err)
	}
	return &project, nil
}

// PayeeProfile loads the payee's captured payout addresses. A missing profile
// is returned as nil, not an error; address resolution treats it as "no
// stored address".
func (s *Store) PayeeProfile(ctx context.Context, id uuid.UUID) (*PayeeProfile, error) {
	var profile PayeeProfile
	if err := s.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("settlement: load payee profile: %w", err)
	}
	return &profile, nil
}

// TransitionStatus performs the conditional escrow state transition. The
// update only lands when the current status equals expected; zero rows
// affected surfaces as ErrTransitionConflict.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next EscrowStatus, fields map[string]any) error {
	updates := map[string]any{
		"status":     next,
		"updated_at": s.now().UTC(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := s.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("settlement: transition escrow %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTransitionConflict
	}
	return nil
}

// RecordTxReference attaches a transaction reference to the escrow without
// touching its status. Used when an outcome is ambiguous (unconfirmed) and
// the reference must survive for reconciliation.
func (s *Store) RecordTxReference(ctx context.Context, id uuid.UUID, reference string) error {
	result := s.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("id = ?", id).
		Updates(map[string]any{"tx_reference": reference, "updated_at": s.now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("settlement: record tx reference: %w", result.Error)
	}
	return nil
}

// RecordReconciliation journals a funds-moved/state-not-updated condition.
func (s *Store) RecordReconciliation(ctx context.Context, escrowID uuid.UUID, reference, reason string) error {
	entry := ReconciliationEntry{
		ID:          uuid.New(),
		EscrowID:    escrowID,
		TxReference: reference,
		Reason:      reason,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("settlement: record reconciliation: %w", err)
	}
	return nil
}

// HasOpenReconciliation reports whether the escrow carries a journal entry
// whose transfer outcome has not been resolved yet.
func (s *Store) HasOpenReconciliation(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ReconciliationEntry{}).
		Where("escrow_id = ? AND resolved_at IS NULL", escrowID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("settlement: count open reconciliations: %w", err)
	}
	return count > 0, nil
}

// ResolveReconciliation closes a journal entry once its transfer outcome is
// known, unblocking further releases of the escrow.
func (s *Store) ResolveReconciliation(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&ReconciliationEntry{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", s.now().UTC())
	if result.Error != nil {
		return fmt.Errorf("settlement: resolve reconciliation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrReconciliationNotFound
	}
	return nil
}

// SaveAltAddress persists a captured alternate-chain payout address on both
// the escrow and the payee profile so later releases skip re-resolution.
func (s *Store) SaveAltAddress(ctx context.Context, escrowID, payeeID uuid.UUID, address string) error {
	if err := s.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("id = ?", escrowID).
		Update("alt_payee_address", address).Error; err != nil {
		return fmt.Errorf("settlement: save escrow alt address: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Model(&PayeeProfile{}).
		Where("id = ?", payeeID).
		Update("alt_wallet_address", address).Error; err != nil {
		return fmt.Errorf("settlement: save profile alt address: %w", err)
	}
	return nil
}
