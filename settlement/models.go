package settlement

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscrowStatus is the lifecycle state of an escrow record. Transitions are
// strictly forward: pending -> funded -> released, with failed reachable from
// any non-terminal state. Released and failed are terminal.
type EscrowStatus string

const (
	StatusPending  EscrowStatus = "PENDING"
	StatusFunded   EscrowStatus = "FUNDED"
	StatusReleased EscrowStatus = "RELEASED"
	StatusFailed   EscrowStatus = "FAILED"
)

// Terminal reports whether no further transition is permitted.
func (s EscrowStatus) Terminal() bool {
	return s == StatusReleased || s == StatusFailed
}

// CurrencyFamily classifies how an escrow's funds settle.
type CurrencyFamily string

const (
	// FamilyNative settles in the ledger's native coin.
	FamilyNative CurrencyFamily = "native"
	// FamilyToken settles in a program-managed token on the ledger.
	FamilyToken CurrencyFamily = "token"
	// FamilyAltChain settles in a bridged token whose payee address lives in
	// the alternate chain's format.
	FamilyAltChain CurrencyFamily = "altchain"
)

// Valid reports whether the family is a supported value.
func (f CurrencyFamily) Valid() bool {
	switch f {
	case FamilyNative, FamilyToken, FamilyAltChain:
		return true
	default:
		return false
	}
}

// ProjectState mirrors the marketplace project workflow states this subsystem
// consults; the workflow itself is owned elsewhere.
type ProjectState string

const (
	ProjectOpen         ProjectState = "OPEN"
	ProjectInProgress   ProjectState = "IN_PROGRESS"
	ProjectWorkApproved ProjectState = "WORK_APPROVED"
	ProjectClosed       ProjectState = "CLOSED"
)

// Escrow is the persisted record of custodially-held funds for one project.
// Amounts are minor-unit decimal strings.
type Escrow struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ProjectID       uuid.UUID      `gorm:"type:uuid;index"`
	PayerID         uuid.UUID      `gorm:"type:uuid;index"`
	PayeeID         uuid.UUID      `gorm:"type:uuid;index"`
	PayeeAddress    string         `gorm:"size:128"`
	AltPayeeAddress string         `gorm:"size:128"`
	Token           string         `gorm:"size:16;not null"`
	Family          CurrencyFamily `gorm:"size:16;not null"`
	Amount          string         `gorm:"not null"`
	PlatformFee     string         `gorm:"not null"`
	TotalLocked     string         `gorm:"not null"`
	Status          EscrowStatus   `gorm:"size:16;index;not null"`
	TxReference     string         `gorm:"size:128;index"`
	FundedAt        *time.Time
	ReleasedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Project carries the subset of project state the orchestrator consults.
type Project struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey"`
	OwnerID   uuid.UUID    `gorm:"type:uuid;index"`
	State     ProjectState `gorm:"size:32;index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PayeeProfile stores payout addresses captured for a marketplace user.
type PayeeProfile struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress    string    `gorm:"size:128"`
	AltWalletAddress string    `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReconciliationEntry journals a release whose funds moved on-chain but whose
// escrow state write did not land. A reconciliation job or operator resolves
// these out of band.
type ReconciliationEntry struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowID    uuid.UUID `gorm:"type:uuid;index"`
	TxReference string    `gorm:"size:128;not null"`
	Reason      string    `gorm:"size:256"`
	CreatedAt   time.Time
	// ResolvedAt is set once an operator has confirmed the transfer's final
	// outcome. Open entries block further releases of the escrow.
	ResolvedAt *time.Time
}

// AutoMigrate creates or updates the settlement tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Escrow{},
		&Project{},
		&PayeeProfile{},
		&ReconciliationEntry{},
	)
}
