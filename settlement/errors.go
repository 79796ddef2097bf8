package settlement

import (
	"errors"
	"fmt"
	"math/big"
)

// Error taxonomy for the settlement orchestrator. Preconditions fail with one
// of these before any network or signing cost is incurred.
var (
	// ErrUnauthorized means the caller is not permitted to act on the escrow.
	ErrUnauthorized = errors.New("settlement: caller not authorized")
	// ErrInvalidState means the escrow or project status does not permit the
	// operation, including double-release attempts.
	ErrInvalidState = errors.New("settlement: state does not permit operation")
	// ErrEscrowNotFound means the escrow identifier is unknown.
	ErrEscrowNotFound = errors.New("settlement: escrow not found")
	// ErrProjectNotFound means the owning project record is missing.
	ErrProjectNotFound = errors.New("settlement: project not found")
	// ErrAddressResolution means no usable payee address could be resolved
	// for the target chain.
	ErrAddressResolution = errors.New("settlement: no usable payee address for target chain")
	// ErrAccountNotFound means the custodial account or sub-account is
	// missing on the ledger.
	ErrAccountNotFound = errors.New("settlement: custodial account not found")
	// ErrNotTokenAccount means the configured custodial sub-account is not
	// owned by the token program.
	ErrNotTokenAccount = errors.New("settlement: account is not a token account")
	// ErrInsufficientBalance means the custodial balance cannot cover the
	// release; no submission is attempted.
	ErrInsufficientBalance = errors.New("settlement: insufficient custodial balance")
	// ErrUnknownToken means the escrow references a token the service has no
	// configuration for.
	ErrUnknownToken = errors.New("settlement: unknown token")
	// ErrPersistenceInconsistency means funds moved on-chain but the escrow
	// state write did not land; the transaction reference is journaled for
	// reconciliation and the caller sees a partial success.
	ErrPersistenceInconsistency = errors.New("settlement: funds moved but state update failed")
	// ErrReconciliationPending means a prior release attempt left this escrow
	// with a transfer of unknown outcome. Submitting again could pay twice,
	// so releases are blocked until the journal entry is resolved.
	ErrReconciliationPending = errors.New("settlement: prior transfer outcome unresolved, release blocked")
	// ErrReconciliationNotFound means the journal entry is unknown or
	// already resolved.
	ErrReconciliationNotFound = errors.New("settlement: reconciliation entry not found")
)

// AmountMismatchError reports a verification whose observed amount fell
// outside tolerance. Both amounts are always reported, never a bare boolean.
type AmountMismatchError struct {
	Expected *big.Int
	Observed *big.Int
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("settlement: amount mismatch: expected %s, observed %s", e.Expected, e.Observed)
}
