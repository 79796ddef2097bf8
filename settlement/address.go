package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Alternate-chain payout addresses use the 0x-hex format. Resolution walks an
// ordered list of strategies; each either resolves an address or declares
// itself not applicable, and the first success wins. Unlike the endpoint
// race this is sequential, because strategies may persist a captured address.

type altResolution struct {
	address string
	// captured marks addresses that were newly resolved and should be
	// persisted for future releases.
	captured bool
}

type altStrategy func(ctx context.Context, esc *Escrow, override string) (altResolution, bool, error)

type altResolver struct {
	store      *Store
	strategies []altStrategy
}

func newAltResolver(store *Store) *altResolver {
	r := &altResolver{store: store}
	r.strategies = []altStrategy{
		r.fromEscrow,
		r.fromProfile,
		r.fromOverride,
		r.fromFormatMatch,
	}
	return r
}

// Resolve returns the alternate-chain payout address for the escrow, or
// ErrAddressResolution with an actionable message when no strategy applies.
func (r *altResolver) Resolve(ctx context.Context, esc *Escrow, override string) (string, error) {
	for _, strategy := range r.strategies {
		resolution, ok, err := strategy(ctx, esc, override)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if resolution.captured {
			if err := r.store.SaveAltAddress(ctx, esc.ID, esc.PayeeID, resolution.address); err != nil {
				return "", err
			}
		}
		return resolution.address, nil
	}
	return "", fmt.Errorf("%w: escrow %s has no alternate-chain address on record; supply one with the release request", ErrAddressResolution, esc.ID)
}

// fromEscrow uses an address captured on the escrow by a prior attempt.
func (r *altResolver) fromEscrow(_ context.Context, esc *Escrow, _ string) (altResolution, bool, error) {
	stored := strings.TrimSpace(esc.AltPayeeAddress)
	if stored == "" {
		return altResolution{}, false, nil
	}
	if !validAltAddress(stored) {
		return altResolution{}, false, fmt.Errorf("%w: stored address %q is malformed", ErrAddressResolution, stored)
	}
	return altResolution{address: stored}, true, nil
}

// fromProfile falls back to the payee profile's captured address.
func (r *altResolver) fromProfile(ctx context.Context, esc *Escrow, _ string) (altResolution, bool, error) {
	if esc.PayeeID == uuid.Nil {
		return altResolution{}, false, nil
	}
	profile, err := r.store.PayeeProfile(ctx, esc.PayeeID)
	if err != nil {
		return altResolution{}, false, err
	}
	if profile == nil {
		return altResolution{}, false, nil
	}
	stored := strings.TrimSpace(profile.AltWalletAddress)
	if stored == "" || !validAltAddress(stored) {
		return altResolution{}, false, nil
	}
	return altResolution{address: stored, captured: true}, true, nil
}

// fromOverride accepts a caller-supplied address for this release.
func (r *altResolver) fromOverride(_ context.Context, _ *Escrow, override string) (altResolution, bool, error) {
	trimmed := strings.TrimSpace(override)
	if trimmed == "" {
		return altResolution{}, false, nil
	}
	if !validAltAddress(trimmed) {
		return altResolution{}, false, fmt.Errorf("%w: supplied address %q is not a valid alternate-chain address", ErrAddressResolution, trimmed)
	}
	return altResolution{address: trimmed, captured: true}, true, nil
}

// fromFormatMatch covers payees whose stored payout address already uses the
// alternate chain's format.
func (r *altResolver) fromFormatMatch(_ context.Context, esc *Escrow, _ string) (altResolution, bool, error) {
	stored := strings.TrimSpace(esc.PayeeAddress)
	if stored == "" || !validAltAddress(stored) {
		return altResolution{}, false, nil
	}
	return altResolution{address: stored, captured: true}, true, nil
}

func validAltAddress(addr string) bool {
	return common.IsHexAddress(addr)
}
