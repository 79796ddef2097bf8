package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"marketpay/crypto"
	"marketpay/ledger"
)

// Verification is the outcome of inspecting a claimed inbound payment. A
// legitimate rejection is not an error: Verified is false and Reason says why,
// with the observed amount reported for audit.
type Verification struct {
	Verified       bool
	ObservedAmount *big.Int
	Reason         string
}

// Verifier decides whether a claimed transaction constitutes a valid payment
// of an expected amount from an expected payer to the custodial account. Used
// for out-of-band flows where the platform did not initiate the transfer.
// transactionReader is the single read the verifier performs. *ledger.Reader
// satisfies it.
type transactionReader interface {
	Transaction(ctx context.Context, reference string) (*ledger.TransactionRecord, error)
}

type Verifier struct {
	reader    transactionReader
	custodial crypto.Address
	tolerance *big.Int
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithTolerance sets the minor-unit tolerance absorbed when comparing the
// observed amount against the expected one.
func WithTolerance(tolerance *big.Int) VerifierOption {
	return func(v *Verifier) {
		if tolerance != nil && tolerance.Sign() >= 0 {
			v.tolerance = new(big.Int).Set(tolerance)
		}
	}
}

// NewVerifier builds a verifier for payments into the custodial account.
func NewVerifier(reader transactionReader, custodial crypto.Address, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		reader:    reader,
		custodial: custodial,
		tolerance: big.NewInt(0),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyInbound fetches and inspects the claimed transaction. Only endpoint
// exhaustion is returned as an error; every other outcome is a Verification.
func (v *Verifier) VerifyInbound(ctx context.Context, reference, expectedPayer, token string, expectedAmount *big.Int) (Verification, error) {
	record, err := v.reader.Transaction(ctx, reference)
	if err != nil {
		return Verification{}, err
	}
	if record == nil {
		return Verification{ObservedAmount: new(big.Int), Reason: "transaction not found on ledger"}, nil
	}
	if record.Failed {
		reason := "transaction failed on ledger"
		if record.FailureReason != "" {
			reason = fmt.Sprintf("transaction failed on ledger: %s", record.FailureReason)
		}
		return Verification{ObservedAmount: new(big.Int), Reason: reason}, nil
	}
	if !sameAddress(record.FeePayer, expectedPayer) {
		return Verification{
			ObservedAmount: new(big.Int),
			Reason:         fmt.Sprintf("fee payer %s does not match expected payer %s", record.FeePayer, expectedPayer),
		}, nil
	}

	// Sum the positive deltas of the expected token credited to accounts the
	// custodial identity owns. A token account created by this transaction
	// has no prior balance; Delta treats the missing pre-balance as zero, so
	// a freshly created receiving account is still detected.
	observed := new(big.Int)
	custodialStr := v.custodial.String()
	for _, change := range record.TokenChanges {
		if !strings.EqualFold(change.Token, token) {
			continue
		}
		if !sameAddress(change.Owner, custodialStr) {
			continue
		}
		if delta := change.Delta(); delta.Sign() > 0 {
			observed.Add(observed, delta)
		}
	}

	diff := new(big.Int).Sub(observed, expectedAmount)
	if diff.CmpAbs(v.tolerance) > 0 {
		mismatch := &AmountMismatchError{Expected: new(big.Int).Set(expectedAmount), Observed: observed}
		return Verification{ObservedAmount: observed, Reason: mismatch.Error()}, nil
	}
	return Verification{Verified: true, ObservedAmount: observed}, nil
}

// sameAddress compares two address strings, decoding bech32 forms so prefix
// differences do not defeat the comparison.
func sameAddress(a, b string) bool {
	da, errA := crypto.DecodeAddress(a)
	db, errB := crypto.DecodeAddress(b)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
