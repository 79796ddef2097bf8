package settlement

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"marketpay/crypto"
	"marketpay/ledger"
)

type fakeTxReader struct {
	record *ledger.TransactionRecord
	err    error
}

func (f *fakeTxReader) Transaction(context.Context, string) (*ledger.TransactionRecord, error) {
	return f.record, f.err
}

func paymentRecord(payer string, changes ...ledger.TokenBalanceChange) *ledger.TransactionRecord {
	return &ledger.TransactionRecord{
		Reference:    "0xabc",
		Height:       42,
		FeePayer:     payer,
		TokenChanges: changes,
	}
}

func change(owner crypto.Address, token string, pre, post int64) ledger.TokenBalanceChange {
	c := ledger.TokenBalanceChange{
		Owner: owner.String(),
		Token: token,
		Post:  big.NewInt(post),
	}
	if pre >= 0 {
		c.Pre = big.NewInt(pre)
	}
	return c
}

func TestVerifyInboundAcceptsExactPayment(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	mint := testAddress(t)

	reader := &fakeTxReader{record: paymentRecord(payer.String(), change(custodial, mint.String(), 100, 5100))}
	v := NewVerifier(reader, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(5000))
	require.NoError(t, err)
	require.True(t, got.Verified)
	require.Equal(t, int64(5000), got.ObservedAmount.Int64())
}

func TestVerifyInboundCountsCreatedAccounts(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	mint := testAddress(t)

	// The receiving token account was created inside the transaction: no
	// pre-balance exists, the full post-balance is the credit.
	reader := &fakeTxReader{record: paymentRecord(payer.String(), change(custodial, mint.String(), -1, 5000))}
	v := NewVerifier(reader, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(5000))
	require.NoError(t, err)
	require.True(t, got.Verified, "payment into a created account must be detected")
}

func TestVerifyInboundAmountMismatch(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	mint := testAddress(t)

	// Claimed 5000 minor units, only 4900 actually arrived.
	reader := &fakeTxReader{record: paymentRecord(payer.String(), change(custodial, mint.String(), 0, 4900))}
	v := NewVerifier(reader, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(5000))
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Equal(t, int64(4900), got.ObservedAmount.Int64())
	require.Contains(t, got.Reason, "4900", "the reason must report the observed amount")
	require.Contains(t, got.Reason, "5000", "the reason must report the expected amount")
}

func TestVerifyInboundTolerance(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	mint := testAddress(t)

	reader := &fakeTxReader{record: paymentRecord(payer.String(), change(custodial, mint.String(), 0, 4999))}
	v := NewVerifier(reader, custodial, WithTolerance(big.NewInt(1)))

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(5000))
	require.NoError(t, err)
	require.True(t, got.Verified, "one minor unit short is within tolerance")

	reader.record = paymentRecord(payer.String(), change(custodial, mint.String(), 0, 4998))
	got, err = v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(5000))
	require.NoError(t, err)
	require.False(t, got.Verified, "two minor units short is outside tolerance")
}

func TestVerifyInboundFeePayerMismatch(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	stranger := testAddress(t)
	mint := testAddress(t)

	// The amount is right but someone else signed and paid for the
	// transaction; a matching amount alone proves nothing.
	reader := &fakeTxReader{record: paymentRecord(stranger.String(), change(custodial, mint.String(), 0, 5000))}
	v := NewVerifier(reader, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(5000))
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Contains(t, got.Reason, "payer")
}

func TestVerifyInboundIgnoresOtherTokensAndOwners(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	mint := testAddress(t)
	otherMint := testAddress(t)
	otherOwner := testAddress(t)

	reader := &fakeTxReader{record: paymentRecord(payer.String(),
		change(custodial, mint.String(), 0, 3000),
		change(custodial, otherMint.String(), 0, 9999),
		change(otherOwner, mint.String(), 0, 2000),
	)}
	v := NewVerifier(reader, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), mint.String(), big.NewInt(3000))
	require.NoError(t, err)
	require.True(t, got.Verified)
	require.Equal(t, int64(3000), got.ObservedAmount.Int64(), "only the expected token's custodial credit counts")
}

func TestVerifyInboundNotFound(t *testing.T) {
	custodial := testAddress(t)
	v := NewVerifier(&fakeTxReader{}, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", "mp1payer", "mp1mint", big.NewInt(1))
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.NotEmpty(t, got.Reason)
}

func TestVerifyInboundFailedTransaction(t *testing.T) {
	custodial := testAddress(t)
	payer := testAddress(t)
	record := paymentRecord(payer.String())
	record.Failed = true
	record.FailureReason = "program error"
	v := NewVerifier(&fakeTxReader{record: record}, custodial)

	got, err := v.VerifyInbound(context.Background(), "0xabc", payer.String(), "mp1mint", big.NewInt(1))
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Contains(t, got.Reason, "program error")
}
