package ledger

import (
	"math/big"
	"testing"

	"marketpay/crypto"
)

func testTransfer(t *testing.T, key *crypto.PrivateKey) *TransferTx {
	t.Helper()
	from := key.PubKey().Address()
	var to [20]byte
	to[19] = 0x7f
	tx := &TransferTx{
		Kind:        uint8(TxKindNative),
		From:        from.Bytes(),
		To:          to,
		Amount:      big.NewInt(125000),
		BlockHeight: 99,
		FeePayer:    from.Bytes(),
	}
	if err := tx.setBlockHash(testBlockHash); err != nil {
		t.Fatalf("set block hash: %v", err)
	}
	return tx
}

func TestSignTransferRecoversSigner(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signed, err := SignTransfer(testTransfer(t, key), key)
	if err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	signer, err := signed.Signer()
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if !signer.Equal(key.PubKey().Address()) {
		t.Fatalf("recovered %s, want %s", signer, key.PubKey().Address())
	}
}

func TestSignedTransferEncodeRoundTrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signed, err := SignTransfer(testTransfer(t, key), key)
	if err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	raw, err := signed.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSignedTransfer(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Tx.Amount.Cmp(signed.Tx.Amount) != 0 {
		t.Fatalf("amount changed across the wire: %s vs %s", decoded.Tx.Amount, signed.Tx.Amount)
	}
	wantRef, err := signed.Reference()
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	gotRef, err := decoded.Reference()
	if err != nil {
		t.Fatalf("reference after decode: %v", err)
	}
	if gotRef != wantRef {
		t.Fatalf("reference not stable across encode/decode: %s vs %s", gotRef, wantRef)
	}
}

func TestDeriveTokenAccountDeterministic(t *testing.T) {
	var ownerRaw, tokenRaw [20]byte
	ownerRaw[0] = 0x01
	tokenRaw[0] = 0x02
	owner := crypto.NewAddress(crypto.AccountPrefix, ownerRaw)
	token := crypto.NewAddress(crypto.AccountPrefix, tokenRaw)

	first := DeriveTokenAccount(owner, token)
	second := DeriveTokenAccount(owner, token)
	if !first.Equal(second) {
		t.Fatal("derivation is not deterministic")
	}
	if first.Prefix() != crypto.TokenAccountPrefix {
		t.Fatalf("derived account carries prefix %q, want token prefix", first.Prefix())
	}

	var otherRaw [20]byte
	otherRaw[0] = 0x03
	other := DeriveTokenAccount(crypto.NewAddress(crypto.AccountPrefix, otherRaw), token)
	if first.Equal(other) {
		t.Fatal("distinct owners derived the same token account")
	}
}

func TestParseHashRejectsMalformedInput(t *testing.T) {
	if _, err := parseHash("0x1234"); err == nil {
		t.Fatal("short hash accepted")
	}
	if _, err := parseHash("not-hex"); err == nil {
		t.Fatal("non-hex hash accepted")
	}
	if _, err := parseHash(testBlockHash); err != nil {
		t.Fatalf("valid hash rejected: %v", err)
	}
}
