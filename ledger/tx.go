package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"marketpay/crypto"
)

// TxKind selects the transfer construction used by the ledger.
type TxKind uint8

const (
	// TxKindNative moves the ledger's native coin directly between accounts.
	TxKindNative TxKind = 1
	// TxKindToken moves a program-managed token between token sub-accounts.
	TxKindToken TxKind = 2
)

// TransferTx is the canonical transfer payload. The RLP encoding of this
// struct, keccak-hashed, is what the custodial key signs. The attached block
// reference bounds the transaction's validity window; a node will reject the
// transaction once the reference expires.
type TransferTx struct {
	Kind              uint8
	From              [20]byte
	To                [20]byte
	Token             [20]byte
	Amount            *big.Int
	CreateDestination bool
	AltDestination    string
	BlockHash         common.Hash
	BlockHeight       uint64
	FeePayer          [20]byte
}

// SigningHash returns the keccak256 digest of the RLP-encoded transaction.
func (tx *TransferTx) SigningHash() (common.Hash, error) {
	if tx.Amount == nil {
		tx.Amount = new(big.Int)
	}
	encoded, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: encode transfer: %w", err)
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// SignedTransfer couples a transfer with its recoverable signature.
type SignedTransfer struct {
	Tx        *TransferTx
	Signature []byte
}

// SignTransfer signs the transfer locally with the custodial key. No network
// access happens here.
func SignTransfer(tx *TransferTx, key *crypto.PrivateKey) (*SignedTransfer, error) {
	if tx == nil {
		return nil, fmt.Errorf("ledger: nil transfer")
	}
	if key == nil {
		return nil, fmt.Errorf("ledger: nil signing key")
	}
	digest, err := tx.SigningHash()
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ledger: sign transfer: %w", err)
	}
	return &SignedTransfer{Tx: tx, Signature: sig}, nil
}

// Encode produces the wire form submitted to ledger nodes.
func (s *SignedTransfer) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeSignedTransfer parses the wire form back into a signed transfer.
func DecodeSignedTransfer(raw []byte) (*SignedTransfer, error) {
	var signed SignedTransfer
	if err := rlp.DecodeBytes(raw, &signed); err != nil {
		return nil, fmt.Errorf("ledger: decode signed transfer: %w", err)
	}
	return &signed, nil
}

// Reference derives the transaction reference nodes report for this transfer:
// the hex keccak256 of the signed wire form.
func (s *SignedTransfer) Reference() (string, error) {
	encoded, err := s.Encode()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(ethcrypto.Keccak256(encoded)), nil
}

// Signer recovers the account that signed the transfer.
func (s *SignedTransfer) Signer() (crypto.Address, error) {
	digest, err := s.Tx.SigningHash()
	if err != nil {
		return crypto.Address{}, err
	}
	return crypto.RecoverAddress(digest.Bytes(), s.Signature)
}

func parseHash(s string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: decode block hash: %w", err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("ledger: block hash must be %d bytes, got %d", common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}

// DeriveTokenAccount computes the deterministic per-owner, per-token
// sub-account address: the trailing 20 bytes of
// keccak256("token-account" || owner || token).
func DeriveTokenAccount(owner, token crypto.Address) crypto.Address {
	ownerBytes := owner.Bytes()
	tokenBytes := token.Bytes()
	digest := ethcrypto.Keccak256([]byte("token-account"), ownerBytes[:], tokenBytes[:])
	var raw [20]byte
	copy(raw[:], digest[12:])
	return crypto.NewAddress(crypto.TokenAccountPrefix, raw)
}
