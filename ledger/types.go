package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// Program identifiers reported by ledger nodes as an account's owner.
const (
	SystemProgram = "system"
	TokenProgram  = "token"
)

// TxStatus is the node-reported lifecycle state of a submitted transaction.
type TxStatus string

const (
	TxStatusUnknown   TxStatus = "unknown"
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// BlockRef is an opaque, time-bounded handle attached to transactions to bound
// their validity window.
type BlockRef struct {
	Hash             string `json:"hash"`
	Height           uint64 `json:"height"`
	ValidUntilHeight uint64 `json:"validUntil"`
}

// AccountInfo describes an on-ledger account as reported by a node.
type AccountInfo struct {
	Address      string `json:"address"`
	Exists       bool   `json:"exists"`
	OwnerProgram string `json:"ownerProgram"`
	Data         []byte `json:"data,omitempty"`
}

// TokenBalanceChange records the pre/post balance of one token account touched
// by a transaction. Pre is nil when the account was created by the transaction
// itself.
type TokenBalanceChange struct {
	Account string
	Owner   string
	Token   string
	Pre     *big.Int
	Post    *big.Int
}

// Delta returns the signed balance movement, treating a created account as
// starting from zero.
func (c TokenBalanceChange) Delta() *big.Int {
	post := c.Post
	if post == nil {
		post = new(big.Int)
	}
	pre := c.Pre
	if pre == nil {
		pre = new(big.Int)
	}
	return new(big.Int).Sub(post, pre)
}

// TransactionRecord is the full transaction detail used by payment
// verification and confirmation handling.
type TransactionRecord struct {
	Reference     string
	Height        uint64
	Failed        bool
	FailureReason string
	FeePayer      string
	Accounts      []string
	TokenChanges  []TokenBalanceChange
}

// ParseAmount decodes a base-10 minor-unit amount from the wire.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid amount %q", s)
	}
	return value, nil
}

// FormatAmount renders a minor-unit amount as a decimal string with the given
// number of fractional digits, for logs and operator-facing responses.
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals <= 0 {
		return v.String()
	}
	sign := ""
	abs := new(big.Int).Abs(v)
	if v.Sign() < 0 {
		sign = "-"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))
	return fmt.Sprintf("%s%s.%0*d", sign, whole, decimals, frac)
}
