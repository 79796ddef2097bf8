package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
)

// Client is a thin JSON-RPC client bound to a single ledger node endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient constructs a client for one node endpoint. The HTTP client carries
// no overall timeout; per-attempt deadlines come from the caller's context.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{},
	}
}

// Endpoint returns the node address this client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// RPCError is a structured error object returned by a ledger node. Its
// presence means the node parsed the request and refused it, as opposed to a
// transport failure.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc %s: status=%d body=%s", method, resp.StatusCode, string(payload))
	}
	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("ledger rpc %s: decode: %w", method, err)
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if out == nil {
		return nil
	}
	if len(parsed.Result) == 0 || string(parsed.Result) == "null" {
		return errNullResult
	}
	return json.Unmarshal(parsed.Result, out)
}

// errNullResult marks a "not found" JSON-RPC result so read helpers can map it
// to a zero value instead of an error.
var errNullResult = errors.New("ledger: null rpc result")

// LatestBlock fetches the most recent block reference from the node.
func (c *Client) LatestBlock(ctx context.Context) (BlockRef, error) {
	var ref BlockRef
	if err := c.call(ctx, "ledger_latestBlock", []interface{}{}, &ref); err != nil {
		return BlockRef{}, err
	}
	if strings.TrimSpace(ref.Hash) == "" {
		return BlockRef{}, fmt.Errorf("ledger: node returned empty block reference")
	}
	return ref, nil
}

type wireAccount struct {
	Address      string `json:"address"`
	OwnerProgram string `json:"ownerProgram"`
	Data         string `json:"data,omitempty"`
}

// AccountInfo fetches account existence, owning program, and raw state.
// A missing account yields Exists=false, not an error.
func (c *Client) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	var wire wireAccount
	err := c.call(ctx, "ledger_getAccount", []interface{}{map[string]string{"address": address}}, &wire)
	if errors.Is(err, errNullResult) {
		return AccountInfo{Address: address}, nil
	}
	if err != nil {
		return AccountInfo{}, err
	}
	info := AccountInfo{Address: address, Exists: true, OwnerProgram: wire.OwnerProgram}
	if wire.Data != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(wire.Data, "0x"))
		if err != nil {
			return AccountInfo{}, fmt.Errorf("ledger: decode account data: %w", err)
		}
		info.Data = raw
	}
	return info, nil
}

type wireBalance struct {
	Amount string `json:"amount"`
}

// Balance fetches the native-coin balance of an account. A missing account
// reports zero since it is indistinguishable from a never-funded one.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var wire wireBalance
	err := c.call(ctx, "ledger_getBalance", []interface{}{map[string]string{"address": address}}, &wire)
	if errors.Is(err, errNullResult) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return ParseAmount(wire.Amount)
}

// TokenBalance fetches the minor-unit balance of a token sub-account. A
// missing account reports zero.
func (c *Client) TokenBalance(ctx context.Context, tokenAccount string) (*big.Int, error) {
	var wire wireBalance
	err := c.call(ctx, "ledger_getTokenAccountBalance", []interface{}{map[string]string{"account": tokenAccount}}, &wire)
	if errors.Is(err, errNullResult) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return ParseAmount(wire.Amount)
}

type wireTokenChange struct {
	Account string  `json:"account"`
	Owner   string  `json:"owner"`
	Token   string  `json:"token"`
	Pre     *string `json:"pre"`
	Post    *string `json:"post"`
}

type wireTransaction struct {
	Reference     string            `json:"reference"`
	Height        uint64            `json:"height"`
	Failed        bool              `json:"failed"`
	FailureReason string            `json:"failureReason,omitempty"`
	FeePayer      string            `json:"feePayer"`
	Accounts      []string          `json:"accounts"`
	TokenChanges  []wireTokenChange `json:"tokenBalanceChanges"`
}

// Transaction fetches the full record for a transaction reference. A nil
// record with nil error means the node has not observed the transaction.
func (c *Client) Transaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	var wire wireTransaction
	err := c.call(ctx, "ledger_getTransaction", []interface{}{map[string]string{"reference": reference}}, &wire)
	if errors.Is(err, errNullResult) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := &TransactionRecord{
		Reference:     wire.Reference,
		Height:        wire.Height,
		Failed:        wire.Failed,
		FailureReason: wire.FailureReason,
		FeePayer:      wire.FeePayer,
		Accounts:      wire.Accounts,
	}
	for _, change := range wire.TokenChanges {
		parsed := TokenBalanceChange{
			Account: change.Account,
			Owner:   change.Owner,
			Token:   change.Token,
		}
		if change.Pre != nil {
			pre, err := ParseAmount(*change.Pre)
			if err != nil {
				return nil, err
			}
			parsed.Pre = pre
		}
		if change.Post != nil {
			post, err := ParseAmount(*change.Post)
			if err != nil {
				return nil, err
			}
			parsed.Post = post
		}
		record.TokenChanges = append(record.TokenChanges, parsed)
	}
	return record, nil
}

type wireStatus struct {
	Status string `json:"status"`
}

// TransactionStatus fetches the node's view of a transaction's lifecycle
// state. Unobserved transactions report TxStatusUnknown.
func (c *Client) TransactionStatus(ctx context.Context, reference string) (TxStatus, error) {
	var wire wireStatus
	err := c.call(ctx, "ledger_getTransactionStatus", []interface{}{map[string]string{"reference": reference}}, &wire)
	if errors.Is(err, errNullResult) {
		return TxStatusUnknown, nil
	}
	if err != nil {
		return TxStatusUnknown, err
	}
	switch TxStatus(wire.Status) {
	case TxStatusPending, TxStatusConfirmed, TxStatusFailed:
		return TxStatus(wire.Status), nil
	default:
		return TxStatusUnknown, nil
	}
}

type wireSubmitResult struct {
	Reference string `json:"reference"`
}

// SubmitTransaction pushes a signed, encoded transaction to the node and
// returns the node-acknowledged reference. An *RPCError return means the node
// rejected the transaction outright.
func (c *Client) SubmitTransaction(ctx context.Context, raw []byte) (string, error) {
	params := []interface{}{map[string]string{"transaction": "0x" + hex.EncodeToString(raw)}}
	var wire wireSubmitResult
	if err := c.call(ctx, "ledger_submitTransaction", params, &wire); err != nil {
		if errors.Is(err, errNullResult) {
			return "", fmt.Errorf("ledger: node acknowledged submission without a reference")
		}
		return "", err
	}
	if strings.TrimSpace(wire.Reference) == "" {
		return "", fmt.Errorf("ledger: node acknowledged submission without a reference")
	}
	return wire.Reference, nil
}
