package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestReaderBalanceMissingAccountIsZero(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ledger_getBalance", func(json.RawMessage) (interface{}, *RPCError) {
		return nil, nil // null result: account never funded
	})

	reader := NewReader(newTestPool(t, node))
	got, err := reader.Balance(context.Background(), "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("missing account should report zero, got %s", got)
	}
}

func TestReaderAccountInfoMissing(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ledger_getAccount", func(json.RawMessage) (interface{}, *RPCError) {
		return nil, nil
	})

	reader := NewReader(newTestPool(t, node))
	info, err := reader.AccountInfo(context.Background(), "mpt1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	if info.Exists {
		t.Fatal("missing account reported as existing")
	}
}

func TestReaderTransactionNotFound(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ledger_getTransaction", func(json.RawMessage) (interface{}, *RPCError) {
		return nil, nil
	})

	reader := NewReader(newTestPool(t, node))
	record, err := reader.Transaction(context.Background(), "0xdeadbeef")
	if err != nil {
		t.Fatalf("transaction lookup failed: %v", err)
	}
	if record != nil {
		t.Fatalf("unobserved transaction should be nil, got %+v", record)
	}
}

func TestReaderTransactionParsesTokenChanges(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ledger_getTransaction", func(json.RawMessage) (interface{}, *RPCError) {
		pre := "100"
		return map[string]interface{}{
			"reference": "0xabc",
			"height":    12,
			"failed":    false,
			"feePayer":  "mp1payer",
			"accounts":  []string{"mp1payer"},
			"tokenBalanceChanges": []map[string]interface{}{
				{"account": "mpt1dest", "owner": "mp1owner", "token": "mp1mint", "pre": pre, "post": "150"},
				{"account": "mpt1fresh", "owner": "mp1owner", "token": "mp1mint", "pre": nil, "post": "25"},
			},
		}, nil
	})

	reader := NewReader(newTestPool(t, node))
	record, err := reader.Transaction(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("transaction lookup failed: %v", err)
	}
	if record == nil || len(record.TokenChanges) != 2 {
		t.Fatalf("got record %+v, want 2 token changes", record)
	}
	if delta := record.TokenChanges[0].Delta(); delta.Int64() != 50 {
		t.Fatalf("got delta %s, want 50", delta)
	}
	// Account created within the transaction: missing pre-balance counts as zero.
	if delta := record.TokenChanges[1].Delta(); delta.Int64() != 25 {
		t.Fatalf("got delta %s for created account, want 25", delta)
	}
}

func TestConfirmTransactionStopsOnTerminalStatus(t *testing.T) {
	node := newFakeNode(t)
	statuses := []string{"pending", "pending", "confirmed"}
	node.handle("ledger_getTransactionStatus", func(json.RawMessage) (interface{}, *RPCError) {
		status := statuses[0]
		if len(statuses) > 1 {
			statuses = statuses[1:]
		}
		return map[string]string{"status": status}, nil
	})

	reader := NewReader(newTestPool(t, node), WithConfirmation(5, time.Hour))
	reader.sleep = func(context.Context, time.Duration) error { return nil }

	status, err := reader.ConfirmTransaction(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if status != TxStatusConfirmed {
		t.Fatalf("got status %q, want confirmed", status)
	}
	if got := node.callCount("ledger_getTransactionStatus"); got != 3 {
		t.Fatalf("polled %d times, want 3", got)
	}
}

func TestConfirmTransactionBudgetBounded(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ledger_getTransactionStatus", func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]string{"status": "pending"}, nil
	})

	reader := NewReader(newTestPool(t, node), WithConfirmation(4, time.Hour))
	reader.sleep = func(context.Context, time.Duration) error { return nil }

	status, err := reader.ConfirmTransaction(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if status != TxStatusPending {
		t.Fatalf("got status %q, want pending after budget", status)
	}
	if got := node.callCount("ledger_getTransactionStatus"); got != 4 {
		t.Fatalf("polled %d times, want exactly the budget", got)
	}
}
