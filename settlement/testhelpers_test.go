package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketpay/crypto"
	"marketpay/ledger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewStore(db, func() time.Time { return time.Unix(1700000000, 0) }), db
}

func testAddress(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address()
}

// fakeReader serves account and balance lookups from fixed maps.
type fakeReader struct {
	accounts      map[string]ledger.AccountInfo
	balances      map[string]*big.Int
	tokenBalances map[string]*big.Int
	err           error
}

func (f *fakeReader) AccountInfo(_ context.Context, address string) (ledger.AccountInfo, error) {
	if f.err != nil {
		return ledger.AccountInfo{}, f.err
	}
	if info, ok := f.accounts[address]; ok {
		return info, nil
	}
	return ledger.AccountInfo{Address: address}, nil
}

func (f *fakeReader) Balance(_ context.Context, address string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) TokenBalance(_ context.Context, account string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.tokenBalances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// fakeSubmitter records submissions and returns a canned outcome. beforeReturn
// runs while the submission is "in flight", which lets tests interleave a
// concurrent state change.
type fakeSubmitter struct {
	mu           sync.Mutex
	custodial    crypto.Address
	reference    string
	err          error
	calls        int
	lastRequest  ledger.TransferRequest
	beforeReturn func()
}

func (f *fakeSubmitter) Submit(_ context.Context, req ledger.TransferRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.lastRequest = req
	f.mu.Unlock()
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	return f.reference, f.err
}

func (f *fakeSubmitter) Custodial() crypto.Address { return f.custodial }

func (f *fakeSubmitter) submitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeVerifier returns a fixed verification outcome.
type fakeVerifier struct {
	verification Verification
	err          error
}

func (f *fakeVerifier) VerifyInbound(context.Context, string, string, string, *big.Int) (Verification, error) {
	return f.verification, f.err
}

// captureNotifier collects emitted events.
type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) Emit(evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *captureNotifier) byType(eventType string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, evt := range n.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}
