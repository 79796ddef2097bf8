package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

func balanceHandler(amount string) func(json.RawMessage) (interface{}, *RPCError) {
	return func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]string{"amount": amount}, nil
	}
}

func failingHandler(code int, message string) func(json.RawMessage) (interface{}, *RPCError) {
	return func(json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: code, Message: message}
	}
}

func TestRaceReturnsFirstSuccess(t *testing.T) {
	healthy := newFakeNode(t)
	healthy.handle("ledger_getBalance", balanceHandler("42"))
	brokenA := newFakeNode(t)
	brokenA.handle("ledger_getBalance", failingHandler(-32000, "node catching up"))
	brokenB := newFakeNode(t)
	brokenB.handle("ledger_getBalance", failingHandler(-32000, "node catching up"))

	pool := newTestPool(t, brokenA, healthy, brokenB)
	got, err := Race(context.Background(), pool, "balance", time.Second, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.Balance(ctx, "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	})
	if err != nil {
		t.Fatalf("race failed: %v", err)
	}
	if got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("got balance %s, want 42", got)
	}
}

func TestRaceSlowEndpointDoesNotDelaySuccess(t *testing.T) {
	fast := newFakeNode(t)
	fast.handle("ledger_getBalance", balanceHandler("7"))
	slow := newFakeNode(t)
	slow.handle("ledger_getBalance", func(json.RawMessage) (interface{}, *RPCError) {
		time.Sleep(2 * time.Second)
		return map[string]string{"amount": "7"}, nil
	})

	pool := newTestPool(t, slow, fast)
	start := time.Now()
	_, err := Race(context.Background(), pool, "balance", 3*time.Second, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.Balance(ctx, "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	})
	if err != nil {
		t.Fatalf("race failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("race waited on the slow endpoint: took %s", elapsed)
	}
}

func TestRaceAllEndpointsFailing(t *testing.T) {
	brokenA := newFakeNode(t)
	brokenA.handle("ledger_getBalance", failingHandler(-32000, "behind"))
	brokenB := newFakeNode(t)
	brokenB.handle("ledger_getBalance", failingHandler(-32000, "behind"))

	pool := newTestPool(t, brokenA, brokenB)
	_, err := Race(context.Background(), pool, "balance", time.Second, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.Balance(ctx, "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	})
	if !errors.Is(err, ErrEndpointsExhausted) {
		t.Fatalf("got %v, want ErrEndpointsExhausted", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error is not *ExhaustedError: %v", err)
	}
	if len(exhausted.Causes) != 2 {
		t.Fatalf("got %d causes, want one per endpoint", len(exhausted.Causes))
	}
}

func TestRaceHonoursContextCancellation(t *testing.T) {
	slow := newFakeNode(t)
	slow.handle("ledger_getBalance", func(json.RawMessage) (interface{}, *RPCError) {
		time.Sleep(5 * time.Second)
		return map[string]string{"amount": "1"}, nil
	})

	pool := newTestPool(t, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Race(ctx, pool, "balance", 10*time.Second, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.Balance(ctx, "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	})
	if !errors.Is(err, ErrEndpointsExhausted) {
		t.Fatalf("got %v, want ErrEndpointsExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("race ignored cancellation: took %s", elapsed)
	}
}

func TestRaceSurfacesRateLimitDenial(t *testing.T) {
	node := newFakeNode(t)
	node.handle("ledger_getBalance", balanceHandler("9"))

	// A zero budget can never admit a request; the limiter must report that
	// as a branch failure rather than parking the attempt.
	pool := NewPool([]string{node.URL()}, WithRateLimit(0, 0))
	start := time.Now()
	_, err := Race(context.Background(), pool, "balance", time.Second, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.Balance(ctx, "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	})
	if !errors.Is(err, ErrEndpointsExhausted) {
		t.Fatalf("got %v, want ErrEndpointsExhausted", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error is not *ExhaustedError: %v", err)
	}
	cause, ok := exhausted.Causes[node.URL()]
	if !ok {
		t.Fatalf("no cause recorded for the throttled endpoint: %v", exhausted.Causes)
	}
	if !strings.Contains(cause.Error(), "rate limit") {
		t.Fatalf("cause %q does not name the rate limiter", cause)
	}
	if got := node.callCount("ledger_getBalance"); got != 0 {
		t.Fatalf("throttled endpoint was still called %d times", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("limiter denial hung instead of failing fast: took %s", elapsed)
	}
}

func TestNewPoolDefaultsAndDedup(t *testing.T) {
	pool := NewPool(nil)
	if got := pool.Endpoints(); len(got) != 1 || got[0] != DefaultEndpoint {
		t.Fatalf("empty config should fall back to the default endpoint, got %v", got)
	}

	pool = NewPool([]string{" https://a.example ", "https://a.example", "", "https://b.example"})
	got := pool.Endpoints()
	want := []string{"https://a.example", "https://b.example"}
	if len(got) != len(want) {
		t.Fatalf("got endpoints %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got endpoints %v, want %v", got, want)
		}
	}
}

func TestOrderedByHealthPrefersCleanEndpoints(t *testing.T) {
	healthy := newFakeNode(t)
	healthy.handle("ledger_getBalance", balanceHandler("1"))
	flaky := newFakeNode(t)
	flaky.handle("ledger_getBalance", failingHandler(-32000, "behind"))

	// Flaky endpoint is configured first; a few attempts should demote it.
	pool := newTestPool(t, flaky, healthy)
	op := func(ctx context.Context, c *Client) error {
		_, err := c.Balance(ctx, "mp1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
		return err
	}
	for _, endpoint := range pool.Endpoints() {
		for i := 0; i < 3; i++ {
			_ = pool.Attempt(context.Background(), endpoint, time.Second, op)
		}
	}

	ordered := pool.OrderedByHealth()
	if ordered[0] != healthy.URL() {
		t.Fatalf("health ordering kept the failing endpoint first: %v", ordered)
	}

	snapshot := pool.HealthSnapshot()
	if len(snapshot) != 2 {
		t.Fatalf("got %d health entries, want 2", len(snapshot))
	}
	for _, entry := range snapshot {
		if entry.Endpoint == flaky.URL() && entry.FailureStreak == 0 {
			t.Fatalf("flaky endpoint reports no failure streak: %+v", entry)
		}
	}
}
