package ledger

import (
	"context"
	"math/big"
	"time"

	"marketpay/observability"
)

// Reader exposes typed read operations over the endpoint pool. Every lookup
// fans out to all endpoints and takes the first success; not-found is a normal
// zero-valued outcome, and only full endpoint exhaustion is an error.
type Reader struct {
	pool            *Pool
	readTimeout     time.Duration
	confirmAttempts int
	confirmBackoff  time.Duration
	metrics         *observability.SettlementMetrics
	sleep           func(context.Context, time.Duration) error
}

// ReaderOption customises a Reader.
type ReaderOption func(*Reader)

// WithReadTimeout sets the per-attempt timeout for metadata reads.
func WithReadTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) { r.readTimeout = d }
}

// WithConfirmation sets the bounded confirmation polling schedule.
func WithConfirmation(attempts int, backoff time.Duration) ReaderOption {
	return func(r *Reader) {
		r.confirmAttempts = attempts
		r.confirmBackoff = backoff
	}
}

// WithReaderMetrics attaches the settlement metrics registry.
func WithReaderMetrics(m *observability.SettlementMetrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// NewReader builds a reader over the supplied pool.
func NewReader(pool *Pool, opts ...ReaderOption) *Reader {
	r := &Reader{
		pool:            pool,
		readTimeout:     2 * time.Second,
		confirmAttempts: 5,
		confirmBackoff:  3 * time.Second,
		sleep:           sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Reader) observe(op string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveRace(op, time.Since(start))
	}
}

// LatestBlock returns the freshest block reference any endpoint can supply.
func (r *Reader) LatestBlock(ctx context.Context) (BlockRef, error) {
	start := time.Now()
	defer r.observe("latest_block", start)
	return Race(ctx, r.pool, "latest block", r.readTimeout, func(ctx context.Context, c *Client) (BlockRef, error) {
		return c.LatestBlock(ctx)
	})
}

// AccountInfo returns existence, owning program, and raw state for an account.
func (r *Reader) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	start := time.Now()
	defer r.observe("account_info", start)
	return Race(ctx, r.pool, "account info", r.readTimeout, func(ctx context.Context, c *Client) (AccountInfo, error) {
		return c.AccountInfo(ctx, address)
	})
}

// Balance returns the native-coin balance of an account, zero when missing.
func (r *Reader) Balance(ctx context.Context, address string) (*big.Int, error) {
	start := time.Now()
	defer r.observe("balance", start)
	return Race(ctx, r.pool, "balance", r.readTimeout, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.Balance(ctx, address)
	})
}

// TokenBalance returns the minor-unit balance of a token sub-account, zero
// when the account does not exist.
func (r *Reader) TokenBalance(ctx context.Context, tokenAccount string) (*big.Int, error) {
	start := time.Now()
	defer r.observe("token_balance", start)
	return Race(ctx, r.pool, "token balance", r.readTimeout, func(ctx context.Context, c *Client) (*big.Int, error) {
		return c.TokenBalance(ctx, tokenAccount)
	})
}

// Transaction returns the full transaction record, or nil when no endpoint
// has observed the reference.
func (r *Reader) Transaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	start := time.Now()
	defer r.observe("transaction", start)
	return Race(ctx, r.pool, "transaction", r.readTimeout, func(ctx context.Context, c *Client) (*TransactionRecord, error) {
		return c.Transaction(ctx, reference)
	})
}

// TransactionStatus returns the node-reported status for a reference.
func (r *Reader) TransactionStatus(ctx context.Context, reference string) (TxStatus, error) {
	start := time.Now()
	defer r.observe("transaction_status", start)
	return Race(ctx, r.pool, "transaction status", r.readTimeout, func(ctx context.Context, c *Client) (TxStatus, error) {
		return c.TransactionStatus(ctx, reference)
	})
}

// ConfirmTransaction polls for a terminal status within the bounded attempt
// budget. It returns the last status seen; TxStatusUnknown or TxStatusPending
// after the budget means the transaction has not yet been observed to settle,
// which is a distinct outcome from failure.
func (r *Reader) ConfirmTransaction(ctx context.Context, reference string) (TxStatus, error) {
	last := TxStatusUnknown
	for attempt := 0; attempt < r.confirmAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.confirmBackoff); err != nil {
				return last, nil
			}
		}
		status, err := r.TransactionStatus(ctx, reference)
		if err != nil {
			// Exhaustion on one poll round is not terminal; the
			// next round may reach a healthy endpoint.
			continue
		}
		last = status
		switch status {
		case TxStatusConfirmed, TxStatusFailed:
			return status, nil
		}
	}
	return last, nil
}
