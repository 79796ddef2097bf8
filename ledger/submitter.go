package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"marketpay/crypto"
	"marketpay/observability"
)

// Sentinel classes for submission outcomes. SubmissionRejected is fatal and
// never retried; Unconfirmed means the funds may still post later, so the
// transaction must never be blindly resubmitted.
var (
	ErrAmountOutOfRange   = errors.New("ledger: transfer amount out of range")
	ErrSubmissionRejected = errors.New("ledger: transaction rejected by node")
	ErrUnconfirmed        = errors.New("ledger: transaction submitted but unconfirmed")
	ErrTransactionFailed  = errors.New("ledger: transaction failed on chain")
)

// SubmissionRejectedError carries the node's structured rejection.
type SubmissionRejectedError struct {
	Code    int
	Message string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("ledger: node rejected transaction (%d): %s", e.Code, e.Message)
}

func (e *SubmissionRejectedError) Is(target error) bool { return target == ErrSubmissionRejected }

// UnconfirmedError reports a transaction accepted by a node but not observed
// to settle within the confirmation budget.
type UnconfirmedError struct {
	Reference string
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("ledger: transaction %s submitted but unconfirmed", e.Reference)
}

func (e *UnconfirmedError) Is(target error) bool { return target == ErrUnconfirmed }

// TxFailedError reports a transaction found on-chain and marked failed. This
// is definitive: the transfer did not move funds.
type TxFailedError struct {
	Reference string
	Reason    string
}

func (e *TxFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("ledger: transaction %s failed on chain", e.Reference)
	}
	return fmt.Sprintf("ledger: transaction %s failed on chain: %s", e.Reference, e.Reason)
}

func (e *TxFailedError) Is(target error) bool { return target == ErrTransactionFailed }

// RetryBudget bounds per-endpoint submission retries. Submission is the one
// operation where unbounded retry is unsafe, so the budget is explicit.
type RetryBudget struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (b RetryBudget) normalized() RetryBudget {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 2
	}
	if b.Backoff <= 0 {
		b.Backoff = time.Second
	}
	return b
}

// TransferRequest describes one custodial transfer to execute.
type TransferRequest struct {
	Kind  TxKind
	To    crypto.Address
	Token crypto.Address
	// DestinationTokenAccount overrides the derived sub-account when set.
	DestinationTokenAccount crypto.Address
	// CreateDestination instructs the token program to create the payee's
	// sub-account within the same transaction.
	CreateDestination bool
	// AltDestination carries an opaque alternate-chain payout address for
	// bridged token transfers.
	AltDestination string
	Amount         *big.Int
}

// Submitter builds, signs, submits, and confirms transfers from the custodial
// account. Unlike reads, submission is never fanned out concurrently: one
// endpoint at a time, in health order, under a bounded retry budget.
type Submitter struct {
	pool          *Pool
	reader        *Reader
	key           *crypto.PrivateKey
	custodial     crypto.Address
	ceiling       *big.Int
	submitTimeout time.Duration
	budget        RetryBudget
	metrics       *observability.SettlementMetrics
	log           *slog.Logger
	sleep         func(context.Context, time.Duration) error
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithAmountCeiling sets the sanity ceiling on a single transfer.
func WithAmountCeiling(ceiling *big.Int) SubmitterOption {
	return func(s *Submitter) {
		if ceiling != nil {
			s.ceiling = new(big.Int).Set(ceiling)
		}
	}
}

// WithSubmitTimeout sets the per-attempt submission timeout.
func WithSubmitTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) { s.submitTimeout = d }
}

// WithRetryBudget sets the per-endpoint retry schedule.
func WithRetryBudget(budget RetryBudget) SubmitterOption {
	return func(s *Submitter) { s.budget = budget }
}

// WithSubmitterMetrics attaches the settlement metrics registry.
func WithSubmitterMetrics(m *observability.SettlementMetrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

// WithSubmitterLogger overrides the default logger.
func WithSubmitterLogger(log *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSubmitter constructs a submitter signing with the custodial key.
func NewSubmitter(pool *Pool, reader *Reader, key *crypto.PrivateKey, opts ...SubmitterOption) (*Submitter, error) {
	if pool == nil || reader == nil {
		return nil, errors.New("ledger: submitter requires pool and reader")
	}
	if key == nil {
		return nil, errors.New("ledger: submitter requires a custodial signing key")
	}
	s := &Submitter{
		pool:          pool,
		reader:        reader,
		key:           key,
		custodial:     key.PubKey().Address(),
		submitTimeout: 3 * time.Second,
		budget:        RetryBudget{}.normalized(),
		log:           slog.Default(),
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.budget = s.budget.normalized()
	return s, nil
}

// Custodial returns the address the submitter signs for.
func (s *Submitter) Custodial() crypto.Address { return s.custodial }

func (s *Submitter) validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrAmountOutOfRange)
	}
	if s.ceiling != nil && amount.Cmp(s.ceiling) > 0 {
		return fmt.Errorf("%w: amount %s exceeds ceiling %s", ErrAmountOutOfRange, amount, s.ceiling)
	}
	return nil
}

func (s *Submitter) buildTransfer(req TransferRequest, block BlockRef) (*TransferTx, error) {
	tx := &TransferTx{
		Kind:        uint8(req.Kind),
		From:        s.custodial.Bytes(),
		Amount:      new(big.Int).Set(req.Amount),
		BlockHeight: block.Height,
		FeePayer:    s.custodial.Bytes(),
	}
	if err := tx.setBlockHash(block.Hash); err != nil {
		return nil, err
	}
	switch req.Kind {
	case TxKindNative:
		if req.To.IsZero() {
			return nil, errors.New("ledger: native transfer requires a destination account")
		}
		tx.To = req.To.Bytes()
	case TxKindToken:
		if req.Token.IsZero() {
			return nil, errors.New("ledger: token transfer requires a token identifier")
		}
		tx.Token = req.Token.Bytes()
		tx.CreateDestination = req.CreateDestination
		tx.AltDestination = req.AltDestination
		destination := req.DestinationTokenAccount
		if destination.IsZero() {
			if req.To.IsZero() {
				return nil, errors.New("ledger: token transfer requires a destination owner or sub-account")
			}
			destination = DeriveTokenAccount(req.To, req.Token)
		}
		tx.To = destination.Bytes()
	default:
		return nil, fmt.Errorf("ledger: unsupported transfer kind %d", req.Kind)
	}
	return tx, nil
}

// Submit executes the transfer: amount sanity check, fresh block reference,
// local signing, sequential per-endpoint submission, then bounded
// confirmation polling. On an Unconfirmed or TransactionFailed outcome the
// reference is returned alongside the error so callers can record it.
func (s *Submitter) Submit(ctx context.Context, req TransferRequest) (string, error) {
	if err := s.validateAmount(req.Amount); err != nil {
		return "", err
	}
	block, err := s.reader.LatestBlock(ctx)
	if err != nil {
		return "", err
	}
	tx, err := s.buildTransfer(req, block)
	if err != nil {
		return "", err
	}
	signed, err := SignTransfer(tx, s.key)
	if err != nil {
		return "", err
	}
	raw, err := signed.Encode()
	if err != nil {
		return "", err
	}
	reference, err := signed.Reference()
	if err != nil {
		return "", err
	}

	causes := make(map[string]error)
	accepted := false
submission:
	for _, endpoint := range s.pool.OrderedByHealth() {
		for attempt := 1; attempt <= s.budget.MaxAttempts; attempt++ {
			submitErr := s.pool.Attempt(ctx, endpoint, s.submitTimeout, func(attemptCtx context.Context, client *Client) error {
				_, callErr := client.SubmitTransaction(attemptCtx, raw)
				return callErr
			})
			if submitErr == nil {
				accepted = true
				break submission
			}
			var rpcErr *RPCError
			if errors.As(submitErr, &rpcErr) {
				// The node parsed the transaction and refused it;
				// retrying elsewhere cannot change that.
				return "", &SubmissionRejectedError{Code: rpcErr.Code, Message: rpcErr.Message}
			}
			if s.metrics != nil {
				s.metrics.RecordEndpointError(endpoint)
			}
			causes[endpoint] = submitErr
			if attempt < s.budget.MaxAttempts {
				if err := s.sleep(ctx, s.budget.Backoff); err != nil {
					return "", &ExhaustedError{Op: "submit transaction", Causes: causes}
				}
			}
		}
	}
	if !accepted {
		return "", &ExhaustedError{Op: "submit transaction", Causes: causes}
	}

	s.log.Info("transaction submitted", "reference", reference)
	status, err := s.reader.ConfirmTransaction(ctx, reference)
	if err != nil {
		return reference, &UnconfirmedError{Reference: reference}
	}
	switch status {
	case TxStatusConfirmed:
		return reference, nil
	case TxStatusFailed:
		reason := ""
		if record, lookupErr := s.reader.Transaction(ctx, reference); lookupErr == nil && record != nil {
			reason = record.FailureReason
		}
		return reference, &TxFailedError{Reference: reference, Reason: reason}
	default:
		s.log.Warn("transaction unconfirmed after poll budget", "reference", reference, "status", string(status))
		return reference, &UnconfirmedError{Reference: reference}
	}
}

func (tx *TransferTx) setBlockHash(hash string) error {
	parsed, err := parseHash(hash)
	if err != nil {
		return err
	}
	tx.BlockHash = parsed
	return nil
}
