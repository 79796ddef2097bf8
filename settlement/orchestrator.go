package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketpay/crypto"
	"marketpay/ledger"
	"marketpay/observability"
)

// TokenConfig describes one supported ledger token.
type TokenConfig struct {
	Symbol string
	// Mint identifies the token on the ledger.
	Mint crypto.Address
	// CustodialAccount is the platform's token sub-account holding escrowed
	// funds of this token.
	CustodialAccount crypto.Address
	// BridgeAccount receives bridged transfers for alternate-chain payouts.
	// Only set for tokens released cross-chain.
	BridgeAccount crypto.Address
	Decimals      int
}

// ledgerReader is the slice of read operations the orchestrator needs.
// *ledger.Reader satisfies it; tests supply fakes.
type ledgerReader interface {
	AccountInfo(ctx context.Context, address string) (ledger.AccountInfo, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, tokenAccount string) (*big.Int, error)
}

// transferSubmitter executes custodial transfers. *ledger.Submitter
// satisfies it.
type transferSubmitter interface {
	Submit(ctx context.Context, req ledger.TransferRequest) (string, error)
	Custodial() crypto.Address
}

// inboundVerifier inspects claimed inbound payments. *Verifier satisfies it.
type inboundVerifier interface {
	VerifyInbound(ctx context.Context, reference, expectedPayer, token string, expectedAmount *big.Int) (Verification, error)
}

// Orchestrator drives the escrow settlement state machine: authorization,
// balance prechecks, transfer execution, and the conditional persisted state
// transition. It holds no per-escrow locks; at-most-once payout is enforced by
// the store's conditional update, so multiple stateless instances can run.
type Orchestrator struct {
	store     *Store
	reader    ledgerReader
	submitter transferSubmitter
	verifier  inboundVerifier
	notifier  Notifier
	resolver  *altResolver
	custodial crypto.Address
	tokens    map[string]TokenConfig
	metrics   *observability.SettlementMetrics
	log       *slog.Logger
	now       func() time.Time
}

// OrchestratorOption customises the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithNotifier supplies the post-commit event sink.
func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithTokens registers the supported token configurations.
func WithTokens(tokens []TokenConfig) OrchestratorOption {
	return func(o *Orchestrator) {
		for _, cfg := range tokens {
			o.tokens[strings.ToUpper(strings.TrimSpace(cfg.Symbol))] = cfg
		}
	}
}

// WithMetrics attaches the settlement metrics registry.
func WithMetrics(m *observability.SettlementMetrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock sets the time source. Primarily for tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator wires the settlement components together.
func NewOrchestrator(store *Store, reader ledgerReader, submitter transferSubmitter, verifier inboundVerifier, opts ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil || reader == nil || submitter == nil || verifier == nil {
		return nil, errors.New("settlement: orchestrator requires store, reader, submitter, and verifier")
	}
	o := &Orchestrator{
		store:     store,
		reader:    reader,
		submitter: submitter,
		verifier:  verifier,
		notifier:  NoopNotifier{},
		resolver:  newAltResolver(store),
		custodial: submitter.Custodial(),
		tokens:    make(map[string]TokenConfig),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ReleaseRequest is a request to pay out a funded escrow to its payee.
type ReleaseRequest struct {
	EscrowID uuid.UUID
	CallerID uuid.UUID
	// PayeeAddress optionally overrides the escrow's stored payout address.
	PayeeAddress string
	// AltPayeeAddress optionally supplies an alternate-chain payout address
	// for cross-chain releases.
	AltPayeeAddress string
}

// ReleaseResult reports a completed (or partially completed) release.
type ReleaseResult struct {
	TxReference string
	// ReconciliationRequired marks the partial-success condition: the funds
	// moved on-chain but the escrow state write did not land.
	ReconciliationRequired bool
}

// ReleasePayment executes the custodial release flow. Preconditions fail fast
// before any network or signing cost; the terminal state transition is
// conditional on the escrow still being funded at write time.
func (o *Orchestrator) ReleasePayment(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	escrow, err := o.store.Escrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	project, err := o.store.Project(ctx, escrow.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := o.authorizeRelease(escrow, project, req.CallerID); err != nil {
		o.recordRelease(escrow.Family, "unauthorized")
		return nil, err
	}
	if escrow.Status != StatusFunded {
		o.recordRelease(escrow.Family, "invalid_state")
		return nil, fmt.Errorf("%w: escrow %s is %s, release requires %s", ErrInvalidState, escrow.ID, escrow.Status, StatusFunded)
	}
	switch project.State {
	case ProjectInProgress, ProjectWorkApproved:
	default:
		o.recordRelease(escrow.Family, "invalid_state")
		return nil, fmt.Errorf("%w: project %s is %s", ErrInvalidState, project.ID, project.State)
	}
	// An earlier submission with an unknown outcome may still post. A fresh
	// transaction would carry a new block reference and signature, so the
	// ledger cannot deduplicate it; the only safe move is to refuse.
	open, err := o.store.HasOpenReconciliation(ctx, escrow.ID)
	if err != nil {
		return nil, err
	}
	if open {
		o.recordRelease(escrow.Family, "reconciliation_pending")
		return nil, fmt.Errorf("%w: escrow %s has an unresolved transfer", ErrReconciliationPending, escrow.ID)
	}

	amount, err := ledger.ParseAmount(escrow.Amount)
	if err != nil {
		return nil, fmt.Errorf("settlement: escrow %s amount: %w", escrow.ID, err)
	}
	transfer, err := o.buildTransfer(ctx, escrow, req, amount)
	if err != nil {
		o.recordRelease(escrow.Family, "precheck_failed")
		return nil, err
	}
	if err := o.precheckBalance(ctx, escrow, amount); err != nil {
		o.recordRelease(escrow.Family, "precheck_failed")
		return nil, err
	}

	start := o.now()
	reference, submitErr := o.submitter.Submit(ctx, *transfer)
	if o.metrics != nil {
		o.metrics.ObserveSubmit(string(escrow.Family), o.now().Sub(start))
	}
	if submitErr != nil {
		return o.handleSubmitFailure(ctx, escrow, reference, submitErr)
	}

	fields := map[string]any{
		"tx_reference": reference,
		"released_at":  o.now().UTC(),
	}
	if err := o.store.TransitionStatus(ctx, escrow.ID, StatusFunded, StatusReleased, fields); err != nil {
		// The transfer is already on-chain; the reference must survive for
		// reconciliation even though the state write lost.
		o.journalReconciliation(ctx, escrow.ID, reference, "release state transition failed: "+err.Error())
		o.recordRelease(escrow.Family, "reconciliation")
		return &ReleaseResult{TxReference: reference, ReconciliationRequired: true},
			fmt.Errorf("%w: escrow %s, tx %s", ErrPersistenceInconsistency, escrow.ID, reference)
	}

	o.recordRelease(escrow.Family, "released")
	o.notifier.Emit(Event{
		Type:        EventEscrowReleased,
		EscrowID:    escrow.ID,
		Status:      StatusReleased,
		TxReference: reference,
		Timestamp:   o.now().Unix(),
	})
	o.log.Info("escrow released",
		"escrow", escrow.ID,
		"reference", reference,
		"family", string(escrow.Family),
		"amount", o.displayAmount(escrow, amount))
	return &ReleaseResult{TxReference: reference}, nil
}

func (o *Orchestrator) authorizeRelease(escrow *Escrow, project *Project, caller uuid.UUID) error {
	if caller == uuid.Nil {
		return ErrUnauthorized
	}
	if caller == project.OwnerID {
		return nil
	}
	if caller == escrow.PayeeID && project.State == ProjectWorkApproved {
		return nil
	}
	return fmt.Errorf("%w: caller %s may not release escrow %s", ErrUnauthorized, caller, escrow.ID)
}

func (o *Orchestrator) tokenConfig(escrow *Escrow) (TokenConfig, error) {
	cfg, ok := o.tokens[strings.ToUpper(strings.TrimSpace(escrow.Token))]
	if !ok {
		return TokenConfig{}, fmt.Errorf("%w: %s", ErrUnknownToken, escrow.Token)
	}
	return cfg, nil
}

// buildTransfer dispatches on the escrow's currency family exactly once; the
// resulting request carries everything the submitter needs.
func (o *Orchestrator) buildTransfer(ctx context.Context, escrow *Escrow, req ReleaseRequest, amount *big.Int) (*ledger.TransferRequest, error) {
	switch escrow.Family {
	case FamilyNative:
		payee, err := o.resolvePayee(escrow, req.PayeeAddress)
		if err != nil {
			return nil, err
		}
		return &ledger.TransferRequest{Kind: ledger.TxKindNative, To: payee, Amount: amount}, nil
	case FamilyToken:
		cfg, err := o.tokenConfig(escrow)
		if err != nil {
			return nil, err
		}
		payee, err := o.resolvePayee(escrow, req.PayeeAddress)
		if err != nil {
			return nil, err
		}
		destination := ledger.DeriveTokenAccount(payee, cfg.Mint)
		info, err := o.reader.AccountInfo(ctx, destination.String())
		if err != nil {
			return nil, err
		}
		return &ledger.TransferRequest{
			Kind:                    ledger.TxKindToken,
			To:                      payee,
			Token:                   cfg.Mint,
			DestinationTokenAccount: destination,
			CreateDestination:       !info.Exists,
			Amount:                  amount,
		}, nil
	case FamilyAltChain:
		cfg, err := o.tokenConfig(escrow)
		if err != nil {
			return nil, err
		}
		if cfg.BridgeAccount.IsZero() {
			return nil, fmt.Errorf("%w: token %s has no bridge account", ErrAddressResolution, cfg.Symbol)
		}
		altAddress, err := o.resolver.Resolve(ctx, escrow, req.AltPayeeAddress)
		if err != nil {
			return nil, err
		}
		return &ledger.TransferRequest{
			Kind:                    ledger.TxKindToken,
			Token:                   cfg.Mint,
			DestinationTokenAccount: cfg.BridgeAccount,
			AltDestination:          altAddress,
			Amount:                  amount,
		}, nil
	default:
		return nil, fmt.Errorf("settlement: unsupported currency family %q", escrow.Family)
	}
}

func (o *Orchestrator) resolvePayee(escrow *Escrow, override string) (crypto.Address, error) {
	candidate := strings.TrimSpace(override)
	if candidate == "" {
		candidate = strings.TrimSpace(escrow.PayeeAddress)
	}
	if candidate == "" {
		return crypto.Address{}, fmt.Errorf("%w: escrow %s has no payee address", ErrAddressResolution, escrow.ID)
	}
	addr, err := crypto.DecodeAddress(candidate)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrAddressResolution, err)
	}
	return addr, nil
}

// precheckBalance confirms the custodial source can cover the release before
// any submission is attempted, so insufficient funds never reaches the
// submitter.
func (o *Orchestrator) precheckBalance(ctx context.Context, escrow *Escrow, amount *big.Int) error {
	var balance *big.Int
	switch escrow.Family {
	case FamilyNative:
		b, err := o.reader.Balance(ctx, o.custodial.String())
		if err != nil {
			return err
		}
		balance = b
	default:
		cfg, err := o.tokenConfig(escrow)
		if err != nil {
			return err
		}
		info, err := o.reader.AccountInfo(ctx, cfg.CustodialAccount.String())
		if err != nil {
			return err
		}
		if !info.Exists {
			return fmt.Errorf("%w: custodial %s account %s", ErrAccountNotFound, cfg.Symbol, cfg.CustodialAccount)
		}
		if info.OwnerProgram != ledger.TokenProgram {
			return fmt.Errorf("%w: %s is owned by %q", ErrNotTokenAccount, cfg.CustodialAccount, info.OwnerProgram)
		}
		b, err := o.reader.TokenBalance(ctx, cfg.CustodialAccount.String())
		if err != nil {
			return err
		}
		balance = b
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	return nil
}

func (o *Orchestrator) handleSubmitFailure(ctx context.Context, escrow *Escrow, reference string, submitErr error) (*ReleaseResult, error) {
	switch {
	case errors.Is(submitErr, ledger.ErrUnconfirmed):
		// The transfer may still post later. Record the reference and
		// journal it; resubmission is never safe from here.
		if reference != "" {
			if err := o.store.RecordTxReference(ctx, escrow.ID, reference); err != nil {
				o.log.Error("record unconfirmed reference", "escrow", escrow.ID, "reference", reference, "error", err)
			}
			o.journalReconciliation(ctx, escrow.ID, reference, "unconfirmed after submission")
		}
		o.recordRelease(escrow.Family, "unconfirmed")
		return nil, submitErr
	case errors.Is(submitErr, ledger.ErrTransactionFailed):
		// Definitive on-chain failure: no funds moved. The escrow drops to
		// failed for operator attention; funds remain custodial.
		fields := map[string]any{"tx_reference": reference}
		if err := o.store.TransitionStatus(ctx, escrow.ID, StatusFunded, StatusFailed, fields); err != nil {
			o.log.Error("mark escrow failed", "escrow", escrow.ID, "error", err)
		}
		o.recordRelease(escrow.Family, "failed")
		return nil, submitErr
	default:
		o.recordRelease(escrow.Family, "submit_error")
		return nil, submitErr
	}
}

func (o *Orchestrator) journalReconciliation(ctx context.Context, escrowID uuid.UUID, reference, reason string) {
	if o.metrics != nil {
		o.metrics.RecordReconciliation()
	}
	if err := o.store.RecordReconciliation(ctx, escrowID, reference, reason); err != nil {
		// Last line of defence: the reference must at least reach the log.
		o.log.Error("journal reconciliation entry", "escrow", escrowID, "reference", reference, "reason", reason, "error", err)
	}
}

func (o *Orchestrator) recordRelease(family CurrencyFamily, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordRelease(string(family), outcome)
	}
}

// FundingRequest asks the orchestrator to verify a claimed inbound payment
// and, on success, move the escrow from pending to funded.
type FundingRequest struct {
	EscrowID    uuid.UUID
	TxReference string
	// ExpectedPayer is the identity that must have signed and paid for the
	// claimed transaction.
	ExpectedPayer string
	// ExpectedAmount defaults to the escrow's total locked amount.
	ExpectedAmount *big.Int
}

// VerifyFunding delegates to the payment verifier and transitions
// pending -> funded on success. A failed verification returns the rejection
// reason without mutating state.
func (o *Orchestrator) VerifyFunding(ctx context.Context, req FundingRequest) (*Verification, error) {
	escrow, err := o.store.Escrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if escrow.Status == StatusFunded && escrow.TxReference == req.TxReference {
		// A concurrent verification of the same transaction already won.
		observed, _ := ledger.ParseAmount(escrow.TotalLocked)
		return &Verification{Verified: true, ObservedAmount: observed}, nil
	}
	if escrow.Status != StatusPending {
		o.recordVerification("invalid_state")
		return nil, fmt.Errorf("%w: escrow %s is %s, funding verification requires %s", ErrInvalidState, escrow.ID, escrow.Status, StatusPending)
	}
	if escrow.Family == FamilyNative {
		o.recordVerification("unsupported")
		return nil, fmt.Errorf("%w: native-coin escrows are funded directly, not by inbound verification", ErrInvalidState)
	}
	cfg, err := o.tokenConfig(escrow)
	if err != nil {
		return nil, err
	}
	expected := req.ExpectedAmount
	if expected == nil {
		expected, err = ledger.ParseAmount(escrow.TotalLocked)
		if err != nil {
			return nil, fmt.Errorf("settlement: escrow %s total: %w", escrow.ID, err)
		}
	}

	verification, err := o.verifier.VerifyInbound(ctx, req.TxReference, req.ExpectedPayer, cfg.Mint.String(), expected)
	if err != nil {
		return nil, err
	}
	if !verification.Verified {
		o.recordVerification("rejected")
		return &verification, nil
	}

	fields := map[string]any{
		"tx_reference": req.TxReference,
		"funded_at":    o.now().UTC(),
	}
	if err := o.store.TransitionStatus(ctx, escrow.ID, StatusPending, StatusFunded, fields); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			// No funds moved under our control; a concurrent verification
			// simply got there first.
			current, loadErr := o.store.Escrow(ctx, escrow.ID)
			if loadErr == nil && current.Status == StatusFunded {
				o.recordVerification("verified")
				return &verification, nil
			}
			return nil, fmt.Errorf("%w: escrow %s changed state during verification", ErrInvalidState, escrow.ID)
		}
		return nil, err
	}

	o.recordVerification("verified")
	o.notifier.Emit(Event{
		Type:        EventEscrowFunded,
		EscrowID:    escrow.ID,
		Status:      StatusFunded,
		TxReference: req.TxReference,
		Timestamp:   o.now().Unix(),
	})
	o.log.Info("escrow funded",
		"escrow", escrow.ID,
		"reference", req.TxReference,
		"amount", ledger.FormatAmount(verification.ObservedAmount, cfg.Decimals))
	return &verification, nil
}

// displayAmount renders an amount with the token's configured precision;
// native amounts stay in minor units.
func (o *Orchestrator) displayAmount(escrow *Escrow, amount *big.Int) string {
	if cfg, err := o.tokenConfig(escrow); err == nil {
		return ledger.FormatAmount(amount, cfg.Decimals)
	}
	return amount.String()
}

func (o *Orchestrator) recordVerification(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordVerification(outcome)
	}
}
