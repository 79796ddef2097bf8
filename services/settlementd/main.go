package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"marketpay/crypto"
	"marketpay/ledger"
	"marketpay/observability"
	"marketpay/observability/logging"
	"marketpay/settlement"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MARKETPAY_ENV"))
	log := logging.Setup("settlementd", env)

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Environment != "" && env == "" {
		log = logging.Setup("settlementd", cfg.Environment)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := settlement.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	key, err := loadSigner(cfg.Signer)
	if err != nil {
		return fmt.Errorf("load custodial key: %w", err)
	}
	custodial := key.PubKey().Address()
	log.Info("custodial account loaded",
		"address", custodial.String(),
		logging.Secret("key", cfg.Signer.Key),
		"auth_fingerprint", logging.Fingerprint(cfg.Auth.BearerToken))

	metrics := observability.Settlement()
	pool := ledger.NewPool(cfg.Ledger.Endpoints,
		ledger.WithRateLimit(cfg.Ledger.RateLimit, cfg.Ledger.RateBurst))
	reader := ledger.NewReader(pool,
		ledger.WithReadTimeout(cfg.Ledger.ReadTimeout.Duration),
		ledger.WithConfirmation(cfg.Ledger.ConfirmAttempts, cfg.Ledger.ConfirmBackoff.Duration),
		ledger.WithReaderMetrics(metrics))

	submitterOpts := []ledger.SubmitterOption{
		ledger.WithSubmitTimeout(cfg.Ledger.SubmitTimeout.Duration),
		ledger.WithRetryBudget(ledger.RetryBudget{
			MaxAttempts: cfg.Ledger.SubmitAttempts,
			Backoff:     cfg.Ledger.SubmitBackoff.Duration,
		}),
		ledger.WithSubmitterMetrics(metrics),
		ledger.WithSubmitterLogger(log),
	}
	if cfg.AmountCeiling != "" {
		ceiling, _ := new(big.Int).SetString(cfg.AmountCeiling, 10)
		submitterOpts = append(submitterOpts, ledger.WithAmountCeiling(ceiling))
	}
	submitter, err := ledger.NewSubmitter(pool, reader, key, submitterOpts...)
	if err != nil {
		return fmt.Errorf("init submitter: %w", err)
	}

	tolerance, _ := new(big.Int).SetString(cfg.VerifyTolerance, 10)
	verifier := settlement.NewVerifier(reader, custodial, settlement.WithTolerance(tolerance))

	tokens, err := parseTokens(cfg.Tokens)
	if err != nil {
		return fmt.Errorf("parse tokens: %w", err)
	}

	var notifier settlement.Notifier = settlement.NoopNotifier{}
	if cfg.Webhook.URL != "" {
		notifier = settlement.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, log)
	}

	store := settlement.NewStore(db, nil)
	orchestrator, err := settlement.NewOrchestrator(store, reader, submitter, verifier,
		settlement.WithTokens(tokens),
		settlement.WithNotifier(notifier),
		settlement.WithMetrics(metrics),
		settlement.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	server := NewServer(orchestrator, pool, cfg.Auth.BearerToken, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("settlementd listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadSigner(cfg SignerConfig) (*crypto.PrivateKey, error) {
	if cfg.KeystorePath != "" && cfg.Key == "" {
		return crypto.LoadFromKeystore(cfg.KeystorePath, cfg.keystorePassphrase)
	}
	return crypto.PrivateKeyFromHex(cfg.Key)
}

func parseTokens(configs []TokenConfig) ([]settlement.TokenConfig, error) {
	out := make([]settlement.TokenConfig, 0, len(configs))
	for _, tc := range configs {
		mint, err := crypto.DecodeAddress(tc.Mint)
		if err != nil {
			return nil, fmt.Errorf("token %s mint: %w", tc.Symbol, err)
		}
		custodial, err := crypto.DecodeAddress(tc.CustodialAccount)
		if err != nil {
			return nil, fmt.Errorf("token %s custodial account: %w", tc.Symbol, err)
		}
		parsed := settlement.TokenConfig{
			Symbol:           strings.ToUpper(strings.TrimSpace(tc.Symbol)),
			Mint:             mint,
			CustodialAccount: custodial,
			Decimals:         tc.Decimals,
		}
		if strings.TrimSpace(tc.BridgeAccount) != "" {
			bridge, err := crypto.DecodeAddress(tc.BridgeAccount)
			if err != nil {
				return nil, fmt.Errorf("token %s bridge account: %w", tc.Symbol, err)
			}
			parsed.BridgeAccount = bridge
		}
		out = append(out, parsed)
	}
	return out, nil
}
