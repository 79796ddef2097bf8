package settlementd

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"environment"`
	DatabasePath  string        `yaml:"database"`
	Auth          AuthConfig    `yaml:"auth"`
	Ledger        LedgerConfig  `yaml:"ledger"`
	Signer        SignerConfig  `yaml:"signer"`
	Tokens        []TokenConfig `yaml:"tokens"`
	AmountCeiling string        `yaml:"amount_ceiling"`
	// VerifyTolerance is the minor-unit slack absorbed when comparing a
	// claimed inbound payment against the expected amount.
	VerifyTolerance string        `yaml:"verify_tolerance"`
	Webhook         WebhookConfig `yaml:"webhook"`
}

// AuthConfig secures the service API.
type AuthConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// LedgerConfig configures the endpoint pool and timeouts.
type LedgerConfig struct {
	Endpoints       []string `yaml:"endpoints"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	SubmitTimeout   Duration `yaml:"submit_timeout"`
	ConfirmAttempts int      `yaml:"confirm_attempts"`
	ConfirmBackoff  Duration `yaml:"confirm_backoff"`
	SubmitAttempts  int      `yaml:"submit_attempts"`
	SubmitBackoff   Duration `yaml:"submit_backoff"`
	RateLimit       float64  `yaml:"rate_limit"`
	RateBurst       int      `yaml:"rate_burst"`
}

// SignerConfig locates the custodial signing material. Exactly one source is
// required: inline hex, an environment variable, a raw key file, or an
// encrypted keystore.
type SignerConfig struct {
	Key                string `yaml:"key"`
	KeyEnv             string `yaml:"key_env"`
	KeyFile            string `yaml:"key_file"`
	KeystorePath       string `yaml:"keystore"`
	KeystorePassEnv    string `yaml:"keystore_passphrase_env"`
	keystorePassphrase string
}

// TokenConfig registers one supported token.
type TokenConfig struct {
	Symbol           string `yaml:"symbol"`
	Mint             string `yaml:"mint"`
	CustodialAccount string `yaml:"custodial_account"`
	BridgeAccount    string `yaml:"bridge_account"`
	Decimals         int    `yaml:"decimals"`
}

// WebhookConfig configures the optional post-commit notification sink.
type WebhookConfig struct {
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Webhook.normalise(); err != nil {
		return cfg, fmt.Errorf("webhook: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "settlementd.db"
	}
	if cfg.Ledger.ReadTimeout.Duration == 0 {
		cfg.Ledger.ReadTimeout.Duration = 2 * time.Second
	}
	if cfg.Ledger.SubmitTimeout.Duration == 0 {
		cfg.Ledger.SubmitTimeout.Duration = 3 * time.Second
	}
	if cfg.Ledger.ConfirmAttempts <= 0 {
		cfg.Ledger.ConfirmAttempts = 5
	}
	if cfg.Ledger.ConfirmBackoff.Duration == 0 {
		cfg.Ledger.ConfirmBackoff.Duration = 3 * time.Second
	}
	if cfg.Ledger.SubmitAttempts <= 0 {
		cfg.Ledger.SubmitAttempts = 2
	}
	if cfg.Ledger.SubmitBackoff.Duration == 0 {
		cfg.Ledger.SubmitBackoff.Duration = time.Second
	}
	if cfg.Ledger.RateLimit <= 0 {
		cfg.Ledger.RateLimit = 20
	}
	if cfg.Ledger.RateBurst <= 0 {
		cfg.Ledger.RateBurst = 40
	}
	if cfg.VerifyTolerance == "" {
		cfg.VerifyTolerance = "0"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.BearerToken) == "" {
		return fmt.Errorf("auth bearer token must be configured")
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("at least one token must be configured")
	}
	for _, token := range cfg.Tokens {
		if strings.TrimSpace(token.Symbol) == "" {
			return fmt.Errorf("token symbol must not be empty")
		}
		if strings.TrimSpace(token.Mint) == "" {
			return fmt.Errorf("token %s: mint must be configured", token.Symbol)
		}
		if strings.TrimSpace(token.CustodialAccount) == "" {
			return fmt.Errorf("token %s: custodial_account must be configured", token.Symbol)
		}
	}
	if cfg.AmountCeiling != "" {
		if _, ok := new(big.Int).SetString(cfg.AmountCeiling, 10); !ok {
			return fmt.Errorf("amount_ceiling %q is not a base-10 integer", cfg.AmountCeiling)
		}
	}
	if _, ok := new(big.Int).SetString(cfg.VerifyTolerance, 10); !ok {
		return fmt.Errorf("verify_tolerance %q is not a base-10 integer", cfg.VerifyTolerance)
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}

func (s *SignerConfig) normalise() error {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.KeystorePath = strings.TrimSpace(s.KeystorePath)
	if s.Key != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	case s.KeystorePath != "":
		env := strings.TrimSpace(s.KeystorePassEnv)
		if env == "" {
			return fmt.Errorf("keystore_passphrase_env is required with keystore")
		}
		s.keystorePassphrase = os.Getenv(env)
		if s.keystorePassphrase == "" {
			return fmt.Errorf("keystore passphrase env %s is empty", env)
		}
	default:
		return fmt.Errorf("custodial signing key is required")
	}
	return nil
}

func (w *WebhookConfig) normalise() error {
	w.URL = strings.TrimSpace(w.URL)
	if w.URL == "" {
		return nil
	}
	secret := strings.TrimSpace(w.Secret)
	if env := strings.TrimSpace(w.SecretEnv); env != "" {
		secret = strings.TrimSpace(os.Getenv(env))
	}
	if secret == "" {
		return fmt.Errorf("webhook secret must be configured when url is set")
	}
	w.Secret = secret
	return nil
}
