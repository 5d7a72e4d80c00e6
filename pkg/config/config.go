// Package config loads the engine's runtime configuration from
// environment variables, in the teacher's flat-struct,
// getEnvX-helper style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/zkproofport/engine/pkg/attestation"
)

// Config is the engine's full runtime configuration.
type Config struct {
	ListenAddr string

	KVURL string

	SignPageURL string
	PaymentMode string // "disabled" or "enabled"
	TEEMode     attestation.Mode

	ChainRPCURL   string
	ProverBinary  string
	ProverWorkDir string
	CircuitsFile  string

	PayToAddress    string
	USDCAddress     string
	USDCName        string
	USDCVersion     string
	PaymentChainID  int64

	SigningTTL  time.Duration
	PaymentTTL  time.Duration
	ProofTTL    time.Duration
	ProveTimeout time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int64

	MaxConcurrentProvers int
	JanitorPeriod        time.Duration

	AuditFirestoreEnabled bool
	FirebaseProjectID     string
}

// Load reads Config from environment variables, applying the same
// defaults the teacher's pkg/config.Load used for unset optional
// fields.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            getEnvString("LISTEN_ADDR", ":8080"),
		KVURL:                 getEnvString("KV_URL", "localhost:6379"),
		SignPageURL:           os.Getenv("SIGN_PAGE_URL"),
		PaymentMode:           getEnvString("PAYMENT_MODE", "disabled"),
		TEEMode:               attestation.Mode(getEnvString("TEE_MODE", string(attestation.ModeLocal))),
		ChainRPCURL:           os.Getenv("CHAIN_RPC_URL"),
		ProverBinary:          os.Getenv("PROVER_BINARY"),
		ProverWorkDir:         getEnvString("PROVER_WORK_DIR", os.TempDir()),
		CircuitsFile:          getEnvString("CIRCUITS_FILE", "circuits.yaml"),
		PayToAddress:          os.Getenv("PAY_TO_ADDRESS"),
		USDCAddress:           os.Getenv("USDC_ADDRESS"),
		USDCName:              getEnvString("USDC_NAME", "USD Coin"),
		USDCVersion:           getEnvString("USDC_VERSION", "2"),
		PaymentChainID:        getEnvInt64("PAYMENT_CHAIN_ID", 8453),
		SigningTTL:            getEnvDuration("SIGNING_TTL", 10*time.Minute),
		PaymentTTL:            getEnvDuration("PAYMENT_TTL", 10*time.Minute),
		ProofTTL:              getEnvDuration("PROOF_TTL", 24*time.Hour),
		ProveTimeout:          getEnvDuration("PROVE_TIMEOUT", 2*time.Minute),
		RateLimitWindow:       getEnvDuration("RATE_WINDOW", time.Minute),
		RateLimitMax:          getEnvInt64("RATE_LIMIT", 60),
		MaxConcurrentProvers:  getEnvInt("MAX_CONCURRENT_PROVERS", 4),
		JanitorPeriod:         getEnvDuration("JANITOR_PERIOD", 5*time.Minute),
		AuditFirestoreEnabled: getEnvBool("AUDIT_FIRESTORE_ENABLED", false),
		FirebaseProjectID:     os.Getenv("FIREBASE_PROJECT_ID"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required combinations of fields are present.
func (c *Config) Validate() error {
	if c.PaymentMode != "disabled" && c.PaymentMode != "enabled" {
		return fmt.Errorf("config: PAYMENT_MODE must be \"disabled\" or \"enabled\", got %q", c.PaymentMode)
	}
	if !c.TEEMode.IsValid() {
		return fmt.Errorf("config: TEE_MODE %q is not a recognized attestation mode", c.TEEMode)
	}
	if c.TEEMode != attestation.ModeDisabled && c.ProverBinary == "" {
		return fmt.Errorf("config: PROVER_BINARY is required when attestation is not disabled")
	}
	if c.MaxConcurrentProvers < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_PROVERS must be >= 1")
	}
	if c.PaymentMode == "enabled" && (c.PayToAddress == "" || c.USDCAddress == "") {
		return fmt.Errorf("config: PAY_TO_ADDRESS and USDC_ADDRESS are required when PAYMENT_MODE=enabled")
	}
	return nil
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
