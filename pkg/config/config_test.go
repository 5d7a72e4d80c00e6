package config

import (
	"os"
	"testing"

	"github.com/zkproofport/engine/pkg/attestation"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PAYMENT_MODE", "TEE_MODE", "PROVER_BINARY", "MAX_CONCURRENT_PROVERS",
	} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("PROVER_BINARY", "/bin/true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PaymentMode != "disabled" {
		t.Fatalf("PaymentMode = %q, want disabled", cfg.PaymentMode)
	}
	if cfg.TEEMode != attestation.ModeLocal {
		t.Fatalf("TEEMode = %q, want local", cfg.TEEMode)
	}
}

func TestValidateRejectsBadPaymentMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("PAYMENT_MODE", "sometimes")
	os.Setenv("PROVER_BINARY", "/bin/true")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PAYMENT_MODE")
	}
}

func TestValidateRequiresProverBinaryUnlessAttestationDisabled(t *testing.T) {
	clearEnv(t)
	os.Setenv("TEE_MODE", "local")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when PROVER_BINARY is unset and attestation is enabled")
	}

	os.Setenv("TEE_MODE", "disabled")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with attestation disabled: %v", err)
	}
}
