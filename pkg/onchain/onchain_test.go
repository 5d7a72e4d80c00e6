package onchain

import (
	"context"
	"math/big"
	"testing"

	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/errs"
)

const testRegistry = `
circuits:
  - id: c1
    signalHashFamily: keccak256
    price: {amountAtomic: "1", asset: USDC}
    verifiers:
      - chainId: 8453
        address: "0x0000000000000000000000000000000000000001"
`

func TestVerifyProofUnknownVerifierIsConfigError(t *testing.T) {
	reg, err := circuits.Parse([]byte(testRegistry))
	if err != nil {
		t.Fatalf("circuits.Parse: %v", err)
	}
	// A Verifier constructed against an address that never dials out in
	// this test (the unconfigured-chain path returns before any RPC
	// call is made), so no live endpoint is needed here.
	v := &Verifier{registry: reg}

	zero := func() [2]*big.Int { return [2]*big.Int{big.NewInt(0), big.NewInt(0)} }
	proof := Proof{A: zero(), C: zero()}

	_, _, err = v.VerifyProof(context.Background(), "c1", 1 /* unconfigured chain */, proof, nil)
	if err == nil {
		t.Fatal("expected error for unconfigured chain")
	}
	if errs.KindOf(err) != errs.KindConfigError {
		t.Fatalf("Kind = %v, want ConfigError", errs.KindOf(err))
	}
}

func TestVerifyProofUnknownCircuitIsConfigError(t *testing.T) {
	reg, err := circuits.Parse([]byte(testRegistry))
	if err != nil {
		t.Fatalf("circuits.Parse: %v", err)
	}
	v := &Verifier{registry: reg}

	zero := func() [2]*big.Int { return [2]*big.Int{big.NewInt(0), big.NewInt(0)} }
	proof := Proof{A: zero(), C: zero()}

	_, _, err = v.VerifyProof(context.Background(), "nope", 8453, proof, nil)
	if errs.KindOf(err) != errs.KindConfigError {
		t.Fatalf("Kind = %v, want ConfigError", errs.KindOf(err))
	}
}
