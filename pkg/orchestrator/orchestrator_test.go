package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zkproofport/engine/pkg/attestation"
	"github.com/zkproofport/engine/pkg/audit"
	"github.com/zkproofport/engine/pkg/flow"
	"github.com/zkproofport/engine/pkg/fingerprint"
	"github.com/zkproofport/engine/pkg/kvstore"
	"github.com/zkproofport/engine/pkg/prover"
	"github.com/zkproofport/engine/pkg/resultstore"
)

func writeFakeProver(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-prover.sh")
	script := "#!/bin/sh\necho '{\"proof\":{\"a\":1},\"publicInputs\":[1],\"nullifier\":\"0xnull\"}'\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func advanceToReady(t *testing.T, coord *flow.Coordinator, ctx context.Context, id string) {
	t.Helper()
	if _, err := coord.CompleteSigning(ctx, id, "sign-req-1", "0xAaAa", "0xsignalhash"); err != nil {
		t.Fatalf("CompleteSigning: %v", err)
	}
	if _, err := coord.CompletePayment(ctx, id, "pay-req-1", "0xtxhash"); err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
}

func TestProcessTakesFlowToDone(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	store := kvstore.Dial(mr.Addr())
	ctx := context.Background()

	coord := flow.NewCoordinator(store, time.Minute, time.Minute, flow.NewMetrics(prometheus.NewRegistry()))
	cache := fingerprint.NewCache(store, time.Minute)
	results := resultstore.New(store, time.Minute)
	attester, err := attestation.NewLocalAttester()
	if err != nil {
		t.Fatalf("NewLocalAttester: %v", err)
	}
	invoker := prover.New(writeFakeProver(t), t.TempDir(), 1)
	auditSink, err := audit.New(ctx, audit.Config{Enabled: false})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	o := New(store, coord, cache, invoker, attester, results, auditSink, nil)

	f, err := coord.Create(ctx, "req-1", "scope-1", "c1", "fp-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	advanceToReady(t, coord, ctx, f.ID)

	o.drainOnce(ctx)

	got, err := coord.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != flow.PhaseDone {
		t.Fatalf("Phase = %v, want done", got.Phase)
	}
	if got.Result == nil || got.Result.ProofID == "" {
		t.Fatalf("Result = %+v, want a non-empty ProofID", got.Result)
	}

	result, err := results.Get(ctx, got.Result.ProofID)
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if result.Nullifier != "0xnull" {
		t.Fatalf("Nullifier = %q, want 0xnull", result.Nullifier)
	}
	if result.SignalHash != "0xsignalhash" {
		t.Fatalf("SignalHash = %q, want 0xsignalhash", result.SignalHash)
	}
}

func TestProcessSkipsProvingOnCacheHit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	store := kvstore.Dial(mr.Addr())
	ctx := context.Background()

	coord := flow.NewCoordinator(store, time.Minute, time.Minute, flow.NewMetrics(prometheus.NewRegistry()))
	cache := fingerprint.NewCache(store, time.Minute)
	results := resultstore.New(store, time.Minute)
	attester, _ := attestation.NewLocalAttester()
	// A prover binary that always fails — if the orchestrator calls it
	// on a cache hit, the flow will end up failed instead of done.
	invoker := prover.New("/bin/false", t.TempDir(), 1)
	auditSink, _ := audit.New(ctx, audit.Config{Enabled: false})

	o := New(store, coord, cache, invoker, attester, results, auditSink, nil)

	cached := `{"proof":{"a":1},"publicInputs":[1],"nullifier":"0xnull","signalHash":"0xsignalhash"}`
	if err := cache.Set(ctx, "c1", "fp-1", cached); err != nil {
		t.Fatalf("cache.Set: %v", err)
	}

	f, err := coord.Create(ctx, "req-1", "scope-1", "c1", "fp-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	advanceToReady(t, coord, ctx, f.ID)

	o.drainOnce(ctx)

	got, err := coord.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != flow.PhaseDone {
		t.Fatalf("Phase = %v, want done (cache hit should skip proving)", got.Phase)
	}

	result, err := results.Get(ctx, got.Result.ProofID)
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if result.Nullifier != "0xnull" {
		t.Fatalf("Nullifier = %q, want 0xnull (from cache, not the failing prover)", result.Nullifier)
	}
}
