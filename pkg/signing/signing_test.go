package signing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/kvstore"
)

const testRegistry = `
circuits:
  - id: c1
    signalHashFamily: keccak256
    price: {amountAtomic: "1", asset: USDC}
`

type fakeNotifier struct {
	calls []string
	err   error
}

func (f *fakeNotifier) OnSigningComplete(ctx context.Context, flowID, requestID, address, signalHash string) error {
	f.calls = append(f.calls, flowID+":"+requestID+":"+address)
	return f.err
}

func newTestRendezvous(t *testing.T, notifier FlowNotifier) *Rendezvous {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	reg, err := circuits.Parse([]byte(testRegistry))
	if err != nil {
		t.Fatalf("circuits.Parse: %v", err)
	}
	return New(kvstore.Dial(mr.Addr()), reg, time.Minute, notifier)
}

func TestCreateUnknownCircuitFails(t *testing.T) {
	r := newTestRendezvous(t, nil)
	if _, err := r.Create(context.Background(), "nope", "scope-1", "", ""); err == nil {
		t.Fatal("expected error for unknown circuit")
	}
}

func TestPrepareProducesDeterministicSignalHash(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := r.Prepare(ctx, req.ID, "0xAaAa")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	second, err := r.Prepare(ctx, req.ID, "0xAaAa")
	if err != nil {
		t.Fatalf("Prepare (idempotent repeat): %v", err)
	}
	if first.SignalHash != second.SignalHash {
		t.Fatalf("signal hashes differ across idempotent Prepare calls: %s vs %s", first.SignalHash, second.SignalHash)
	}
}

func TestPrepareIsCaseInsensitiveToAddress(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xaaaa"); err != nil {
		t.Fatalf("Prepare with differently-cased address, want success (same address): %v", err)
	}
}

func TestPrepareRejectsMismatchedAddress(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xBbBb"); err == nil {
		t.Fatal("expected Prepare with a different address to fail")
	}
}

func TestCallbackThenWaitReturnsImmediately(t *testing.T) {
	notifier := &fakeNotifier{}
	r := newTestRendezvous(t, notifier)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "flow-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := r.Callback(ctx, req.ID, "0xAaAa", "0xSig"); err != nil {
		t.Fatalf("Callback: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := r.Wait(waitCtx, req.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Signature != "0xSig" {
		t.Fatalf("Signature = %q, want 0xSig", got.Signature)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", got.Status)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("notifier calls = %v, want exactly one", notifier.calls)
	}
}

func TestWaitBlocksUntilCallback(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := r.Wait(waitCtx, req.ID)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := r.Callback(ctx, req.ID, "0xAaAa", "0xSig"); err != nil {
		t.Fatalf("Callback: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not unblock after Callback")
	}
}

func TestDoubleCallbackConflicts(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := r.Callback(ctx, req.ID, "0xAaAa", "0xSig"); err != nil {
		t.Fatalf("first Callback: %v", err)
	}
	if err := r.Callback(ctx, req.ID, "0xAaAa", "0xSig2"); err == nil {
		t.Fatal("expected conflict on second Callback")
	}
}

func TestCallbackRejectsAddressMismatch(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := r.Callback(ctx, req.ID, "0xBbBb", "0xSig"); err == nil {
		t.Fatal("expected address mismatch to be rejected")
	}
}

func TestCallbackRejectsAfterAttemptsExhausted(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Prepare(ctx, req.ID, "0xAaAa"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for i := 0; i < maxCallbackAttempts; i++ {
		// Deliberately wrong address so each attempt fails without
		// completing the request, exhausting the attempts budget.
		_ = r.Callback(ctx, req.ID, "0xBbBb", "0xSig")
	}
	if err := r.Callback(ctx, req.ID, "0xAaAa", "0xSig"); err == nil {
		t.Fatal("expected TooMany-style conflict after attempts exhausted")
	}
}

func TestCallbackRejectsUnpreparedRequest(t *testing.T) {
	r := newTestRendezvous(t, nil)
	ctx := context.Background()

	req, err := r.Create(ctx, "c1", "scope-1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Callback(ctx, req.ID, "0xAaAa", "0xSig"); err == nil {
		t.Fatal("expected callback against an unprepared request to fail")
	}
}
