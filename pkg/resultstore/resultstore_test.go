package resultstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zkproofport/engine/pkg/kvstore"
)

func TestPutGetRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s := New(kvstore.Dial(mr.Addr()), time.Minute)
	ctx := context.Background()

	r, err := s.Put(ctx, "flow-1", "circuit-1", []byte(`{"a":1}`), []byte(`[1,2]`), "0xnull", "0xsignal", nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, r.ProofID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Proof) != `{"a":1}` {
		t.Fatalf("Proof = %q, want {\"a\":1}", got.Proof)
	}
	if got.Nullifier != "0xnull" || got.SignalHash != "0xsignal" {
		t.Fatalf("Nullifier/SignalHash = %q/%q, want 0xnull/0xsignal", got.Nullifier, got.SignalHash)
	}
	if got.FlowID != "flow-1" {
		t.Fatalf("FlowID = %q, want flow-1", got.FlowID)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s := New(kvstore.Dial(mr.Addr()), time.Minute)
	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing proof id")
	}
}
