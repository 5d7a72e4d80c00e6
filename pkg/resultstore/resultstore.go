// Package resultstore is the Result Store (C9): it persists a
// completed proof's structured artifact — proof, public inputs,
// nullifier, signal hash, and optional attestation — under its proof
// ID, with a TTL, so clients can retrieve it after the flow finishes.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zkproofport/engine/pkg/attestation"
	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/kvstore"
)

// Result is the ProofResult entity (spec §3): a completed proof ready
// for client retrieval and on-chain verification. Proof and
// PublicInputs are kept as raw JSON since the engine never interprets
// their shape — it moves them from prover to client unchanged.
type Result struct {
	ProofID      string                  `json:"proofId"`
	FlowID       string                  `json:"flowId"`
	CircuitID    string                  `json:"circuitId"`
	Proof        json.RawMessage         `json:"proof"`
	PublicInputs json.RawMessage         `json:"publicInputs"`
	Nullifier    string                  `json:"nullifier"`
	SignalHash   string                  `json:"signalHash"`
	Attestation  *attestation.Document   `json:"attestation,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
}

func resultKey(proofID string) string { return fmt.Sprintf("result:%s", proofID) }

// Store persists and retrieves completed Results.
type Store struct {
	kv  kvstore.Store
	ttl time.Duration
}

func New(kv kvstore.Store, ttl time.Duration) *Store {
	return &Store{kv: kv, ttl: ttl}
}

// Put stores a completed result, assigning it a fresh proof ID. The
// caller is responsible for threading that proof ID back onto the
// owning Flow (via flow.Coordinator.CompleteWithResult) so invariant 5
// holds.
func (s *Store) Put(ctx context.Context, flowID, circuitID string, proof, publicInputs json.RawMessage, nullifier, signalHash string, doc *attestation.Document) (*Result, error) {
	r := &Result{
		ProofID:      uuid.NewString(),
		FlowID:       flowID,
		CircuitID:    circuitID,
		Proof:        proof,
		PublicInputs: publicInputs,
		Nullifier:    nullifier,
		SignalHash:   signalHash,
		Attestation:  doc,
		CreatedAt:    time.Now(),
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("resultstore: encode: %w", err)
	}
	if err := s.kv.Set(ctx, resultKey(r.ProofID), string(raw), s.ttl); err != nil {
		return nil, err
	}
	return r, nil
}

// Get retrieves a result by proof ID.
func (s *Store) Get(ctx context.Context, proofID string) (*Result, error) {
	raw, err := s.kv.Get(ctx, resultKey(proofID))
	if err == kvstore.ErrNotFound {
		return nil, errs.Wrap(errs.KindNotFound, "result not found", err)
	}
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("resultstore: decode: %w", err)
	}
	return &r, nil
}
