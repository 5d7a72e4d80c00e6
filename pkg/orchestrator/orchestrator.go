// Package orchestrator drains C6's ready queue and drives a flow
// through proving (C7), attestation (C8), result storage (C9), and
// the audit mirror — the glue between the Flow Coordinator and the
// components it schedules, kept separate from pkg/flow so that
// package stays a pure state machine with no knowledge of how proving
// is actually carried out.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkproofport/engine/pkg/attestation"
	"github.com/zkproofport/engine/pkg/audit"
	"github.com/zkproofport/engine/pkg/flow"
	"github.com/zkproofport/engine/pkg/fingerprint"
	"github.com/zkproofport/engine/pkg/kvstore"
	"github.com/zkproofport/engine/pkg/prover"
	"github.com/zkproofport/engine/pkg/resultstore"
)

// cachedProof is what a fingerprint cache hit actually reuses: the
// structured proof artifact and its attestation, not just the
// attestation envelope, so a second flow over the same fingerprint
// gets a ProofResult with an identical proof, publicInputs, nullifier
// and signalHash to the first (P1).
type cachedProof struct {
	Proof        json.RawMessage       `json:"proof"`
	PublicInputs json.RawMessage       `json:"publicInputs"`
	Nullifier    string                `json:"nullifier"`
	SignalHash   string                `json:"signalHash"`
	Attestation  *attestation.Document `json:"attestation,omitempty"`
}

// Orchestrator pops ready flows off C6's queue and runs them through
// C7/C8/C9, respecting the fingerprint lock so at most one C7
// invocation runs per fingerprint (testable property P2).
type Orchestrator struct {
	store        kvstore.Store
	coordinator  *flow.Coordinator
	cache        *fingerprint.Cache
	invoker      *prover.Invoker
	attester     attestation.Attester
	results      *resultstore.Store
	audit        *audit.Sink
	logger       *log.Logger
	pollInterval time.Duration
}

func New(
	store kvstore.Store,
	coordinator *flow.Coordinator,
	cache *fingerprint.Cache,
	invoker *prover.Invoker,
	attester attestation.Attester,
	results *resultstore.Store,
	auditSink *audit.Sink,
	logger *log.Logger,
) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", 0)
	}
	return &Orchestrator{
		store:        store,
		coordinator:  coordinator,
		cache:        cache,
		invoker:      invoker,
		attester:     attester,
		results:      results,
		audit:        auditSink,
		logger:       logger,
		pollInterval: 250 * time.Millisecond,
	}
}

// Run blocks, repeatedly popping ready flows and processing them,
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce(ctx)
		}
	}
}

func (o *Orchestrator) drainOnce(ctx context.Context) {
	for {
		flowID, err := o.store.RPop(ctx, flow.ReadyQueueKey)
		if err == kvstore.ErrNotFound {
			return
		}
		if err != nil {
			o.logger.Printf("pop ready queue: %v", err)
			return
		}
		o.process(ctx, flowID)
	}
}

// process runs one flow through proving, attestation, and result
// storage. A cache hit for the flow's fingerprint skips C7 and C8
// entirely and goes straight to PhaseDone with the cached artifact.
func (o *Orchestrator) process(ctx context.Context, flowID string) {
	f, err := o.coordinator.Get(ctx, flowID)
	if err != nil {
		o.logger.Printf("flow %s: %v", flowID, err)
		return
	}

	if raw, err := o.cache.Get(ctx, f.CircuitID, f.Fingerprint); err == nil {
		var cached cachedProof
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			o.logger.Printf("flow %s: decode cached proof: %v", flowID, err)
		} else {
			o.finish(ctx, f, cached)
			return
		}
	}

	acquired, err := o.coordinator.AcquireProveLock(ctx, f.Fingerprint)
	if err != nil {
		o.logger.Printf("flow %s: acquire lock: %v", flowID, err)
		return
	}
	if !acquired {
		// Another invocation already owns this fingerprint; this flow
		// will pick up the result from cache once that one completes.
		return
	}

	if _, err := o.coordinator.Transition(ctx, flowID, flow.PhaseProving, ""); err != nil {
		o.logger.Printf("flow %s: transition to proving: %v", flowID, err)
		return
	}

	input, err := json.Marshal(map[string]string{"circuitId": f.CircuitID, "fingerprint": f.Fingerprint})
	if err != nil {
		o.fail(ctx, f, fmt.Sprintf("encode prover input: %v", err))
		return
	}

	result, err := o.invoker.Prove(ctx, f.CircuitID, input)
	if err != nil {
		o.fail(ctx, f, err.Error())
		return
	}

	signalHash := ""
	if f.Signing != nil {
		signalHash = f.Signing.SignalHash
	}

	proofHash := crypto.Keccak256(result.Proof)
	userData := append(append([]byte{}, proofHash...), []byte(":"+f.ID)...)
	doc, err := o.attester.GenerateAttestation(ctx, proofHash, userData)
	if err != nil {
		// Attestation never fails the flow: the result is stored and
		// served without one.
		o.logger.Printf("flow %s: attest: %v", flowID, err)
		doc = nil
	}

	cached := cachedProof{
		Proof:        result.Proof,
		PublicInputs: result.PublicInputs,
		Nullifier:    result.Nullifier,
		SignalHash:   signalHash,
		Attestation:  doc,
	}
	encoded, err := json.Marshal(cached)
	if err != nil {
		o.fail(ctx, f, fmt.Sprintf("encode cached proof: %v", err))
		return
	}
	if err := o.cache.Set(ctx, f.CircuitID, f.Fingerprint, string(encoded)); err != nil {
		o.logger.Printf("flow %s: cache set: %v", flowID, err)
	}

	o.finish(ctx, f, cached)
}

func (o *Orchestrator) finish(ctx context.Context, f *flow.Flow, cached cachedProof) {
	result, err := o.results.Put(ctx, f.ID, f.CircuitID, cached.Proof, cached.PublicInputs, cached.Nullifier, cached.SignalHash, cached.Attestation)
	if err != nil {
		o.fail(ctx, f, fmt.Sprintf("store result: %v", err))
		return
	}
	if _, err := o.coordinator.CompleteWithResult(ctx, f.ID, result.ProofID); err != nil {
		o.logger.Printf("flow %s: transition to done: %v", f.ID, err)
		return
	}
	if o.audit != nil {
		o.audit.Record(ctx, audit.Snapshot{
			FlowID: f.ID, CircuitID: f.CircuitID, Phase: string(flow.PhaseDone), UpdatedAt: time.Now(),
		})
	}
}

func (o *Orchestrator) fail(ctx context.Context, f *flow.Flow, reason string) {
	if _, err := o.coordinator.Transition(ctx, f.ID, flow.PhaseFailed, reason); err != nil {
		o.logger.Printf("flow %s: transition to failed: %v", f.ID, err)
	}
	if err := o.coordinator.ReleaseProveLock(ctx, f.Fingerprint); err != nil {
		o.logger.Printf("flow %s: release lock: %v", f.ID, err)
	}
	if o.audit != nil {
		o.audit.Record(ctx, audit.Snapshot{
			FlowID: f.ID, CircuitID: f.CircuitID, Phase: string(flow.PhaseFailed), UpdatedAt: time.Now(),
		})
	}
}
