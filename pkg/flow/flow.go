// Package flow is the Flow Coordinator (C6): the phase state machine
// driving a proof request from signing through payment to a proved,
// attested, verified result (or failure/expiry). C4 and C5 report
// completion through their own FlowNotifier interfaces, which
// cmd/zkproofportd wires to CompleteSigning and CompletePayment, so
// neither imports this package; every new flow state is published
// here on the flow's C1 event channel.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/kvstore"
)

// Phase is one state in the lifecycle graph.
type Phase string

const (
	PhaseSigning Phase = "signing"
	PhasePayment Phase = "payment"
	PhaseReady   Phase = "ready"
	PhaseProving Phase = "proving"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
	PhaseExpired Phase = "expired"
)

// transition is one edge in the allowed phase graph.
type transition struct{ From, To Phase }

// validTransitions enumerates every edge the state machine will
// accept; mutateTransition rejects anything not listed here.
var validTransitions = []transition{
	{PhaseSigning, PhasePayment},
	{PhaseSigning, PhaseFailed},
	{PhaseSigning, PhaseExpired},
	{PhasePayment, PhaseReady},
	{PhasePayment, PhaseFailed},
	{PhasePayment, PhaseExpired},
	{PhaseReady, PhaseProving},
	{PhaseReady, PhaseExpired},
	{PhaseProving, PhaseDone},
	{PhaseProving, PhaseFailed},
}

func isValidTransition(from, to Phase) bool {
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// ProofRef is the pointer a completed Flow carries to its result, so
// that for every ProofResult there is a Flow whose Result.ProofID
// equals the result's own id (invariant 5).
type ProofRef struct {
	ProofID string `json:"proofId"`
}

// SigningSummary is what the Flow remembers once C4 reports a
// completed signing rendezvous: enough to audit which address signed,
// without the Flow reaching back into pkg/signing for it.
type SigningSummary struct {
	RequestID  string `json:"requestId"`
	Address    string `json:"address"`
	SignalHash string `json:"signalHash"`
}

// PaymentSummary is what the Flow remembers once C5 reports a
// completed payment rendezvous.
type PaymentSummary struct {
	RequestID string `json:"requestId"`
	TxHash    string `json:"txHash,omitempty"`
}

// Flow is one proof request's lifecycle record.
type Flow struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"requestId"`
	Scope       string          `json:"scope"`
	CircuitID   string          `json:"circuitId"`
	Fingerprint string          `json:"fingerprint"`
	Phase       Phase           `json:"phase"`
	Signing     *SigningSummary `json:"signing,omitempty"`
	Payment     *PaymentSummary `json:"payment,omitempty"`
	Result      *ProofRef       `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	FailReason  string          `json:"failReason,omitempty"`
}

func flowKey(id string) string   { return fmt.Sprintf("flow:%s", id) }
func eventsKey(id string) string { return fmt.Sprintf("flow:events:%s", id) }
func lockKey(fp string) string   { return fmt.Sprintf("lock:%s", fp) }

// ReadyQueueKey is the list C6 pushes a flow ID onto when it reaches
// PhaseReady, and the orchestrator pops from to pick up proving.
const ReadyQueueKey = "flows:ready:queue"

// ActiveSetKey is the authoritative-membership set the janitor
// reconciles against each flow's KV record.
const ActiveSetKey = "flows:active"

// Metrics are the prometheus counters this package exposes, in
// particular the prove-invocation counter needed to observe testable
// property P2 ("exactly one C7 invocation per fingerprint").
type Metrics struct {
	Transitions     *prometheus.CounterVec
	ProveInvocations prometheus.Counter
	LockContention  prometheus.Counter
}

// NewMetrics constructs and registers the Coordinator's metrics
// against reg. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zkproofport_flow_transitions_total",
			Help: "Count of phase transitions by from/to phase.",
		}, []string{"from", "to"}),
		ProveInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zkproofport_prove_invocations_total",
			Help: "Count of C7 prover invocations actually dispatched.",
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zkproofport_fingerprint_lock_contention_total",
			Help: "Count of fingerprint lock acquisition failures (a second prove attempt observed an in-flight one).",
		}),
	}
	reg.MustRegister(m.Transitions, m.ProveInvocations, m.LockContention)
	return m
}

// Coordinator drives flow state and enforces at-most-one-in-flight
// proving per fingerprint via a SET NX lock.
type Coordinator struct {
	store    kvstore.Store
	ttl      time.Duration
	lockTTL  time.Duration
	metrics  *Metrics
	mu       sync.Mutex // guards nothing shared in-process; kept for symmetry with teacher's locking style
}

func NewCoordinator(store kvstore.Store, ttl, lockTTL time.Duration, metrics *Metrics) *Coordinator {
	return &Coordinator{store: store, ttl: ttl, lockTTL: lockTTL, metrics: metrics}
}

// Create starts a new flow in PhaseSigning, bound to the requestId and
// scope the client supplied — both carried through to completion so a
// client can always trace a Flow back to the request that started it.
func (c *Coordinator) Create(ctx context.Context, requestID, scope, circuitID, fingerprint string) (*Flow, error) {
	now := time.Now()
	f := &Flow{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		Scope:       scope,
		CircuitID:   circuitID,
		Fingerprint: fingerprint,
		Phase:       PhaseSigning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.save(ctx, f); err != nil {
		return nil, err
	}
	if err := c.store.SAdd(ctx, ActiveSetKey, f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

// Get fetches a flow by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Flow, error) {
	raw, err := c.store.Get(ctx, flowKey(id))
	if err == kvstore.ErrNotFound {
		return nil, errs.Wrap(errs.KindNotFound, "flow not found", err)
	}
	if err != nil {
		return nil, err
	}
	var f Flow
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("flow: decode: %w", err)
	}
	return &f, nil
}

// directTransitions are the edges Transition itself is allowed to
// make. PhasePayment, PhaseReady and PhaseDone are reached only
// through CompleteSigning, CompletePayment and CompleteWithResult,
// which attach the summary/result data those phases require — so
// Transition rejects them even though they appear in
// validTransitions.
var directTransitions = map[Phase]bool{
	PhaseFailed:  true,
	PhaseExpired: true,
	PhaseProving: true,
}

// Transition moves a flow to a new phase, rejecting any edge not in
// validTransitions, and publishes the new state on the flow's event
// channel. It refuses PhasePayment, PhaseReady and PhaseDone: those
// transitions carry data (a signing/payment summary, a ProofRef) that
// only CompleteSigning, CompletePayment and CompleteWithResult attach.
func (c *Coordinator) Transition(ctx context.Context, id string, to Phase, failReason string) (*Flow, error) {
	if !directTransitions[to] {
		return nil, errs.New(errs.KindConflict,
			fmt.Sprintf("phase %s must be reached through its dedicated completion call", to))
	}
	return c.mutateTransition(ctx, id, to, func(f *Flow) {
		if to == PhaseFailed {
			f.FailReason = failReason
		}
	})
}

// CompleteSigning advances a flow from PhaseSigning to PhasePayment,
// attaching the signing rendezvous' requestId and the address that
// signed, so the Flow can be traced back to it without C4 holding a
// back-pointer.
func (c *Coordinator) CompleteSigning(ctx context.Context, id, requestID, address, signalHash string) (*Flow, error) {
	return c.mutateTransition(ctx, id, PhasePayment, func(f *Flow) {
		f.Signing = &SigningSummary{RequestID: requestID, Address: address, SignalHash: signalHash}
	})
}

// CompletePayment advances a flow from PhasePayment to PhaseReady and
// pushes it onto the ready queue for the orchestrator to pick up.
func (c *Coordinator) CompletePayment(ctx context.Context, id, requestID, txHash string) (*Flow, error) {
	return c.mutateTransition(ctx, id, PhaseReady, func(f *Flow) {
		f.Payment = &PaymentSummary{RequestID: requestID, TxHash: txHash}
	})
}

// CompleteWithResult advances a flow from PhaseProving to PhaseDone,
// recording proofID as the Flow's Result so invariant 5 holds: every
// ProofResult is reachable from exactly the Flow that produced it.
func (c *Coordinator) CompleteWithResult(ctx context.Context, id, proofID string) (*Flow, error) {
	return c.mutateTransition(ctx, id, PhaseDone, func(f *Flow) {
		f.Result = &ProofRef{ProofID: proofID}
	})
}

// mutateTransition is the shared engine behind Transition and the
// dedicated completion methods: it validates the edge, lets the
// caller attach whatever phase-specific data belongs on the Flow,
// persists it, updates queue/set membership, and publishes the new
// state.
func (c *Coordinator) mutateTransition(ctx context.Context, id string, to Phase, mutate func(*Flow)) (*Flow, error) {
	f, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isValidTransition(f.Phase, to) {
		return nil, errs.Wrap(errs.KindConflict,
			fmt.Sprintf("invalid transition %s -> %s", f.Phase, to), errs.ErrInvalidPhase)
	}
	from := f.Phase
	f.Phase = to
	f.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(f)
	}
	if err := c.save(ctx, f); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if to == PhaseReady {
		if err := c.store.LPush(ctx, ReadyQueueKey, f.ID); err != nil {
			return nil, err
		}
	}
	if to == PhaseDone || to == PhaseFailed || to == PhaseExpired {
		_ = c.store.SRem(ctx, ActiveSetKey, f.ID)
	} else {
		_ = c.store.SAdd(ctx, ActiveSetKey, f.ID)
	}
	c.publish(ctx, f)
	return f, nil
}

// AcquireProveLock attempts the at-most-one-in-flight lock for a
// fingerprint. Only the caller that wins may invoke C7.
func (c *Coordinator) AcquireProveLock(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := c.store.SetNX(ctx, lockKey(fingerprint), "1", c.lockTTL)
	if err != nil {
		return false, err
	}
	if !ok && c.metrics != nil {
		c.metrics.LockContention.Inc()
	}
	if ok && c.metrics != nil {
		c.metrics.ProveInvocations.Inc()
	}
	return ok, nil
}

// ReleaseProveLock releases a fingerprint lock, e.g. after a prove
// attempt fails and a retry should be allowed.
func (c *Coordinator) ReleaseProveLock(ctx context.Context, fingerprint string) error {
	return c.store.Del(ctx, lockKey(fingerprint))
}

// Subscribe returns a live subscription to a flow's event channel, for
// the HTTP surface's SSE endpoint.
func (c *Coordinator) Subscribe(ctx context.Context, id string) kvstore.Subscription {
	return c.store.Subscribe(ctx, eventsKey(id))
}

func (c *Coordinator) publish(ctx context.Context, f *Flow) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	_ = c.store.Publish(ctx, eventsKey(f.ID), string(raw))
}

func (c *Coordinator) save(ctx context.Context, f *Flow) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("flow: encode: %w", err)
	}
	return c.store.Set(ctx, flowKey(f.ID), string(raw), c.ttl)
}
