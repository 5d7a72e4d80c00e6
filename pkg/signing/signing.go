// Package signing is the Signing Rendezvous component (C4): it hands a
// caller a signalHash to present on a hosted signing page, then
// rendezvouses the page's callback (bearing a signature) with whoever
// is waiting on the result. It never imports pkg/flow — completion is
// reported outward through the FlowNotifier interface, which the
// entrypoint wires to the Flow Coordinator, keeping C4 beneath C6 in
// the dependency graph.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/kvstore"
)

// Status is the lifecycle state of a SigningRequest.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// maxCallbackAttempts bounds brute-force signature submissions against
// a single request (spec §4.4).
const maxCallbackAttempts = 5

// attemptsWindow is the TTL on the per-request attempts counter.
const attemptsWindow = 300 * time.Second

// Request is one outstanding signing rendezvous.
type Request struct {
	ID         string    `json:"id"`
	FlowID     string    `json:"flowId,omitempty"`
	CircuitID  string    `json:"circuitId"`
	Scope      string    `json:"scope"`
	Address    string    `json:"address,omitempty"`
	SignalHash string    `json:"signalHash,omitempty"`
	Status     Status    `json:"status"`
	Signature  string    `json:"signature,omitempty"`
	Signer     string    `json:"signer,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func requestKey(id string) string  { return fmt.Sprintf("signing:%s", id) }
func channelKey(id string) string  { return fmt.Sprintf("signing:events:%s", id) }
func attemptsKey(id string) string { return fmt.Sprintf("signing:attempts:%s", id) }

// FlowNotifier is implemented by an adapter the entrypoint wires in,
// letting C4 report a completed rendezvous to C6 without depending on
// pkg/flow directly.
type FlowNotifier interface {
	OnSigningComplete(ctx context.Context, flowID, requestID, address, signalHash string) error
}

// Rendezvous coordinates the create/prepare/callback/wait lifecycle
// for one signing request.
type Rendezvous struct {
	store    kvstore.Store
	registry *circuits.Registry
	ttl      time.Duration
	notifier FlowNotifier
}

func New(store kvstore.Store, registry *circuits.Registry, ttl time.Duration, notifier FlowNotifier) *Rendezvous {
	return &Rendezvous{store: store, registry: registry, ttl: ttl, notifier: notifier}
}

// hashFamilyValid reports whether circuitID names a circuit this
// registry knows how to bind a signal hash for; Create and Prepare
// both need it before trusting signalHash to mean anything to the
// circuit.
func (r *Rendezvous) hashFamilyValid(circuitID string) error {
	c, ok := r.registry.Get(circuitID)
	if !ok {
		return errs.New(errs.KindConfigError, fmt.Sprintf("unknown circuit %q", circuitID))
	}
	switch c.SignalHashFamily {
	case circuits.HashFamilyKeccak256, circuits.HashFamilySHA256:
		return nil
	default:
		return errs.New(errs.KindConfigError, fmt.Sprintf("circuit %q has no usable signalHashFamily", circuitID))
	}
}

// hashForCircuit applies the circuit's pinned hash family to the
// canonical "zkproofport:scope:address" input. Keccak256 is the
// default per spec §6; SHA-256 circuits recompute over the same input
// string with their own digest.
func (r *Rendezvous) hashForCircuit(circuitID, scope, address string) (string, error) {
	c, ok := r.registry.Get(circuitID)
	if !ok {
		return "", errs.New(errs.KindConfigError, fmt.Sprintf("unknown circuit %q", circuitID))
	}
	input := []byte("zkproofport:" + scope + ":" + strings.ToLower(address))
	switch c.SignalHashFamily {
	case circuits.HashFamilyKeccak256:
		return hex.EncodeToString(crypto.Keccak256(input)), nil
	case circuits.HashFamilySHA256:
		sum := sha256.Sum256(input)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", errs.New(errs.KindConfigError, fmt.Sprintf("circuit %q has no usable signalHashFamily", circuitID))
	}
}

// Create starts a new signing request for circuitID/scope, optionally
// binding address up front and a flowID to notify on completion,
// returning the request the caller should point a signing page at.
func (r *Rendezvous) Create(ctx context.Context, circuitID, scope, address, flowID string) (*Request, error) {
	if err := r.hashFamilyValid(circuitID); err != nil {
		return nil, err
	}
	now := time.Now()
	req := &Request{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		CircuitID: circuitID,
		Scope:     scope,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if address != "" {
		hash, err := r.hashForCircuit(circuitID, scope, address)
		if err != nil {
			return nil, err
		}
		req.Address = address
		req.SignalHash = hash
	}
	if err := r.save(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get fetches a signing request by ID.
func (r *Rendezvous) Get(ctx context.Context, id string) (*Request, error) {
	raw, err := r.store.Get(ctx, requestKey(id))
	if err == kvstore.ErrNotFound {
		return nil, errs.Wrap(errs.KindNotFound, "signing request not found", err)
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(raw)
}

// Prepare binds address to the request (if not already bound;
// otherwise the address must match) and returns the signalHash the
// signing page presents to the wallet. Idempotent: repeat calls with
// the same address return the same hash.
func (r *Rendezvous) Prepare(ctx context.Context, id, address string) (*Request, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusExpired {
		return nil, errs.New(errs.KindExpired, "signing request expired")
	}
	if req.Status != StatusPending {
		return nil, errs.New(errs.KindConflict, "signing request is not pending")
	}
	if req.Address != "" && !strings.EqualFold(req.Address, address) {
		return nil, errs.New(errs.KindBadRequest, "address does not match the address already bound to this request")
	}
	hash, err := r.hashForCircuit(req.CircuitID, req.Scope, address)
	if err != nil {
		return nil, err
	}
	req.Address = address
	req.SignalHash = hash
	if err := r.save(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Callback records the signer's signature against a pending request
// and publishes completion to anyone waiting on it. It enforces the
// 5-attempt cap and case-insensitive address match spec §4.4 requires
// before recording a success.
func (r *Rendezvous) Callback(ctx context.Context, id, address, signature string) error {
	attempts, err := r.store.Incr(ctx, attemptsKey(id))
	if err != nil {
		return fmt.Errorf("signing: incr attempts: %w", err)
	}
	if attempts == 1 {
		if err := r.store.Expire(ctx, attemptsKey(id), attemptsWindow); err != nil {
			return fmt.Errorf("signing: expire attempts: %w", err)
		}
	}
	if attempts > maxCallbackAttempts {
		return errs.New(errs.KindConflict, "too many callback attempts for this signing request")
	}

	req, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == StatusExpired {
		return errs.New(errs.KindExpired, "signing request expired")
	}
	if req.Status != StatusPending {
		return errs.New(errs.KindConflict, "signing request is not pending")
	}
	if req.SignalHash == "" {
		return errs.New(errs.KindConflict, "signing request has not been prepared")
	}
	if req.Address == "" || !strings.EqualFold(req.Address, address) {
		return errs.New(errs.KindBadRequest, "address does not match the address bound to this request")
	}

	req.Signer = address
	req.Signature = signature
	req.Status = StatusCompleted
	if err := r.save(ctx, req); err != nil {
		return err
	}
	if err := r.store.Publish(ctx, channelKey(id), signature); err != nil {
		return err
	}
	if req.FlowID != "" && r.notifier != nil {
		if err := r.notifier.OnSigningComplete(ctx, req.FlowID, req.ID, req.Address, req.SignalHash); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the request is signed or ctx is cancelled, without
// polling: it subscribes to the request's channel and also checks the
// current state once up front in case the callback already landed.
func (r *Rendezvous) Wait(ctx context.Context, id string) (*Request, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusCompleted {
		return req, nil
	}

	sub := r.store.Subscribe(ctx, channelKey(id))
	defer sub.Close()

	select {
	case <-sub.Channel():
		return r.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Rendezvous) save(ctx context.Context, req *Request) error {
	raw, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, requestKey(req.ID), raw, r.ttl)
}
