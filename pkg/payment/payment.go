// Package payment is the Payment Rendezvous component (C5): it
// prepares an EIP-3009 TransferWithAuthorization payload for a
// circuit's price, then rendezvouses a submitted signed authorization
// with settlement via the abstract Settler boundary.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/kvstore"
)

// Authorization is an EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Settler is the abstract settlement boundary (spec §9 Open Question
// b): it verifies and submits an authorization on-chain and reports
// back the settlement transaction hash. The engine ships only
// NullSettler and a test-only fakeSettler; a real implementation is an
// external collaborator.
type Settler interface {
	Settle(ctx context.Context, auth Authorization, signature []byte) (txHash string, err error)
}

// NullSettler rejects every settlement attempt. cmd/zkproofportd wires
// it in whatever PAYMENT_MODE says, and no component skips the payment
// phase when PAYMENT_MODE=disabled, so with it Submit always fails and
// a flow does not leave the payment phase.
type NullSettler struct{}

func (NullSettler) Settle(ctx context.Context, auth Authorization, signature []byte) (string, error) {
	return "", errs.New(errs.KindConfigError, "payment settlement is disabled")
}

// Status is the lifecycle state of a PaymentAuthorization.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is one outstanding payment rendezvous.
type Request struct {
	ID        string        `json:"id"`
	FlowID    string        `json:"flowId,omitempty"`
	CircuitID string        `json:"circuitId"`
	ChainID   int64         `json:"chainId"`
	Auth      Authorization `json:"auth"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	TxHash    string        `json:"txHash,omitempty"`
}

func requestKey(id string) string          { return fmt.Sprintf("payment:%s", id) }
func channelKey(id string) string          { return fmt.Sprintf("payment:events:%s", id) }
func nonceKey(contract, nonce string) string { return fmt.Sprintf("payment:nonce:%s:%s", contract, nonce) }

// FlowNotifier is implemented by an adapter the entrypoint wires in,
// letting C5 report a completed rendezvous to C6 without depending on
// pkg/flow directly.
type FlowNotifier interface {
	OnPaymentComplete(ctx context.Context, flowID, requestID, txHash string) error
}

// domain is the EIP-712 domain the USDC contract on a given chain
// signs under — name, version and verifyingContract all come from
// the engine's configuration, not from the client.
type domain struct {
	name              string
	version           string
	chainID           int64
	verifyingContract string
}

// Rendezvous coordinates the create/submit/wait lifecycle for one
// payment request.
type Rendezvous struct {
	store    kvstore.Store
	registry *circuits.Registry
	settler  Settler
	ttl      time.Duration
	notifier FlowNotifier

	payTo  string
	domain domain
}

func New(store kvstore.Store, registry *circuits.Registry, settler Settler, ttl time.Duration, notifier FlowNotifier, payTo, usdcAddress, usdcName, usdcVersion string, chainID int64) *Rendezvous {
	if settler == nil {
		settler = NullSettler{}
	}
	return &Rendezvous{
		store:    store,
		registry: registry,
		settler:  settler,
		ttl:      ttl,
		notifier: notifier,
		payTo:    payTo,
		domain: domain{
			name:              usdcName,
			version:           usdcVersion,
			chainID:           chainID,
			verifyingContract: usdcAddress,
		},
	}
}

// randomNonce generates 32 cryptographically random bytes, hex-encoded
// with a 0x prefix, per spec §4.5 point 4.
func randomNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("payment: generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(b), nil
}

// Create starts a payment request pre-filled with circuitID's price,
// addressed to the configured pay-to address, with a fresh 32-byte
// random nonce and a validity window of [now, now+ttl].
func (r *Rendezvous) Create(ctx context.Context, circuitID, payerAddr, flowID string) (*Request, error) {
	c, ok := r.registry.Get(circuitID)
	if !ok {
		return nil, errs.New(errs.KindConfigError, fmt.Sprintf("unknown circuit %q", circuitID))
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	req := &Request{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		CircuitID: circuitID,
		ChainID:   r.domain.chainID,
		Status:    StatusPending,
		CreatedAt: now,
		Auth: Authorization{
			From:        payerAddr,
			To:          r.payTo,
			Value:       c.Price.AmountAtomic,
			ValidAfter:  now.Unix(),
			ValidBefore: now.Add(r.ttl).Unix(),
			Nonce:       nonce,
		},
	}
	if err := r.save(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get fetches a payment request by ID.
func (r *Rendezvous) Get(ctx context.Context, id string) (*Request, error) {
	raw, err := r.store.Get(ctx, requestKey(id))
	if err == kvstore.ErrNotFound {
		return nil, errs.Wrap(errs.KindNotFound, "payment request not found", err)
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(raw)
}

// Submit validates the client-echoed authorization against the
// request's stored terms, checks the four conditions spec §4.5
// mandates, verifies the EIP-712 signature, settles via the
// configured Settler, and publishes completion.
func (r *Rendezvous) Submit(ctx context.Context, id string, auth Authorization, signature []byte) error {
	req, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status == StatusCompleted {
		return errs.New(errs.KindConflict, "payment already settled")
	}

	if !strings.EqualFold(auth.To, req.Auth.To) {
		return errs.New(errs.KindBadRequest, "authorization.to does not match the configured pay-to address")
	}
	if auth.Value != req.Auth.Value {
		return errs.New(errs.KindBadRequest, "authorization.value does not match the required amount")
	}
	now := time.Now().Unix()
	if auth.ValidAfter > now || now > auth.ValidBefore {
		return errs.New(errs.KindBadRequest, "authorization is not within its validAfter/validBefore window")
	}
	if auth.Nonce != req.Auth.Nonce {
		return errs.New(errs.KindBadRequest, "authorization.nonce does not match the nonce issued for this request")
	}

	claimed, err := r.claimNonce(ctx, auth.Nonce, req.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return errs.New(errs.KindConflict, "nonce already used for a different payment request")
	}

	if err := r.verifySignature(auth, signature); err != nil {
		return err
	}

	txHash, err := r.settler.Settle(ctx, auth, signature)
	if err != nil {
		req.Status = StatusFailed
		_ = r.save(ctx, req)
		return errs.Wrap(errs.KindUpstreamError, "settlement failed", err)
	}

	req.Auth = auth
	req.Status = StatusCompleted
	req.TxHash = txHash
	if err := r.save(ctx, req); err != nil {
		return err
	}
	if err := r.store.Publish(ctx, channelKey(id), txHash); err != nil {
		return err
	}
	if req.FlowID != "" && r.notifier != nil {
		return r.notifier.OnPaymentComplete(ctx, req.FlowID, req.ID, txHash)
	}
	return nil
}

// claimNonce marks nonce as used for the verifying contract, scoped to
// this request ID so a retried submit of the same request is
// idempotent while a different request replaying the same nonce is
// rejected as reuse.
func (r *Rendezvous) claimNonce(ctx context.Context, nonce, requestID string) (bool, error) {
	key := nonceKey(r.domain.verifyingContract, nonce)
	ok, err := r.store.SetNX(ctx, key, requestID, r.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	owner, err := r.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == requestID, nil
}

// Wait blocks until the payment settles or ctx is cancelled.
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

// transferWithAuthorizationTypeHash is keccak256 of the EIP-3009
// TransferWithAuthorization struct signature.
var transferWithAuthorizationTypeHash = crypto.Keccak256(
	[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
)

// eip712DomainTypeHash is keccak256 of the EIP-712 domain struct
// signature this engine's USDC domain separator uses.
var eip712DomainTypeHash = crypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

func (d domain) separator() []byte {
	addrTy, _ := abi.NewType("address", "", nil)
	uintTy, _ := abi.NewType("uint256", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	args := abi.Arguments{{Type: bytes32Ty}, {Type: bytes32Ty}, {Type: bytes32Ty}, {Type: uintTy}, {Type: addrTy}}

	var nameHash, versionHash [32]byte
	copy(nameHash[:], crypto.Keccak256([]byte(d.name)))
	copy(versionHash[:], crypto.Keccak256([]byte(d.version)))
	var typeHash [32]byte
	copy(typeHash[:], eip712DomainTypeHash)

	packed, _ := args.Pack(typeHash, nameHash, versionHash, big.NewInt(d.chainID), common.HexToAddress(d.verifyingContract))
	return crypto.Keccak256(packed)
}

// authorizationDigest computes the real EIP-712 TransferWithAuthorization
// digest: keccak256("\x19\x01" ‖ domainSeparator ‖ structHash), the
// exact message a wallet presents to the user when signing an EIP-3009
// authorization.
func authorizationDigest(d domain, auth Authorization) ([]byte, error) {
	addrTy, _ := abi.NewType("address", "", nil)
	uintTy, _ := abi.NewType("uint256", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	args := abi.Arguments{
		{Type: bytes32Ty}, {Type: addrTy}, {Type: addrTy},
		{Type: uintTy}, {Type: uintTy}, {Type: uintTy}, {Type: bytes32Ty},
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, errs.New(errs.KindBadRequest, "authorization.value is not a valid integer")
	}
	nonceBytes, err := decodeNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}
	var typeHash, nonce [32]byte
	copy(typeHash[:], transferWithAuthorizationTypeHash)
	copy(nonce[:], nonceBytes)

	structHash := crypto.Keccak256(mustPack(args,
		typeHash,
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
	))

	preimage := append([]byte{0x19, 0x01}, d.separator()...)
	preimage = append(preimage, structHash...)
	return crypto.Keccak256(preimage), nil
}

func mustPack(args abi.Arguments, values ...interface{}) []byte {
	packed, err := args.Pack(values...)
	if err != nil {
		// Arguments are always well-typed Go values constructed just
		// above; a Pack failure here means a programming error, not
		// bad input.
		panic(fmt.Sprintf("payment: pack EIP-712 struct: %v", err))
	}
	return packed
}

func decodeNonce(nonce string) ([]byte, error) {
	s := strings.TrimPrefix(nonce, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, errs.New(errs.KindBadRequest, "nonce must be 32 random bytes, hex-encoded")
	}
	return b, nil
}

// verifySignature recovers the signer from the EIP-712
// TransferWithAuthorization digest and checks it matches auth.From.
func (r *Rendezvous) verifySignature(auth Authorization, signature []byte) error {
	if len(signature) != 65 {
		return errs.New(errs.KindBadRequest, "signature must be 65 bytes")
	}
	digest, err := authorizationDigest(r.domain, auth)
	if err != nil {
		return err
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "invalid signature", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(auth.From) {
		return errs.New(errs.KindUnauthorized, "signature does not match authorization.from")
	}
	return nil
}

func (r *Rendezvous) save(ctx context.Context, req *Request) error {
	raw, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, requestKey(req.ID), raw, r.ttl)
}
