// Package attestation is the TEE Attester (C8). It wraps a proof hash
// in a COSE-Sign1 envelope carrying a payload shaped like the subset
// of the AWS Nitro Enclave attestation format this engine relies on,
// so a client that already verifies Nitro attestations can verify
// this engine's the same way.
//
// Mode is a tagged discriminant: exactly one of nitro, local, disabled
// is active at runtime, mirroring the exhaustive-variant pattern the
// teacher's attestation strategy package used for its signing schemes.
package attestation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/zkproofport/engine/pkg/errs"
)

// Mode names which attester implementation is active.
type Mode string

const (
	ModeNitro    Mode = "nitro"
	ModeLocal    Mode = "local"
	ModeDisabled Mode = "disabled"
)

func (m Mode) IsValid() bool {
	switch m {
	case ModeNitro, ModeLocal, ModeDisabled:
		return true
	default:
		return false
	}
}

// Document is the outer JSON form an API client receives (spec §6):
// the CBOR-encoded COSE-Sign1 envelope, base64-encoded, plus the
// metadata a caller needs before deciding whether to parse it.
type Document struct {
	Document  string    `json:"document"`
	Mode      Mode      `json:"mode"`
	ProofHash string    `json:"proofHash"`
	Timestamp time.Time `json:"timestamp"`
}

// Attester produces a signed attestation document binding proofHash
// (and optional caller-supplied userData) to a TEE identity.
type Attester interface {
	Mode() Mode
	GenerateAttestation(ctx context.Context, proofHash, userData []byte) (*Document, error)
}

// RootProvider is implemented by attesters whose certificate chain
// terminates at a root the caller can pin for verification — every
// mode except disabled.
type RootProvider interface {
	RootCA() *x509.Certificate
}

// Envelope is a COSE-Sign1 structure: protected header, unprotected
// header, payload, signature — CBOR-encoded as a 4-element array per
// RFC 8152 §4.2.
type Envelope struct {
	Protected   []byte
	Unprotected map[interface{}]interface{}
	Payload     []byte
	Signature   []byte
}

// coseSign1Context is the Sig_structure context string for COSE_Sign1,
// per RFC 8152 §4.4.
const coseSign1Context = "Signature1"

type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

type wireEnvelope struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[interface{}]interface{}
	Payload     []byte
	Signature   []byte
}

// Marshal encodes the envelope as a CBOR array, the wire format a
// verifier (or a client already parsing Nitro attestation documents)
// expects.
func (e Envelope) Marshal() ([]byte, error) {
	w := wireEnvelope{
		Protected:   e.Protected,
		Unprotected: e.Unprotected,
		Payload:     e.Payload,
		Signature:   e.Signature,
	}
	return cbor.Marshal(w)
}

// UnmarshalEnvelope decodes a COSE-Sign1 CBOR array into an Envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("attestation: decode envelope: %w", err)
	}
	return Envelope{
		Protected:   w.Protected,
		Unprotected: w.Unprotected,
		Payload:     w.Payload,
		Signature:   w.Signature,
	}, nil
}

func signingInput(protected, payload []byte) ([]byte, error) {
	ss := sigStructure{Context: coseSign1Context, Protected: protected, Payload: payload}
	return cbor.Marshal(ss)
}

// Payload is the attestation document's COSE-Sign1 payload: a subset
// of the AWS Nitro Enclave attestation format (spec §4.8).
type Payload struct {
	ModuleID string         `cbor:"moduleId"`
	Digest   string         `cbor:"digest"`
	PCRs     map[int][]byte `cbor:"pcrs"`
	// Timestamp is milliseconds since the Unix epoch, matching the
	// Nitro document's own timestamp unit.
	Timestamp int64    `cbor:"timestamp"`
	UserData  []byte   `cbor:"userData"`
	Nonce     []byte   `cbor:"nonce"`
	Cabundle  [][]byte `cbor:"cabundle"`
}

// Parsed is a decoded attestation document ready for verification.
type Parsed struct {
	Payload  Payload
	Envelope Envelope
	// Chain is the certificate chain from Cabundle, leaf first.
	Chain []*x509.Certificate
}

// Parse decodes a base64-encoded COSE-Sign1 document into its payload
// and certificate chain, without checking any of it.
func Parse(document string) (*Parsed, error) {
	raw, err := base64.StdEncoding.DecodeString(document)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "attestation document is not valid base64", err)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "attestation document is not a valid COSE envelope", err)
	}
	var payload Payload
	if err := cbor.Unmarshal(env.Payload, &payload); err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "attestation payload is malformed", err)
	}
	chain := make([]*x509.Certificate, 0, len(payload.Cabundle))
	for _, der := range payload.Cabundle {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errs.Wrap(errs.KindBadRequest, "attestation certificate chain is malformed", err)
		}
		chain = append(chain, cert)
	}
	return &Parsed{Payload: payload, Envelope: env, Chain: chain}, nil
}

// Verification reports the four independent checks spec §4.8
// requires; isValid is their conjunction.
type Verification struct {
	CertificateChainValid bool `json:"certificateChainValid"`
	CertificateValid      bool `json:"certificateValid"`
	SignatureValid        bool `json:"signatureValid"`
	UserDataValid         bool `json:"userDataValid"`
	IsValid               bool `json:"isValid"`
}

// Verify checks parsed against a pinned root CA and the proof hash
// the caller expects to find in userData. Each check is computed
// independently so a failure in one (e.g. an expired leaf cert) does
// not suppress the others.
func Verify(parsed *Parsed, expectedProofHash []byte, rootCA *x509.Certificate) Verification {
	var v Verification
	v.CertificateChainValid = chainTerminatesAt(parsed.Chain, rootCA)
	v.CertificateValid = allCertsWithinValidity(parsed.Chain, time.Now())
	v.SignatureValid = verifyEnvelopeSignature(parsed)
	v.UserDataValid = bytes.Contains(parsed.Payload.UserData, expectedProofHash)
	v.IsValid = v.CertificateChainValid && v.CertificateValid && v.SignatureValid && v.UserDataValid
	return v
}

func chainTerminatesAt(chain []*x509.Certificate, rootCA *x509.Certificate) bool {
	if len(chain) == 0 || rootCA == nil {
		return false
	}
	root := chain[len(chain)-1]
	if !bytes.Equal(root.Raw, rootCA.Raw) {
		return false
	}
	// Each certificate must be signed by the next one in the chain,
	// terminating at the pinned root.
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return false
		}
	}
	return true
}

func allCertsWithinValidity(chain []*x509.Certificate, at time.Time) bool {
	if len(chain) == 0 {
		return false
	}
	for _, cert := range chain {
		if at.Before(cert.NotBefore) || at.After(cert.NotAfter) {
			return false
		}
	}
	return true
}

func verifyEnvelopeSignature(parsed *Parsed) bool {
	if len(parsed.Chain) == 0 {
		return false
	}
	leaf := parsed.Chain[0]
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return false
	}
	input, err := signingInput(parsed.Envelope.Protected, parsed.Envelope.Payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, input, parsed.Envelope.Signature)
}

// LocalAttester signs with an in-memory Ed25519 key and a self-signed
// two-certificate chain (root + leaf) generated at construction time,
// for development and tests where no real enclave is available. It is
// a simulation, never presented as a real Nitro attestation; its keys
// are generated afresh for each attester and each document carries a
// random nonce, so its output is not deterministic.
type LocalAttester struct {
	priv     ed25519.PrivateKey
	leafCert *x509.Certificate
	rootCert *x509.Certificate
}

// NewLocalAttester generates a fresh signing key and certificate chain
// valid from now for 24 hours.
func NewLocalAttester() (*LocalAttester, error) {
	return NewLocalAttesterWithValidity(time.Now().Add(-time.Minute), time.Now().Add(24*time.Hour))
}

// NewLocalAttesterWithValidity generates a fresh signing key and
// certificate chain with an explicit leaf validity window, letting
// tests construct an attester whose leaf certificate is already
// expired.
func NewLocalAttesterWithValidity(notBefore, notAfter time.Time) (*LocalAttester, error) {
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("attestation: generate root key: %w", err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "zkproofport local dev root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootPub, rootPriv)
	if err != nil {
		return nil, fmt.Errorf("attestation: create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("attestation: parse root certificate: %w", err)
	}

	leafPub, leafPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("attestation: generate leaf key: %w", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "zkproofport local dev leaf"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, rootCert, leafPub, rootPriv)
	if err != nil {
		return nil, fmt.Errorf("attestation: create leaf certificate: %w", err)
	}
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, fmt.Errorf("attestation: parse leaf certificate: %w", err)
	}

	return &LocalAttester{priv: leafPriv, leafCert: leafCert, rootCert: rootCert}, nil
}

func (a *LocalAttester) Mode() Mode { return ModeLocal }

// RootCA returns the self-signed root this attester's leaf chains to,
// for callers constructing a Verify call against its own output.
func (a *LocalAttester) RootCA() *x509.Certificate { return a.rootCert }

func (a *LocalAttester) GenerateAttestation(ctx context.Context, proofHash, userData []byte) (*Document, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("attestation: generate nonce: %w", err)
	}
	now := time.Now()
	payload := Payload{
		ModuleID:  "local-dev-simulation",
		Digest:    fmt.Sprintf("%x", proofHash),
		PCRs:      map[int][]byte{0: make([]byte, 32), 1: make([]byte, 32), 2: make([]byte, 32)},
		Timestamp: now.UnixMilli(),
		UserData:  userData,
		Nonce:     nonce,
		Cabundle:  [][]byte{a.leafCert.Raw, a.rootCert.Raw},
	}
	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("attestation: encode payload: %w", err)
	}

	protected, err := cbor.Marshal(map[int]string{1: "EdDSA"})
	if err != nil {
		return nil, err
	}
	input, err := signingInput(protected, payloadBytes)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(a.priv, input)

	env := Envelope{
		Protected:   protected,
		Unprotected: map[interface{}]interface{}{},
		Payload:     payloadBytes,
		Signature:   sig,
	}
	wire, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	return &Document{
		Document:  base64.StdEncoding.EncodeToString(wire),
		Mode:      ModeLocal,
		ProofHash: fmt.Sprintf("%x", proofHash),
		Timestamp: now,
	}, nil
}

// DisabledAttester refuses to attest — used when TEE_MODE=disabled.
type DisabledAttester struct{}

func (DisabledAttester) Mode() Mode { return ModeDisabled }

func (DisabledAttester) GenerateAttestation(ctx context.Context, proofHash, userData []byte) (*Document, error) {
	return nil, errs.New(errs.KindConfigError, "attestation is disabled")
}

// New selects an Attester by mode. ModeNitro is not constructed here:
// it requires access to the enclave's NSM device, and New returns a
// config error for it. cmd/zkproofportd builds its attester through
// New as well, so TEE_MODE=nitro stops the daemon at startup; this
// tree has no Nitro attester.
func New(mode Mode) (Attester, error) {
	switch mode {
	case ModeLocal:
		return NewLocalAttester()
	case ModeDisabled:
		return DisabledAttester{}, nil
	case ModeNitro:
		return nil, errs.New(errs.KindConfigError, "nitro attester must be constructed by the deployment entrypoint")
	default:
		return nil, errs.New(errs.KindConfigError, fmt.Sprintf("unknown attestation mode %q", mode))
	}
}
