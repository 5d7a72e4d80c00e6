package server

import (
	"crypto/x509"
	"encoding/hex"
	"log"
	"net/http"
	"strings"

	"github.com/zkproofport/engine/pkg/attestation"
	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/resultstore"
)

// attestationResponse is the AttestationData shape: the stored
// base64 document, its mode and proof hash, alongside the four
// independently-reported verification checks. The parsed payload is
// not included.
type attestationResponse struct {
	Document     string                   `json:"document"`
	Mode         attestation.Mode         `json:"mode"`
	ProofHash    string                   `json:"proofHash"`
	Verification attestation.Verification `json:"verification"`
}

// AttestationHandlers serves the parsed-attestation-plus-verification
// endpoint. It looks the proof up by id, parses the attestation
// document attached to it, and verifies it against the pinned root CA
// the configured attester issues under.
type AttestationHandlers struct {
	results *resultstore.Store
	rootCA  attestation.RootProvider
	logger  *log.Logger
}

func NewAttestationHandlers(results *resultstore.Store, rootCA attestation.RootProvider, logger *log.Logger) *AttestationHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[AttestationAPI] ", log.LstdFlags)
	}
	return &AttestationHandlers{results: results, rootCA: rootCA, logger: logger}
}

// HandleGet handles GET /api/v1/attestation/:proofId.
func (h *AttestationHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "only GET is allowed"))
		return
	}
	proofID := strings.TrimPrefix(r.URL.Path, "/api/v1/attestation/")
	proofID = strings.Trim(proofID, "/")
	if proofID == "" {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "proof id is required"))
		return
	}

	result, err := h.results.Get(r.Context(), proofID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if result.Attestation == nil {
		writeError(w, h.logger, errs.New(errs.KindNotFound, "this proof has no attestation"))
		return
	}

	parsed, err := attestation.Parse(result.Attestation.Document)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	expectedHash, err := hex.DecodeString(result.Attestation.ProofHash)
	if err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "stored attestation has a malformed proof hash", err))
		return
	}

	var rootCA *x509.Certificate
	if h.rootCA != nil {
		rootCA = h.rootCA.RootCA()
	}
	verification := attestation.Verify(parsed, expectedHash, rootCA)

	writeJSON(w, http.StatusOK, attestationResponse{
		Document:     result.Attestation.Document,
		Mode:         result.Attestation.Mode,
		ProofHash:    result.Attestation.ProofHash,
		Verification: verification,
	})
}
