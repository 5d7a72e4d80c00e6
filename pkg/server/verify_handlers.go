package server

import (
	"encoding/json"
	"log"
	"math/big"
	"net/http"

	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/onchain"
)

// VerifyHandlers serves the On-chain Verifier endpoint.
type VerifyHandlers struct {
	verifier *onchain.Verifier
	logger   *log.Logger
}

func NewVerifyHandlers(verifier *onchain.Verifier, logger *log.Logger) *VerifyHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[VerifyAPI] ", log.LstdFlags)
	}
	return &VerifyHandlers{verifier: verifier, logger: logger}
}

type verifyRequest struct {
	CircuitID    string        `json:"circuitId"`
	ChainID      int64         `json:"chainId"`
	Proof        onchain.Proof `json:"proof"`
	PublicInputs []string      `json:"publicInputs"`
}

type verifyResponse struct {
	IsValid         bool   `json:"isValid"`
	VerifierAddress string `json:"verifierAddress"`
}

// HandleVerify handles POST /api/verify.
func (h *VerifyHandlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "only POST is allowed"))
		return
	}
	if h.verifier == nil {
		writeError(w, h.logger, errs.New(errs.KindConfigError, "on-chain verification is not configured"))
		return
	}
	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}

	inputs := make([]*big.Int, 0, len(body.PublicInputs))
	for _, s := range body.PublicInputs {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			writeError(w, h.logger, errs.New(errs.KindBadRequest, "publicInputs must be base-10 integers"))
			return
		}
		inputs = append(inputs, n)
	}

	isValid, verifierAddress, err := h.verifier.VerifyProof(r.Context(), body.CircuitID, body.ChainID, body.Proof, inputs)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{IsValid: isValid, VerifierAddress: verifierAddress})
}
