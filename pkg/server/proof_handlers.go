package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/resultstore"
)

// ProofHandlers serves the full proof artifact endpoint (spec §6):
// clients that already know a proofId — from a completed Flow's
// result — fetch the artifact independently of the Flow that produced
// it.
type ProofHandlers struct {
	results *resultstore.Store
	logger  *log.Logger
}

func NewProofHandlers(results *resultstore.Store, logger *log.Logger) *ProofHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[ProofAPI] ", log.LstdFlags)
	}
	return &ProofHandlers{results: results, logger: logger}
}

// HandleGet handles GET /api/v1/proof/:proofId.
func (h *ProofHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "only GET is allowed"))
		return
	}
	proofID := strings.TrimPrefix(r.URL.Path, "/api/v1/proof/")
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
	writeJSON(w, http.StatusOK, result)
}
