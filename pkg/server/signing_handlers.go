package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/ratelimit"
	"github.com/zkproofport/engine/pkg/signing"
)

// SigningHandlers serves the Signing Rendezvous endpoints. Prepare and
// Callback are rate-limited per wallet address (spec §4.3) rather than
// per caller network identity, since the limiter's entire purpose here
// is to bound brute-force signature submission against one address.
type SigningHandlers struct {
	rendezvous *signing.Rendezvous
	limiter    *ratelimit.Limiter
	logger     *log.Logger
}

func NewSigningHandlers(rendezvous *signing.Rendezvous, limiter *ratelimit.Limiter, logger *log.Logger) *SigningHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[SigningAPI] ", log.LstdFlags)
	}
	return &SigningHandlers{rendezvous: rendezvous, limiter: limiter, logger: logger}
}

// allow enforces the per-address rate limit when a limiter is
// configured, writing the 429 response itself on rejection.
func (h *SigningHandlers) allow(w http.ResponseWriter, r *http.Request, address string) bool {
	if h.limiter == nil || address == "" {
		return true
	}
	ok, retryAfter, err := h.limiter.Allow(r.Context(), strings.ToLower(address))
	if err != nil {
		writeError(w, h.logger, err)
		return false
	}
	if !ok {
		writeRateLimited(w, retryAfter)
		return false
	}
	return true
}

type createSigningRequest struct {
	CircuitID string `json:"circuitId"`
	Scope     string `json:"scope"`
	Address   string `json:"address,omitempty"`
	FlowID    string `json:"flowId,omitempty"`
}

// HandleCreate handles POST /api/signing/requests.
func (h *SigningHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "only POST is allowed"))
		return
	}
	var body createSigningRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	req, err := h.rendezvous.Create(r.Context(), body.CircuitID, body.Scope, body.Address, body.FlowID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// HandleRouteByPath dispatches GET/POST /api/signing/requests/{id},
// POST .../{id}/prepare, and GET .../{id}/wait.
func (h *SigningHandlers) HandleRouteByPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/signing/requests/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "signing request id is required"))
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "wait":
			if r.Method != http.MethodGet {
				writeError(w, h.logger, errs.New(errs.KindBadRequest, "method not allowed"))
				return
			}
			req, err := h.rendezvous.Wait(r.Context(), id)
			if err != nil {
				writeError(w, h.logger, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
			return
		case "prepare":
			h.handlePrepare(w, r, id)
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		req, err := h.rendezvous.Get(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case http.MethodPost:
		h.handleCallback(w, r, id)
	default:
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "method not allowed"))
	}
}

// handlePrepare handles POST /api/signing/requests/{id}/prepare,
// binding the wallet address and returning the signalHash the signing
// page presents to it (spec §4.4).
func (h *SigningHandlers) handlePrepare(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "method not allowed"))
		return
	}
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid prepare body", err))
		return
	}
	if !h.allow(w, r, body.Address) {
		return
	}
	req, err := h.rendezvous.Prepare(r.Context(), id, body.Address)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signalHash": req.SignalHash})
}

// handleCallback handles POST /api/signing/requests/{id}, the signing
// page's return of a signature.
func (h *SigningHandlers) handleCallback(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid callback body", err))
		return
	}
	if !h.allow(w, r, body.Address) {
		return
	}
	if err := h.rendezvous.Callback(r.Context(), id, body.Address, body.Signature); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
