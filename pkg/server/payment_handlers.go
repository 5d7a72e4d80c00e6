package server

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/payment"
	"github.com/zkproofport/engine/pkg/ratelimit"
)

// PaymentHandlers serves the Payment Rendezvous endpoints. Submit is
// rate-limited per wallet address (spec §4.3), keyed on the
// authorization's "from" address rather than the caller's network
// identity.
type PaymentHandlers struct {
	rendezvous *payment.Rendezvous
	limiter    *ratelimit.Limiter
	logger     *log.Logger
}

func NewPaymentHandlers(rendezvous *payment.Rendezvous, limiter *ratelimit.Limiter, logger *log.Logger) *PaymentHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[PaymentAPI] ", log.LstdFlags)
	}
	return &PaymentHandlers{rendezvous: rendezvous, limiter: limiter, logger: logger}
}

func (h *PaymentHandlers) allow(w http.ResponseWriter, r *http.Request, address string) bool {
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

type createPaymentRequest struct {
	CircuitID string `json:"circuitId"`
	Payer     string `json:"payer"`
	FlowID    string `json:"flowId,omitempty"`
}

// HandleCreate handles POST /api/payment/requests.
func (h *PaymentHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "only POST is allowed"))
		return
	}
	var body createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	req, err := h.rendezvous.Create(r.Context(), body.CircuitID, body.Payer, body.FlowID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// HandleRouteByPath handles GET/POST /api/payment/requests/{id} and
// GET .../{id}/wait.
func (h *PaymentHandlers) HandleRouteByPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/payment/requests/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "payment request id is required"))
		return
	}

	if len(parts) == 2 && parts[1] == "wait" && r.Method == http.MethodGet {
		req, err := h.rendezvous.Wait(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
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
		h.handleSubmit(w, r, id)
	default:
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "method not allowed"))
	}
}

func (h *PaymentHandlers) handleSubmit(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Authorization payment.Authorization `json:"authorization"`
		Signature     string                `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid submit body", err))
		return
	}
	if !h.allow(w, r, body.Authorization.From) {
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(body.Signature, "0x"))
	if err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "signature must be hex-encoded", err))
		return
	}
	if err := h.rendezvous.Submit(r.Context(), id, body.Authorization, sig); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
