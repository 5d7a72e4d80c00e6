package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/zkproofport/engine/pkg/errs"
	"github.com/zkproofport/engine/pkg/flow"
)

// FlowHandlers serves the Flow Coordinator endpoints, including the
// SSE event stream. Fetching a finished flow's proof artifact is done
// against the dedicated /api/v1/proof/:proofId endpoint (ProofHandlers),
// reached through Flow.Result once the flow is done — not here.
type FlowHandlers struct {
	coordinator *flow.Coordinator
	logger      *log.Logger
}

func NewFlowHandlers(coordinator *flow.Coordinator, logger *log.Logger) *FlowHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[FlowAPI] ", log.LstdFlags)
	}
	return &FlowHandlers{coordinator: coordinator, logger: logger}
}

type createFlowRequest struct {
	RequestID   string `json:"requestId"`
	Scope       string `json:"scope"`
	CircuitID   string `json:"circuitId"`
	Fingerprint string `json:"fingerprint"`
}

// HandleCreate handles POST /api/flow.
func (h *FlowHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "only POST is allowed"))
		return
	}
	var body createFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	if body.CircuitID == "" {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "circuitId is required"))
		return
	}
	requestID := body.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	f, err := h.coordinator.Create(r.Context(), requestID, body.Scope, body.CircuitID, body.Fingerprint)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// HandleRouteByPath dispatches GET /api/flow/{id} and GET
// /api/flow/{id}/events (SSE).
func (h *FlowHandlers) HandleRouteByPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/flow/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "flow id is required"))
		return
	}

	if len(parts) == 2 && parts[1] == "events" {
		h.handleEvents(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, h.logger, errs.New(errs.KindBadRequest, "method not allowed"))
		return
	}
	f, err := h.coordinator.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleEvents streams a flow's phase transitions as Server-Sent
// Events until the client disconnects or the stream deadline elapses.
func (h *FlowHandlers) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.logger, errs.New(errs.KindInternal, "streaming unsupported"))
		return
	}

	ctx, cancel := streamContext(r.Context())
	defer cancel()

	sub := h.coordinator.Subscribe(ctx, id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			sseWriteEvent(w, flusher, msg)
		case <-ctx.Done():
			return
		}
	}
}
