// Package server is the HTTP Surface & Event Dispatcher (C12). It
// exposes one handler struct per resource group, each following the
// teacher's constructor-takes-dependencies-plus-logger shape and its
// writeError/writeJSON pair for a uniform JSON error envelope.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/zkproofport/engine/pkg/errs"
)

// errorResponse is the uniform JSON error envelope every handler
// returns on failure.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

func kindStatus(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindBadRequest:
		return http.StatusBadRequest
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindExpired:
		return http.StatusGone
	case errs.KindProveTimeout:
		return http.StatusGatewayTimeout
	case errs.KindUpstreamError:
		return http.StatusBadGateway
	case errs.KindConfigError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	kind := errs.KindOf(err)
	status := kindStatus(kind)
	if status >= 500 {
		logger.Printf("error: %v", err)
	}
	var resp errorResponse
	resp.Error.Code = string(kind)
	resp.Error.Message = err.Error()
	writeJSON(w, status, resp)
}

// writeRateLimited writes C3's documented 429 shape, including the
// retryAfter the limiter reports (spec §4.3/§6), and sets the
// matching Retry-After response header.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	var resp errorResponse
	resp.Error.Code = string(errs.KindRateLimited)
	resp.Error.Message = "rate limit exceeded"
	resp.RetryAfter = int64(retryAfter.Seconds())
	writeJSON(w, http.StatusTooManyRequests, resp)
}

// Mux builds the complete http.ServeMux for the engine's endpoint
// table (spec §6), wiring every handler group together.
func Mux(
	signingH *SigningHandlers,
	paymentH *PaymentHandlers,
	flowH *FlowHandlers,
	proofH *ProofHandlers,
	attestationH *AttestationHandlers,
	verifyH *VerifyHandlers,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/signing/requests", signingH.HandleCreate)
	mux.HandleFunc("/api/signing/requests/", signingH.HandleRouteByPath)

	mux.HandleFunc("/api/payment/requests", paymentH.HandleCreate)
	mux.HandleFunc("/api/payment/requests/", paymentH.HandleRouteByPath)

	mux.HandleFunc("/api/flow", flowH.HandleCreate)
	mux.HandleFunc("/api/flow/", flowH.HandleRouteByPath)

	mux.HandleFunc("/api/v1/proof/", proofH.HandleGet)
	mux.HandleFunc("/api/v1/attestation/", attestationH.HandleGet)

	mux.HandleFunc("/api/verify", verifyH.HandleVerify)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// sseWriteEvent writes one Server-Sent Event frame and flushes it, for
// the flow-events streaming endpoint.
func sseWriteEvent(w http.ResponseWriter, flusher http.Flusher, data string) {
	w.Write([]byte("data: " + data + "\n\n"))
	flusher.Flush()
}

// streamDeadline bounds how long an SSE connection may stay open when
// the client never disconnects, matching the teacher's pattern of
// bounding long-lived connections rather than holding them forever.
const streamDeadline = 10 * time.Minute

func streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, streamDeadline)
}
