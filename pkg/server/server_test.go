package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/flow"
	"github.com/zkproofport/engine/pkg/kvstore"
	"github.com/zkproofport/engine/pkg/resultstore"
	"github.com/zkproofport/engine/pkg/signing"
)

const testRegistry = `
circuits:
  - id: c1
    signalHashFamily: keccak256
    price: {amountAtomic: "1", asset: USDC}
`

func newTestStore(t *testing.T) kvstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return kvstore.Dial(mr.Addr())
}

func TestSigningHandleCreateMethodNotAllowed(t *testing.T) {
	store := newTestStore(t)
	reg, _ := circuits.Parse([]byte(testRegistry))
	h := NewSigningHandlers(signing.New(store, reg, time.Minute, nil), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/signing/requests", nil)
	rec := httptest.NewRecorder()
	h.HandleCreate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSigningHandleCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	reg, _ := circuits.Parse([]byte(testRegistry))
	h := NewSigningHandlers(signing.New(store, reg, time.Minute, nil), nil, nil)

	body := strings.NewReader(`{"circuitId":"c1","scope":"scope-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/signing/requests", body)
	rec := httptest.NewRecorder()
	h.HandleCreate(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/signing/requests/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	h.HandleRouteByPath(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestSigningHandlePrepareReturnsSignalHash(t *testing.T) {
	store := newTestStore(t)
	reg, _ := circuits.Parse([]byte(testRegistry))
	h := NewSigningHandlers(signing.New(store, reg, time.Minute, nil), nil, nil)

	createReq := httptest.NewRequest(http.MethodPost, "/api/signing/requests", strings.NewReader(`{"circuitId":"c1","scope":"scope-1"}`))
	createRec := httptest.NewRecorder()
	h.HandleCreate(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", createRec.Code, createRec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(createRec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	prepareReq := httptest.NewRequest(http.MethodPost, "/api/signing/requests/"+created.ID+"/prepare", strings.NewReader(`{"address":"0xAaAa"}`))
	prepareRec := httptest.NewRecorder()
	h.HandleRouteByPath(prepareRec, prepareReq)
	if prepareRec.Code != http.StatusOK {
		t.Fatalf("prepare status = %d, body = %s", prepareRec.Code, prepareRec.Body.String())
	}
	var resp struct {
		SignalHash string `json:"signalHash"`
	}
	if err := json.NewDecoder(prepareRec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode prepare response: %v", err)
	}
	if resp.SignalHash == "" {
		t.Fatal("expected a non-empty signalHash")
	}
}

func TestFlowHandleCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	coord := flow.NewCoordinator(store, time.Minute, time.Minute, flow.NewMetrics(prometheus.NewRegistry()))
	h := NewFlowHandlers(coord, nil)

	body := strings.NewReader(`{"requestId":"req-1","scope":"scope-1","circuitId":"c1","fingerprint":"fp1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/flow", body)
	rec := httptest.NewRecorder()
	h.HandleCreate(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/flow/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	h.HandleRouteByPath(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestFlowHandleRouteByPathMissingID(t *testing.T) {
	store := newTestStore(t)
	coord := flow.NewCoordinator(store, time.Minute, time.Minute, flow.NewMetrics(prometheus.NewRegistry()))
	h := NewFlowHandlers(coord, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/", nil)
	rec := httptest.NewRecorder()
	h.HandleRouteByPath(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProofHandleGetNotFound(t *testing.T) {
	store := newTestStore(t)
	results := resultstore.New(store, time.Minute)
	h := NewProofHandlers(results, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/proof/missing", nil)
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestAttestationHandleGetNotFound(t *testing.T) {
	store := newTestStore(t)
	results := resultstore.New(store, time.Minute)
	h := NewAttestationHandlers(results, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attestation/missing", nil)
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestMuxHealthEndpoint(t *testing.T) {
	store := newTestStore(t)
	reg, _ := circuits.Parse([]byte(testRegistry))
	coord := flow.NewCoordinator(store, time.Minute, time.Minute, flow.NewMetrics(prometheus.NewRegistry()))
	results := resultstore.New(store, time.Minute)

	mux := Mux(
		NewSigningHandlers(signing.New(store, reg, time.Minute, nil), nil, nil),
		NewPaymentHandlers(nil, nil, nil),
		NewFlowHandlers(coord, nil),
		NewProofHandlers(results, nil),
		NewAttestationHandlers(results, nil, nil),
		NewVerifyHandlers(nil, nil),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
