// Command zkproofportd wires every component into an HTTP server: the
// config loader, the Redis-backed KV store, each lifecycle component,
// and the HTTP surface, with signal-based graceful shutdown in the
// same shape the teacher's main.go used for its own server loop.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zkproofport/engine/pkg/attestation"
	"github.com/zkproofport/engine/pkg/audit"
	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/config"
	"github.com/zkproofport/engine/pkg/fingerprint"
	"github.com/zkproofport/engine/pkg/flow"
	"github.com/zkproofport/engine/pkg/janitor"
	"github.com/zkproofport/engine/pkg/kvstore"
	"github.com/zkproofport/engine/pkg/onchain"
	"github.com/zkproofport/engine/pkg/orchestrator"
	"github.com/zkproofport/engine/pkg/payment"
	"github.com/zkproofport/engine/pkg/prover"
	"github.com/zkproofport/engine/pkg/ratelimit"
	"github.com/zkproofport/engine/pkg/resultstore"
	"github.com/zkproofport/engine/pkg/server"
	"github.com/zkproofport/engine/pkg/signing"
)

// flowNotifier adapts the Flow Coordinator to C4 and C5's FlowNotifier
// interfaces, so neither signing nor payment needs to import pkg/flow
// directly — the dependency runs one way, entrypoint-wired here.
type flowNotifier struct {
	coordinator *flow.Coordinator
}

func (n flowNotifier) OnSigningComplete(ctx context.Context, flowID, requestID, address, signalHash string) error {
	_, err := n.coordinator.CompleteSigning(ctx, flowID, requestID, address, signalHash)
	return err
}

func (n flowNotifier) OnPaymentComplete(ctx context.Context, flowID, requestID, txHash string) error {
	_, err := n.coordinator.CompletePayment(ctx, flowID, requestID, txHash)
	return err
}

func main() {
	logger := log.New(os.Stdout, "[zkproofportd] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	registry, err := circuits.Load(cfg.CircuitsFile)
	if err != nil {
		logger.Fatalf("circuits: %v", err)
	}

	store := kvstore.Dial(cfg.KVURL)
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	flowMetrics := flow.NewMetrics(reg)
	coordinator := flow.NewCoordinator(store, cfg.ProofTTL, cfg.ProveTimeout, flowMetrics)
	notifier := flowNotifier{coordinator: coordinator}

	signingRendezvous := signing.New(store, registry, cfg.SigningTTL, notifier)

	var settler payment.Settler = payment.NullSettler{}
	paymentRendezvous := payment.New(store, registry, settler, cfg.PaymentTTL, notifier,
		cfg.PayToAddress, cfg.USDCAddress, cfg.USDCName, cfg.USDCVersion, cfg.PaymentChainID)

	results := resultstore.New(store, cfg.ProofTTL)
	cache := fingerprint.NewCache(store, cfg.ProofTTL)

	invoker := prover.New(cfg.ProverBinary, cfg.ProverWorkDir, cfg.MaxConcurrentProvers)

	attester, err := attestation.New(cfg.TEEMode)
	if err != nil {
		logger.Fatalf("attestation: %v", err)
	}
	rootProvider, _ := attester.(attestation.RootProvider)

	var verifier *onchain.Verifier
	if cfg.ChainRPCURL != "" {
		verifier, err = onchain.New(ctx, cfg.ChainRPCURL, registry)
		if err != nil {
			logger.Fatalf("onchain: %v", err)
		}
		defer verifier.Close()
	}

	auditSink, err := audit.New(ctx, audit.Config{
		ProjectID: cfg.FirebaseProjectID,
		Enabled:   cfg.AuditFirestoreEnabled,
	})
	if err != nil {
		logger.Fatalf("audit: %v", err)
	}
	defer auditSink.Close()

	janitorMetrics := janitor.NewMetrics(reg)
	sets := []janitor.IndexSet{
		{SetKey: "flows:active", AuthoritativeKey: func(id string) string { return "flow:" + id }},
	}
	j := janitor.New(store, sets, cfg.JanitorPeriod, janitorMetrics, log.New(os.Stdout, "[Janitor] ", log.LstdFlags))
	go j.Run(ctx)

	orch := orchestrator.New(store, coordinator, cache, invoker, attester, results, auditSink,
		log.New(os.Stdout, "[Orchestrator] ", log.LstdFlags))
	go orch.Run(ctx)

	limiter := ratelimit.New(store, cfg.RateLimitMax, cfg.RateLimitWindow)

	mux := server.Mux(
		server.NewSigningHandlers(signingRendezvous, limiter, logger),
		server.NewPaymentHandlers(paymentRendezvous, limiter, logger),
		server.NewFlowHandlers(coordinator, logger),
		server.NewProofHandlers(results, logger),
		server.NewAttestationHandlers(results, rootProvider, logger),
		server.NewVerifyHandlers(verifier, logger),
	)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
