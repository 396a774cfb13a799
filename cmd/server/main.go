// Package main is the entry point of the crossyield keeper: it reads every chain's
// lending-market supply rate on a schedule and either publishes the rates to every
// chain or pauses every vault when a rate looks wrong.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/anomaly"
	"github.com/yourorg/crossyield-keeper/internal/circuitbreaker"
	"github.com/yourorg/crossyield-keeper/internal/config"
	"github.com/yourorg/crossyield-keeper/internal/evm"
	"github.com/yourorg/crossyield-keeper/internal/export"
	"github.com/yourorg/crossyield-keeper/internal/fetch"
	"github.com/yourorg/crossyield-keeper/internal/metrics"
	kotel "github.com/yourorg/crossyield-keeper/internal/otel"
	"github.com/yourorg/crossyield-keeper/internal/pipeline"
	"github.com/yourorg/crossyield-keeper/internal/registry"
	"github.com/yourorg/crossyield-keeper/internal/report"
	"github.com/yourorg/crossyield-keeper/internal/scheduler"
	"github.com/yourorg/crossyield-keeper/internal/vault"
	"github.com/yourorg/crossyield-keeper/internal/workflow"
	"github.com/yourorg/crossyield-keeper/internal/writer"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server is the HTTP admin surface of the keeper
type Server struct {
	cfg          config.Config
	schedule     string
	registry     *registry.Registry
	orchestrator *workflow.Orchestrator
	scheduler    *scheduler.Scheduler
	breaker      *circuitbreaker.CircuitBreaker
	vaults       *vault.Reader
	exporter     *export.Exporter
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	triggerLimit *rate.Limiter
	logger       logrus.FieldLogger

	// base context for cycles started over HTTP; outlives individual requests
	cycleCtx context.Context
	server   *http.Server
}

func main() {
	cfg := config.Load()
	logger := setupLogging(cfg)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Keeper stopped")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	wf, err := config.LoadWorkflowConfig(cfg.ConfigPath)
	if err != nil {
		return err
	}
	reg, err := registry.FromWorkflow(wf)
	if err != nil {
		return fmt.Errorf("invalid chain configuration: %w", err)
	}

	shutdownTracer := kotel.InitTracer(cfg, logger)
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := evm.DialAll(ctx, reg.Chains(), evm.Options{
		Timeout:   cfg.RPCTimeout,
		RateLimit: cfg.RPCRateLimit,
		Burst:     cfg.RPCBurst,
		RetryMax:  3,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	for _, chain := range reg.Chains() {
		logger.WithFields(logrus.Fields{
			"chain":    chain.Name,
			"selector": chain.Selector,
			"rpc":      redact(chain.RPCURL),
		}).Info("Chain configured")
	}

	signer, err := buildSigner(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.TransmitterKey == "" {
		return errors.New("TRANSMITTER_PRIVATE_KEY is required")
	}
	transmitterKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.TransmitterKey, "0x"))
	if err != nil {
		return fmt.Errorf("invalid transmitter key: %w", err)
	}

	chainWriter := writer.New(pool, transmitterKey, writer.Options{
		ReceiptTimeout: cfg.ReceiptTimeout,
		PollInterval:   cfg.ReceiptPoll,
	}, logger)
	logger.WithField("transmitter", chainWriter.From().Hex()).Info("Chain writer ready")

	reports := pipeline.New(report.NewBuilder(signer), chainWriter)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	exporter := export.NewExporter(export.ExporterConfig{
		WebhookURL:    cfg.WebhookURL,
		WebhookAPIKey: cfg.WebhookAPIKey,
	}, logger)
	defer exporter.Flush()

	breaker := circuitbreaker.New(reports, logger).
		WithMaxParallel(cfg.MaxParallelism).
		WithTripCallback(exporter.ExportTrip)

	fetcher := fetch.NewRetryingFetcher(fetch.NewEVMYieldFetcher(pool, logger), cfg.FetchRetries)
	detector := anomaly.NewDetector(cfg.AnomalyCeiling)

	orchestrator := workflow.New(reg, fetcher, reports, breaker, logger, workflow.Options{
		CycleTimeout:   cfg.CycleTimeout,
		MaxParallelism: cfg.MaxParallelism,
		SkipSelfWrites: cfg.SkipSelfWrites,
		WriteRetries:   cfg.WriteRetries,
	}).WithMetrics(m).WithDetector(detector)

	sched, err := scheduler.New(wf.Schedule, orchestrator, logger)
	if err != nil {
		return err
	}
	sched.OnResult(exporter.ExportCycle).OnReject(m.RejectTrigger)

	logger.WithFields(logrus.Fields{
		"chains":           reg.Len(),
		"schedule":         wf.Schedule,
		"anomaly_ceiling":  detector.Ceiling().String(),
		"cycle_timeout":    cfg.CycleTimeout,
		"max_parallelism":  cfg.MaxParallelism,
		"skip_self_writes": cfg.SkipSelfWrites,
		"write_retries":    cfg.WriteRetries,
	}).Info("Keeper initialized")

	if cfg.RunOnce {
		result, err := sched.TriggerNow(ctx, "once")
		if summary, jerr := result.SummaryJSON(); jerr == nil && result.CycleID != "" {
			fmt.Fprintln(os.Stdout, string(summary))
		}
		return err
	}

	server := &Server{
		cfg:          cfg,
		schedule:     wf.Schedule,
		registry:     reg,
		orchestrator: orchestrator,
		scheduler:    sched,
		breaker:      breaker,
		vaults:       vault.NewReader(pool, logger),
		exporter:     exporter,
		metrics:      m,
		gatherer:     promRegistry,
		triggerLimit: rate.NewLimiter(rate.Limit(cfg.TriggerRPS), cfg.TriggerBurst),
		logger:       logger,
		cycleCtx:     ctx,
	}
	server.Start()

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-schedErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Scheduler stopped")
		}
	}

	logger.Info("Keeper shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Routes builds the admin mux
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/circuit", s.handleCircuit)
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/chains", s.handleChains)
	return mux
}

// Start begins serving the admin surface in the background
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Infof("Admin server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Fatal("Error starting server")
		}
	}()
}

// Shutdown stops the admin surface
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports the last cycle and the breaker state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":   "operational",
		"uptime":   time.Since(startTime).String(),
		"version":  version,
		"chains":   s.registry.Len(),
		"schedule": s.schedule,
		"next_run": s.scheduler.Next(time.Now()).UTC().Format(time.RFC3339),
		"configuration": map[string]interface{}{
			"cycle_timeout":    s.cfg.CycleTimeout.String(),
			"max_parallelism":  s.cfg.MaxParallelism,
			"skip_self_writes": s.cfg.SkipSelfWrites,
			"write_retries":    s.cfg.WriteRetries,
			"fetch_retries":    s.cfg.FetchRetries,
		},
		"circuit_state": s.breaker.GetState(),
		"exporter":      s.exporter.Status(),
	}

	if last, ok := s.orchestrator.LastResult(); ok {
		status["last_cycle"] = last.Summary()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuit shows the breaker and lets an operator acknowledge a trip via POST ?action=reset
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			errorResponse(w, http.StatusBadRequest, "unsupported action")
			return
		}
		s.breaker.Reset()
		s.metrics.SetBreakerOpen(false)
		response["message"] = "Circuit breaker reset"
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response["state"] = s.breaker.GetState()
	response["trips"] = s.breaker.Trips()
	if trip, ok := s.breaker.LastTrip(); ok {
		response["last_trip"] = trip
	}
	writeJSON(w, http.StatusOK, response)
}

// handleTrigger starts a cycle now unless one is already running
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.triggerLimit.Allow() {
		s.metrics.RejectTrigger("rate_limited")
		errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if err := s.scheduler.Start(s.cycleCtx, "manual"); err != nil {
		if errors.Is(err, scheduler.ErrCycleRunning) {
			errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.WithField("remote", r.RemoteAddr).Info("Manual cycle started")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "started",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleChains reads every vault's status views
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chains": s.vaults.StatusAll(ctx, s.registry.Chains()),
	})
}
