// Command epiforge-server exposes the estimation engine over HTTP: submit an
// estimation run, list stored runs, fetch one run, plus Prometheus metrics
// and a health check.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/epiforge/epiforge/internal/api"
	"github.com/epiforge/epiforge/internal/dataset"
	"github.com/epiforge/epiforge/internal/estimator"
	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/metrics"
	"github.com/epiforge/epiforge/internal/store"
	"github.com/epiforge/epiforge/pkg/otel"
)

type Server struct {
	fetcher     *dataset.Fetcher
	store       store.Store
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	tp, err := otel.InitTracer(ctx, otelConfig())
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	} else {
		defer otel.Shutdown(context.Background(), tp)
	}

	fetcher, err := newFetcher()
	if err != nil {
		log.Fatalf("Failed to create dataset fetcher: %v", err)
	}

	var st store.Store
	if connStr := getEnv("POSTGRES_CONN", ""); connStr != "" {
		st, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	} else {
		st = store.NewMemoryStore()
	}

	tokenRate := getEnvInt("TOKEN_RATE", 10)
	srv := &Server{
		fetcher: fetcher,
		store:   st,
		metrics: metrics.New(),
		limiter: rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/estimate", srv.handleEstimate)
	mux.HandleFunc("/v1/runs", srv.handleRuns)
	mux.HandleFunc("/v1/runs/", srv.handleRun)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
		// Estimations with large bootstraps take a while; the write timeout
		// bounds them.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20)) // inline CSVs can be large
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req api.EstimateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, opts, err := req.Options()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	est, err := estimator.New(kind, opts)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	f, name, err := s.loadFrame(ctx, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	spanCtx, span := otel.StartSpan(ctx, "epiforge-server", "estimate",
		otel.EstimateAttributes(kind.String(), opts.EffectScale.String(), name, f.NumRows())...)
	start := time.Now()
	result, err := est.Estimate(spanCtx, f, req.Roles())
	s.metrics.EstimateDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.EstimateFailures.WithLabelValues(kind.String()).Inc()
		otel.RecordError(span, err)
		span.End()
		var ive *frame.InputValidationError
		if errors.As(err, &ive) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Printf("Estimation error for %s: %v", name, err)
		respondError(w, http.StatusInternalServerError, "estimation failed")
		return
	}
	span.End()
	s.metrics.EstimatesTotal.WithLabelValues(kind.String()).Inc()
	s.metrics.EstimateWarnings.WithLabelValues(kind.String()).Add(float64(len(result.Warnings)))

	rec := store.NewRecord(name, result)
	if req.Save {
		if err := s.store.Save(ctx, rec); err != nil {
			log.Printf("Failed to save run %s: %v", rec.RunID, err)
			// The estimate is still valid; report it without persistence.
		}
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.store.List(r.Context(), r.URL.Query().Get("dataset"))
	if err != nil {
		log.Printf("Store list error: %v", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		respondError(w, http.StatusBadRequest, "invalid run ID")
		return
	}
	rec, err := s.store.Get(r.Context(), runID)
	if err != nil {
		log.Printf("Store get error: %v", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) loadFrame(ctx context.Context, req *api.EstimateRequest) (*frame.Frame, string, error) {
	if req.Dataset != "" {
		f, err := s.fetcher.Load(ctx, req.Dataset)
		return f, req.Dataset, err
	}
	f, err := dataset.DecodeCSV(strings.NewReader(req.CSV))
	return f, "inline", err
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, api.ErrorResponse{Error: msg})
}

func newFetcher() (*dataset.Fetcher, error) {
	opts := []dataset.Option{dataset.WithCacheDir(getEnv("DATASET_CACHE_DIR", dataset.DefaultCacheDir))}
	if addr := getEnv("REDIS_ADDR", ""); addr != "" {
		blobs, err := dataset.NewRedisBlobCache(addr, getEnv("REDIS_PASSWORD", ""), 0, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dataset.WithBlobCache(blobs))
	}
	return dataset.NewFetcher(opts...)
}

func otelConfig() *otel.Config {
	cfg := otel.DefaultConfig("epiforge-server")
	if ep := getEnv("OTEL_COLLECTOR_ENDPOINT", ""); ep != "" {
		cfg.CollectorEndpoint = ep
	}
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
