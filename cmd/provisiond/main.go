package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"idsync/pkg/config"
	"idsync/pkg/httpx"
	"idsync/pkg/metrics"
	"idsync/pkg/policystore"
	"idsync/pkg/roster"
	"idsync/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	loadConfigFn    = config.FromEnv
	openRuntimeFn   = config.Open
	openSourceFn    = openKafkaSource
	listenFn        = func(s *http.Server) error { return s.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runProvisiond(ctx); err != nil {
		logFatalf("provisiond: %v", err)
	}
}

func openKafkaSource(cfg config.Config, rt *config.Runtime) (batchSource, error) {
	k, err := roster.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	k.Logger = slog.Default()
	k.OnDrop = rt.Metrics.IncRosterDropped
	return k, nil
}

func runProvisiond(ctx context.Context) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	shutdown, err := initTelemetryFn(ctx, "provisiond")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	policy, err := policystore.LoadFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	holder := policystore.NewHolder(policy)

	rt, err := openRuntimeFn(ctx, cfg, policy.Systems())
	if err != nil {
		return err
	}
	defer rt.Close()

	src, err := openSourceFn(cfg, rt)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	events := rt.Events.Subscribe(256)
	defer rt.Events.Unsubscribe(events)
	go logEvents(events)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	d := &daemon{
		src:        src,
		holder:     holder,
		rt:         rt,
		orch:       rt.Orchestrator(slog.Default()),
		mode:       cfg.Mode,
		policyPath: cfg.PolicyFile,
		retryDelay: envDurationSec("IDSYNC_RETRY_ABORTED_SEC", 30),
		reload:     hup,
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(rt),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("provisiond listening on %s (mode %s, policy %s@%s)", cfg.Addr, cfg.Mode, policy.ID(), policy.Version())
		if err := listenFn(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		d.loop(loopCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	cancel()
	<-loopDone
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = server.Shutdown(shutdownCtx)
	return runErr
}

func newRouter(rt *config.Runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("provisiond"))
	r.Use(metricsMiddleware(rt.Metrics))
	r.Use(httpx.NoStore)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.Ping(ctx); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "provisiond"})
	})
	r.Get("/metrics", rt.Metrics.PrometheusHandler())
	r.Get("/metrics.json", rt.Metrics.Handler())
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func metricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			reg.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
		})
	}
}

func envDurationSec(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}
