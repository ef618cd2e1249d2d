package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k1networth/signdesk-lite/internal/envelope"
	"github.com/k1networth/signdesk-lite/internal/shared/config"
	"github.com/k1networth/signdesk-lite/internal/shared/db"
	"github.com/k1networth/signdesk-lite/internal/shared/logger"
)

const appName = "expiry-worker"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is empty")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("db_open_failed", slog.String("err", err.Error()))
		return
	}
	defer func() { _ = pg.Close() }()

	store := envelope.NewPostgresStore(pg)
	svc := &envelope.Service{Log: log, Store: store}

	reg := prometheus.NewRegistry()
	m := newSweepMetrics(reg)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics_listen", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics_server_error", slog.String("err", err.Error()))
		}
	}()

	log.Info("sweep_start",
		slog.String("interval", cfg.ExpirySweepInterval.String()),
		slog.Int("batch", cfg.ExpirySweepBatch),
	)

	ticker := time.NewTicker(cfg.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
			log.Info("sweep_shutdown")
			return
		case <-ticker.C:
			m.sweepsTotal.Inc()
			sweep(ctx, log, store, svc, m, cfg.ExpirySweepBatch)
		}
	}
}

func sweep(ctx context.Context, log *slog.Logger, store *envelope.PostgresStore, svc *envelope.Service, m *sweepMetrics, batch int) {
	ids, err := store.ListExpireDue(ctx, time.Now().UTC(), batch)
	if err != nil {
		m.errorsTotal.Inc()
		log.Error("expire_list_failed", slog.String("err", err.Error()))
		return
	}

	for _, id := range ids {
		if _, err := svc.Expire(ctx, id); err != nil {
			// Another sweep or a concurrent mutation may have finished the
			// envelope already; a vanished row is not worth alerting.
			if errors.Is(err, envelope.ErrNotFound) {
				continue
			}
			m.errorsTotal.Inc()
			log.Error("expire_failed", slog.String("envelope_id", id), slog.String("err", err.Error()))
			continue
		}
		m.expiredTotal.Inc()
		log.Info("envelope_expired", slog.String("envelope_id", id))
	}
}

type sweepMetrics struct {
	sweepsTotal  prometheus.Counter
	expiredTotal prometheus.Counter
	errorsTotal  prometheus.Counter
}

func newSweepMetrics(reg prometheus.Registerer) *sweepMetrics {
	m := &sweepMetrics{
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expiry_sweeps_total",
			Help: "Total number of expiry sweep ticks.",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expiry_envelopes_expired_total",
			Help: "Total number of envelopes moved to EXPIRED.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expiry_errors_total",
			Help: "Total number of sweep errors.",
		}),
	}
	reg.MustRegister(m.sweepsTotal, m.expiredTotal, m.errorsTotal)
	return m
}
