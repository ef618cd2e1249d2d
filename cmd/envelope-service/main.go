package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/blob"
	"github.com/k1networth/signdesk-lite/internal/envelope"
	"github.com/k1networth/signdesk-lite/internal/seal"
	"github.com/k1networth/signdesk-lite/internal/shared/config"
	"github.com/k1networth/signdesk-lite/internal/shared/db"
	"github.com/k1networth/signdesk-lite/internal/shared/httpx"
	"github.com/k1networth/signdesk-lite/internal/shared/logger"
)

const appName = "envelope-service"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv)

	reg := prometheus.NewRegistry()

	var (
		store    envelope.Store
		auditLog audit.Log
		blobs    blob.Store
	)

	if cfg.DatabaseURL != "" {
		pg, err := db.OpenPostgres(context.Background(), db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			log.Error("db_open_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = pg.Close() }()

		store = envelope.NewPostgresStore(pg)
		auditLog = audit.NewPostgresLog(pg)
		blobs = blob.NewPostgresStore(pg)
	} else {
		// Single-process mode for local development and tests.
		log.Warn("no_database_url", slog.String("msg", "running with in-memory stores"))
		mem := audit.NewMemoryLog()
		store = envelope.NewInMemoryStore(mem)
		auditLog = mem
		blobs = blob.NewMemoryStore()
	}

	svc := &envelope.Service{
		Log:               log,
		Store:             store,
		Sealer:            seal.NewManifestSealer(blobs),
		Metrics:           envelope.NewMetrics(reg),
		DefaultExpiryDays: cfg.EnvelopeExpiryDays,
	}

	envelopeH := &envelope.Handler{
		Log:   log,
		Svc:   svc,
		Audit: auditLog,
		Blobs: blobs,
	}

	handler := httpx.NewRouter(log, reg, envelopeH)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("http_listen", slog.String("addr", srv.Addr))

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error("http_server_error", slog.String("err", err.Error()))
		}
	}()

	httpx.WaitAndShutdown(log, srv, 10*time.Second)
}
