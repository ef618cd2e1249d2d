package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k1networth/signdesk-lite/internal/notify"
	"github.com/k1networth/signdesk-lite/internal/shared/config"
	"github.com/k1networth/signdesk-lite/internal/shared/db"
	"github.com/k1networth/signdesk-lite/internal/shared/events"
	"github.com/k1networth/signdesk-lite/internal/shared/kafkax"
	"github.com/k1networth/signdesk-lite/internal/shared/logger"
)

const appName = "notification-service"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		log.Error("config_error", slog.String("err", "DATABASE_URL is empty"))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("db_open_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = pg.Close() }()

	store := notify.NewStore(pg)
	deliverer := &notify.Deliverer{Log: log, FrontendURL: cfg.FrontendURL}

	consumer := kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
	defer func() { _ = consumer.Close() }()

	reg := prometheus.NewRegistry()
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_processed_total", Help: "Processed events."}, []string{"event_type", "status"})
	reg.MustRegister(processed)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Info("metrics_listen", slog.String("addr", cfg.MetricsAddr))
		_ = http.ListenAndServe(cfg.MetricsAddr, mux)
	}()

	log.Info("consumer_start", slog.String("topic", cfg.KafkaTopic), slog.String("group_id", cfg.KafkaGroupID))

	for {
		select {
		case <-ctx.Done():
			log.Info("consumer_shutdown")
			return
		default:
			msg, err := consumer.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("kafka_fetch_failed", slog.String("err", err.Error()))
				time.Sleep(300 * time.Millisecond)
				continue
			}

			statusLabel := "ok"
			evType := "unknown"

			err = handleMessage(ctx, log, store, deliverer, msg.Value, &evType)
			if err != nil {
				statusLabel = "error"
				log.Error("message_handle_failed", slog.String("err", err.Error()))
			}

			processed.WithLabelValues(evType, statusLabel).Inc()

			if err != nil {
				continue
			}
			if err := consumer.CommitMessages(ctx, msg); err != nil {
				log.Error("kafka_commit_failed", slog.String("err", err.Error()))
				continue
			}
		}
	}
}

func handleMessage(ctx context.Context, log *slog.Logger, store *notify.Store, deliverer *notify.Deliverer, value []byte, eventTypeOut *string) error {
	var msg events.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return err
	}
	*eventTypeOut = msg.EventType

	shouldProcess, err := store.StartProcessing(ctx, notify.ProcessedEvent{
		EventID:     msg.EventID,
		EventType:   msg.EventType,
		Aggregate:   msg.Aggregate,
		AggregateID: msg.AggregateID,
		Payload:     msg.Payload,
	})
	if err != nil {
		return err
	}
	if !shouldProcess {
		log.Info("event_skip_done", slog.String("event_id", msg.EventID), slog.String("event_type", msg.EventType))
		return nil
	}

	if err := deliverer.Deliver(ctx, msg); err != nil {
		_ = store.MarkFailed(ctx, msg.EventID, err.Error())
		return err
	}

	if err := store.MarkDone(ctx, msg.EventID); err != nil {
		_ = store.MarkFailed(ctx, msg.EventID, err.Error())
		return err
	}
	return nil
}
