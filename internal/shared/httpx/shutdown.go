package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// WaitAndShutdown blocks until SIGINT or SIGTERM, then drains the server.
// In-flight requests get the timeout to finish; after that the process
// exits regardless.
func WaitAndShutdown(log *slog.Logger, srv *http.Server, timeout time.Duration) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	log.Info("shutdown_start", slog.String("timeout", timeout.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown_error", slog.String("err", err.Error()))
		return
	}
	log.Info("shutdown_done")
}
