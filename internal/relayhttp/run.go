package relayhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts s and blocks until a shutdown signal, a server error, or
// appCtx is cancelled, then drains s with a bounded grace period. A
// non-nil return means the server itself failed (e.g. the port could
// not be bound), which callers must surface as a non-zero exit.
func Run(appCtx context.Context, appCancel context.CancelFunc, s *http.Server) error {
	serverErrChan := make(chan error, 1)

	slog.Info("HTTP server starting", slog.String("address", s.Addr))
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server ListenAndServe error", slog.String("error", err.Error()))
			serverErrChan <- err
			close(serverErrChan)
		}
	}()

	return gracefulShutdown(appCtx, appCancel, s, serverErrChan)
}

func gracefulShutdown(appCtx context.Context, appCancel context.CancelFunc, s *http.Server, serverErrChan chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrChan:
		if err != nil {
			slog.Error("Failed to start or run HTTP server, initiating application shutdown.", slog.String("error", err.Error()))
			serveErr = err
		}
	case sig := <-quit:
		slog.Info("Shutdown signal received", slog.String("signal", sig.String()))
	case <-appCtx.Done():
		slog.Info("Application context cancelled")
	}

	slog.Info("Broadcasting shutdown signal to all components...")
	appCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	} else {
		slog.Info("HTTP server gracefully stopped.")
	}

	slog.Info("server exiting")
	return serveErr
}
