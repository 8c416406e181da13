package common

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RunPprof serves the pprof endpoints on endpoint until ctx is cancelled.
func RunPprof(ctx context.Context, endpoint string) error {
	// A dedicated router keeps the endpoints off the default mux.
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())

	server := &http.Server{
		Addr:              endpoint,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rootLogger.Info("serving pprof", "endpoint", endpoint)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		rootLogger.Error("pprof server stopped", "err", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
