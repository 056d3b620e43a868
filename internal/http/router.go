package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/http/handlers"
)

const shutdownTimeout = 15 * time.Second

// NewRouter builds the HTTP routing tree of the status API.
func NewRouter(api *handlers.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(api.Logger()))
	r.Use(StripIngressPrefix)
	r.Use(RequestLogger(api))

	r.Get("/healthz", api.Health)
	r.Get("/metrics", api.Metrics)
	r.Route("/api", func(apiRouter chi.Router) {
		// long-lived, stays outside the request timeout
		apiRouter.Get("/ws", api.Stream)

		apiRouter.Group(func(rest chi.Router) {
			rest.Use(middleware.Timeout(20 * time.Second))
			rest.Get("/devices", api.ListDevices)
			rest.Get("/devices/{name}", func(w http.ResponseWriter, r *http.Request) {
				api.GetDevice(w, r, chi.URLParam(r, "name"))
			})
			rest.Get("/devices/{name}/tags", func(w http.ResponseWriter, r *http.Request) {
				api.DeviceTags(w, r, chi.URLParam(r, "name"))
			})
			rest.Get("/devices/{name}/events", func(w http.ResponseWriter, r *http.Request) {
				api.DeviceEvents(w, r, chi.URLParam(r, "name"))
			})
			rest.Post("/devices/{name}/poll", func(w http.ResponseWriter, r *http.Request) {
				api.PollDevice(w, r, chi.URLParam(r, "name"))
			})
			rest.Post("/reload", api.Reload)
		})
	})
	return r
}

// RunServer starts and gracefully stops HTTP server with context cancellation.
func RunServer(ctx context.Context, server *http.Server, logger *zap.SugaredLogger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if logger != nil {
		logger.Infow("http server listening", "addr", server.Addr)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
