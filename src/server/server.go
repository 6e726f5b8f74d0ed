package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/auth"
	"github.com/Amenzel91/catalyst-bot-sub000/src/handler"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
)

type OrderSearcher interface {
	Search(ctx context.Context, options repository.OrderSearchOptions) ([]model.Order, error)
}

// NewRouter builds the operator API. Reads are public; endpoints that trade
// or change risk state require the operator token.
func NewRouter(eng handler.TradingEngine, orders OrderSearcher, operatorToken string) http.Handler {
	// Router with middleware
	r := chi.NewRouter()
	// === Global Middleware ===
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})
	r.Get("/positions", handler.ListPositionsHandler(eng))
	r.Get("/metrics/portfolio", handler.PortfolioMetricsHandler(eng))
	r.Get("/stats/performance", handler.PerformanceStatsHandler(eng))
	r.Get("/stats/execution", handler.ExecutionStatsHandler(eng))
	r.Get("/orders", handler.SearchOrdersHandler(orders))
	r.Get("/risk/breaker", handler.BreakerStatusHandler(eng))

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(operatorToken))
		r.Post("/positions/{symbol}/close", handler.ClosePositionHandler(eng))
		r.Post("/risk/breaker/reset", handler.ResetBreakerHandler(eng))
		r.Post("/signals", handler.SubmitSignalHandler(eng))
	})

	return r
}

// Run serves h on the configured port until ctx is cancelled, then shuts
// down gracefully.
func Run(ctx context.Context, cfg *Config, h http.Handler) error {
	// Server setup
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
