package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/auth"
	"github.com/Amenzel91/catalyst-bot-sub000/src/engine"
	"github.com/Amenzel91/catalyst-bot-sub000/src/executor"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/position"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/risk"
	"github.com/Amenzel91/catalyst-bot-sub000/src/signals"
)

const maxBodyBytes = 64 << 10

// TradingEngine is the part of the engine the operator surface drives.
type TradingEngine interface {
	Positions() []model.Position
	Metrics() model.PortfolioMetrics
	PerformanceStats(ctx context.Context, filter repository.ClosedPositionFilter) (model.PerformanceStats, error)
	ExecutionStats(ctx context.Context) (executor.ExecutionStats, error)
	ClosePosition(ctx context.Context, symbol string, reason model.CloseReason) (*model.ClosedPosition, error)
	BreakerStatus() risk.BreakerStatus
	ResetBreaker(ctx context.Context) (risk.BreakerStatus, error)
	HandleSignal(ctx context.Context, signal model.TradingSignal) engine.Outcome
}

var _ TradingEngine = (*engine.Engine)(nil)

func ListPositionsHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Positions())
	}
}

func PortfolioMetricsHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Metrics())
	}
}

type closeRequest struct {
	Reason model.CloseReason `json:"reason"`
}

type closeResponse struct {
	Symbol  string                `json:"symbol"`
	Status  string                `json:"status"`
	Closed  *model.ClosedPosition `json:"closed,omitempty"`
	Message string                `json:"message,omitempty"`
}

// ClosePositionHandler closes the position in {symbol}. The body is optional;
// the reason defaults to manual.
func ClosePositionHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
		if symbol == "" {
			http.Error(w, "missing symbol", http.StatusBadRequest)
			return
		}

		req := closeRequest{Reason: model.CloseReasonManual}
		if r.ContentLength != 0 {
			decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "Invalid payload", http.StatusBadRequest)
				return
			}
		}
		switch req.Reason {
		case "":
			req.Reason = model.CloseReasonManual
		case model.CloseReasonManual, model.CloseReasonRiskOverride:
		default:
			http.Error(w, "invalid reason", http.StatusBadRequest)
			return
		}

		operator, _ := auth.GetOperatorFromContext(r.Context())
		log := logger.WithFields(logger.Fields{
			"symbol":   symbol,
			"reason":   req.Reason,
			"operator": operator,
		})
		log.Info("operator close requested")

		closed, err := eng.ClosePosition(r.Context(), symbol, req.Reason)
		switch {
		case err == nil && closed == nil:
			writeJSON(w, http.StatusOK, closeResponse{Symbol: symbol, Status: "closed", Message: "untracked broker position flattened"})
		case err == nil:
			writeJSON(w, http.StatusOK, closeResponse{Symbol: symbol, Status: "closed", Closed: closed})
		case errors.Is(err, position.ErrExitPending), errors.Is(err, position.ErrCloseInProgress):
			writeJSON(w, http.StatusAccepted, closeResponse{Symbol: symbol, Status: "closing", Message: err.Error()})
		case errors.Is(err, position.ErrNoPosition):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			log.WithError(err).Error("operator close failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}
}

// PerformanceStatsHandler summarizes closed trades. Filters: symbol,
// strategy, reason, since, until, limit.
func PerformanceStatsHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := repository.ClosedPositionFilter{
			Symbol:   strings.ToUpper(query.Get("symbol")),
			Strategy: query.Get("strategy"),
			Reason:   model.CloseReason(query.Get("reason")),
		}
		since, ok := parseTimeParam(w, query.Get("since"), "since")
		if !ok {
			return
		}
		if since != nil {
			filter.Since = *since
		}
		until, ok := parseTimeParam(w, query.Get("until"), "until")
		if !ok {
			return
		}
		if until != nil {
			filter.Until = *until
		}
		if limitParam := query.Get("limit"); limitParam != "" {
			limit, err := strconv.Atoi(limitParam)
			if err != nil || limit <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			filter.Limit = limit
		}

		stats, err := eng.PerformanceStats(r.Context(), filter)
		if err != nil {
			logger.WithError(err).Error("failed to compute performance stats")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func ExecutionStatsHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.ExecutionStats(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to compute execution stats")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func BreakerStatusHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.BreakerStatus())
	}
}

func ResetBreakerHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operator, _ := auth.GetOperatorFromContext(r.Context())
		status, err := eng.ResetBreaker(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to reset circuit breaker")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		logger.WithField("operator", operator).Warn("circuit breaker reset via operator endpoint")
		writeJSON(w, http.StatusOK, status)
	}
}

// SubmitSignalHandler runs one signal through the engine synchronously and
// returns its outcome.
func SubmitSignalHandler(eng TradingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
		signal, err := signals.Decode(body, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		out := eng.HandleSignal(r.Context(), signal)
		code := http.StatusOK
		switch out.Action {
		case engine.ActionRejected:
			code = http.StatusUnprocessableEntity
		case engine.ActionError:
			code = http.StatusInternalServerError
		case engine.ActionPending, engine.ActionSubmitted, engine.ActionClosing:
			code = http.StatusAccepted
		}
		writeJSON(w, code, out)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
