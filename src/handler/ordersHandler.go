package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
)

type orderSearcher interface {
	Search(ctx context.Context, options repository.OrderSearchOptions) ([]model.Order, error)
}

// SearchOrdersHandler lists stored orders, newest first.
// Supports pagination and filters (symbol, status, signalId, createdFrom, createdTo).
func SearchOrdersHandler(repo orderSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var symbol *string
		if symbolParam := query.Get("symbol"); symbolParam != "" {
			symbol = &symbolParam
		}

		var status *model.OrderStatus
		if statusParam := query.Get("status"); statusParam != "" {
			s := model.OrderStatus(statusParam)
			if !knownOrderStatus(s) {
				http.Error(w, "invalid status", http.StatusBadRequest)
				return
			}
			status = &s
		}

		var signalID *string
		if signalParam := query.Get("signalId"); signalParam != "" {
			signalID = &signalParam
		}

		createdFrom, ok := parseTimeParam(w, query.Get("createdFrom"), "createdFrom")
		if !ok {
			return
		}
		createdTo, ok := parseTimeParam(w, query.Get("createdTo"), "createdTo")
		if !ok {
			return
		}

		page := 1
		if pageParam := query.Get("page"); pageParam != "" {
			parsedPage, err := strconv.Atoi(pageParam)
			if err != nil || parsedPage <= 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = parsedPage
		}

		pageSize := 20
		if sizeParam := query.Get("pageSize"); sizeParam != "" {
			parsedSize, err := strconv.Atoi(sizeParam)
			if err != nil || parsedSize <= 0 || parsedSize > 500 {
				http.Error(w, "invalid pageSize", http.StatusBadRequest)
				return
			}
			pageSize = parsedSize
		}

		offset := (page - 1) * pageSize

		orders, err := repo.Search(r.Context(), repository.OrderSearchOptions{
			Symbol:        symbol,
			Status:        status,
			SignalID:      signalID,
			CreatedAfter:  createdFrom,
			CreatedBefore: createdTo,
			Limit:         pageSize,
			Offset:        offset,
		})
		if err != nil {
			logger.WithError(err).Error("failed to search orders")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, orders)
	}
}

func knownOrderStatus(s model.OrderStatus) bool {
	for _, known := range model.TerminalOrderStatuses {
		if s == known {
			return true
		}
	}
	for _, known := range model.OpenOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// parseTimeParam parses an optional RFC3339 query value. On failure it has
// already written the 400 response.
func parseTimeParam(w http.ResponseWriter, value, name string) (*time.Time, bool) {
	if value == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return nil, false
	}
	return &parsed, true
}
