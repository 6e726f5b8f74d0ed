package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
)

type mockOrderSearcher struct {
	orders        []model.Order
	err           error
	symbol        *string
	status        *model.OrderStatus
	signalID      *string
	createdAfter  *time.Time
	createdBefore *time.Time
	limit         int
	offset        int
	calledCount   int
}

func (m *mockOrderSearcher) Search(ctx context.Context, options repository.OrderSearchOptions) ([]model.Order, error) {
	m.calledCount++
	m.symbol = options.Symbol
	m.status = options.Status
	m.signalID = options.SignalID
	m.createdAfter = options.CreatedAfter
	m.createdBefore = options.CreatedBefore
	m.limit = options.Limit
	m.offset = options.Offset
	return m.orders, m.err
}

func TestSearchOrdersHandler_InvalidStatus(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders?status=done", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSearchOrdersHandler_RepoError(t *testing.T) {
	mockRepo := &mockOrderSearcher{err: assert.AnError}
	handler := SearchOrdersHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}

	if mockRepo.calledCount != 1 {
		t.Fatalf("expected repository to be called once, got %d", mockRepo.calledCount)
	}
}

func TestSearchOrdersHandler_Success(t *testing.T) {
	orders := []model.Order{{ID: "ord-1", Symbol: "ABCD", Status: model.OrderStatusFilled}}
	mockRepo := &mockOrderSearcher{orders: orders}
	handler := SearchOrdersHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/orders?symbol=ABCD&status=filled&signalId=sig-1&createdFrom=2024-01-01T00:00:00Z&createdTo=2024-02-01T00:00:00Z&page=2&pageSize=5", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	if mockRepo.calledCount != 1 {
		t.Fatalf("expected repository to be called once, got %d", mockRepo.calledCount)
	}

	if mockRepo.symbol == nil || *mockRepo.symbol != "ABCD" {
		t.Fatalf("expected symbol ABCD, got %v", mockRepo.symbol)
	}

	if mockRepo.status == nil || *mockRepo.status != model.OrderStatusFilled {
		t.Fatalf("expected status filled, got %v", mockRepo.status)
	}

	if mockRepo.signalID == nil || *mockRepo.signalID != "sig-1" {
		t.Fatalf("expected signal id sig-1, got %v", mockRepo.signalID)
	}

	if mockRepo.createdAfter == nil || mockRepo.createdBefore == nil {
		t.Fatalf("expected createdAt filters to be set")
	}

	if mockRepo.limit != 5 || mockRepo.offset != 5 {
		t.Fatalf("expected limit 5 and offset 5, got limit=%d offset=%d", mockRepo.limit, mockRepo.offset)
	}

	var got []model.Order
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	assert.Len(t, got, 1)
	assert.Equal(t, "ord-1", got[0].ID)
}

func TestSearchOrdersHandler_InvalidPagination(t *testing.T) {
	for _, query := range []string{"page=0", "pageSize=-1", "pageSize=1000"} {
		handler := SearchOrdersHandler(&mockOrderSearcher{})

		req := httptest.NewRequest(http.MethodGet, "/orders?"+query, nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", query, rr.Code)
		}
	}
}

func TestSearchOrdersHandler_InvalidDate(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders?createdFrom=invalid", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
