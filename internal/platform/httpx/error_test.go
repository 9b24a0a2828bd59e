package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "trace-1"})

	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("insufficient_stock", "insufficient\nstock", http.StatusConflict).
		WithDetails(map[string]any{"productId": "seal", "available": 2, "error": "ignored"}))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "insufficient_stock", body["error"])
	require.Equal(t, "insufficient stock", body["message"])
	require.EqualValues(t, 409, body["status"])
	require.Equal(t, "req-1", body["request_id"])
	require.Equal(t, "trace-1", body["trace_id"])
	require.Equal(t, "seal", body["productId"])
	require.EqualValues(t, 2, body["available"])
}

func TestWriteErrorDefaultsToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, Error{Code: "boom"})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotContains(t, body, "request_id")
	require.NotContains(t, body, "trace_id")
}

func TestWithDetailsDoesNotAlias(t *testing.T) {
	details := map[string]any{"orderId": "ord_1"}
	base := NewError("invalid_state", "order is closed", http.StatusConflict)
	withDetails := base.WithDetails(details)
	details["orderId"] = "changed"

	require.Nil(t, base.Details)
	require.Equal(t, "ord_1", withDetails.Details["orderId"])
	require.Equal(t, "invalid_state: order is closed", withDetails.Error())
}
