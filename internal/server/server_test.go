package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lachiem1/drexpay/internal/auth"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/storage"
	"github.com/lachiem1/drexpay/internal/tracker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPIN = "2468"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, _, err := storage.Open(ctx, filepath.Join(t.TempDir(), "drexpay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewTrackerStore(db, nil)
	require.NoError(t, store.Services().ReplaceSnapshot(ctx, []ledger.Service{{
		ID:         "netflix",
		Name:       "Netflix",
		TotalCost:  decimal.NewFromInt(549),
		FixedPrice: decimal.NewNullDecimal(decimal.NewFromInt(125)),
		MaxSlots:   5,
		BillingDay: 9,
	}}, time.Now()))

	svc := tracker.NewService(store, nil, tracker.Options{
		PeriodAnchor: time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC),
		PeriodCount:  12,
		Now:          func() time.Time { return time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(svc.Close)

	issuer, err := auth.NewIssuer([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	srv, err := New(Options{
		Tracker: svc,
		Issuer:  issuer,
		VerifyPIN: func(pin string) error {
			if pin != testPIN {
				return auth.ErrInvalidPIN
			}
			return nil
		},
	})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func managerToken(t *testing.T, srv *Server) string {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/manager/session", "", map[string]string{"pin": testPIN})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[sessionResponse](t, rec).Token
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPeriods(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/periods", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[periodsResponse](t, rec)
	assert.Len(t, got.Periods, 12)
	assert.Equal(t, "2025-12-01", got.Periods[0].Key)
	assert.Equal(t, "2026-01-01", got.Default)
}

func TestManagerSession(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/manager/session", "", map[string]string{"pin": "0000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/manager/session", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode[errorResponse](t, rec).Error
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "pin", payload.Errors[0].Field)
	assert.Equal(t, "required", payload.Errors[0].Code)

	assert.NotEmpty(t, managerToken(t, srv))
}

func TestManagerEndpointsRequireToken(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/members", "", map[string]any{"name": "Ana"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/payments/toggle", "not-a-token", map[string]any{
		"member_id": "m1", "service_id": "netflix",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[errorResponse](t, rec).Error.Type)
}

func TestPaymentLifecycle(t *testing.T) {
	srv := newTestServer(t)
	token := managerToken(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/members", token, map[string]any{
		"name": "Drex Santos", "service_ids": []string{"netflix"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	member := decode[ledger.Member](t, rec)
	assert.Equal(t, "DS", member.AvatarInitials)

	rec = do(t, srv, http.MethodGet, "/api/ledger?period=2026-01-01", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	led := decode[ledgerResponse](t, rec)
	require.Len(t, led.Rows, 1)
	assert.Equal(t, ledger.Unpaid, led.Rows[0].Status)
	assert.True(t, led.Rows[0].IsOverdue)
	assert.True(t, led.Rows[0].RequiredAmount.Equal(decimal.NewFromInt(125)))

	cell := map[string]any{"member_id": member.ID, "service_id": "netflix", "method": "cash"}
	rec = do(t, srv, http.MethodPost, "/api/payments/report", "", cell)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.Pending, decode[ledger.Row](t, rec).Status)

	rec = do(t, srv, http.MethodGet, "/api/review-queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ledgerResponse](t, rec).Rows, 1)

	rec = do(t, srv, http.MethodPost, "/api/payments/confirm", "", cell)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/payments/confirm", token, cell)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decode[ledger.Row](t, rec)
	assert.Equal(t, ledger.Paid, confirmed.Status)
	assert.Equal(t, ledger.MethodCash, confirmed.Method)
	assert.True(t, confirmed.PaidAmount.Equal(decimal.NewFromInt(125)))

	// A paid row cannot be reported again by a member.
	rec = do(t, srv, http.MethodPost, "/api/payments/report", "", cell)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/payments/toggle", token, cell)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.Unpaid, decode[ledger.Row](t, rec).Status)

	rec = do(t, srv, http.MethodGet, "/api/review-queue?period=2026-01-01", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ledgerResponse](t, rec).Rows)

	rec = do(t, srv, http.MethodDelete, "/api/members/"+member.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/ledger", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ledgerResponse](t, rec).Rows)
}

func TestRequestErrors(t *testing.T) {
	srv := newTestServer(t)
	token := managerToken(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/payments/report", "", map[string]any{"service_id": "netflix"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "member_id", decode[errorResponse](t, rec).Error.Errors[0].Field)

	rec = do(t, srv, http.MethodPost, "/api/payments/report", "", map[string]any{
		"member_id": "m1", "service_id": "netflix", "method": "paypal",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/ledger?period=1999-01-01", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "period", decode[errorResponse](t, rec).Error.Errors[0].Field)

	rec = do(t, srv, http.MethodPost, "/api/payments/report", "", map[string]any{
		"member_id": "ghost", "service_id": "netflix",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[errorResponse](t, rec).Error.Hint)

	rec = do(t, srv, http.MethodPost, "/api/members", token, map[string]any{
		"name": "Ana", "service_ids": []string{"hbo"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/members/ghost", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMapErrorCategories(t *testing.T) {
	status, payload := mapError(tracker.ErrStoreFailure)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", payload.Type)

	status, _ = mapError(tracker.ErrConflict)
	assert.Equal(t, http.StatusConflict, status)

	status, payload = mapError(auth.ErrPINNotSet)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, payload.Hint)
}

func sessionFrom(t *testing.T, srv *Server, remoteAddr, pin string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"pin": pin})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/manager/session", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestManagerSessionLimitsFailedPINs(t *testing.T) {
	srv := newTestServer(t)
	const attacker = "203.0.113.7:5000"

	for i := 0; i < defaultPINAttempts; i++ {
		rec := sessionFrom(t, srv, attacker, "0000")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := sessionFrom(t, srv, attacker, testPIN)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	payload := decode[errorResponse](t, rec).Error
	assert.Equal(t, "too_many_requests", payload.Type)

	rec = sessionFrom(t, srv, "198.51.100.2:5000", testPIN)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestManagerSessionSuccessResetsFailures(t *testing.T) {
	srv := newTestServer(t)
	const client = "203.0.113.8:5000"

	for i := 0; i < defaultPINAttempts-1; i++ {
		require.Equal(t, http.StatusUnauthorized, sessionFrom(t, srv, client, "0000").Code)
	}
	require.Equal(t, http.StatusCreated, sessionFrom(t, srv, client, testPIN).Code)

	for i := 0; i < defaultPINAttempts-1; i++ {
		require.Equal(t, http.StatusUnauthorized, sessionFrom(t, srv, client, "0000").Code)
	}
	assert.Equal(t, http.StatusCreated, sessionFrom(t, srv, client, testPIN).Code)
}

func TestPINLimiterWindowExpires(t *testing.T) {
	l := newPINLimiter(2, 50*time.Millisecond)
	l.Fail("c")
	l.Fail("c")
	ok, wait := l.Allow("c")
	require.False(t, ok)
	assert.Positive(t, wait)

	time.Sleep(80 * time.Millisecond)
	ok, _ = l.Allow("c")
	assert.True(t, ok)
}
