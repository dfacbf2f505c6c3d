package trackerapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(status int, body string, seen **http.Request) *Client {
	client := NewWithBaseURL("https://example.test/")
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if seen != nil {
				*seen = req
			}
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(strings.NewReader(body)),
				Header:     make(http.Header),
			}, nil
		}),
	}
	return client
}

func TestPingSuccess(t *testing.T) {
	var seenReq *http.Request
	client := stubClient(http.StatusOK, `{"status":"ok"}`, &seenReq)

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() unexpected error: %v", err)
	}
	if seenReq == nil {
		t.Fatal("no request captured")
	}
	if seenReq.URL.Path != "/healthz" {
		t.Fatalf("path = %q, want %q", seenReq.URL.Path, "/healthz")
	}
	if got := seenReq.Header.Get("Authorization"); got != "" {
		t.Fatalf("Authorization header = %q, want empty", got)
	}
}

func TestPingNon200Fails(t *testing.T) {
	client := stubClient(http.StatusServiceUnavailable, `{}`, nil)
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("Ping() error = nil, want non-nil")
	}
}

func TestLedgerBuildsQuery(t *testing.T) {
	var seenReq *http.Request
	client := stubClient(http.StatusOK, `{
		"period": "2026-01-01",
		"rows": [{"member_id":"m1","service_id":"netflix","status":"pending","required_amount":"125","paid_amount":"0","period_date":"2026-01-09"}]
	}`, &seenReq)

	page, err := client.Ledger(context.Background(), "2026-01-01", ledger.Filter{ServiceID: "netflix", MemberID: "m1"})
	if err != nil {
		t.Fatalf("Ledger() unexpected error: %v", err)
	}
	query := seenReq.URL.Query()
	if query.Get("period") != "2026-01-01" || query.Get("service") != "netflix" || query.Get("member") != "m1" {
		t.Fatalf("query = %q", seenReq.URL.RawQuery)
	}
	if len(page.Rows) != 1 {
		t.Fatalf("len(Rows) = %d, want 1", len(page.Rows))
	}
	if page.Rows[0].Status != ledger.Pending {
		t.Fatalf("Rows[0].Status = %q, want %q", page.Rows[0].Status, ledger.Pending)
	}
	if page.Rows[0].RequiredAmount.String() != "125" {
		t.Fatalf("Rows[0].RequiredAmount = %s, want 125", page.Rows[0].RequiredAmount)
	}
}

func TestCreateSessionStoresToken(t *testing.T) {
	var seenReq *http.Request
	client := stubClient(http.StatusCreated, `{"token":"tok-1","expires_at":"2026-01-10T12:00:00Z"}`, &seenReq)

	session, err := client.CreateSession(context.Background(), "2468")
	if err != nil {
		t.Fatalf("CreateSession() unexpected error: %v", err)
	}
	if session.Token != "tok-1" || !client.HasToken() {
		t.Fatalf("session = %+v, HasToken() = %v", session, client.HasToken())
	}

	var body map[string]string
	if err := json.NewDecoder(seenReq.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if body["pin"] != "2468" {
		t.Fatalf("pin = %q, want %q", body["pin"], "2468")
	}
}

func TestManagerCallsSendBearerToken(t *testing.T) {
	var seenReq *http.Request
	client := stubClient(http.StatusOK, `{"member_id":"m1","service_id":"netflix","status":"paid"}`, &seenReq)
	client.SetToken("tok-1")

	row, err := client.TogglePayment(context.Background(), CellRequest{MemberID: "m1", ServiceID: "netflix"})
	if err != nil {
		t.Fatalf("TogglePayment() unexpected error: %v", err)
	}
	if row.Status != ledger.Paid {
		t.Fatalf("Status = %q, want %q", row.Status, ledger.Paid)
	}
	if got := seenReq.Header.Get("Authorization"); got != "Bearer tok-1" {
		t.Fatalf("Authorization header = %q, want %q", got, "Bearer tok-1")
	}
	if seenReq.Method != http.MethodPost || seenReq.URL.Path != "/api/payments/toggle" {
		t.Fatalf("request = %s %s", seenReq.Method, seenReq.URL.Path)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	client := stubClient(http.StatusForbidden, `{"error":{"type":"forbidden","message":"transition not allowed","hint":"Unlock manager mode."}}`, nil)

	_, err := client.ReportPayment(context.Background(), CellRequest{MemberID: "m1", ServiceID: "netflix"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Hint != "Unlock manager mode." {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if Category(err) != tracker.ErrForbidden {
		t.Fatalf("Category() = %v, want %v", Category(err), tracker.ErrForbidden)
	}
}

func TestRemoveMemberAgainstServer(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewWithBaseURL(srv.URL)
	if err := client.RemoveMember(context.Background(), "m 1"); err != nil {
		t.Fatalf("RemoveMember() unexpected error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/members/m 1" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, tracker.ErrValidation},
		{http.StatusUnauthorized, tracker.ErrForbidden},
		{http.StatusNotFound, tracker.ErrNotFound},
		{http.StatusConflict, tracker.ErrConflict},
		{http.StatusServiceUnavailable, tracker.ErrStoreFailure},
	}
	for _, tt := range tests {
		if got := Category(&APIError{Status: tt.status}); got != tt.want {
			t.Fatalf("Category(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
	if got := Category(nil); got != nil {
		t.Fatalf("Category(nil) = %v, want nil", got)
	}
}
