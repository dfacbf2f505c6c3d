package trackerapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
)

type Period struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type PeriodList struct {
	Periods []Period `json:"periods"`
	Default string   `json:"default"`
}

type LedgerPage struct {
	Period string       `json:"period"`
	Rows   []ledger.Row `json:"rows"`
	Gaps   []string     `json:"gaps"`
}

type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CellRequest addresses one ledger row. An empty Period means the current
// billing month.
type CellRequest struct {
	Period    string        `json:"period,omitempty"`
	MemberID  string        `json:"member_id"`
	ServiceID string        `json:"service_id"`
	Method    ledger.Method `json:"method,omitempty"`
}

type memberRequest struct {
	Name       string   `json:"name"`
	ServiceIDs []string `json:"service_ids"`
}

// Ping calls GET /healthz and returns nil only when status is 200.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil, nil)
}

func (c *Client) Periods(ctx context.Context) (PeriodList, error) {
	var out PeriodList
	err := c.get(ctx, "/api/periods", nil, &out)
	return out, err
}

func (c *Client) Ledger(ctx context.Context, period string, filter ledger.Filter) (LedgerPage, error) {
	query := url.Values{}
	if period != "" {
		query.Set("period", period)
	}
	if filter.ServiceID != "" {
		query.Set("service", filter.ServiceID)
	}
	if filter.MemberID != "" {
		query.Set("member", filter.MemberID)
	}

	var out LedgerPage
	err := c.get(ctx, "/api/ledger", query, &out)
	return out, err
}

func (c *Client) ReviewQueue(ctx context.Context, period string) (LedgerPage, error) {
	query := url.Values{}
	if period != "" {
		query.Set("period", period)
	}
	var out LedgerPage
	err := c.get(ctx, "/api/review-queue", query, &out)
	return out, err
}

// CreateSession exchanges the manager PIN for a token and keeps it on the
// client.
func (c *Client) CreateSession(ctx context.Context, pin string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/api/manager/session", map[string]string{"pin": pin}, &out); err != nil {
		return Session{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

func (c *Client) ReportPayment(ctx context.Context, cell CellRequest) (ledger.Row, error) {
	return c.postCell(ctx, "/api/payments/report", cell)
}

func (c *Client) ConfirmPayment(ctx context.Context, cell CellRequest) (ledger.Row, error) {
	return c.postCell(ctx, "/api/payments/confirm", cell)
}

func (c *Client) TogglePayment(ctx context.Context, cell CellRequest) (ledger.Row, error) {
	return c.postCell(ctx, "/api/payments/toggle", cell)
}

func (c *Client) AddMember(ctx context.Context, name string, serviceIDs []string) (ledger.Member, error) {
	var out ledger.Member
	err := c.do(ctx, http.MethodPost, "/api/members", memberRequest{Name: name, ServiceIDs: serviceIDs}, &out)
	return out, err
}

func (c *Client) RemoveMember(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/members/"+url.PathEscape(id), nil, nil)
}

func (c *Client) postCell(ctx context.Context, path string, cell CellRequest) (ledger.Row, error) {
	var out ledger.Row
	err := c.do(ctx, http.MethodPost, path, cell, &out)
	return out, err
}

// Category maps an API error onto the tracker error categories so callers
// can treat local and remote failures alike.
func Category(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		if err != nil {
			return tracker.ErrStoreFailure
		}
		return nil
	}
	switch apiErr.Status {
	case http.StatusBadRequest:
		return tracker.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return tracker.ErrForbidden
	case http.StatusNotFound:
		return tracker.ErrNotFound
	case http.StatusConflict:
		return tracker.ErrConflict
	default:
		return tracker.ErrStoreFailure
	}
}
