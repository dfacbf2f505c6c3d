package server

import (
	"context"
	"github.com/cockroachdb/errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lachiem1/drexpay/internal/auth"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type periodResponse struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type periodsResponse struct {
	Periods []periodResponse `json:"periods"`
	Default string           `json:"default"`
}

type ledgerResponse struct {
	Period string       `json:"period"`
	Rows   []ledger.Row `json:"rows"`
	Gaps   []string     `json:"gaps,omitempty"`
}

type sessionRequest struct {
	PIN string `json:"pin" binding:"required"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type cellRequest struct {
	Period    string `json:"period" binding:"omitempty,datetime=2006-01-02"`
	MemberID  string `json:"member_id" binding:"required"`
	ServiceID string `json:"service_id" binding:"required"`
	Method    string `json:"method"`
}

type memberRequest struct {
	Name       string   `json:"name" binding:"required"`
	ServiceIDs []string `json:"service_ids"`
}

func (s *Server) ListPeriods(c *gin.Context) {
	periods := s.tracker.Periods()
	c.JSON(http.StatusOK, periodsResponse{
		Periods: lo.Map(periods, func(p billing.Period, _ int) periodResponse {
			return periodResponse{Key: p.Key(), Label: p.Label}
		}),
		Default: s.tracker.DefaultPeriod(c.Request.Context()).Key(),
	})
}

func (s *Server) GetLedger(c *gin.Context) {
	period, err := s.resolvePeriod(c.Request.Context(), c.Query("period"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filter := ledger.Filter{
		ServiceID: strings.TrimSpace(c.Query("service")),
		MemberID:  strings.TrimSpace(c.Query("member")),
	}
	res, err := s.tracker.Ledger(c.Request.Context(), period.Value, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLedgerResponse(period, res.Rows, res.Gaps))
}

func (s *Server) GetReviewQueue(c *gin.Context) {
	period, err := s.resolvePeriod(c.Request.Context(), c.Query("period"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.tracker.Ledger(c.Request.Context(), period.Value, ledger.Filter{})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLedgerResponse(period, ledger.ReviewQueue(res.Rows), nil))
}

func (s *Server) CreateManagerSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	client := c.ClientIP()
	if ok, retryAfter := s.pins.Allow(client); !ok {
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
		AbortWithError(c, ErrTooManyAttempts)
		return
	}
	if err := s.verifyPIN(req.PIN); err != nil {
		if errors.Is(err, auth.ErrInvalidPIN) {
			s.pins.Fail(client)
			s.log.Warn("manager PIN rejected", zap.String("client", client))
		}
		AbortWithError(c, err)
		return
	}
	s.pins.Reset(client)

	token, expiresAt, err := s.issuer.Issue("manager")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) ReportPayment(c *gin.Context) {
	cell, ok := s.bindCell(c)
	if !ok {
		return
	}
	row, err := s.tracker.ReportPayment(c.Request.Context(), cell)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	cell, ok := s.bindCell(c)
	if !ok {
		return
	}
	row, err := s.tracker.ConfirmPayment(c.Request.Context(), roleFrom(c), cell)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) TogglePayment(c *gin.Context) {
	cell, ok := s.bindCell(c)
	if !ok {
		return
	}
	row, err := s.tracker.TogglePayment(c.Request.Context(), roleFrom(c), cell)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) AddMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	member, err := s.tracker.AddMember(c.Request.Context(), roleFrom(c), req.Name, req.ServiceIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (s *Server) RemoveMember(c *gin.Context) {
	if err := s.tracker.RemoveMember(c.Request.Context(), roleFrom(c), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) bindCell(c *gin.Context) (tracker.Cell, bool) {
	var req cellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return tracker.Cell{}, false
	}
	period, err := s.resolvePeriod(c.Request.Context(), req.Period)
	if err != nil {
		AbortWithError(c, err)
		return tracker.Cell{}, false
	}
	method, err := ledger.ParseMethod(req.Method)
	if err != nil {
		AbortWithError(c, newValidationError("method", "unknown_method", err.Error()))
		return tracker.Cell{}, false
	}
	return tracker.Cell{
		Period:    period.Value,
		MemberID:  strings.TrimSpace(req.MemberID),
		ServiceID: strings.TrimSpace(req.ServiceID),
		Method:    method,
	}, true
}

// resolvePeriod maps a period key to a selectable period. Empty means the
// current one.
func (s *Server) resolvePeriod(ctx context.Context, raw string) (billing.Period, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.tracker.DefaultPeriod(ctx), nil
	}
	period, ok := billing.FindPeriod(s.tracker.Periods(), raw)
	if !ok {
		return billing.Period{}, newValidationError("period", "unknown_period", "period "+raw+" is not a selectable billing month")
	}
	return period, nil
}

func newLedgerResponse(period billing.Period, rows []ledger.Row, gaps []ledger.Gap) ledgerResponse {
	if rows == nil {
		rows = []ledger.Row{}
	}
	return ledgerResponse{
		Period: period.Key(),
		Rows:   rows,
		Gaps:   lo.Map(gaps, func(g ledger.Gap, _ int) string { return g.Error() }),
	}
}
