// Package server exposes the tracker over HTTP for the TUI in remote mode
// and for scripts.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/lachiem1/drexpay/internal/auth"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
	"go.uber.org/zap"
)

// Tracker is the subset of tracker.Service the API serves.
type Tracker interface {
	Periods() []billing.Period
	DefaultPeriod(ctx context.Context) billing.Period
	Ledger(ctx context.Context, period time.Time, filter ledger.Filter) (ledger.Result, error)
	ReportPayment(ctx context.Context, cell tracker.Cell) (ledger.Row, error)
	ConfirmPayment(ctx context.Context, role ledger.Role, cell tracker.Cell) (ledger.Row, error)
	TogglePayment(ctx context.Context, role ledger.Role, cell tracker.Cell) (ledger.Row, error)
	AddMember(ctx context.Context, role ledger.Role, name string, serviceIDs []string) (ledger.Member, error)
	RemoveMember(ctx context.Context, role ledger.Role, memberID string) error
}

type Options struct {
	Addr    string
	Tracker Tracker
	Issuer  *auth.Issuer
	// VerifyPIN defaults to auth.VerifyManagerPIN.
	VerifyPIN func(pin string) error
	// PINAttempts failed PIN tries are allowed per client within PINWindow
	// (defaults 5 and 15 minutes).
	PINAttempts int
	PINWindow   time.Duration
	Logger      *zap.Logger
}

type Server struct {
	addr      string
	tracker   Tracker
	issuer    *auth.Issuer
	verifyPIN func(string) error
	pins      *pinLimiter
	log       *zap.Logger
	engine    *gin.Engine
}

var registerTagNameOnce sync.Once

func New(opts Options) (*Server, error) {
	if opts.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if opts.Issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	if opts.VerifyPIN == nil {
		opts.VerifyPIN = auth.VerifyManagerPIN
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	registerTagNameOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(jsonFieldName)
		}
	})

	s := &Server{
		addr:      opts.Addr,
		tracker:   opts.Tracker,
		issuer:    opts.Issuer,
		verifyPIN: opts.VerifyPIN,
		pins:      newPINLimiter(opts.PINAttempts, opts.PINWindow),
		log:       opts.Logger.Named("server"),
	}
	s.engine = s.newEngine()
	return s, nil
}

func (s *Server) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/periods", s.ListPeriods)
	api.GET("/ledger", s.GetLedger)
	api.GET("/review-queue", s.GetReviewQueue)
	api.POST("/manager/session", s.CreateManagerSession)
	api.POST("/payments/report", s.ReportPayment)

	manager := api.Group("", s.ManagerRequired())
	manager.POST("/payments/confirm", s.ConfirmPayment)
	manager.POST("/payments/toggle", s.TogglePayment)
	manager.POST("/members", s.AddMember)
	manager.DELETE("/members/:id", s.RemoveMember)

	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, tracker.ErrNotFound)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
