package tui

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lachiem1/drexpay/internal/auth"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/syncer"
	"github.com/lachiem1/drexpay/internal/tracker"
	"github.com/lachiem1/drexpay/internal/trackerapi"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Backend is what the ledger screen reads from and writes to: the local
// database or a drexpay server.
type Backend interface {
	Periods(ctx context.Context) ([]billing.Period, billing.Period, error)
	Ledger(ctx context.Context, period billing.Period) ([]ledger.Row, []string, error)
	// Watch starts background refreshes for period. Backends without
	// change notifications return nil and are polled.
	Watch(ctx context.Context, period billing.Period) error
	Refresh() error
	Events() <-chan syncer.Event

	Report(ctx context.Context, period billing.Period, row ledger.Row, method ledger.Method) (ledger.Row, error)
	Confirm(ctx context.Context, period billing.Period, row ledger.Row) (ledger.Row, error)
	Toggle(ctx context.Context, period billing.Period, row ledger.Row, method ledger.Method) (ledger.Row, error)

	Unlock(ctx context.Context, pin string) error
	Lock()
	IsManager() bool
	Close()
}

// LocalBackend drives a tracker.Service over the local database and keeps
// the view fresh with a refresh engine.
type LocalBackend struct {
	svc       *tracker.Service
	engine    *syncer.Engine
	events    chan syncer.Event
	done      chan struct{}
	closeOnce sync.Once
	verifyPIN func(string) error

	mu   sync.Mutex
	role ledger.Role
}

func NewLocalBackend(
	db *sql.DB,
	svc *tracker.Service,
	watcher syncer.Watcher,
	pollInterval time.Duration,
	log *zap.Logger,
) (*LocalBackend, error) {
	b := &LocalBackend{
		svc:       svc,
		events:    make(chan syncer.Event, 16),
		done:      make(chan struct{}),
		verifyPIN: auth.VerifyManagerPIN,
		role:      ledger.RoleMember,
	}
	engine, err := syncer.NewLedgerEngine(db, svc, watcher, pollInterval, b.forward, log)
	if err != nil {
		return nil, err
	}
	b.engine = engine
	return b, nil
}

func (b *LocalBackend) forward(evt syncer.Event) {
	select {
	case b.events <- evt:
	case <-b.done:
	}
}

func (b *LocalBackend) Periods(ctx context.Context) ([]billing.Period, billing.Period, error) {
	return b.svc.Periods(), b.svc.DefaultPeriod(ctx), nil
}

func (b *LocalBackend) Ledger(ctx context.Context, period billing.Period) ([]ledger.Row, []string, error) {
	res, err := b.svc.Ledger(ctx, period.Value, ledger.Filter{})
	if err != nil {
		return nil, nil, err
	}
	return res.Rows, gapMessages(res.Gaps), nil
}

func (b *LocalBackend) Watch(ctx context.Context, period billing.Period) error {
	return b.engine.EnterView(ctx, period.Value)
}

func (b *LocalBackend) Refresh() error {
	return b.engine.ManualRefresh()
}

func (b *LocalBackend) Events() <-chan syncer.Event {
	return b.events
}

func (b *LocalBackend) Report(ctx context.Context, period billing.Period, row ledger.Row, method ledger.Method) (ledger.Row, error) {
	return b.svc.ReportPayment(ctx, localCell(period, row, method))
}

func (b *LocalBackend) Confirm(ctx context.Context, period billing.Period, row ledger.Row) (ledger.Row, error) {
	return b.svc.ConfirmPayment(ctx, b.currentRole(), localCell(period, row, ledger.MethodNone))
}

func (b *LocalBackend) Toggle(ctx context.Context, period billing.Period, row ledger.Row, method ledger.Method) (ledger.Row, error) {
	return b.svc.TogglePayment(ctx, b.currentRole(), localCell(period, row, method))
}

func (b *LocalBackend) Unlock(_ context.Context, pin string) error {
	if err := b.verifyPIN(pin); err != nil {
		return err
	}
	b.mu.Lock()
	b.role = ledger.RoleManager
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) Lock() {
	b.mu.Lock()
	b.role = ledger.RoleMember
	b.mu.Unlock()
}

func (b *LocalBackend) IsManager() bool {
	return b.currentRole() == ledger.RoleManager
}

func (b *LocalBackend) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.engine.LeaveView()
	})
}

func (b *LocalBackend) currentRole() ledger.Role {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.role
}

func localCell(period billing.Period, row ledger.Row, method ledger.Method) tracker.Cell {
	return tracker.Cell{Period: period.Value, MemberID: row.MemberID, ServiceID: row.ServiceID, Method: method}
}

// RemoteBackend talks to a drexpay server. Manager capability is the
// session token held by the client.
type RemoteBackend struct {
	client *trackerapi.Client
}

func NewRemoteBackend(client *trackerapi.Client) *RemoteBackend {
	return &RemoteBackend{client: client}
}

func (b *RemoteBackend) Periods(ctx context.Context) ([]billing.Period, billing.Period, error) {
	list, err := b.client.Periods(ctx)
	if err != nil {
		return nil, billing.Period{}, err
	}
	periods := make([]billing.Period, 0, len(list.Periods))
	for _, p := range list.Periods {
		value, err := billing.ParseDateKey(p.Key, time.Local)
		if err != nil {
			return nil, billing.Period{}, err
		}
		periods = append(periods, billing.Period{Value: value, Label: p.Label})
	}
	def, ok := billing.FindPeriod(periods, list.Default)
	if !ok && len(periods) > 0 {
		def = periods[len(periods)-1]
	}
	return periods, def, nil
}

func (b *RemoteBackend) Ledger(ctx context.Context, period billing.Period) ([]ledger.Row, []string, error) {
	page, err := b.client.Ledger(ctx, period.Key(), ledger.Filter{})
	if err != nil {
		return nil, nil, err
	}
	return page.Rows, page.Gaps, nil
}

func (b *RemoteBackend) Watch(context.Context, billing.Period) error { return nil }

func (b *RemoteBackend) Refresh() error { return nil }

func (b *RemoteBackend) Events() <-chan syncer.Event { return nil }

func (b *RemoteBackend) Report(ctx context.Context, period billing.Period, row ledger.Row, method ledger.Method) (ledger.Row, error) {
	return b.client.ReportPayment(ctx, remoteCell(period, row, method))
}

func (b *RemoteBackend) Confirm(ctx context.Context, period billing.Period, row ledger.Row) (ledger.Row, error) {
	return b.client.ConfirmPayment(ctx, remoteCell(period, row, ledger.MethodNone))
}

func (b *RemoteBackend) Toggle(ctx context.Context, period billing.Period, row ledger.Row, method ledger.Method) (ledger.Row, error) {
	return b.client.TogglePayment(ctx, remoteCell(period, row, method))
}

func (b *RemoteBackend) Unlock(ctx context.Context, pin string) error {
	_, err := b.client.CreateSession(ctx, pin)
	return err
}

func (b *RemoteBackend) Lock() {
	b.client.SetToken("")
}

func (b *RemoteBackend) IsManager() bool {
	return b.client.HasToken()
}

func (b *RemoteBackend) Close() {}

func remoteCell(period billing.Period, row ledger.Row, method ledger.Method) trackerapi.CellRequest {
	return trackerapi.CellRequest{Period: period.Key(), MemberID: row.MemberID, ServiceID: row.ServiceID, Method: method}
}

func gapMessages(gaps []ledger.Gap) []string {
	return lo.Map(gaps, func(g ledger.Gap, _ int) string { return g.Error() })
}
