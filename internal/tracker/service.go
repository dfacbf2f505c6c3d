package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	indexTTL     = 2 * time.Minute
	indexCleanup = 10 * time.Minute
)

// Snapshot is one consistent read of the store for a billing month.
type Snapshot struct {
	Period   time.Time
	Services []ledger.Service
	Payments []ledger.Payment
	LoadedAt time.Time
}

// Ledger reconciles the snapshot.
func (s Snapshot) Ledger(filter ledger.Filter) ledger.Result {
	return ledger.Reconcile(s.Services, s.Payments, s.Period, filter, s.LoadedAt)
}

// Members returns each subscribed member once, in first-seen order.
func (s Snapshot) Members() []ledger.Member {
	all := lo.FlatMap(s.Services, func(svc ledger.Service, _ int) []ledger.Member {
		return svc.Members
	})
	return lo.UniqBy(all, func(m ledger.Member) string { return m.ID })
}

// Cell addresses one ledger row.
type Cell struct {
	Period    time.Time
	MemberID  string
	ServiceID string
	Method    ledger.Method
}

type Options struct {
	PeriodAnchor time.Time
	PeriodCount  int
	Now          func() time.Time
}

// Service applies user intents against a Store.
type Service struct {
	store  Store
	log    *zap.Logger
	now    func() time.Time
	anchor time.Time
	count  int

	// index maps PaymentKey.String() to the last known payment for that cell.
	index *cache.Cache

	unsubscribe func()
	closeOnce   sync.Once
}

func NewService(store Store, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PeriodAnchor.IsZero() {
		opts.PeriodAnchor = billing.DefaultPeriodAnchor
	}
	if opts.PeriodCount <= 0 {
		opts.PeriodCount = billing.DefaultPeriodCount
	}

	s := &Service{
		store:  store,
		log:    log.Named("tracker"),
		now:    opts.Now,
		anchor: opts.PeriodAnchor,
		count:  opts.PeriodCount,
		index:  cache.New(indexTTL, indexCleanup),
	}
	s.unsubscribe = store.OnChange(s.invalidate)
	return s
}

// Close detaches the service from store notifications.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// Periods lists the selectable billing months.
func (s *Service) Periods() []billing.Period {
	return billing.ListPeriods(s.anchor, s.count)
}

// DefaultPeriod is the month in which the services' running cycles began, so
// a cycle that started last month stays in view until the next billing day.
// Without readable services it is the calendar month of now.
func (s *Service) DefaultPeriod(ctx context.Context) billing.Period {
	periods := s.Periods()
	if len(periods) == 0 {
		return billing.Period{Value: billing.Midnight(s.now())}
	}

	var days []int
	services, err := s.store.FetchServices(ctx)
	if err != nil {
		s.log.Warn("default period falls back to calendar month", zap.Error(err))
	}
	for _, svc := range services {
		days = append(days, svc.BillingDay)
	}

	idx := billing.ActivePeriod(periods, days, s.now())
	if idx < 0 {
		idx = len(periods) - 1
	}
	return periods[idx]
}

// Load reads services and the payments of each service's cycle in period.
func (s *Service) Load(ctx context.Context, period time.Time) (Snapshot, error) {
	services, err := s.store.FetchServices(ctx)
	if err != nil {
		return Snapshot{}, s.storeFailure(err, "fetch services")
	}

	now := s.now()
	type cycleQuery struct {
		serviceID  string
		periodDate string
	}
	queries := make([]cycleQuery, 0, len(services))
	for _, svc := range services {
		cycle, err := billing.CycleForPeriod(svc.BillingDay, period, now)
		if err != nil {
			s.log.Warn("skipping service with invalid billing day",
				zap.String("service_id", svc.ID), zap.Int("billing_day", svc.BillingDay))
			continue
		}
		queries = append(queries, cycleQuery{serviceID: svc.ID, periodDate: cycle.PeriodDate()})
	}

	perService, err := fetchEach(ctx, queries, fetchWorkers, func(ctx context.Context, q cycleQuery) ([]ledger.Payment, error) {
		return s.store.FetchPayments(ctx, PaymentFilter{PeriodDate: q.periodDate, ServiceID: q.serviceID})
	})
	if err != nil {
		return Snapshot{}, s.storeFailure(err, "fetch payments")
	}

	snap := Snapshot{Period: period, Services: services, LoadedAt: now}
	for _, payments := range perService {
		for _, p := range payments {
			s.index.SetDefault(p.Key().String(), p)
		}
		snap.Payments = append(snap.Payments, payments...)
	}
	return snap, nil
}

// Ledger loads and reconciles period. Gaps are logged, not returned.
func (s *Service) Ledger(ctx context.Context, period time.Time, filter ledger.Filter) (ledger.Result, error) {
	snap, err := s.Load(ctx, period)
	if err != nil {
		return ledger.Result{}, err
	}
	res := snap.Ledger(filter)
	for _, gap := range res.Gaps {
		s.log.Warn("ledger gap", zap.Error(gap))
	}
	return res, nil
}

// ReportPayment records a member's own "I paid". The row becomes pending.
func (s *Service) ReportPayment(ctx context.Context, cell Cell) (ledger.Row, error) {
	return s.mutate(ctx, cell, func(row ledger.Row, now time.Time) (ledger.Mutation, error) {
		return ledger.PlanMemberReport(row, cell.Method, now)
	})
}

// ConfirmPayment marks a pending row paid.
func (s *Service) ConfirmPayment(ctx context.Context, role ledger.Role, cell Cell) (ledger.Row, error) {
	if err := requireManager(role); err != nil {
		return ledger.Row{}, err
	}
	return s.mutate(ctx, cell, func(row ledger.Row, now time.Time) (ledger.Mutation, error) {
		return ledger.PlanConfirm(row, now)
	})
}

// TogglePayment flips a row between paid and unpaid.
func (s *Service) TogglePayment(ctx context.Context, role ledger.Role, cell Cell) (ledger.Row, error) {
	if err := requireManager(role); err != nil {
		return ledger.Row{}, err
	}
	return s.mutate(ctx, cell, func(row ledger.Row, now time.Time) (ledger.Mutation, error) {
		return ledger.PlanManagerToggle(row, cell.Method, now)
	})
}

// AddMember creates a member and subscribes them to serviceIDs.
func (s *Service) AddMember(ctx context.Context, role ledger.Role, name string, serviceIDs []string) (ledger.Member, error) {
	if err := requireManager(role); err != nil {
		return ledger.Member{}, err
	}
	if strings.TrimSpace(name) == "" {
		return ledger.Member{}, errors.WithHint(
			errors.Mark(errors.New("member name is required"), ErrValidation),
			"Enter a display name for the member.",
		)
	}

	services, err := s.store.FetchServices(ctx)
	if err != nil {
		return ledger.Member{}, s.storeFailure(err, "fetch services")
	}
	known := lo.SliceToMap(services, func(svc ledger.Service) (string, ledger.Service) { return svc.ID, svc })
	serviceIDs = lo.Uniq(serviceIDs)
	for _, id := range serviceIDs {
		svc, ok := known[id]
		if !ok {
			return ledger.Member{}, errors.Mark(errors.Newf("unknown service %q", id), ErrValidation)
		}
		if svc.MaxSlots > 0 && svc.SlotsLeft() == 0 {
			return ledger.Member{}, errors.WithHint(
				errors.Mark(errors.Newf("service %q has no free slots", id), ErrConflict),
				"Remove a member from the plan first.",
			)
		}
	}

	member, err := s.store.InsertMember(ctx, name)
	if err != nil {
		return ledger.Member{}, s.storeFailure(err, "insert member")
	}
	for _, id := range serviceIDs {
		if err := s.store.InsertSubscription(ctx, member.ID, id); err != nil {
			return member, s.storeFailure(err, "insert subscription")
		}
	}
	s.log.Info("member added", zap.String("member_id", member.ID), zap.Strings("services", serviceIDs))
	return member, nil
}

// RemoveMember deletes a member and their subscriptions. Payments are kept.
func (s *Service) RemoveMember(ctx context.Context, role ledger.Role, memberID string) error {
	if err := requireManager(role); err != nil {
		return err
	}
	if err := s.store.DeleteMember(ctx, memberID); err != nil {
		return s.storeFailure(err, "delete member")
	}
	s.log.Info("member removed", zap.String("member_id", memberID))
	return nil
}

type planFunc func(row ledger.Row, now time.Time) (ledger.Mutation, error)

func (s *Service) mutate(ctx context.Context, cell Cell, plan planFunc) (ledger.Row, error) {
	row, err := s.rowFor(ctx, cell)
	if err != nil {
		return ledger.Row{}, err
	}

	now := s.now()
	m, err := plan(row, now)
	if err != nil {
		return ledger.Row{}, classify(err)
	}

	saved, err := s.apply(ctx, m)
	if errors.Is(err, ErrDuplicatePayment) {
		// Another writer created the payment first; plan again as an update.
		s.log.Info("payment insert lost a race, replanning", zap.Stringer("key", row.Key()))
		existing, lookupErr := s.paymentByKey(ctx, row.Key())
		if lookupErr != nil {
			return ledger.Row{}, lookupErr
		}
		if existing == nil {
			return ledger.Row{}, errors.Mark(err, ErrConflict)
		}
		row = withPayment(row, *existing)
		if m, err = plan(row, now); err != nil {
			return ledger.Row{}, classify(err)
		}
		saved, err = s.apply(ctx, m)
	}
	if errors.Is(err, ErrStalePayment) {
		// Written elsewhere since it was read. The next attempt reads fresh.
		s.index.Delete(row.Key().String())
		s.log.Warn("payment changed since it was read", zap.Stringer("key", row.Key()), zap.Error(err))
		return ledger.Row{}, errors.WithHint(
			errors.Mark(err, ErrConflict),
			"The payment was changed elsewhere. Reload the ledger and try again.",
		)
	}
	if err != nil {
		return ledger.Row{}, s.storeFailure(err, "apply "+m.Op.String())
	}

	s.log.Info("payment updated",
		zap.Stringer("key", row.Key()),
		zap.Stringer("op", m.Op),
		zap.Stringer("status", saved.Status),
	)
	return withPayment(row, saved), nil
}

func (s *Service) apply(ctx context.Context, m ledger.Mutation) (ledger.Payment, error) {
	switch m.Op {
	case ledger.OpInsert:
		return s.store.InsertPayment(ctx, m.Insert)
	case ledger.OpUpdate:
		if err := s.store.UpdatePayment(ctx, m.PaymentID, m.Patch); err != nil {
			return ledger.Payment{}, err
		}
		return ledger.Payment{
			ID:     m.PaymentID,
			Amount: m.Patch.Amount,
			Status: m.Patch.Status,
			PaidAt: m.Patch.PaidAt,
			Method: m.Patch.Method,
		}, nil
	default:
		return ledger.Payment{}, errors.Newf("unknown mutation op %v", m.Op)
	}
}

// rowFor builds the current row for one cell, reading the payment through
// the index. Writes from other processes do not reach the index; updates are
// guarded by status so a stale entry surfaces as ErrStalePayment.
func (s *Service) rowFor(ctx context.Context, cell Cell) (ledger.Row, error) {
	if strings.TrimSpace(cell.MemberID) == "" || strings.TrimSpace(cell.ServiceID) == "" {
		return ledger.Row{}, errors.Mark(ledger.ErrMissingPaymentRef, ErrValidation)
	}

	services, err := s.store.FetchServices(ctx)
	if err != nil {
		return ledger.Row{}, s.storeFailure(err, "fetch services")
	}
	svc, ok := lo.Find(services, func(svc ledger.Service) bool { return svc.ID == cell.ServiceID })
	if !ok {
		return ledger.Row{}, errors.Mark(errors.Newf("service %q not found", cell.ServiceID), ErrNotFound)
	}

	filter := ledger.Filter{ServiceID: cell.ServiceID, MemberID: cell.MemberID}
	res := ledger.Reconcile([]ledger.Service{svc}, nil, cell.Period, filter, s.now())
	if len(res.Gaps) > 0 {
		return ledger.Row{}, errors.Mark(res.Gaps[0], ErrValidation)
	}
	if len(res.Rows) == 0 {
		return ledger.Row{}, errors.WithHint(
			errors.Mark(errors.Newf("member %q is not subscribed to %q", cell.MemberID, cell.ServiceID), ErrNotFound),
			"Check the member and service ids.",
		)
	}

	row := res.Rows[0]
	existing, err := s.lookupPayment(ctx, row.Key())
	if err != nil {
		return ledger.Row{}, err
	}
	if existing != nil {
		row = withPayment(row, *existing)
	}
	return row, nil
}

// lookupPayment reads the payment for key from the index, falling back to
// the store.
func (s *Service) lookupPayment(ctx context.Context, key ledger.PaymentKey) (*ledger.Payment, error) {
	if v, ok := s.index.Get(key.String()); ok {
		p := v.(ledger.Payment)
		return &p, nil
	}

	payments, err := s.store.FetchPayments(ctx, PaymentFilter{PeriodDate: key.PeriodDate, ServiceID: key.ServiceID})
	if err != nil {
		return nil, s.storeFailure(err, "fetch payments")
	}
	var found *ledger.Payment
	for _, p := range payments {
		s.index.SetDefault(p.Key().String(), p)
		if p.Key() == key && found == nil {
			p := p
			found = &p
		}
	}
	return found, nil
}

// paymentByKey reads the stored payment for key, bypassing the index, and
// refreshes the index entry. A missing payment returns nil.
func (s *Service) paymentByKey(ctx context.Context, key ledger.PaymentKey) (*ledger.Payment, error) {
	p, err := s.store.PaymentByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.index.Delete(key.String())
		return nil, nil
	}
	if err != nil {
		return nil, s.storeFailure(err, "fetch payment")
	}
	s.index.SetDefault(key.String(), p)
	return &p, nil
}

// invalidate drops index entries a store change may have made stale.
func (s *Service) invalidate(ev ChangeEvent) {
	switch ev.Table {
	case TablePayments:
		if ev.Key != nil {
			s.index.Delete(ev.Key.String())
		}
		if ev.PaymentID != "" {
			for k, item := range s.index.Items() {
				if p, ok := item.Object.(ledger.Payment); ok && p.ID == ev.PaymentID {
					s.index.Delete(k)
				}
			}
		}
	case TableServices:
		s.index.Flush()
	}
}

func (s *Service) storeFailure(err error, op string) error {
	err = classify(err)
	if errors.Is(err, ErrStoreFailure) {
		s.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
		return errors.WithHint(errors.Wrap(err, op), "The ledger could not be saved or loaded. Try again.")
	}
	return errors.Wrap(err, op)
}

func requireManager(role ledger.Role) error {
	if role != ledger.RoleManager {
		return errors.WithHint(
			errors.Mark(errors.New("manager capability required"), ErrForbidden),
			"Unlock manager mode with the manager PIN.",
		)
	}
	return nil
}

func withPayment(row ledger.Row, p ledger.Payment) ledger.Row {
	row.PaymentID = p.ID
	row.Status = p.Status
	row.PaidAt = p.PaidAt
	row.Method = p.Method
	row.PaidAmount = decimal.Zero
	if p.Status == ledger.Paid {
		row.PaidAmount = p.Amount
	}
	return row
}
