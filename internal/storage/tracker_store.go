package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
	"go.uber.org/zap"
)

// TrackerStore is the sqlite implementation of tracker.Store. Change
// notifications cover writes made through this value only; writes from other
// processes are picked up by polling.
type TrackerStore struct {
	services      *ServicesRepo
	members       *MembersRepo
	subscriptions *SubscriptionsRepo
	payments      *PaymentsRepo
	log           *zap.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(tracker.ChangeEvent)
}

var _ tracker.Store = (*TrackerStore)(nil)

func NewTrackerStore(db *sql.DB, log *zap.Logger) *TrackerStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &TrackerStore{
		services:      NewServicesRepo(db),
		members:       NewMembersRepo(db),
		subscriptions: NewSubscriptionsRepo(db),
		payments:      NewPaymentsRepo(db),
		log:           log.Named("store"),
		listeners:     map[int]func(tracker.ChangeEvent){},
	}
}

// Services exposes the services repo for start-up seeding.
func (s *TrackerStore) Services() *ServicesRepo {
	return s.services
}

func (s *TrackerStore) FetchServices(ctx context.Context) ([]ledger.Service, error) {
	services, err := s.services.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	byService, err := s.subscriptions.MembersByService(ctx)
	if err != nil {
		return nil, err
	}
	for i := range services {
		services[i].Members = byService[services[i].ID]
	}
	return services, nil
}

func (s *TrackerStore) FetchPayments(ctx context.Context, filter tracker.PaymentFilter) ([]ledger.Payment, error) {
	payments, skipped, err := s.payments.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, sk := range skipped {
		s.log.Warn("skipping unreadable payment row", zap.String("payment_id", sk.ID), zap.Error(sk.Err))
	}
	return payments, nil
}

// PaymentByKey reads one payment without going through any cache.
func (s *TrackerStore) PaymentByKey(ctx context.Context, key ledger.PaymentKey) (ledger.Payment, error) {
	return s.payments.GetByKey(ctx, key)
}

func (s *TrackerStore) InsertPayment(ctx context.Context, p ledger.NewPayment) (ledger.Payment, error) {
	out, err := s.payments.Insert(ctx, p)
	if err != nil {
		return ledger.Payment{}, err
	}
	key := out.Key()
	s.notify(tracker.ChangeEvent{Table: tracker.TablePayments, PaymentID: out.ID, Key: &key})
	return out, nil
}

func (s *TrackerStore) UpdatePayment(ctx context.Context, id string, patch ledger.PaymentPatch) error {
	if err := s.payments.Update(ctx, id, patch); err != nil {
		return err
	}
	s.notify(tracker.ChangeEvent{Table: tracker.TablePayments, PaymentID: id})
	return nil
}

func (s *TrackerStore) InsertMember(ctx context.Context, name string) (ledger.Member, error) {
	m, err := s.members.Insert(ctx, name)
	if err != nil {
		return ledger.Member{}, err
	}
	s.notify(tracker.ChangeEvent{Table: tracker.TableMembers})
	return m, nil
}

func (s *TrackerStore) DeleteMember(ctx context.Context, id string) error {
	if err := s.members.Delete(ctx, id); err != nil {
		return err
	}
	s.notify(tracker.ChangeEvent{Table: tracker.TableMembers})
	return nil
}

func (s *TrackerStore) InsertSubscription(ctx context.Context, memberID, serviceID string) error {
	ok, err := s.members.Exists(ctx, memberID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("member %q: %w", memberID, tracker.ErrNotFound)
	}
	if ok, err = s.services.IsActive(ctx, serviceID); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("service %q: %w", serviceID, tracker.ErrNotFound)
	}

	if err := s.subscriptions.Insert(ctx, memberID, serviceID); err != nil {
		return err
	}
	s.notify(tracker.ChangeEvent{Table: tracker.TableSubscriptions})
	return nil
}

func (s *TrackerStore) OnChange(fn func(tracker.ChangeEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *TrackerStore) notify(ev tracker.ChangeEvent) {
	s.mu.Lock()
	fns := make([]func(tracker.ChangeEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
