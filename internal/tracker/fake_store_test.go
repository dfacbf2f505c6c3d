package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/lachiem1/drexpay/internal/ledger"
)

type fakeStore struct {
	mu        sync.Mutex
	services  []ledger.Service
	payments  map[string]ledger.Payment
	nextID    int
	listeners map[int]func(ChangeEvent)

	fetchErr       error
	fetchPayCalls  int
	byKeyCalls     int
	beforeInsertFn func(p ledger.NewPayment)
}

func newFakeStore(services ...ledger.Service) *fakeStore {
	return &fakeStore{
		services:  services,
		payments:  map[string]ledger.Payment{},
		listeners: map[int]func(ChangeEvent){},
	}
}

func (f *fakeStore) FetchServices(ctx context.Context) ([]ledger.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]ledger.Service, len(f.services))
	for i, svc := range f.services {
		svc.Members = append([]ledger.Member(nil), svc.Members...)
		out[i] = svc
	}
	return out, nil
}

func (f *fakeStore) FetchPayments(ctx context.Context, filter PaymentFilter) ([]ledger.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchPayCalls++
	var out []ledger.Payment
	for _, p := range f.payments {
		if filter.PeriodDate != "" && p.PeriodDate != filter.PeriodDate {
			continue
		}
		if filter.ServiceID != "" && p.ServiceID != filter.ServiceID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) seedPayment(p ledger.Payment) ledger.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		f.nextID++
		p.ID = fmt.Sprintf("p%d", f.nextID)
	}
	f.payments[p.ID] = p
	return p
}

func (f *fakeStore) InsertPayment(ctx context.Context, np ledger.NewPayment) (ledger.Payment, error) {
	if f.beforeInsertFn != nil {
		fn := f.beforeInsertFn
		f.beforeInsertFn = nil
		fn(np)
	}

	f.mu.Lock()
	for _, existing := range f.payments {
		if existing.MemberID == np.MemberID && existing.ServiceID == np.ServiceID && existing.PeriodDate == np.PeriodDate {
			f.mu.Unlock()
			return ledger.Payment{}, fmt.Errorf("insert: %w", ErrDuplicatePayment)
		}
	}
	f.nextID++
	p := ledger.Payment{
		ID:         fmt.Sprintf("p%d", f.nextID),
		MemberID:   np.MemberID,
		ServiceID:  np.ServiceID,
		Amount:     np.Amount,
		Status:     np.Status,
		PeriodDate: np.PeriodDate,
		PaidAt:     np.PaidAt,
		Method:     np.Method,
	}
	f.payments[p.ID] = p
	f.mu.Unlock()

	key := p.Key()
	f.notify(ChangeEvent{Table: TablePayments, PaymentID: p.ID, Key: &key})
	return p, nil
}

func (f *fakeStore) UpdatePayment(ctx context.Context, id string, patch ledger.PaymentPatch) error {
	f.mu.Lock()
	p, ok := f.payments[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("payment %q: %w", id, ErrNotFound)
	}
	if p.Status != patch.Expected {
		f.mu.Unlock()
		return fmt.Errorf("payment %q is %s: %w", id, p.Status, ErrStalePayment)
	}
	p.Status = patch.Status
	p.Method = patch.Method
	p.PaidAt = patch.PaidAt
	p.Amount = patch.Amount
	f.payments[id] = p
	f.mu.Unlock()

	f.notify(ChangeEvent{Table: TablePayments, PaymentID: id})
	return nil
}

func (f *fakeStore) PaymentByKey(ctx context.Context, key ledger.PaymentKey) (ledger.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKeyCalls++
	for _, p := range f.payments {
		if p.Key() == key {
			return p, nil
		}
	}
	return ledger.Payment{}, fmt.Errorf("payment %s: %w", key, ErrNotFound)
}

// setStatusElsewhere changes a stored status without notifying listeners, as
// a write from another process would.
func (f *fakeStore) setStatusElsewhere(id string, status ledger.PaymentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	p.Status = status
	f.payments[id] = p
}

func (f *fakeStore) InsertMember(ctx context.Context, name string) (ledger.Member, error) {
	f.mu.Lock()
	f.nextID++
	m := ledger.Member{ID: fmt.Sprintf("m%d", f.nextID), Name: name}
	f.mu.Unlock()
	f.notify(ChangeEvent{Table: TableMembers})
	return m, nil
}

func (f *fakeStore) DeleteMember(ctx context.Context, id string) error {
	f.mu.Lock()
	found := false
	for i := range f.services {
		kept := f.services[i].Members[:0]
		for _, m := range f.services[i].Members {
			if m.ID == id {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		f.services[i].Members = kept
	}
	f.mu.Unlock()
	if !found {
		return fmt.Errorf("member %q: %w", id, ErrNotFound)
	}
	f.notify(ChangeEvent{Table: TableMembers})
	return nil
}

func (f *fakeStore) InsertSubscription(ctx context.Context, memberID, serviceID string) error {
	f.mu.Lock()
	for i := range f.services {
		if f.services[i].ID == serviceID {
			f.services[i].Members = append(f.services[i].Members, ledger.Member{ID: memberID, Name: memberID})
		}
	}
	f.mu.Unlock()
	f.notify(ChangeEvent{Table: TableSubscriptions})
	return nil
}

func (f *fakeStore) OnChange(fn func(ChangeEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeStore) notify(ev ChangeEvent) {
	f.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
