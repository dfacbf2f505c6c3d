package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
)

var jan2026 = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

type stubSource struct {
	mu    sync.Mutex
	calls int
	errs  map[int]error
}

func (s *stubSource) Load(_ context.Context, period time.Time) (tracker.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.errs[s.calls]; err != nil {
		return tracker.Snapshot{}, err
	}
	payments := make([]ledger.Payment, s.calls)
	return tracker.Snapshot{Period: period, Payments: payments, LoadedAt: time.Now()}, nil
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubWatcher struct {
	mu        sync.Mutex
	listeners map[int]func(tracker.ChangeEvent)
	next      int
}

func newStubWatcher() *stubWatcher {
	return &stubWatcher{listeners: map[int]func(tracker.ChangeEvent){}}
}

func (w *stubWatcher) OnChange(fn func(tracker.ChangeEvent)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

func (w *stubWatcher) Fire() {
	w.mu.Lock()
	fns := make([]func(tracker.ChangeEvent), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(tracker.ChangeEvent{Table: tracker.TablePayments})
	}
}

func (w *stubWatcher) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

type recordedState struct {
	mu        sync.Mutex
	attempts  int
	successes []int
	failures  int
}

func (r *recordedState) RecordAttempt(context.Context, string, time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return nil
}

func (r *recordedState) RecordSuccess(_ context.Context, _ string, _ time.Time, rowCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, rowCount)
	return nil
}

func (r *recordedState) RecordError(context.Context, string, time.Time, error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	return nil
}

func newTestEngine(t *testing.T, source Source, watcher Watcher, state StateRecorder) (*Engine, chan Event) {
	t.Helper()
	events := make(chan Event, 64)
	engine, err := New(Config{PollInterval: time.Hour}, source, watcher, state, func(evt Event) {
		events <- evt
	}, nil)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	t.Cleanup(engine.LeaveView)
	return engine, events
}

func waitForEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == want {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEnterViewRefreshesImmediately(t *testing.T) {
	source := &stubSource{}
	engine, events := newTestEngine(t, source, nil, nil)

	if _, ok := engine.Snapshot(); ok {
		t.Fatal("Snapshot() before EnterView should be empty")
	}
	if err := engine.EnterView(context.Background(), jan2026); err != nil {
		t.Fatalf("EnterView() unexpected error: %v", err)
	}

	evt := waitForEvent(t, events, EventRefreshOK)
	if evt.Collection != "ledger:2026-01-01" {
		t.Fatalf("Collection = %q, want %q", evt.Collection, "ledger:2026-01-01")
	}
	snap, ok := engine.Snapshot()
	if !ok {
		t.Fatal("Snapshot() missing after refresh")
	}
	if !snap.Period.Equal(jan2026) {
		t.Fatalf("Snapshot().Period = %v, want %v", snap.Period, jan2026)
	}
	period, ok := engine.ActivePeriod()
	if !ok || !period.Equal(jan2026) {
		t.Fatalf("ActivePeriod() = %v, %v", period, ok)
	}
}

func TestChangeNotificationTriggersRefresh(t *testing.T) {
	source := &stubSource{}
	watcher := newStubWatcher()
	engine, events := newTestEngine(t, source, watcher, nil)

	if err := engine.EnterView(context.Background(), jan2026); err != nil {
		t.Fatalf("EnterView() unexpected error: %v", err)
	}
	waitForEvent(t, events, EventRefreshOK)

	watcher.Fire()
	evt := waitForEvent(t, events, EventRefreshOK)
	if got := len(evt.Snapshot.Payments); got != 2 {
		t.Fatalf("len(Snapshot.Payments) = %d, want 2", got)
	}
}

func TestFailedRefreshKeepsLastSnapshot(t *testing.T) {
	loadErr := errors.New("database is locked")
	source := &stubSource{errs: map[int]error{2: loadErr}}
	state := &recordedState{}
	engine, events := newTestEngine(t, source, nil, state)

	if err := engine.EnterView(context.Background(), jan2026); err != nil {
		t.Fatalf("EnterView() unexpected error: %v", err)
	}
	waitForEvent(t, events, EventRefreshOK)

	if err := engine.ManualRefresh(); err != nil {
		t.Fatalf("ManualRefresh() unexpected error: %v", err)
	}
	evt := waitForEvent(t, events, EventRefreshFailed)
	if !errors.Is(evt.Err, loadErr) {
		t.Fatalf("Event.Err = %v, want %v", evt.Err, loadErr)
	}

	snap, ok := engine.Snapshot()
	if !ok {
		t.Fatal("Snapshot() lost after failed refresh")
	}
	if got := len(snap.Payments); got != 1 {
		t.Fatalf("len(Snapshot().Payments) = %d, want 1", got)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.attempts != 2 || state.failures != 1 || len(state.successes) != 1 || state.successes[0] != 1 {
		t.Fatalf("state = attempts %d failures %d successes %v", state.attempts, state.failures, state.successes)
	}
}

func TestSwitchingViewDropsOldSnapshot(t *testing.T) {
	source := &stubSource{}
	engine, events := newTestEngine(t, source, nil, nil)

	if err := engine.EnterView(context.Background(), jan2026); err != nil {
		t.Fatalf("EnterView() unexpected error: %v", err)
	}
	waitForEvent(t, events, EventRefreshOK)

	feb := jan2026.AddDate(0, 1, 0)
	if err := engine.EnterView(context.Background(), feb); err != nil {
		t.Fatalf("EnterView() unexpected error: %v", err)
	}
	evt := waitForEvent(t, events, EventRefreshOK)
	if !evt.Period.Equal(feb) {
		t.Fatalf("Event.Period = %v, want %v", evt.Period, feb)
	}
	snap, ok := engine.Snapshot()
	if !ok || !snap.Period.Equal(feb) {
		t.Fatalf("Snapshot() = %v, %v, want february", snap.Period, ok)
	}
}

func TestLeaveViewUnsubscribes(t *testing.T) {
	watcher := newStubWatcher()
	engine, events := newTestEngine(t, &stubSource{}, watcher, nil)

	if err := engine.ManualRefresh(); err == nil {
		t.Fatal("ManualRefresh() without a view should fail")
	}
	if err := engine.EnterView(context.Background(), jan2026); err != nil {
		t.Fatalf("EnterView() unexpected error: %v", err)
	}
	waitForEvent(t, events, EventRefreshOK)
	if got := watcher.Listeners(); got != 1 {
		t.Fatalf("Listeners() = %d, want 1", got)
	}

	engine.LeaveView()
	if got := watcher.Listeners(); got != 0 {
		t.Fatalf("Listeners() after LeaveView = %d, want 0", got)
	}
	if _, ok := engine.Snapshot(); ok {
		t.Fatal("Snapshot() after LeaveView should be empty")
	}
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New(Config{}, nil, nil, nil, nil, nil); err == nil {
		t.Fatal("New() without a source should fail")
	}
	engine, err := New(Config{}, &stubSource{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	if engine.cfg.PollInterval != 30*time.Second {
		t.Fatalf("PollInterval = %v, want 30s", engine.cfg.PollInterval)
	}
	if err := engine.EnterView(context.Background(), time.Time{}); err == nil {
		t.Fatal("EnterView() with zero period should fail")
	}
}
