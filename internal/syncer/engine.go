// Package syncer keeps the reconciled ledger for the active period fresh.
// Refreshes are triggered by store change notifications, a poll ticker (for
// writes from other processes) and manual requests. A failed refresh keeps
// the last good snapshot and waits for the next trigger.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/tracker"
	"go.uber.org/zap"
)

// Source loads a consistent snapshot for a billing month.
type Source interface {
	Load(ctx context.Context, period time.Time) (tracker.Snapshot, error)
}

// Watcher delivers store change notifications.
type Watcher interface {
	OnChange(fn func(tracker.ChangeEvent)) (unsubscribe func())
}

type EventType string

const (
	EventRefreshStarted EventType = "refresh_started"
	EventRefreshOK      EventType = "refresh_ok"
	EventRefreshFailed  EventType = "refresh_failed"
)

type Event struct {
	Type       EventType
	Collection string
	Period     time.Time
	At         time.Time
	Err        error
	Snapshot   tracker.Snapshot
}

type Config struct {
	PollInterval time.Duration
}

type Engine struct {
	cfg     Config
	source  Source
	watcher Watcher
	state   StateRecorder
	onEvent func(Event)
	log     *zap.Logger

	mu       sync.Mutex
	active   *activeRun
	last     tracker.Snapshot
	hasLast  bool
	lastColl string
}

type activeRun struct {
	collection string
	period     time.Time
	cancel     context.CancelFunc
	manual     chan struct{}
	changed    chan struct{}
	done       chan struct{}
}

// New builds an engine. watcher and state may be nil.
func New(cfg Config, source Source, watcher Watcher, state StateRecorder, onEvent func(Event), log *zap.Logger) (*Engine, error) {
	if source == nil {
		return nil, errors.New("refresh source is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		source:  source,
		watcher: watcher,
		state:   state,
		onEvent: onEvent,
		log:     log.Named("syncer"),
	}, nil
}

// CollectionFor names the refresh_state row for a period.
func CollectionFor(period time.Time) string {
	return "ledger:" + billing.DateKey(period)
}

// EnterView starts refreshing period, replacing any previous view.
func (e *Engine) EnterView(ctx context.Context, period time.Time) error {
	if period.IsZero() {
		return errors.New("period is required")
	}

	e.mu.Lock()
	prev := e.active
	runCtx, cancel := context.WithCancel(ctx)
	state := &activeRun{
		collection: CollectionFor(period),
		period:     period,
		cancel:     cancel,
		manual:     make(chan struct{}, 1),
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	e.active = state
	e.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go e.runLoop(runCtx, state)
	return nil
}

func (e *Engine) LeaveView() {
	e.mu.Lock()
	state := e.active
	e.active = nil
	e.mu.Unlock()

	if state != nil {
		state.cancel()
		<-state.done
	}
}

func (e *Engine) ManualRefresh() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return errors.New("no active view")
	}
	select {
	case e.active.manual <- struct{}{}:
	default:
	}
	return nil
}

// ActivePeriod returns the period being refreshed, if any.
func (e *Engine) ActivePeriod() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return time.Time{}, false
	}
	return e.active.period, true
}

// Snapshot returns the last successfully loaded snapshot for the active
// period.
func (e *Engine) Snapshot() (tracker.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasLast || e.active == nil || e.lastColl != e.active.collection {
		return tracker.Snapshot{}, false
	}
	return e.last, true
}

func (e *Engine) runLoop(ctx context.Context, state *activeRun) {
	defer close(state.done)

	if e.watcher != nil {
		unsubscribe := e.watcher.OnChange(func(tracker.ChangeEvent) {
			// Bursts of writes collapse into one pending refresh.
			select {
			case state.changed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.refresh(ctx, state)
	for {
		select {
		case <-ctx.Done():
			return
		case <-state.manual:
			e.refresh(ctx, state)
		case <-state.changed:
			e.refresh(ctx, state)
		case <-ticker.C:
			e.refresh(ctx, state)
		}
	}
}

func (e *Engine) refresh(ctx context.Context, state *activeRun) {
	e.emit(Event{Type: EventRefreshStarted, Collection: state.collection, Period: state.period, At: time.Now().UTC()})

	var snap tracker.Snapshot
	err := runRefreshAttempt(ctx, e.state, state.collection, func(ctx context.Context) (int, error) {
		var err error
		snap, err = e.source.Load(ctx, state.period)
		if err != nil {
			return 0, err
		}
		return len(snap.Payments), nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.log.Warn("ledger refresh failed, keeping last snapshot",
			zap.String("collection", state.collection), zap.Error(err))
		e.emit(Event{Type: EventRefreshFailed, Collection: state.collection, Period: state.period, At: time.Now().UTC(), Err: err})
		return
	}

	e.mu.Lock()
	e.last = snap
	e.hasLast = true
	e.lastColl = state.collection
	e.mu.Unlock()

	e.emit(Event{Type: EventRefreshOK, Collection: state.collection, Period: state.period, At: time.Now().UTC(), Snapshot: snap})
}

func (e *Engine) emit(evt Event) {
	if e.onEvent == nil {
		return
	}
	e.onEvent(evt)
}
