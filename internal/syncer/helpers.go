package syncer

import (
	"context"
	"time"
)

// StateRecorder keeps refresh bookkeeping; storage.RefreshStateRepo
// implements it.
type StateRecorder interface {
	RecordAttempt(ctx context.Context, collection string, at time.Time) error
	RecordSuccess(ctx context.Context, collection string, at time.Time, rowCount int) error
	RecordError(ctx context.Context, collection string, at time.Time, refreshErr error) error
}

// runRefreshAttempt wraps refresh work with refresh_state bookkeeping. The
// work function returns the number of rows loaded. A nil recorder skips
// bookkeeping.
func runRefreshAttempt(
	ctx context.Context,
	state StateRecorder,
	collection string,
	work func(context.Context) (int, error),
) error {
	if state == nil {
		_, err := work(ctx)
		return err
	}

	attemptAt := time.Now().UTC()
	if err := state.RecordAttempt(ctx, collection, attemptAt); err != nil {
		return err
	}

	rows, err := work(ctx)
	if err != nil {
		_ = state.RecordError(context.Background(), collection, time.Now().UTC(), err)
		return err
	}
	return state.RecordSuccess(ctx, collection, time.Now().UTC(), rows)
}
