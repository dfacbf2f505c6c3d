package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RefreshState is the bookkeeping for one reloadable collection.
type RefreshState struct {
	Collection   string
	LastSuccess  *time.Time
	LastAttempt  *time.Time
	LastErrorMsg string
	LastRowCount int
}

type RefreshStateRepo struct {
	db *sql.DB
}

func NewRefreshStateRepo(db *sql.DB) *RefreshStateRepo {
	return &RefreshStateRepo{db: db}
}

func (r *RefreshStateRepo) Get(ctx context.Context, collection string) (RefreshState, bool, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT collection, last_success_at, last_attempt_at, COALESCE(last_error, ''), last_row_count
		 FROM refresh_state WHERE collection = ?`,
		collection,
	)

	var (
		state       RefreshState
		lastSuccess sql.NullString
		lastAttempt sql.NullString
	)
	if err := row.Scan(&state.Collection, &lastSuccess, &lastAttempt, &state.LastErrorMsg, &state.LastRowCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshState{}, false, nil
		}
		return RefreshState{}, false, fmt.Errorf("query refresh state for %q: %w", collection, err)
	}

	var err error
	if state.LastSuccess, err = parseOptionalTime(lastSuccess); err != nil {
		return RefreshState{}, false, fmt.Errorf("parse last_success_at for %q: %w", collection, err)
	}
	if state.LastAttempt, err = parseOptionalTime(lastAttempt); err != nil {
		return RefreshState{}, false, fmt.Errorf("parse last_attempt_at for %q: %w", collection, err)
	}
	return state, true, nil
}

func (r *RefreshStateRepo) RecordAttempt(ctx context.Context, collection string, at time.Time) error {
	// A new attempt clears the previous error.
	msg := ""
	return r.upsert(ctx, collection, at, nil, &msg, nil)
}

func (r *RefreshStateRepo) RecordSuccess(ctx context.Context, collection string, at time.Time, rowCount int) error {
	msg := ""
	return r.upsert(ctx, collection, at, &at, &msg, &rowCount)
}

func (r *RefreshStateRepo) RecordError(ctx context.Context, collection string, at time.Time, refreshErr error) error {
	msg := ""
	if refreshErr != nil {
		msg = refreshErr.Error()
	}
	return r.upsert(ctx, collection, at, nil, &msg, nil)
}

func (r *RefreshStateRepo) upsert(
	ctx context.Context,
	collection string,
	attemptAt time.Time,
	successAt *time.Time,
	errorMsg *string,
	rowCount *int,
) error {
	var successValue, errorValue, countValue any
	if successAt != nil {
		successValue = successAt.UTC().Format(time.RFC3339Nano)
	}
	if errorMsg != nil {
		errorValue = *errorMsg
	}
	if rowCount != nil {
		countValue = *rowCount
	}

	const q = `
INSERT INTO refresh_state (collection, last_attempt_at, last_success_at, last_error, last_row_count)
VALUES (?, ?, ?, ?, COALESCE(?, 0))
ON CONFLICT(collection) DO UPDATE SET
  last_attempt_at = excluded.last_attempt_at,
  last_success_at = COALESCE(excluded.last_success_at, refresh_state.last_success_at),
  last_error = CASE
    WHEN excluded.last_error IS NULL THEN refresh_state.last_error
    ELSE excluded.last_error
  END,
  last_row_count = CASE
    WHEN ? IS NULL THEN refresh_state.last_row_count
    ELSE excluded.last_row_count
  END
`
	if _, err := r.db.ExecContext(
		ctx,
		q,
		collection,
		attemptAt.UTC().Format(time.RFC3339Nano),
		successValue,
		errorValue,
		countValue,
		countValue,
	); err != nil {
		return fmt.Errorf("upsert refresh state for %q: %w", collection, err)
	}
	return nil
}

func parseOptionalTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
