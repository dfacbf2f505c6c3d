package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
)

type MembersRepo struct {
	db *sql.DB
}

func NewMembersRepo(db *sql.DB) *MembersRepo {
	return &MembersRepo{db: db}
}

func (r *MembersRepo) Insert(ctx context.Context, name string) (ledger.Member, error) {
	clean := normalizeName(name)
	if clean == "" {
		return ledger.Member{}, errors.New("member name cannot be empty")
	}

	m := ledger.Member{
		ID:             uuid.NewString(),
		Name:           clean,
		AvatarInitials: Initials(clean),
	}
	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO members (id, name, avatar_initials, created_at) VALUES (?, ?, ?, ?)`,
		m.ID,
		m.Name,
		m.AvatarInitials,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return ledger.Member{}, fmt.Errorf("insert member %q: %w", clean, err)
	}
	return m, nil
}

// Delete removes the member and their subscriptions. Payment rows are kept.
func (r *MembersRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin member delete transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE member_id = ?`, id); err != nil {
		return fmt.Errorf("delete subscriptions for member %q: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete member %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count deleted members: %w", err)
	}
	if n == 0 {
		err = fmt.Errorf("member %q: %w", id, tracker.ErrNotFound)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit member delete transaction: %w", err)
	}
	return nil
}

func (r *MembersRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM members WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check member %q: %w", id, err)
	}
	return exists == 1, nil
}

// List returns all members in the order they were added.
func (r *MembersRepo) List(ctx context.Context) ([]ledger.Member, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, avatar_initials FROM members ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []ledger.Member
	for rows.Next() {
		var m ledger.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.AvatarInitials); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read member rows: %w", err)
	}
	return out, nil
}
