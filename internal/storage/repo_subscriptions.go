package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lachiem1/drexpay/internal/ledger"
)

type SubscriptionsRepo struct {
	db *sql.DB
}

func NewSubscriptionsRepo(db *sql.DB) *SubscriptionsRepo {
	return &SubscriptionsRepo{db: db}
}

// Insert subscribes a member to a service. Subscribing twice is a no-op.
func (r *SubscriptionsRepo) Insert(ctx context.Context, memberID, serviceID string) error {
	if _, err := r.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO subscriptions (member_id, service_id, created_at) VALUES (?, ?, ?)`,
		memberID,
		serviceID,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert subscription %q/%q: %w", memberID, serviceID, err)
	}
	return nil
}

// MembersByService returns subscribed members per service id, each list in
// the order members joined the service.
func (r *SubscriptionsRepo) MembersByService(ctx context.Context) (map[string][]ledger.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT s.service_id, m.id, m.name, m.avatar_initials
FROM subscriptions s
JOIN members m ON m.id = s.member_id
ORDER BY s.service_id, s.created_at, m.name`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	out := map[string][]ledger.Member{}
	for rows.Next() {
		var serviceID string
		var m ledger.Member
		if err := rows.Scan(&serviceID, &m.ID, &m.Name, &m.AvatarInitials); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out[serviceID] = append(out[serviceID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read subscription rows: %w", err)
	}
	return out, nil
}
