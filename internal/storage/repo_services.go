package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/shopspring/decimal"
)

type ServicesRepo struct {
	db *sql.DB
}

func NewServicesRepo(db *sql.DB) *ServicesRepo {
	return &ServicesRepo{db: db}
}

// ReplaceSnapshot upserts the configured services in order and deactivates
// any service no longer configured. Services are never deleted so payments
// keep their reference.
func (r *ServicesRepo) ReplaceSnapshot(ctx context.Context, services []ledger.Service, loadedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin services snapshot transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	loadedValue := loadedAt.UTC().Format(time.RFC3339Nano)
	const upsert = `
INSERT INTO services (
	id,
	name,
	total_cost,
	fixed_price,
	max_slots,
	billing_day,
	display_order,
	last_loaded_at,
	is_active
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	total_cost = excluded.total_cost,
	fixed_price = excluded.fixed_price,
	max_slots = excluded.max_slots,
	billing_day = excluded.billing_day,
	display_order = excluded.display_order,
	last_loaded_at = excluded.last_loaded_at,
	is_active = 1
`
	for i, svc := range services {
		var fixed any
		if svc.FixedPrice.Valid {
			fixed = svc.FixedPrice.Decimal.String()
		}
		if _, err = tx.ExecContext(
			ctx,
			upsert,
			svc.ID,
			normalizeName(svc.Name),
			svc.TotalCost.String(),
			fixed,
			svc.MaxSlots,
			svc.BillingDay,
			i,
			loadedValue,
		); err != nil {
			return fmt.Errorf("upsert service %q: %w", svc.ID, err)
		}
	}

	if err = deactivateMissingServices(ctx, tx, services); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit services snapshot transaction: %w", err)
	}
	return nil
}

func deactivateMissingServices(ctx context.Context, tx *sql.Tx, services []ledger.Service) error {
	if len(services) == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE services SET is_active = 0`); err != nil {
			return fmt.Errorf("deactivate all services: %w", err)
		}
		return nil
	}

	placeholders := make([]string, len(services))
	args := make([]any, len(services))
	for i, svc := range services {
		placeholders[i] = "?"
		args[i] = svc.ID
	}

	q := fmt.Sprintf(
		"UPDATE services SET is_active = 0 WHERE id NOT IN (%s)",
		strings.Join(placeholders, ","),
	)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("deactivate missing services: %w", err)
	}
	return nil
}

// ListActive returns active services in display order without members.
func (r *ServicesRepo) ListActive(ctx context.Context) ([]ledger.Service, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, total_cost, fixed_price, max_slots, billing_day
FROM services
WHERE is_active = 1
ORDER BY display_order, id`)
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()

	var out []ledger.Service
	for rows.Next() {
		var (
			svc       ledger.Service
			totalCost string
			fixed     sql.NullString
		)
		if err := rows.Scan(&svc.ID, &svc.Name, &totalCost, &fixed, &svc.MaxSlots, &svc.BillingDay); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		if svc.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
			return nil, fmt.Errorf("parse total_cost for service %q: %w", svc.ID, err)
		}
		if fixed.Valid && strings.TrimSpace(fixed.String) != "" {
			price, err := decimal.NewFromString(fixed.String)
			if err != nil {
				return nil, fmt.Errorf("parse fixed_price for service %q: %w", svc.ID, err)
			}
			svc.FixedPrice = decimal.NewNullDecimal(price)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read service rows: %w", err)
	}
	return out, nil
}

func (r *ServicesRepo) IsActive(ctx context.Context, id string) (bool, error) {
	var exists int
	if err := r.db.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM services WHERE id = ? AND is_active = 1)`,
		id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check service %q: %w", id, err)
	}
	return exists == 1, nil
}
