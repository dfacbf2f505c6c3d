package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/lachiem1/drexpay/internal/tracker"
	"github.com/shopspring/decimal"
)

// SkippedPayment is a stored row that could not be decoded.
type SkippedPayment struct {
	ID  string
	Err error
}

type PaymentsRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPaymentsRepo(db *sql.DB) *PaymentsRepo {
	return &PaymentsRepo{db: db, now: time.Now}
}

// Insert stores a new payment. A second payment for the same member, service
// and period fails with tracker.ErrDuplicatePayment.
func (r *PaymentsRepo) Insert(ctx context.Context, p ledger.NewPayment) (ledger.Payment, error) {
	if _, err := billing.ParseDateKey(p.PeriodDate, time.UTC); err != nil {
		return ledger.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	if p.Status == ledger.Unpaid {
		return ledger.Payment{}, errors.New("insert payment: refusing to store an unpaid payment")
	}

	out := ledger.Payment{
		ID:         uuid.NewString(),
		MemberID:   p.MemberID,
		ServiceID:  p.ServiceID,
		Amount:     p.Amount,
		Status:     p.Status,
		PeriodDate: p.PeriodDate,
		PaidAt:     p.PaidAt,
		Method:     p.Method,
	}
	now := r.now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO payments (id, member_id, service_id, amount, status, period_date, paid_at, method, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID,
		out.MemberID,
		out.ServiceID,
		out.Amount.String(),
		out.Status.String(),
		out.PeriodDate,
		formatOptionalTime(out.PaidAt),
		string(out.Method),
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Payment{}, fmt.Errorf("insert payment %s: %w", out.Key(), tracker.ErrDuplicatePayment)
		}
		return ledger.Payment{}, fmt.Errorf("insert payment %s: %w", out.Key(), err)
	}
	return out, nil
}

// Update writes every patch field, so zero values clear method and paid time.
// The write only lands while the row still has patch.Expected as its status;
// otherwise it fails with tracker.ErrStalePayment.
func (r *PaymentsRepo) Update(ctx context.Context, id string, patch ledger.PaymentPatch) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE payments SET status = ?, method = ?, paid_at = ?, amount = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		patch.Status.String(),
		string(patch.Method),
		formatOptionalTime(patch.PaidAt),
		patch.Amount.String(),
		r.now().UTC().Format(time.RFC3339Nano),
		id,
		patch.Expected.String(),
	)
	if err != nil {
		return fmt.Errorf("update payment %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count updated payments: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("payment %q: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query payment %q status: %w", id, err)
	}
	return fmt.Errorf("payment %q is %s, expected %s: %w", id, current, patch.Expected, tracker.ErrStalePayment)
}

// List returns payments matching the filter. Rows that cannot be decoded are
// returned separately instead of failing the whole read.
func (r *PaymentsRepo) List(ctx context.Context, filter tracker.PaymentFilter) ([]ledger.Payment, []SkippedPayment, error) {
	q := `SELECT id, member_id, service_id, amount, status, period_date, paid_at, method FROM payments`
	var (
		where []string
		args  []any
	)
	if filter.PeriodDate != "" {
		where = append(where, "period_date = ?")
		args = append(args, filter.PeriodDate)
	}
	if filter.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, filter.ServiceID)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY period_date, service_id, member_id"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var (
		out     []ledger.Payment
		skipped []SkippedPayment
	)
	for rows.Next() {
		var (
			p              ledger.Payment
			amount, status string
			paidAt         sql.NullString
			method         string
		)
		if err := rows.Scan(&p.ID, &p.MemberID, &p.ServiceID, &amount, &status, &p.PeriodDate, &paidAt, &method); err != nil {
			return nil, nil, fmt.Errorf("scan payment: %w", err)
		}
		if err := decodePayment(&p, amount, status, paidAt, method); err != nil {
			skipped = append(skipped, SkippedPayment{ID: p.ID, Err: err})
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read payment rows: %w", err)
	}
	return out, skipped, nil
}

// GetByKey returns the payment stored for key.
func (r *PaymentsRepo) GetByKey(ctx context.Context, key ledger.PaymentKey) (ledger.Payment, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, member_id, service_id, amount, status, period_date, paid_at, method
		 FROM payments WHERE member_id = ? AND service_id = ? AND period_date = ?`,
		key.MemberID,
		key.ServiceID,
		key.PeriodDate,
	)

	var (
		p              ledger.Payment
		amount, status string
		paidAt         sql.NullString
		method         string
	)
	if err := row.Scan(&p.ID, &p.MemberID, &p.ServiceID, &amount, &status, &p.PeriodDate, &paidAt, &method); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Payment{}, fmt.Errorf("payment %s: %w", key, tracker.ErrNotFound)
		}
		return ledger.Payment{}, fmt.Errorf("query payment %s: %w", key, err)
	}
	if err := decodePayment(&p, amount, status, paidAt, method); err != nil {
		return ledger.Payment{}, fmt.Errorf("decode payment %s: %w", key, err)
	}
	return p, nil
}

func decodePayment(p *ledger.Payment, amount, status string, paidAt sql.NullString, method string) error {
	if _, err := billing.ParseDateKey(p.PeriodDate, time.UTC); err != nil {
		return err
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	if p.Status, err = ledger.ParsePaymentState(status); err != nil {
		return err
	}
	if p.Method, err = ledger.ParseMethod(method); err != nil {
		return err
	}
	if paidAt.Valid && strings.TrimSpace(paidAt.String) != "" {
		t, err := time.Parse(time.RFC3339Nano, paidAt.String)
		if err != nil {
			return fmt.Errorf("parse paid_at: %w", err)
		}
		p.PaidAt = &t
	}
	return nil
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
