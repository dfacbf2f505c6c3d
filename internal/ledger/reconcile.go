package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Filter narrows the ledger to one service and/or one member. Empty fields
// mean "all".
type Filter struct {
	ServiceID string
	MemberID  string
}

// Row is one reconciled (member, service, period) cell.
type Row struct {
	MemberID       string          `json:"member_id"`
	ServiceID      string          `json:"service_id"`
	MemberName     string          `json:"member_name"`
	ServiceName    string          `json:"service_name"`
	Cycle          billing.Cycle   `json:"-"`
	CycleLabel     string          `json:"cycle_label"`
	PeriodDate     string          `json:"period_date"`
	IsOverdue      bool            `json:"is_overdue"`
	RequiredAmount decimal.Decimal `json:"required_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Status         PaymentState    `json:"status"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	Method         Method          `json:"method,omitempty"`
	PaymentID      string          `json:"payment_id,omitempty"`
}

// Key returns the payment key this row was joined on.
func (r Row) Key() PaymentKey {
	return PaymentKey{MemberID: r.MemberID, ServiceID: r.ServiceID, PeriodDate: r.PeriodDate}
}

// MarshalJSON adds the discrepancy as "diff".
func (r Row) MarshalJSON() ([]byte, error) {
	type plain Row
	return json.Marshal(struct {
		plain
		Diff decimal.Decimal `json:"diff"`
	}{plain(r), r.Discrepancy()})
}

// Discrepancy is paid minus required for paid rows and minus required
// otherwise.
func (r Row) Discrepancy() decimal.Decimal {
	if r.Status == Paid {
		return r.PaidAmount.Sub(r.RequiredAmount)
	}
	return r.RequiredAmount.Neg()
}

// Gap records input the reconciler could not use. Rows are still produced for
// everything else.
type Gap struct {
	ServiceID string
	Key       PaymentKey
	Err       error
}

func (g Gap) Error() string {
	if g.Key != (PaymentKey{}) {
		return fmt.Sprintf("payment %s: %v", g.Key, g.Err)
	}
	return fmt.Sprintf("service %s: %v", g.ServiceID, g.Err)
}

type Result struct {
	Rows []Row
	Gaps []Gap
}

// Reconcile builds the ledger for the billing month period. Rows are ordered
// by service then member, in input order. Payments are matched on the exact
// (member, service, cycle start) key; anything else is ignored.
func Reconcile(services []Service, payments []Payment, period time.Time, filter Filter, now time.Time) Result {
	res := Result{Rows: make([]Row, 0, len(services)*4)}

	byKey := make(map[PaymentKey]Payment, len(payments))
	for key, group := range lo.GroupBy(payments, Payment.Key) {
		if len(group) > 1 {
			res.Gaps = append(res.Gaps, Gap{
				ServiceID: key.ServiceID,
				Key:       key,
				Err:       fmt.Errorf("%d payment records share one period, using %s", len(group), group[0].ID),
			})
		}
		byKey[key] = group[0]
	}

	for _, svc := range services {
		if filter.ServiceID != "" && svc.ID != filter.ServiceID {
			continue
		}
		cycle, err := billing.CycleForPeriod(svc.BillingDay, period, now)
		if err != nil {
			res.Gaps = append(res.Gaps, Gap{ServiceID: svc.ID, Err: err})
			continue
		}
		periodDate := cycle.PeriodDate()
		required := svc.RequiredAmount()

		for _, member := range svc.Members {
			if filter.MemberID != "" && member.ID != filter.MemberID {
				continue
			}
			row := Row{
				MemberID:       member.ID,
				ServiceID:      svc.ID,
				MemberName:     member.Name,
				ServiceName:    svc.Name,
				Cycle:          cycle,
				CycleLabel:     cycle.Label,
				PeriodDate:     periodDate,
				IsOverdue:      cycle.IsOverdue,
				RequiredAmount: required,
				PaidAmount:     decimal.Zero,
				Status:         Unpaid,
			}
			if p, ok := byKey[row.Key()]; ok {
				row.Status = p.Status
				row.PaymentID = p.ID
				row.PaidAt = p.PaidAt
				row.Method = p.Method
				if p.Status == Paid {
					row.PaidAmount = p.Amount
				}
			}
			res.Rows = append(res.Rows, row)
		}
	}
	return res
}

// ReviewQueue returns the rows a manager still has to confirm.
func ReviewQueue(rows []Row) []Row {
	return lo.Filter(rows, func(r Row, _ int) bool {
		return r.Status == Pending
	})
}

// FindRow returns the row for key, if the ledger contains it.
func FindRow(rows []Row, key PaymentKey) (Row, bool) {
	return lo.Find(rows, func(r Row) bool {
		return r.Key() == key
	})
}
