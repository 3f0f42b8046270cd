package library

import (
	"context"
	"sort"
	"strings"

	"github.com/falconlib/falcon/internal/schema"
)

// PaymentInput describes a new payment. Empty fields take defaults: the
// current month, the configured monthly fee, the last day of the month as
// due date and Unpaid status.
type PaymentInput struct {
	ID          string
	StudentID   string
	Month       string
	Amount      *float64
	Status      string
	DueDate     string
	PaymentDate string
	Notes       string
}

// AddPayment records a payment for an existing student.
func (l *Library) AddPayment(ctx context.Context, in PaymentInput) (*schema.Payment, error) {
	now := l.now()
	if strings.TrimSpace(in.StudentID) == "" {
		return nil, schema.Invalid("studentId", "is required")
	}
	if _, err := l.Student(in.StudentID); err != nil {
		return nil, err
	}

	p := schema.Payment{
		ID:        in.ID,
		StudentID: in.StudentID,
		Month:     in.Month,
		Status:    in.Status,
		DueDate:   in.DueDate,
		Notes:     in.Notes,
	}
	if p.ID == "" {
		p.ID = schema.NewPaymentID()
	}
	if p.Month == "" {
		p.Month = CurrentMonth(now)
	}
	if p.Status == "" {
		p.Status = schema.PaymentUnpaid
	}
	if p.DueDate == "" {
		due, err := DueDateForMonth(p.Month)
		if err != nil {
			return nil, err
		}
		p.DueDate = due
	}
	if in.Amount != nil {
		p.Amount = *in.Amount
	} else {
		settings, err := l.Settings()
		if err != nil {
			return nil, err
		}
		p.Amount = settings.MonthlyFee
	}
	if in.PaymentDate != "" || p.Status == schema.PaymentPaid {
		date, err := ParseDate(in.PaymentDate, now)
		if err != nil {
			return nil, err
		}
		p.PaymentDate = &date
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	records, err := l.records(schema.CollectionPayments)
	if err != nil {
		return nil, err
	}
	if schema.FindByID(records, p.ID) >= 0 {
		return nil, schema.Invalid("id", "%s already exists", p.ID)
	}

	rec, err := p.ToRecord()
	if err != nil {
		return nil, err
	}
	if err := l.engine.Put(ctx, schema.CollectionPayments, rec); err != nil {
		return nil, err
	}
	l.logger.Printf("Added payment %s for %s (%s)", p.ID, p.StudentID, p.Month)
	return &p, nil
}

// MarkPaid sets a payment to Paid on date (see ParseDate; empty means today).
func (l *Library) MarkPaid(ctx context.Context, id, date string) (*schema.Payment, error) {
	paid, err := ParseDate(date, l.now())
	if err != nil {
		return nil, err
	}
	merged, err := l.engine.Patch(ctx, schema.CollectionPayments, id, schema.Record{
		"status":      schema.PaymentPaid,
		"paymentDate": paid,
	})
	if err != nil {
		return nil, err
	}
	return schema.PaymentFromRecord(merged), nil
}

// DeletePayment removes a payment.
func (l *Library) DeletePayment(ctx context.Context, id string) error {
	return l.engine.Remove(ctx, schema.CollectionPayments, id)
}

// Payment returns one payment.
func (l *Library) Payment(id string) (*schema.Payment, error) {
	records, err := l.records(schema.CollectionPayments)
	if err != nil {
		return nil, err
	}
	i := schema.FindByID(records, id)
	if i < 0 {
		return nil, notFound("payment", id)
	}
	return schema.PaymentFromRecord(records[i]), nil
}

// PaymentsByStudent returns a student's payments, oldest month first.
func (l *Library) PaymentsByStudent(studentID string) ([]*schema.Payment, error) {
	return l.payments(func(p *schema.Payment) bool { return p.StudentID == studentID })
}

// PaymentsByMonth returns the payments of a month (YYYY-MM).
func (l *Library) PaymentsByMonth(month string) ([]*schema.Payment, error) {
	if _, err := parseMonth(month); err != nil {
		return nil, err
	}
	return l.payments(func(p *schema.Payment) bool { return p.Month == month })
}

// Payments returns every payment.
func (l *Library) Payments() ([]*schema.Payment, error) {
	return l.payments(func(*schema.Payment) bool { return true })
}

func (l *Library) payments(keep func(*schema.Payment) bool) ([]*schema.Payment, error) {
	records, err := l.records(schema.CollectionPayments)
	if err != nil {
		return nil, err
	}
	var out []*schema.Payment
	for _, r := range records {
		if p := schema.PaymentFromRecord(r); keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
