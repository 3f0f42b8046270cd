package schema

// Payment status values.
const (
	PaymentPaid   = "Paid"
	PaymentUnpaid = "Unpaid"
)

// MonthLayout is the layout of Payment.Month.
const MonthLayout = "2006-01"

// Payment is one monthly fee entry for a student. StudentID is not checked
// against the students collection.
type Payment struct {
	ID          string  `json:"id" validate:"required"`
	StudentID   string  `json:"studentId" validate:"required"`
	Month       string  `json:"month" validate:"required,datetime=2006-01"`
	Amount      float64 `json:"amount" validate:"gte=0"`
	Status      string  `json:"status" validate:"required,oneof=Paid Unpaid"`
	DueDate     string  `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	PaymentDate *string `json:"paymentDate" validate:"omitempty,datetime=2006-01-02"`
	Notes       string  `json:"notes"`
}

// Validate checks field values. A paid payment must carry its payment date.
func (p *Payment) Validate() error {
	if err := check(p); err != nil {
		return err
	}
	if p.Status == PaymentPaid && (p.PaymentDate == nil || *p.PaymentDate == "") {
		return Invalid("paymentDate", "is required when status is %s", PaymentPaid)
	}
	return nil
}

// ToRecord converts the payment to its stored form.
func (p *Payment) ToRecord() (Record, error) {
	return Normalize(p)
}

// PaymentFromRecord reads a payment, tolerating an amount stored as text.
func PaymentFromRecord(r Record) *Payment {
	p := &Payment{
		ID:        r.ID(),
		StudentID: r.String("studentId"),
		Month:     r.String("month"),
		Amount:    r.Float("amount"),
		Status:    r.String("status"),
		DueDate:   r.String("dueDate"),
		Notes:     r.String("notes"),
	}
	if d, ok := r["paymentDate"].(string); ok && d != "" {
		p.PaymentDate = &d
	}
	return p
}
