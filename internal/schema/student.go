package schema

import (
	"strings"
	"time"
)

// Shift values.
const (
	ShiftMorning = "Morning"
	ShiftEvening = "Evening"
	ShiftFullDay = "FullDay"
)

// Student status values.
const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
	StatusExpired  = "Expired"
)

// DateLayout is the layout of every calendar date field (joiningDate,
// dueDate, paymentDate).
const DateLayout = "2006-01-02"

// Student is a library member holding (at most) one seat.
type Student struct {
	ID          string  `json:"id" validate:"required"`
	Name        string  `json:"name" validate:"required,max=200"`
	Mobile      string  `json:"mobile" validate:"required,len=10,numeric"`
	JoiningDate string  `json:"joiningDate" validate:"required,datetime=2006-01-02"`
	SeatNumber  *int    `json:"seatNumber" validate:"omitempty,min=1"`
	Shift       string  `json:"shift" validate:"required,oneof=Morning Evening FullDay"`
	Status      string  `json:"status" validate:"required,oneof=Active Inactive Expired"`
	Photo       *string `json:"photo"`
}

// Validate checks field values.
func (s *Student) Validate() error {
	return check(s)
}

// SetDefaults fills optional fields the way new students are created.
func (s *Student) SetDefaults(now time.Time) {
	if s.ID == "" {
		s.ID = NewStudentID()
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.JoiningDate == "" {
		s.JoiningDate = now.Format(DateLayout)
	}
	s.Shift = NormalizeShift(s.Shift)
}

// ToRecord converts the student to its stored form.
func (s *Student) ToRecord() (Record, error) {
	return Normalize(s)
}

// StudentFromRecord reads a student leniently: a seat stored as "" or a
// numeric string is accepted, and "Full Day" is read as FullDay.
func StudentFromRecord(r Record) *Student {
	s := &Student{
		ID:          r.ID(),
		Name:        r.String("name"),
		Mobile:      r.String("mobile"),
		JoiningDate: r.String("joiningDate"),
		Shift:       NormalizeShift(r.String("shift")),
		Status:      r.String("status"),
	}
	if n, ok := r.Int("seatNumber"); ok {
		s.SeatNumber = &n
	}
	if p, ok := r["photo"].(string); ok {
		s.Photo = &p
	}
	return s
}

// NormalizeShift maps spelling variants onto the canonical shift names.
// Unknown values are returned unchanged so validation can report them.
func NormalizeShift(s string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "morning":
		return ShiftMorning
	case "evening":
		return ShiftEvening
	case "fullday":
		return ShiftFullDay
	default:
		return s
	}
}
