package schema

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestStudent_Validate(t *testing.T) {
	valid := func() Student {
		return Student{
			ID:          "STU_001",
			Name:        "Amit Kumar",
			Mobile:      "9876543210",
			JoiningDate: "2026-01-01",
			SeatNumber:  intPtr(1),
			Shift:       ShiftMorning,
			Status:      StatusActive,
		}
	}

	tests := []struct {
		name      string
		mutate    func(s *Student)
		wantErr   bool
		wantField string
	}{
		{name: "valid student", mutate: func(s *Student) {}},
		{name: "no seat", mutate: func(s *Student) { s.SeatNumber = nil }},
		{name: "missing name", mutate: func(s *Student) { s.Name = "" }, wantErr: true, wantField: "name"},
		{name: "short mobile", mutate: func(s *Student) { s.Mobile = "98765" }, wantErr: true, wantField: "mobile"},
		{name: "letters in mobile", mutate: func(s *Student) { s.Mobile = "98765abcde" }, wantErr: true, wantField: "mobile"},
		{name: "bad joining date", mutate: func(s *Student) { s.JoiningDate = "01/01/2026" }, wantErr: true, wantField: "joiningDate"},
		{name: "seat zero", mutate: func(s *Student) { s.SeatNumber = intPtr(0) }, wantErr: true, wantField: "seatNumber"},
		{name: "unknown shift", mutate: func(s *Student) { s.Shift = "Night" }, wantErr: true, wantField: "shift"},
		{name: "unknown status", mutate: func(s *Student) { s.Status = "Gone" }, wantErr: true, wantField: "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestStudent_SetDefaults(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	s := Student{Name: "Raj", Mobile: "9876543212", Shift: "Full Day"}
	s.SetDefaults(now)

	if !strings.HasPrefix(s.ID, "STU_") {
		t.Errorf("expected STU_ id, got %q", s.ID)
	}
	if s.Status != StatusActive {
		t.Errorf("Status = %q, want %q", s.Status, StatusActive)
	}
	if s.JoiningDate != "2026-03-04" {
		t.Errorf("JoiningDate = %q", s.JoiningDate)
	}
	if s.Shift != ShiftFullDay {
		t.Errorf("Shift = %q, want %q", s.Shift, ShiftFullDay)
	}
}

func TestStudentFromRecord_Lenient(t *testing.T) {
	tests := []struct {
		name     string
		seat     any
		wantSeat *int
	}{
		{name: "float seat", seat: float64(7), wantSeat: intPtr(7)},
		{name: "string seat", seat: "12", wantSeat: intPtr(12)},
		{name: "empty seat", seat: "", wantSeat: nil},
		{name: "null seat", seat: nil, wantSeat: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{"id": "STU_1", "name": "A", "seatNumber": tt.seat, "shift": "Full Day"}
			s := StudentFromRecord(r)
			if diff := cmp.Diff(tt.wantSeat, s.SeatNumber); diff != "" {
				t.Errorf("seat mismatch (-want +got):\n%s", diff)
			}
			if s.Shift != ShiftFullDay {
				t.Errorf("Shift = %q", s.Shift)
			}
		})
	}
}

func TestStudent_ToRecordRoundTrip(t *testing.T) {
	s := &Student{
		ID:          "STU_1",
		Name:        "Amit",
		Mobile:      "9876543210",
		JoiningDate: "2026-01-01",
		SeatNumber:  intPtr(3),
		Shift:       ShiftEvening,
		Status:      StatusActive,
	}
	r, err := s.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if got, ok := r["seatNumber"].(float64); !ok || got != 3 {
		t.Errorf("seatNumber = %#v, want float64(3)", r["seatNumber"])
	}
	if _, present := r["photo"]; !present {
		t.Error("photo should be stored as null, not omitted")
	}
	if diff := cmp.Diff(s, StudentFromRecord(r)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPayment_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payment Payment
		wantErr bool
	}{
		{
			name:    "unpaid",
			payment: Payment{ID: "PAY_9", StudentID: "STU_1", Month: "2026-02", Amount: 1500, Status: PaymentUnpaid, DueDate: "2026-02-28"},
		},
		{
			name:    "paid with date",
			payment: Payment{ID: "PAY_1", StudentID: "STU_1", Month: "2026-02", Amount: 1500, Status: PaymentPaid, PaymentDate: strPtr("2026-02-05")},
		},
		{
			name:    "paid without date",
			payment: Payment{ID: "PAY_1", StudentID: "STU_1", Month: "2026-02", Amount: 1500, Status: PaymentPaid},
			wantErr: true,
		},
		{
			name:    "negative amount",
			payment: Payment{ID: "PAY_1", StudentID: "STU_1", Month: "2026-02", Amount: -1, Status: PaymentUnpaid},
			wantErr: true,
		},
		{
			name:    "bad month",
			payment: Payment{ID: "PAY_1", StudentID: "STU_1", Month: "Feb 2026", Amount: 1, Status: PaymentUnpaid},
			wantErr: true,
		},
		{
			name:    "missing student",
			payment: Payment{ID: "PAY_1", Month: "2026-02", Amount: 1, Status: PaymentUnpaid},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payment.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPaymentFromRecord_StringAmount(t *testing.T) {
	p := PaymentFromRecord(Record{"id": "PAY_1", "amount": "1500.50", "paymentDate": ""})
	if p.Amount != 1500.50 {
		t.Errorf("Amount = %v", p.Amount)
	}
	if p.PaymentDate != nil {
		t.Errorf("empty paymentDate should read as nil, got %q", *p.PaymentDate)
	}
}

func TestShifts_Validate(t *testing.T) {
	if err := DefaultShifts().Validate(); err != nil {
		t.Fatalf("default shifts invalid: %v", err)
	}

	bad := Shifts{"night": {Start: "22:00", End: "06:00"}}
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for inverted window, got %v", err)
	}

	malformed := Shifts{"morning": {Start: "6am", End: "12:00"}}
	if err := malformed.Validate(); err == nil {
		t.Error("expected validation error for malformed start")
	}
}

func TestDefaultSettings(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	s := DefaultSettings(now)
	if s.TotalSeats != 50 || s.MonthlyFee != 1500 {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.LastUpdate != "15/10/2026" {
		t.Errorf("LastUpdate = %q", s.LastUpdate)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default settings invalid: %v", err)
	}
}

func TestRecord_Helpers(t *testing.T) {
	records := []Record{
		{"id": "b", "n": 2},
		{"id": "a", "n": 1},
		{"n": 3},
	}

	idx := IndexByID(records)
	if len(idx) != 2 {
		t.Errorf("IndexByID kept %d records, want 2", len(idx))
	}
	if FindByID(records, "a") != 1 {
		t.Errorf("FindByID(a) = %d", FindByID(records, "a"))
	}
	if FindByID(records, "zz") != -1 {
		t.Error("FindByID should return -1 for missing ids")
	}

	SortByID(records)
	if records[0].ID() != "" || records[1].ID() != "a" || records[2].ID() != "b" {
		t.Errorf("unexpected order: %v", records)
	}

	merged := Record{"id": "x", "a": 1}.Merge(Record{"b": 2})
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("Merge = %v", merged)
	}
}

func TestNormalize_Numbers(t *testing.T) {
	r, err := Normalize(Record{"id": "x", "seat": 5, "nested": map[string]int{"k": 1}})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	want := Record{"id": "x", "seat": float64(5), "nested": map[string]any{"k": float64(1)}}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestIsTrackedAndSingleton(t *testing.T) {
	for _, c := range Tracked {
		if !IsTracked(c) {
			t.Errorf("%s should be tracked", c)
		}
	}
	if IsTracked(CollectionUsers) {
		t.Error("users must not be tracked")
	}
	if !IsSingleton(CollectionSettings) || !IsSingleton(CollectionShifts) || IsSingleton(CollectionStudents) {
		t.Error("unexpected singleton classification")
	}
}
