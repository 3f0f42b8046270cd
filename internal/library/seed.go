package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/falconlib/falcon/internal/auth"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

// Demo account written by SeedDemo.
const (
	DemoEmail    = "student@falcon.com"
	DemoPassword = "student123"
)

// SeedResult reports what SeedDemo wrote.
type SeedResult struct {
	UserID   string
	Skipped  bool
	Students int
	Payments int
}

// SeedDemo writes the demo account, settings, shifts, three students and
// two payments straight to store. Nothing is written when the demo account
// already exists.
func SeedDemo(ctx context.Context, store remote.Store, creds auth.Credentials, now time.Time) (*SeedResult, error) {
	dir := auth.NewRemoteDirectory(store)
	if u, err := dir.FindByEmail(ctx, DemoEmail); err == nil {
		return &SeedResult{UserID: u.ID, Skipped: true}, nil
	} else if !errors.Is(err, auth.ErrUserNotFound) {
		return nil, err
	}

	stored, err := creds.Hash(DemoPassword)
	if err != nil {
		return nil, err
	}
	data := schema.NewStudentData(now.Format(schema.DateLayout))
	data["mobile"] = "9876543210"
	user := &schema.User{
		ID:          schema.NewUserID(),
		Email:       DemoEmail,
		Password:    stored,
		FullName:    "Demo Student",
		Role:        schema.RoleStudent,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		StudentData: data,
	}
	if err := dir.Save(ctx, user); err != nil {
		return nil, err
	}

	settings, err := schema.Normalize(schema.DefaultSettings(now))
	if err != nil {
		return nil, err
	}
	if err := store.Upsert(ctx, schema.CollectionSettings, schema.SingletonKey, settings); err != nil {
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}
	shifts, err := schema.Normalize(schema.DefaultShifts())
	if err != nil {
		return nil, err
	}
	if err := store.Upsert(ctx, schema.CollectionShifts, schema.SingletonKey, shifts); err != nil {
		return nil, fmt.Errorf("failed to seed shifts: %w", err)
	}

	students := demoStudents()
	for _, s := range students {
		if err := seedRecord(ctx, store, schema.CollectionStudents, s.ID, &s); err != nil {
			return nil, err
		}
	}
	payments := demoPayments()
	for _, p := range payments {
		if err := seedRecord(ctx, store, schema.CollectionPayments, p.ID, &p); err != nil {
			return nil, err
		}
	}

	return &SeedResult{UserID: user.ID, Students: len(students), Payments: len(payments)}, nil
}

func seedRecord(ctx context.Context, store remote.Store, coll, id string, v any) error {
	rec, err := schema.Normalize(v)
	if err != nil {
		return err
	}
	if err := store.Upsert(ctx, coll, id, rec); err != nil {
		return fmt.Errorf("failed to seed %s/%s: %w", coll, id, err)
	}
	return nil
}

func demoStudents() []schema.Student {
	seat := func(n int) *int { return &n }
	return []schema.Student{
		{ID: "STU_001", Name: "Amit Kumar", Mobile: "9876543210", JoiningDate: "2026-01-01",
			SeatNumber: seat(1), Shift: schema.ShiftMorning, Status: schema.StatusActive},
		{ID: "STU_002", Name: "Priya Singh", Mobile: "9876543211", JoiningDate: "2026-01-05",
			SeatNumber: seat(2), Shift: schema.ShiftEvening, Status: schema.StatusActive},
		{ID: "STU_003", Name: "Raj Patel", Mobile: "9876543212", JoiningDate: "2026-01-10",
			SeatNumber: seat(3), Shift: schema.ShiftFullDay, Status: schema.StatusActive},
	}
}

func demoPayments() []schema.Payment {
	paid := "2026-02-05"
	return []schema.Payment{
		{ID: "PAY_001", StudentID: "STU_001", Month: "2026-02", Amount: 1500,
			Status: schema.PaymentPaid, DueDate: "2026-02-28", PaymentDate: &paid, Notes: "February payment"},
		{ID: "PAY_002", StudentID: "STU_002", Month: "2026-02", Amount: 1500,
			Status: schema.PaymentUnpaid, DueDate: "2026-02-28", Notes: "Pending"},
	}
}
