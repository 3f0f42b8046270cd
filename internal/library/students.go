package library

import (
	"context"
	"sort"
	"strings"

	"github.com/falconlib/falcon/internal/schema"
)

// StudentFilter selects students. Zero fields match everything.
type StudentFilter struct {
	// Query matches a substring of the name (case-insensitive), mobile or id.
	Query  string
	Status string
	Shift  string
}

func (f StudentFilter) match(s *schema.Student) bool {
	if f.Status != "" && !strings.EqualFold(s.Status, f.Status) {
		return false
	}
	if f.Shift != "" && s.Shift != schema.NormalizeShift(f.Shift) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(s.Name), q) ||
			strings.Contains(s.Mobile, q) ||
			strings.Contains(strings.ToLower(s.ID), q)
	}
	return true
}

// Students returns the students matching filter in stored order.
func (l *Library) Students(filter StudentFilter) ([]*schema.Student, error) {
	records, err := l.records(schema.CollectionStudents)
	if err != nil {
		return nil, err
	}
	var out []*schema.Student
	for _, r := range records {
		s := schema.StudentFromRecord(r)
		if filter.match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Student returns one student.
func (l *Library) Student(id string) (*schema.Student, error) {
	records, err := l.records(schema.CollectionStudents)
	if err != nil {
		return nil, err
	}
	i := schema.FindByID(records, id)
	if i < 0 {
		return nil, notFound("student", id)
	}
	return schema.StudentFromRecord(records[i]), nil
}

// AddStudent validates in, fills its defaults (id, Active status, today's
// joining date) and stores it.
func (l *Library) AddStudent(ctx context.Context, in schema.Student) (*schema.Student, error) {
	s := in
	s.SetDefaults(l.now())
	if err := s.Validate(); err != nil {
		return nil, err
	}

	records, err := l.records(schema.CollectionStudents)
	if err != nil {
		return nil, err
	}
	if schema.FindByID(records, s.ID) >= 0 {
		return nil, schema.Invalid("id", "%s already exists", s.ID)
	}
	if err := l.checkSeat(records, &s); err != nil {
		return nil, err
	}

	rec, err := s.ToRecord()
	if err != nil {
		return nil, err
	}
	if err := l.engine.Put(ctx, schema.CollectionStudents, rec); err != nil {
		return nil, err
	}
	l.logger.Printf("Added student %s (%s)", s.ID, s.Name)
	return &s, nil
}

// UpdateStudent merges fields into the student and stores the result after
// validating it. The id cannot be changed.
func (l *Library) UpdateStudent(ctx context.Context, id string, fields schema.Record) (*schema.Student, error) {
	records, err := l.records(schema.CollectionStudents)
	if err != nil {
		return nil, err
	}
	i := schema.FindByID(records, id)
	if i < 0 {
		return nil, notFound("student", id)
	}

	patch := fields.Clone()
	delete(patch, "id")
	s := schema.StudentFromRecord(records[i].Merge(patch))
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := l.checkSeat(records, s); err != nil {
		return nil, err
	}

	rec, err := s.ToRecord()
	if err != nil {
		return nil, err
	}
	if err := l.engine.Put(ctx, schema.CollectionStudents, rec); err != nil {
		return nil, err
	}
	return s, nil
}

// SetStudentStatus changes only the status of a student.
func (l *Library) SetStudentStatus(ctx context.Context, id, status string) (*schema.Student, error) {
	switch status {
	case schema.StatusActive, schema.StatusInactive, schema.StatusExpired:
	default:
		return nil, schema.Invalid("status", "must be one of [%s %s %s] (got %s)",
			schema.StatusActive, schema.StatusInactive, schema.StatusExpired, status)
	}

	merged, err := l.engine.Patch(ctx, schema.CollectionStudents, id, schema.Record{"status": status})
	if err != nil {
		return nil, err
	}
	return schema.StudentFromRecord(merged), nil
}

// DeleteStudent removes a student. Their payments are kept.
func (l *Library) DeleteStudent(ctx context.Context, id string) error {
	if err := l.engine.Remove(ctx, schema.CollectionStudents, id); err != nil {
		return err
	}
	l.logger.Printf("Deleted student %s", id)
	return nil
}

// shiftsOverlap reports whether two students on the same seat would clash.
// A full-day student clashes with everyone.
func shiftsOverlap(a, b string) bool {
	return a == b || a == schema.ShiftFullDay || b == schema.ShiftFullDay
}

// checkSeat verifies that s's seat exists and is free for its shift among
// the other active students.
func (l *Library) checkSeat(records []schema.Record, s *schema.Student) error {
	if s.SeatNumber == nil || s.Status != schema.StatusActive {
		return nil
	}
	seat := *s.SeatNumber

	settings, err := l.Settings()
	if err != nil {
		return err
	}
	if settings.TotalSeats > 0 && seat > settings.TotalSeats {
		return schema.Invalid("seatNumber", "must be at most %d (got %d)", settings.TotalSeats, seat)
	}

	for _, r := range records {
		other := schema.StudentFromRecord(r)
		if other.ID == s.ID || other.Status != schema.StatusActive || other.SeatNumber == nil {
			continue
		}
		if *other.SeatNumber == seat && shiftsOverlap(other.Shift, s.Shift) {
			return schema.Invalid("seatNumber", "%d is taken by %s (%s, %s)", seat, other.ID, other.Name, other.Shift)
		}
	}
	return nil
}

// FreeSeats lists the seat numbers an active student on shift could take.
func (l *Library) FreeSeats(shift string) ([]int, error) {
	shift = schema.NormalizeShift(shift)
	settings, err := l.Settings()
	if err != nil {
		return nil, err
	}
	students, err := l.Students(StudentFilter{Status: schema.StatusActive})
	if err != nil {
		return nil, err
	}

	taken := make(map[int]bool)
	for _, s := range students {
		if s.SeatNumber != nil && shiftsOverlap(s.Shift, shift) {
			taken[*s.SeatNumber] = true
		}
	}

	free := make([]int, 0, settings.TotalSeats)
	for n := 1; n <= settings.TotalSeats; n++ {
		if !taken[n] {
			free = append(free, n)
		}
	}
	return free, nil
}

// SortStudents orders students by seat number, unseated last, then by id.
func SortStudents(students []*schema.Student) {
	sort.SliceStable(students, func(i, j int) bool {
		a, b := students[i], students[j]
		switch {
		case a.SeatNumber == nil && b.SeatNumber == nil:
			return a.ID < b.ID
		case a.SeatNumber == nil:
			return false
		case b.SeatNumber == nil:
			return true
		case *a.SeatNumber != *b.SeatNumber:
			return *a.SeatNumber < *b.SeatNumber
		default:
			return a.ID < b.ID
		}
	})
}
