package schema

import (
	"time"
)

// DisplayDateLayout is the dd/mm/yyyy layout of Settings.LastUpdate.
const DisplayDateLayout = "02/01/2006"

// DefaultLibraryRules are the rules shown until an admin edits them.
const DefaultLibraryRules = "Welcome to Falcon Library!\n\n" +
	"1. Please maintain silence in the library.\n" +
	"2. Keep your seat clean.\n" +
	"3. No food or drinks allowed.\n" +
	"4. Return borrowed materials on time.\n" +
	"5. Respect fellow students."

// Settings is the library-wide configuration singleton.
type Settings struct {
	TotalSeats   int     `json:"totalSeats" validate:"gte=0"`
	MonthlyFee   float64 `json:"monthlyFee" validate:"gte=0"`
	LibraryRules string  `json:"libraryRules"`
	LastUpdate   string  `json:"lastUpdate"`
}

// Validate checks field values.
func (s *Settings) Validate() error {
	return check(s)
}

// DefaultSettings returns the settings of a fresh installation.
func DefaultSettings(now time.Time) *Settings {
	return &Settings{
		TotalSeats:   50,
		MonthlyFee:   1500,
		LibraryRules: DefaultLibraryRules,
		LastUpdate:   now.Format(DisplayDateLayout),
	}
}

// SettingsFromRecord reads settings leniently.
func SettingsFromRecord(r Record) *Settings {
	seats, _ := r.Int("totalSeats")
	return &Settings{
		TotalSeats:   seats,
		MonthlyFee:   r.Float("monthlyFee"),
		LibraryRules: r.String("libraryRules"),
		LastUpdate:   r.String("lastUpdate"),
	}
}

// ShiftWindow is the opening window of one shift, in HH:MM.
type ShiftWindow struct {
	Start string `json:"start" validate:"required,datetime=15:04"`
	End   string `json:"end" validate:"required,datetime=15:04"`
}

// Shifts maps a shift key (morning, evening, fullDay) to its window.
type Shifts map[string]ShiftWindow

// Validate checks every window and that each one ends after it starts.
func (s Shifts) Validate() error {
	for name, w := range s {
		if err := check(&w); err != nil {
			return Invalid(name, "%v", err)
		}
		if w.End <= w.Start {
			return Invalid(name, "must end after it starts (%s-%s)", w.Start, w.End)
		}
	}
	return nil
}

// DefaultShifts returns the shift windows of a fresh installation.
func DefaultShifts() Shifts {
	return Shifts{
		"morning": {Start: "06:00", End: "12:00"},
		"evening": {Start: "14:00", End: "20:00"},
		"fullDay": {Start: "06:00", End: "20:00"},
	}
}
