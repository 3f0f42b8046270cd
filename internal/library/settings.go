package library

import (
	"context"
	"sort"

	"github.com/falconlib/falcon/internal/schema"
)

// SettingsPatch lists the settings fields to change. Nil fields are kept.
type SettingsPatch struct {
	TotalSeats   *int
	MonthlyFee   *float64
	LibraryRules *string
}

// Settings returns the stored settings, or the defaults when none exist.
func (l *Library) Settings() (*schema.Settings, error) {
	rec, ok, err := l.cache.ReadRecord(schema.CollectionSettings)
	if err != nil {
		return nil, err
	}
	if !ok {
		return schema.DefaultSettings(l.now()), nil
	}
	return schema.SettingsFromRecord(rec), nil
}

// UpdateSettings applies patch, stamps lastUpdate and stores the settings.
func (l *Library) UpdateSettings(ctx context.Context, patch SettingsPatch) (*schema.Settings, error) {
	s, err := l.Settings()
	if err != nil {
		return nil, err
	}
	if patch.TotalSeats != nil {
		s.TotalSeats = *patch.TotalSeats
	}
	if patch.MonthlyFee != nil {
		s.MonthlyFee = *patch.MonthlyFee
	}
	if patch.LibraryRules != nil {
		s.LibraryRules = *patch.LibraryRules
	}
	if err := l.saveSettings(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// TouchSettings re-saves the settings with today's lastUpdate. The daemon
// calls it on every auto-save tick.
func (l *Library) TouchSettings(ctx context.Context) error {
	s, err := l.Settings()
	if err != nil {
		return err
	}
	return l.saveSettings(ctx, s)
}

func (l *Library) saveSettings(ctx context.Context, s *schema.Settings) error {
	s.LastUpdate = l.now().Format(schema.DisplayDateLayout)
	if err := s.Validate(); err != nil {
		return err
	}
	rec, err := schema.Normalize(s)
	if err != nil {
		return err
	}
	return l.engine.PutSingleton(ctx, schema.CollectionSettings, rec)
}

// Shifts returns the stored shift windows, or the defaults when none exist.
func (l *Library) Shifts() (schema.Shifts, error) {
	var shifts schema.Shifts
	ok, err := l.cache.Read(schema.CollectionShifts, &shifts)
	if err != nil {
		return nil, err
	}
	if !ok || len(shifts) == 0 {
		return schema.DefaultShifts(), nil
	}
	return shifts, nil
}

// ShiftKeys returns the shift keys in display order.
func ShiftKeys(shifts schema.Shifts) []string {
	order := map[string]int{"morning": 0, "evening": 1, "fullDay": 2}
	keys := make([]string, 0, len(shifts))
	for k := range shifts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, iok := order[keys[i]]
		oj, jok := order[keys[j]]
		if iok != jok {
			return iok
		}
		if iok {
			return oi < oj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// UpdateShift sets the window of one shift (HH:MM to HH:MM).
func (l *Library) UpdateShift(ctx context.Context, key, start, end string) (schema.Shifts, error) {
	shifts, err := l.Shifts()
	if err != nil {
		return nil, err
	}
	if _, ok := shifts[key]; !ok {
		return nil, schema.Invalid("shift", "unknown shift %q", key)
	}
	shifts[key] = schema.ShiftWindow{Start: start, End: end}
	if err := shifts.Validate(); err != nil {
		return nil, err
	}
	rec, err := schema.Normalize(shifts)
	if err != nil {
		return nil, err
	}
	if err := l.engine.PutSingleton(ctx, schema.CollectionShifts, rec); err != nil {
		return nil, err
	}
	return shifts, nil
}
