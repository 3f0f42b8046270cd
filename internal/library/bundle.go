package library

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/falconlib/falcon/internal/schema"
)

// Bundle is the export/import format.
type Bundle struct {
	Settings   schema.Record   `json:"settings" yaml:"settings"`
	Students   []schema.Record `json:"students" yaml:"students"`
	Payments   []schema.Record `json:"payments" yaml:"payments"`
	Shifts     schema.Record   `json:"shifts" yaml:"shifts"`
	ExportDate string          `json:"exportDate" yaml:"exportDate"`
	ExportedBy string          `json:"exportedBy" yaml:"exportedBy"`
}

// importBundle tells absent keys apart from empty ones.
type importBundle struct {
	Settings *schema.Record   `json:"settings" yaml:"settings"`
	Students *[]schema.Record `json:"students" yaml:"students"`
	Payments *[]schema.Record `json:"payments" yaml:"payments"`
	Shifts   *schema.Record   `json:"shifts" yaml:"shifts"`
}

// Export snapshots the local data.
func (l *Library) Export(exportedBy string) (*Bundle, error) {
	settings, err := l.Settings()
	if err != nil {
		return nil, err
	}
	settingsRec, err := schema.Normalize(settings)
	if err != nil {
		return nil, err
	}
	shifts, err := l.Shifts()
	if err != nil {
		return nil, err
	}
	shiftsRec, err := schema.Normalize(shifts)
	if err != nil {
		return nil, err
	}
	students, err := l.records(schema.CollectionStudents)
	if err != nil {
		return nil, err
	}
	payments, err := l.records(schema.CollectionPayments)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Settings:   settingsRec,
		Students:   students,
		Payments:   payments,
		Shifts:     shiftsRec,
		ExportDate: l.now().UTC().Format(time.RFC3339),
		ExportedBy: exportedBy,
	}, nil
}

// Encode writes b as "json" or "yaml".
func Encode(w io.Writer, b *Bundle, format string) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to encode bundle: %w", err)
		}
		return nil
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to encode bundle: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown export format %q (want json or yaml)", format)
	}
}

// Import writes the keys present in a JSON or YAML bundle to the cache and
// returns them. Absent keys are left untouched. Nothing is written unless
// the whole bundle is valid.
func (l *Library) Import(data []byte) ([]string, error) {
	in, err := decodeBundle(data)
	if err != nil {
		return nil, err
	}

	type entry struct {
		key   string
		value any
	}
	var writes []entry

	if in.Settings != nil {
		rec := *in.Settings
		delete(rec, "id")
		if err := schema.SettingsFromRecord(rec).Validate(); err != nil {
			return nil, err
		}
		writes = append(writes, entry{schema.CollectionSettings, rec})
	}
	if in.Students != nil {
		if err := requireIDs(schema.CollectionStudents, *in.Students); err != nil {
			return nil, err
		}
		writes = append(writes, entry{schema.CollectionStudents, *in.Students})
	}
	if in.Payments != nil {
		if err := requireIDs(schema.CollectionPayments, *in.Payments); err != nil {
			return nil, err
		}
		writes = append(writes, entry{schema.CollectionPayments, *in.Payments})
	}
	if in.Shifts != nil {
		rec := *in.Shifts
		delete(rec, "id")
		var shifts schema.Shifts
		if err := schema.Decode(rec, &shifts); err != nil {
			return nil, schema.Invalid("shifts", "%v", err)
		}
		if err := shifts.Validate(); err != nil {
			return nil, err
		}
		writes = append(writes, entry{schema.CollectionShifts, rec})
	}
	if len(writes) == 0 {
		return nil, schema.Invalid("bundle", "contains no settings, students, payments or shifts")
	}

	var keys []string
	for _, w := range writes {
		if err := l.cache.Write(w.key, w.value); err != nil {
			return keys, fmt.Errorf("failed to import %s: %w", w.key, err)
		}
		keys = append(keys, w.key)
	}
	l.logger.Printf("Imported %v", keys)
	return keys, nil
}

func decodeBundle(data []byte) (*importBundle, error) {
	var in importBundle
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, schema.Invalid("bundle", "is empty")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return nil, schema.Invalid("bundle", "is not valid JSON: %v", err)
		}
		return &in, nil
	}
	if err := yaml.Unmarshal(trimmed, &in); err != nil {
		return nil, schema.Invalid("bundle", "is not valid YAML: %v", err)
	}
	return &in, nil
}

func requireIDs(coll string, records []schema.Record) error {
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r == nil {
			return schema.Invalid(coll, "entry %d is empty", i)
		}
		id := r.ID()
		if id == "" {
			return schema.Invalid(coll, "entry %d has no id", i)
		}
		if seen[id] {
			return schema.Invalid(coll, "duplicate id %s", id)
		}
		seen[id] = true
	}
	return nil
}
