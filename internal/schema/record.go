package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cast"
)

// Collection names.
const (
	CollectionStudents = "students"
	CollectionPayments = "payments"
	CollectionSettings = "settings"
	CollectionShifts   = "shifts"
	CollectionUsers    = "users"
)

// SingletonKey is the fixed remote document id of the settings and shifts
// singletons.
const SingletonKey = "library"

// Tracked lists the collections kept in sync between the local cache and the
// remote store, in reconciliation order.
var Tracked = []string{
	CollectionStudents,
	CollectionPayments,
	CollectionSettings,
	CollectionShifts,
}

// IsTracked reports whether name is a tracked collection.
func IsTracked(name string) bool {
	for _, c := range Tracked {
		if c == name {
			return true
		}
	}
	return false
}

// IsSingleton reports whether the collection holds exactly one document.
func IsSingleton(name string) bool {
	return name == CollectionSettings || name == CollectionShifts
}

// Record is a field-to-value mapping, the unit stored in every collection.
type Record map[string]any

// ID returns the record's "id" field or "" when absent.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	return cast.ToString(r["id"])
}

// String returns field as a string.
func (r Record) String(field string) string {
	return cast.ToString(r[field])
}

// Float returns field as a float64, tolerating numeric strings.
func (r Record) Float(field string) float64 {
	return cast.ToFloat64(r[field])
}

// Int returns field as an int and whether a usable value was present.
// Empty strings and nulls report false, matching the original data where
// an unassigned seat is stored as "".
func (r Record) Int(field string) (int, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return 0, false
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out, err := Normalize(r)
	if err != nil {
		// Records only ever hold JSON-compatible values.
		panic(fmt.Sprintf("schema: clone of non-JSON record: %v", err))
	}
	return out
}

// Merge returns a copy of r with the top-level fields of patch applied.
func (r Record) Merge(patch Record) Record {
	out := make(Record, len(r)+len(patch))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Normalize converts any JSON-serializable value into a Record by a JSON
// round-trip, so that numbers become float64 and nested structs become maps.
func Normalize(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return out, nil
}

// NormalizeAll normalizes a slice of records.
func NormalizeAll(records []Record) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		n, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Decode fills out (a pointer to a struct) from a record.
func Decode(r Record, out any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode record %q: %w", r.ID(), err)
	}
	return nil
}

// IndexByID maps records by id. Records without an id are skipped.
func IndexByID(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, r := range records {
		if id := r.ID(); id != "" {
			out[id] = r
		}
	}
	return out
}

// SortByID sorts records in place by id.
func SortByID(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ID() < records[j].ID()
	})
}

// FindByID returns the index of the record with id, or -1.
func FindByID(records []Record, id string) int {
	for i, r := range records {
		if r.ID() == id {
			return i
		}
	}
	return -1
}
