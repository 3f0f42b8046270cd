package library

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/falconlib/falcon/internal/schema"
)

var dateParser = newDateParser()

func newDateParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// CurrentMonth returns now as YYYY-MM.
func CurrentMonth(now time.Time) string {
	return now.Format(schema.MonthLayout)
}

// NextMonth returns the month after month (YYYY-MM).
func NextMonth(month string) (string, error) {
	t, err := parseMonth(month)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 1, 0).Format(schema.MonthLayout), nil
}

// DueDateForMonth returns the last day of month as YYYY-MM-DD.
func DueDateForMonth(month string) (string, error) {
	t, err := parseMonth(month)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 1, -1).Format(schema.DateLayout), nil
}

func parseMonth(month string) (time.Time, error) {
	t, err := time.Parse(schema.MonthLayout, strings.TrimSpace(month))
	if err != nil {
		return time.Time{}, schema.Invalid("month", "must be YYYY-MM (got %q)", month)
	}
	return t, nil
}

// ParseDate accepts an ISO date (YYYY-MM-DD), a dd/mm/yyyy date or an English
// expression such as "today", "yesterday" or "last friday", relative to now.
// It returns the date as YYYY-MM-DD.
func ParseDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.Format(schema.DateLayout), nil
	}
	for _, layout := range []string{schema.DateLayout, schema.DisplayDateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(schema.DateLayout), nil
		}
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return "", schema.Invalid("date", "is not a recognizable date (got %q)", s)
	}
	return r.Time.Format(schema.DateLayout), nil
}
