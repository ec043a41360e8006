// Package cron parses standard 5-field cron expressions
// (minute hour day month weekday) and computes next and previous fire times.
//
// Supported per field: literals, "*", steps ("*/n", "a-b/n", "a/n"), ranges
// ("a-b") and lists ("a,b,c"). An Expression is immutable after Parse and safe
// for concurrent use.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// horizonYears bounds the forward/backward search so an unsatisfiable
// expression terminates instead of looping forever.
const horizonYears = 4

type fieldSet uint64

func (s fieldSet) has(v int) bool { return s&(1<<uint(v)) != 0 }

// Expression is a parsed cron expression.
type Expression struct {
	source  string
	minute  fieldSet // 0-59
	hour    fieldSet // 0-23
	day     fieldSet // 1-31
	month   fieldSet // 1-12
	weekday fieldSet // 0-6, Sunday = 0
}

// Parse parses a 5-field cron expression. The error reports the first invalid
// field; expressions with a field count other than 5 or any out-of-range value
// are rejected.
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	specs := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day", 1, 31},
		{"month", 1, 12},
		{"weekday", 0, 6},
	}

	var sets [5]fieldSet
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %s field: %w", expr, spec.name, err)
		}
		sets[i] = set
	}

	return &Expression{
		source:  expr,
		minute:  sets[0],
		hour:    sets[1],
		day:     sets[2],
		month:   sets[3],
		weekday: sets[4],
	}, nil
}

// Validate reports whether expr is a well-formed cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// String returns the source expression.
func (e *Expression) String() string { return e.source }

func parseField(field string, min, max int) (fieldSet, error) {
	if field == "*" {
		return rangeSet(min, max, 1), nil
	}

	if strings.Contains(field, "/") {
		parts := strings.SplitN(field, "/", 2)
		step, err := strconv.Atoi(parts[1])
		if err != nil || step <= 0 {
			return 0, fmt.Errorf("invalid step value %q", parts[1])
		}
		start, end := min, max
		if parts[0] != "*" {
			if strings.Contains(parts[0], "-") {
				start, end, err = parseRange(parts[0], min, max)
				if err != nil {
					return 0, err
				}
			} else {
				start, err = parseValue(parts[0], min, max)
				if err != nil {
					return 0, err
				}
			}
		}
		return rangeSet(start, end, step), nil
	}

	if strings.Contains(field, "-") {
		start, end, err := parseRange(field, min, max)
		if err != nil {
			return 0, err
		}
		return rangeSet(start, end, 1), nil
	}

	if strings.Contains(field, ",") {
		var set fieldSet
		for _, part := range strings.Split(field, ",") {
			v, err := parseValue(strings.TrimSpace(part), min, max)
			if err != nil {
				return 0, err
			}
			set |= 1 << uint(v)
		}
		return set, nil
	}

	v, err := parseValue(field, min, max)
	if err != nil {
		return 0, err
	}
	return 1 << uint(v), nil
}

func parseValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, min, max)
	}
	return v, nil
}

func parseRange(s string, min, max int) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	start, err := parseValue(parts[0], min, max)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseValue(parts[1], min, max)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("range %q is inverted", s)
	}
	return start, end, nil
}

func rangeSet(start, end, step int) fieldSet {
	var set fieldSet
	for v := start; v <= end; v += step {
		set |= 1 << uint(v)
	}
	return set
}

// Matches reports whether t (truncated to the minute) satisfies every field.
func (e *Expression) Matches(t time.Time) bool {
	return e.minute.has(t.Minute()) &&
		e.hour.has(t.Hour()) &&
		e.day.has(t.Day()) &&
		e.month.has(int(t.Month())) &&
		e.weekday.has(int(t.Weekday()))
}

// Next returns the first fire time strictly after from, or false if none
// exists within the search horizon.
func (e *Expression) Next(from time.Time) (time.Time, bool) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(horizonYears, 0, 0)

	for !t.After(limit) {
		switch {
		case !e.month.has(int(t.Month())):
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
		case !e.day.has(t.Day()) || !e.weekday.has(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
		case !e.hour.has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
		case !e.minute.has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

// Prev returns the last fire time strictly before from, or false if none
// exists within the search horizon.
func (e *Expression) Prev(from time.Time) (time.Time, bool) {
	t := from.Truncate(time.Minute).Add(-time.Minute)
	limit := from.AddDate(-horizonYears, 0, 0)

	for !t.Before(limit) {
		switch {
		case !e.month.has(int(t.Month())):
			// Jump to the last minute of the previous month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).Add(-time.Minute)
		case !e.day.has(t.Day()) || !e.weekday.has(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Add(-time.Minute)
		case !e.hour.has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(-time.Minute)
		case !e.minute.has(t.Minute()):
			t = t.Add(-time.Minute)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

// NextAfter parses expr and returns its next fire time after from.
// Convenience for callers that hold the expression as a string.
func NextAfter(expr string, from time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := e.Next(from)
	if !ok {
		return time.Time{}, fmt.Errorf("cron expression %q has no fire time within %d years", expr, horizonYears)
	}
	return t, nil
}
