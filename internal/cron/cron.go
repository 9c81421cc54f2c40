// Package cron implements a deterministic cron subset for the steward
// scheduler: a 5- or 6-field schedule (the optional leading seconds field
// is accepted and ignored) searched minute-by-minute for the next matching
// wall-clock minute. It intentionally does not wrap a general cron
// library — see DESIGN.md for why robfig/cron's object-oriented scheduler
// model doesn't fit this package's pure nextAfter(schedule, instant)
// contract.
package cron

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// fieldRange describes the valid integer bounds for one cron field.
type fieldRange struct {
	min, max int
}

var fieldRanges = []fieldRange{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

const maxSearchMinutes = 366 * 24 * 60

var fieldTokenPattern = regexp.MustCompile(`^(\*|[0-9]+)(-[0-9]+)?(/[0-9]+)?$`)

// Schedule is a parsed cron expression: one set of allowed integers
// per field (minute, hour, day-of-month, month, day-of-week).
type Schedule struct {
	fields [5]map[int]struct{}
}

// Parse parses a 5- or 6-field cron expression. A 6-field expression has its
// leading seconds field dropped. Returns false if the expression is
// malformed or any field is out of range.
func Parse(expr string) (*Schedule, bool) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 6 {
		fields = fields[1:]
	}
	if len(fields) != 5 {
		return nil, false
	}

	var sched Schedule
	for i, raw := range fields {
		set, ok := parseField(raw, fieldRanges[i])
		if !ok {
			return nil, false
		}
		sched.fields[i] = set
	}
	return &sched, true
}

// IsValidCronExpression is a cheap pre-check: field count plus per-field
// regex/range validation, without building the full allowed-value sets.
func IsValidCronExpression(expr string) bool {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 6 {
		fields = fields[1:]
	}
	if len(fields) != 5 {
		return false
	}
	for i, raw := range fields {
		if !validateFieldSyntax(raw, fieldRanges[i]) {
			return false
		}
	}
	return true
}

func validateFieldSyntax(raw string, r fieldRange) bool {
	for _, token := range strings.Split(raw, ",") {
		if token == "" {
			return false
		}
		if token == "*" {
			continue
		}
		if !fieldTokenPattern.MatchString(token) {
			return false
		}
		// Delegate to the full parser for numeric bounds and step validity;
		// this keeps the two checks from drifting apart.
		if _, ok := parseToken(token, r); !ok {
			return false
		}
	}
	return true
}

// parseField parses a comma-separated list of tokens (each a literal, range,
// wildcard, or step expression) into the set of allowed integers.
func parseField(raw string, r fieldRange) (map[int]struct{}, bool) {
	set := make(map[int]struct{})
	for _, token := range strings.Split(raw, ",") {
		values, ok := parseToken(token, r)
		if !ok {
			return nil, false
		}
		for _, v := range values {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, false
	}
	return set, true
}

// parseToken parses one comma-element: "*", "N", "N-M", "*/S", or "N-M/S".
func parseToken(token string, r fieldRange) ([]int, bool) {
	step := 1
	base := token
	if idx := strings.Index(token, "/"); idx >= 0 {
		stepStr := token[idx+1:]
		base = token[:idx]
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return nil, false
		}
		step = s
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = r.min, r.max
	case strings.Contains(base, "-"):
		parts := strings.SplitN(base, "-", 2)
		if len(parts) != 2 {
			return nil, false
		}
		a, errA := strconv.Atoi(parts[0])
		b, errB := strconv.Atoi(parts[1])
		if errA != nil || errB != nil {
			return nil, false
		}
		lo, hi = a, b
	default:
		n, err := strconv.Atoi(base)
		if err != nil {
			return nil, false
		}
		lo, hi = n, n
	}

	if lo < r.min || lo > r.max || hi < r.min || hi > r.max || lo > hi {
		return nil, false
	}

	var values []int
	for v := lo; v <= hi; v += step {
		values = append(values, v)
	}
	return values, true
}

func (s *Schedule) matches(t time.Time) bool {
	if _, ok := s.fields[0][t.Minute()]; !ok {
		return false
	}
	if _, ok := s.fields[1][t.Hour()]; !ok {
		return false
	}
	if _, ok := s.fields[2][t.Day()]; !ok {
		return false
	}
	if _, ok := s.fields[3][int(t.Month())]; !ok {
		return false
	}
	if _, ok := s.fields[4][int(t.Weekday())]; !ok {
		return false
	}
	return true
}

// NextAfter returns the first minute strictly after `after` (seconds and
// below zeroed) that matches `expr`, or the zero time and false if the
// expression is invalid or no match is found within 366 days.
func NextAfter(expr string, after time.Time) (time.Time, bool) {
	sched, ok := Parse(expr)
	if !ok {
		return time.Time{}, false
	}
	return sched.NextAfter(after)
}

// NextAfter searches forward minute-by-minute from after+1m for the next
// matching instant, bounded to maxSearchMinutes iterations.
func (s *Schedule) NextAfter(after time.Time) (time.Time, bool) {
	loc := after.Location()
	candidate := time.Date(after.Year(), after.Month(), after.Day(),
		after.Hour(), after.Minute(), 0, 0, loc).Add(time.Minute)

	for i := 0; i < maxSearchMinutes; i++ {
		if s.matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}
