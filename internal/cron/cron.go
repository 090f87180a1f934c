// Package cron parses five-field cron expressions and evaluates them at
// minute granularity.
//
// Supported field syntax: "*", "n", "a-b", "a,b,c", "*/n", "a-b/n" and
// "a/n". Day-of-week accepts 0-7 where both 0 and 7 mean Sunday. When both
// day-of-month and day-of-week are restricted a time matches if either
// matches; otherwise both must match.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"lsh.app/jobd/internal/domain"
)

type bounds struct {
	name     string
	min, max int
}

var (
	minuteBounds  = bounds{"minute", 0, 59}
	hourBounds    = bounds{"hour", 0, 23}
	domBounds     = bounds{"day-of-month", 1, 31}
	monthBounds   = bounds{"month", 1, 12}
	weekdayBounds = bounds{"day-of-week", 0, 7}
)

var macros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// searchLimit bounds Next; a valid expression like "0 0 29 2 *" matches at
// least once every eight years.
const searchLimit = 9 * 366 * 24 * 60

// Expr is a parsed cron expression. Each field is a bitset of allowed values.
type Expr struct {
	raw        string
	minutes    uint64
	hours      uint64
	days       uint64
	months     uint64
	weekdays   uint64
	domStarred bool
	dowStarred bool
}

// Parse parses expr. Errors wrap domain.ErrInvalidSchedule.
func Parse(expr string) (*Expr, error) {
	raw := strings.TrimSpace(expr)
	if m, ok := macros[strings.ToLower(raw)]; ok {
		raw = m
	}

	parts := strings.Fields(raw)
	if len(parts) != 5 {
		return nil, invalid(expr, fmt.Sprintf("expected 5 fields, got %d", len(parts)))
	}

	e := &Expr{raw: strings.TrimSpace(expr)}
	var err error
	if e.minutes, err = parseField(parts[0], minuteBounds); err != nil {
		return nil, invalid(expr, err.Error())
	}
	if e.hours, err = parseField(parts[1], hourBounds); err != nil {
		return nil, invalid(expr, err.Error())
	}
	if e.days, err = parseField(parts[2], domBounds); err != nil {
		return nil, invalid(expr, err.Error())
	}
	if e.months, err = parseField(parts[3], monthBounds); err != nil {
		return nil, invalid(expr, err.Error())
	}
	if e.weekdays, err = parseField(parts[4], weekdayBounds); err != nil {
		return nil, invalid(expr, err.Error())
	}

	// 7 is an alias for Sunday.
	if e.weekdays&(1<<7) != 0 {
		e.weekdays |= 1
		e.weekdays &^= 1 << 7
	}

	e.domStarred = strings.HasPrefix(parts[2], "*")
	e.dowStarred = strings.HasPrefix(parts[4], "*")
	return e, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Matches reports whether the minute containing t satisfies expr.
func Matches(expr string, t time.Time) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.Matches(t), nil
}

func (e *Expr) String() string {
	return e.raw
}

// Matches reports whether the minute containing t satisfies the expression.
func (e *Expr) Matches(t time.Time) bool {
	return has(e.minutes, t.Minute()) &&
		has(e.hours, t.Hour()) &&
		has(e.months, int(t.Month())) &&
		e.dayMatches(t)
}

func (e *Expr) dayMatches(t time.Time) bool {
	dom := has(e.days, t.Day())
	dow := has(e.weekdays, int(t.Weekday()))
	if !e.domStarred && !e.dowStarred {
		return dom || dow
	}
	return dom && dow
}

// Next returns the first matching minute strictly after the given time,
// in after's location. It returns the zero time if nothing matches within
// the search window.
func (e *Expr) Next(after time.Time) time.Time {
	loc := after.Location()
	t := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), after.Minute(), 0, 0, loc).Add(time.Minute)

	for i := 0; i < searchLimit; i++ {
		if !has(e.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(e.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !has(e.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func parseField(field string, b bounds) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("%s: empty list element", b.name)
		}
		bits, err := parsePart(part, b)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	return set, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s: invalid step %q", b.name, part)
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = b.min, b.max
		// "*" in day-of-week covers 0-6; 7 would only duplicate Sunday.
		if b == weekdayBounds {
			hi = 6
		}
	case strings.Contains(rangePart, "-"):
		a, z, _ := strings.Cut(rangePart, "-")
		var err1, err2 error
		lo, err1 = strconv.Atoi(a)
		hi, err2 = strconv.Atoi(z)
		if err1 != nil || err2 != nil {
			return 0, fmt.Errorf("%s: invalid range %q", b.name, part)
		}
	default:
		n, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid value %q", b.name, part)
		}
		lo, hi = n, n
		if hasStep {
			hi = b.max
		}
	}

	if lo < b.min || hi > b.max || lo > hi {
		return 0, fmt.Errorf("%s: %q out of range %d-%d", b.name, part, b.min, b.max)
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func invalid(expr, reason string) error {
	return domain.Errorf(domain.CodeInvalidSchedule, "invalid cron expression %q: %s", expr, reason)
}
