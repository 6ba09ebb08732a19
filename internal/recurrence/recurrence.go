// Package recurrence computes the next occurrence of an anchored calendar date.
//
// Supported expressions:
//   - "" (no recurrence): the anchor itself
//   - "yearly" / "annually" / "FREQ=YEARLY": same month and day every year,
//     Feb 29 anchors fall on Feb 28 in non-leap years
//   - any other RFC 5545 RRULE with DAILY, WEEKLY, MONTHLY or YEARLY frequency,
//     evaluated with rrule-go against the anchor as DTSTART
//
// Everything works on calendar dates (UTC midnight); times of day are dropped.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	rrulego "github.com/teambition/rrule-go"
)

var (
	ErrUnsupportedPattern = errors.New("unsupported recurrence pattern")
	ErrInvalidAnchor      = errors.New("recurrence anchor date is not set")
	ErrSeriesEnded        = errors.New("recurrence has no further occurrences")
)

// Error is returned for any expression that cannot produce a next occurrence.
type Error struct {
	Pattern string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recurrence %q: %v", e.Pattern, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Pattern is a parsed recurrence expression.
type Pattern struct {
	raw    string
	yearly bool
	opt    *rrulego.ROption
}

// None is the pattern of a non-recurring date.
var None = Pattern{}

func (p Pattern) IsNone() bool { return p.raw == "" }

func (p Pattern) String() string { return p.raw }

// Parse validates an expression. Callers use it at creation time so bad
// patterns are rejected before they are stored.
func Parse(expr string) (Pattern, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return None, nil
	}

	switch strings.ToLower(raw) {
	case "yearly", "annually", "annual":
		return Pattern{raw: raw, yearly: true}, nil
	}

	body := strings.TrimPrefix(strings.ToUpper(raw), "RRULE:")
	if !strings.Contains(body, "FREQ=") {
		return Pattern{}, &Error{Pattern: raw, Err: ErrUnsupportedPattern}
	}

	opt, err := rrulego.StrToROption(body)
	if err != nil {
		return Pattern{}, &Error{Pattern: raw, Err: fmt.Errorf("%w: %v", ErrUnsupportedPattern, err)}
	}

	switch opt.Freq {
	case rrulego.DAILY, rrulego.WEEKLY, rrulego.MONTHLY, rrulego.YEARLY:
	default:
		// Sub-daily frequencies make no sense for calendar dates.
		return Pattern{}, &Error{Pattern: raw, Err: ErrUnsupportedPattern}
	}

	if isPlainYearly(body) {
		return Pattern{raw: raw, yearly: true}, nil
	}
	return Pattern{raw: raw, opt: opt}, nil
}

// isPlainYearly is true for FREQ=YEARLY with no other parts except INTERVAL=1.
func isPlainYearly(body string) bool {
	for _, part := range strings.Split(body, ";") {
		switch strings.TrimSpace(part) {
		case "", "FREQ=YEARLY", "INTERVAL=1":
		default:
			return false
		}
	}
	return true
}

// NextOccurrence returns the first occurrence on or after ref.
func NextOccurrence(anchor time.Time, expr string, ref time.Time) (time.Time, error) {
	p, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return p.Next(anchor, ref)
}

// Next returns the first occurrence of p anchored at anchor that is on or after ref.
// Yearly patterns only take month and day from the anchor, so the result is
// always in ref's year or the next one. RRULE series never start before the anchor.
func (p Pattern) Next(anchor, ref time.Time) (time.Time, error) {
	if anchor.IsZero() {
		return time.Time{}, &Error{Pattern: p.raw, Err: ErrInvalidAnchor}
	}
	anchor, ref = Day(anchor), Day(ref)

	switch {
	case p.IsNone():
		return anchor, nil
	case p.yearly:
		return nextYearly(anchor, ref), nil
	}

	opt := *p.opt
	opt.Dtstart = anchor
	rule, err := rrulego.NewRRule(opt)
	if err != nil {
		return time.Time{}, &Error{Pattern: p.raw, Err: fmt.Errorf("%w: %v", ErrUnsupportedPattern, err)}
	}

	from := ref
	if anchor.After(from) {
		from = anchor
	}
	next := rule.After(from, true)
	if next.IsZero() {
		return time.Time{}, &Error{Pattern: p.raw, Err: ErrSeriesEnded}
	}
	return Day(next), nil
}

func nextYearly(anchor, ref time.Time) time.Time {
	if d := OnYear(anchor, ref.Year()); !d.Before(ref) {
		return d
	}
	return OnYear(anchor, ref.Year()+1)
}

// OnYear places anchor's month and day in year, clamping Feb 29 to Feb 28.
func OnYear(anchor time.Time, year int) time.Time {
	month, day := anchor.Month(), anchor.Day()
	if month == time.February && day == 29 && !IsLeap(year) {
		day = 28
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// Day truncates t to its calendar date at UTC midnight, keeping t's wall-clock date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Describe renders a short English label for a pattern, used in composed reminders.
func Describe(expr string) string {
	p, err := Parse(expr)
	if err != nil {
		return expr
	}
	switch {
	case p.IsNone():
		return "one-time"
	case p.yearly:
		return "every year"
	}

	unit := map[rrulego.Frequency]string{
		rrulego.DAILY:   "day",
		rrulego.WEEKLY:  "week",
		rrulego.MONTHLY: "month",
		rrulego.YEARLY:  "year",
	}[p.opt.Freq]
	if p.opt.Interval > 1 {
		return fmt.Sprintf("every %d %ss", p.opt.Interval, unit)
	}
	return "every " + unit
}
