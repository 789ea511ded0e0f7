// Package series expands a weekly recurrence rule into concrete appointment
// windows.
//
// Expansion is pure and deterministic: the same rule always yields the same
// occurrences, so the aggregate charge quoted at checkout matches the number
// of appointments later confirmed by the recurring-booking handler.
package series

import (
	"fmt"
	"time"

	"github.com/tillcloud/reconciler/internal/domain"
)

// MaxOccurrences bounds a single series.
const MaxOccurrences = 52

// Recurrence selects how a rule repeats.
type Recurrence string

const (
	RecurrenceNone   Recurrence = "none"
	RecurrenceWeekly Recurrence = "weekly"
)

// Rule describes a series anchored at Start. EndDate is a calendar date;
// occurrences falling on EndDate are included.
type Rule struct {
	Start      time.Time
	Recurrence Recurrence
	EndDate    time.Time
	Duration   time.Duration
}

// Occurrence is one generated appointment window.
type Occurrence struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseRule builds a Rule from the date/time strings used by booking forms
// ("2006-01-02", "15:04") interpreted in loc.
func ParseRule(startDate, startTime, endDate string, recurrence Recurrence, duration time.Duration, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", startDate+" "+startTime, loc)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: start: %v", domain.ErrInvalidSeries, err)
	}
	rule := Rule{Start: start, Recurrence: recurrence, Duration: duration}
	if recurrence == RecurrenceWeekly {
		end, err := time.ParseInLocation("2006-01-02", endDate, loc)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: end: %v", domain.ErrInvalidSeries, err)
		}
		rule.EndDate = end
	}
	return rule, nil
}

// Expand generates the ordered occurrences of rule.
func Expand(rule Rule) ([]Occurrence, error) {
	if rule.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", domain.ErrInvalidSeries)
	}
	if rule.Start.IsZero() {
		return nil, fmt.Errorf("%w: missing start", domain.ErrInvalidSeries)
	}

	switch rule.Recurrence {
	case RecurrenceNone, "":
		return []Occurrence{{Start: rule.Start, End: rule.Start.Add(rule.Duration)}}, nil
	case RecurrenceWeekly:
	default:
		return nil, fmt.Errorf("%w: unsupported recurrence %q", domain.ErrInvalidSeries, rule.Recurrence)
	}

	if afterDate(rule.Start, rule.EndDate) {
		return nil, fmt.Errorf("%w: end date before start", domain.ErrInvalidSeries)
	}

	var out []Occurrence
	for i := 0; ; i++ {
		// AddDate keeps the wall-clock time across DST changes.
		start := rule.Start.AddDate(0, 0, 7*i)
		if afterDate(start, rule.EndDate) {
			break
		}
		if len(out) == MaxOccurrences {
			return nil, fmt.Errorf("%w: limit %d", domain.ErrSeriesTooLong, MaxOccurrences)
		}
		out = append(out, Occurrence{Start: start, End: start.Add(rule.Duration)})
	}
	return out, nil
}

// Quote returns the aggregate charge for a series.
func Quote(occurrences []Occurrence, pricePerOccurrence int64) int64 {
	return int64(len(occurrences)) * pricePerOccurrence
}

// afterDate reports whether t's calendar date (in t's location) is later
// than the calendar date of end.
func afterDate(t, end time.Time) bool {
	ty, tm, td := t.Date()
	ey, em, ed := end.Date()
	if ty != ey {
		return ty > ey
	}
	if tm != em {
		return tm > em
	}
	return td > ed
}
