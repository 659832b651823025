package schedgeup

import (
	"fmt"
	"time"
)

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// NewDateRange creates a range from from's day to to's day in from's
// location. Times of day are discarded. It fails when to is before from.
func NewDateRange(from, to time.Time) (DateRange, error) {
	r := DateRange{From: truncateDay(from), To: truncateDay(to)}
	if r.To.Before(r.From) {
		return DateRange{}, fmt.Errorf("invalid date range: %s to %s", r.From.Format(time.DateOnly), r.To.Format(time.DateOnly))
	}
	return r, nil
}

// In returns the range covering the same calendar days in loc.
func (r DateRange) In(loc *time.Location) DateRange {
	return DateRange{
		From: time.Date(r.From.Year(), r.From.Month(), r.From.Day(), 0, 0, 0, 0, loc),
		To:   time.Date(r.To.Year(), r.To.Month(), r.To.Day(), 0, 0, 0, 0, loc),
	}
}

// Contains reports whether t falls on a day of the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To.AddDate(0, 0, 1))
}

// IsSingleMonth reports whether the range starts and ends in the same month.
func (r DateRange) IsSingleMonth() bool {
	return r.From.Year() == r.To.Year() && r.From.Month() == r.To.Month()
}

// IsSingleDay reports whether the range covers one day.
func (r DateRange) IsSingleDay() bool {
	return r.IsSingleMonth() && r.From.Day() == r.To.Day()
}

// Months returns the first day of every month the range touches, in order.
func (r DateRange) Months() []time.Time {
	var months []time.Time
	last := firstOfMonth(r.To)
	for m := firstOfMonth(r.From); !m.After(last); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months
}

func (r DateRange) String() string {
	return r.From.Format("2006-01") + " to " + r.To.Format("2006-01")
}

// AfterDays returns the day n days after from's day.
func AfterDays(n int, from time.Time) time.Time {
	return truncateDay(from).AddDate(0, 0, n)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
