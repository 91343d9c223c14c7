package appointments

import (
	"sort"
	"time"
)

// SortByStart orders appointments by start time, then id for stability.
func SortByStart(list []Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartTime.Before(list[j].StartTime)
	})
}

// Next returns the earliest active appointment that has not started yet.
func Next(list []Appointment, now time.Time) (Appointment, bool) {
	var (
		best  Appointment
		found bool
	)
	for _, a := range list {
		if !a.Active() || a.Status != StatusScheduled || a.StartTime.Before(now) {
			continue
		}
		if !found || a.StartTime.Before(best.StartTime) {
			best = a
			found = true
		}
	}
	return best, found
}

// OnDay returns the active appointments starting on the calendar day of day in loc.
func OnDay(list []Appointment, day time.Time, loc *time.Location) []Appointment {
	if loc == nil {
		loc = time.UTC
	}
	start, end := DayBounds(day, loc)
	out := make([]Appointment, 0)
	for _, a := range list {
		if a.PendingDelete {
			continue
		}
		if !a.StartTime.Before(start) && a.StartTime.Before(end) {
			out = append(out, a)
		}
	}
	SortByStart(out)
	return out
}

// DayBounds returns [midnight, next midnight) of day in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	local := day.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Filter keeps the appointments matching every non-empty criterion.
type Filter struct {
	Day     *time.Time
	StaffID string
	Status  Status
}

// Apply returns the filtered appointments sorted by start time.
func (f Filter) Apply(list []Appointment, loc *time.Location) []Appointment {
	if f.Day != nil {
		list = OnDay(list, *f.Day, loc)
	}
	out := make([]Appointment, 0, len(list))
	for _, a := range list {
		if f.StaffID != "" && a.StaffID != f.StaffID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	SortByStart(out)
	return out
}
