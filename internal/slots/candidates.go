package slots

import (
	"iter"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Window describes the rolling range of bookable slots offered to a patient.
type Window struct {
	Days         int
	StepMinutes  int
	DayStartHour int
	DayEndHour   int
}

// DefaultWindow is the clinic's standard offering: a week of half-hour slots from 10:00 to 21:00.
var DefaultWindow = Window{Days: 7, StepMinutes: 30, DayStartHour: 10, DayEndHour: 21}

// Extend returns a copy with extra days appended, used when a patient books with insurance.
func (w Window) Extend(days int) Window {
	if days > 0 {
		w.Days += days
	}
	return w
}

// Validate rejects windows that would produce no slots or never terminate.
func (w Window) Validate() error {
	switch {
	case w.Days <= 0:
		return scheduling.Validation("slot window must cover at least one day")
	case w.StepMinutes <= 0 || w.StepMinutes > 24*60:
		return scheduling.Validation("slot step %d minutes is out of range", w.StepMinutes)
	case w.DayStartHour < 0 || w.DayEndHour > 24 || w.DayStartHour >= w.DayEndHour:
		return scheduling.Validation("slot day %d-%d is not a valid range", w.DayStartHour, w.DayEndHour)
	}
	return nil
}

// DateKeys lists the day keys the window covers starting at ref's calendar day.
func (w Window) DateKeys(ref time.Time) []string {
	keys := make([]string, 0, max(w.Days, 0))
	start := DateOf(ref)
	for i := 0; i < w.Days; i++ {
		keys = append(keys, DateOf(start.In(ref.Location()).AddDate(0, 0, i)).Key())
	}
	return keys
}

// Candidates yields open slots in the window, earliest first. Days are taken
// in ref's location. On ref's own day the first slot is the next step
// boundary at or after ref, so nothing in the past is offered. Slots already
// in booked are skipped. The sequence is finite and can be ranged over
// repeatedly; an invalid window yields nothing.
func Candidates(booked Booked, ref time.Time, w Window) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		if w.Validate() != nil {
			return
		}
		loc := ref.Location()
		today := DateOf(ref)
		dayStart := w.DayStartHour * 60
		dayEnd := w.DayEndHour * 60

		for i := 0; i < w.Days; i++ {
			day := DateOf(today.In(loc).AddDate(0, 0, i))
			key := day.Key()

			first := dayStart
			if i == 0 {
				first = max(first, nextBoundary(ref, w.StepMinutes))
			}
			// Align to the step grid anchored at the day start.
			if off := (first - dayStart) % w.StepMinutes; off != 0 {
				first += w.StepMinutes - off
			}

			for m := first; m < dayEnd; m += w.StepMinutes {
				s := Slot{DateKey: key, Time: Clock{Hour: m / 60, Minute: m % 60}.String()}
				if booked.Has(s) {
					continue
				}
				if !yield(s) {
					return
				}
			}
		}
	}
}

// nextBoundary returns the minutes-since-midnight of the first step boundary at or after ref.
func nextBoundary(ref time.Time, step int) int {
	m := ref.Hour()*60 + ref.Minute()
	if ref.Second() > 0 || ref.Nanosecond() > 0 {
		m++
	}
	if off := m % step; off != 0 {
		m += step - off
	}
	return m
}
