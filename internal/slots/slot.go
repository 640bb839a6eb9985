// Package slots allocates doctor time slots without double-booking.
//
// A slot is a calendar day key ("D_M_YYYY") plus a 12-hour clock time
// ("hh:mm AM"). Reservation is an atomic add-if-absent against a Store;
// the allocator never reads the booked set before writing to it.
package slots

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Slot identifies a bookable (day, time) pair for a doctor.
type Slot struct {
	DateKey string `json:"date_key"`
	Time    string `json:"time"`
}

func (s Slot) String() string { return s.DateKey + " " + s.Time }

// Date is a calendar day without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Key renders the canonical D_M_YYYY form.
func (d Date) Key() string {
	return fmt.Sprintf("%d_%d_%d", d.Day, int(d.Month), d.Year)
}

// In returns midnight of the day in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDateKey accepts D_M_YYYY and YYYY_M_D.
func ParseDateKey(key string) (Date, error) {
	parts := strings.Split(strings.TrimSpace(key), "_")
	if len(parts) != 3 {
		return Date{}, scheduling.Validation("slot date %q must look like D_M_YYYY", key)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Date{}, scheduling.Validation("slot date %q must look like D_M_YYYY", key)
		}
		nums[i] = n
	}

	var d Date
	switch {
	case len(parts[0]) == 4:
		d = Date{Year: nums[0], Month: time.Month(nums[1]), Day: nums[2]}
	case len(parts[2]) == 4:
		d = Date{Year: nums[2], Month: time.Month(nums[1]), Day: nums[0]}
	default:
		return Date{}, scheduling.Validation("slot date %q has no four-digit year", key)
	}

	// time.Date normalizes overflow, so a round trip exposes 31_2_2024 and friends.
	if DateOf(d.In(time.UTC)) != d {
		return Date{}, scheduling.Validation("slot date %q is not a calendar day", key)
	}
	return d, nil
}

// Clock is a time of day in 24-hour terms.
type Clock struct {
	Hour   int
	Minute int
}

// String renders the canonical "hh:mm AM" form.
func (c Clock) String() string {
	suffix := "AM"
	h := c.Hour
	if h >= 12 {
		suffix = "PM"
	}
	h %= 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%02d:%02d %s", h, c.Minute, suffix)
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses "hh:mm AM/PM". 12 AM is hour 0, 12 PM stays 12, other PM hours add 12.
func ParseClock(s string) (Clock, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	var suffix string
	switch {
	case strings.HasSuffix(raw, "AM"):
		suffix = "AM"
	case strings.HasSuffix(raw, "PM"):
		suffix = "PM"
	default:
		return Clock{}, scheduling.Validation("slot time %q must end in AM or PM", s)
	}
	hm := strings.TrimSpace(strings.TrimSuffix(raw, suffix))
	hs, ms, ok := strings.Cut(hm, ":")
	if !ok || len(ms) != 2 {
		return Clock{}, scheduling.Validation("slot time %q must look like hh:mm AM", s)
	}
	hour, err := strconv.Atoi(hs)
	if err != nil || hour < 1 || hour > 12 {
		return Clock{}, scheduling.Validation("slot time %q has an invalid hour", s)
	}
	minute, err := strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, scheduling.Validation("slot time %q has an invalid minute", s)
	}

	switch {
	case suffix == "AM" && hour == 12:
		hour = 0
	case suffix == "PM" && hour != 12:
		hour += 12
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// Normalize validates a date key and clock string and returns their canonical forms.
func Normalize(dateKey, clock string) (Slot, error) {
	d, err := ParseDateKey(dateKey)
	if err != nil {
		return Slot{}, err
	}
	c, err := ParseClock(clock)
	if err != nil {
		return Slot{}, err
	}
	return Slot{DateKey: d.Key(), Time: c.String()}, nil
}

// ScheduledAt combines a slot's day and time into an absolute instant in loc.
func ScheduledAt(s Slot, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := ParseDateKey(s.DateKey)
	if err != nil {
		return time.Time{}, err
	}
	c, err := ParseClock(s.Time)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc), nil
}
