package slots

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotStrings(seq []Slot) []string {
	out := make([]string, len(seq))
	for i, s := range seq {
		out[i] = s.String()
	}
	return out
}

func TestCandidatesRoundsForwardAndSkipsBooked(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	w := Window{Days: 2, StepMinutes: 30, DayStartHour: 10, DayEndHour: 12}
	booked := Booked{}
	booked.Add(Slot{DateKey: "2_5_2024", Time: "10:30 AM"})

	got := slotStrings(slices.Collect(Candidates(booked, ref, w)))
	assert.Equal(t, []string{
		"1_5_2024 10:30 AM",
		"1_5_2024 11:00 AM",
		"1_5_2024 11:30 AM",
		"2_5_2024 10:00 AM",
		"2_5_2024 11:00 AM",
		"2_5_2024 11:30 AM",
	}, got)
}

func TestCandidatesIncludesExactBoundary(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	w := Window{Days: 1, StepMinutes: 60, DayStartHour: 10, DayEndHour: 12}
	got := slotStrings(slices.Collect(Candidates(nil, ref, w)))
	assert.Equal(t, []string{"1_5_2024 10:00 AM", "1_5_2024 11:00 AM"}, got)
}

func TestCandidatesNeverOffersPastSlots(t *testing.T) {
	ref := time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)
	w := Window{Days: 2, StepMinutes: 30, DayStartHour: 10, DayEndHour: 11}
	got := slotStrings(slices.Collect(Candidates(nil, ref, w)))
	assert.Equal(t, []string{"2_5_2024 10:00 AM", "2_5_2024 10:30 AM"}, got)

	for _, s := range slices.Collect(Candidates(nil, ref, DefaultWindow)) {
		at, err := ScheduledAt(s, time.UTC)
		require.NoError(t, err)
		assert.False(t, at.Before(ref), "slot %s is in the past", s)
	}
}

func TestCandidatesIsRestartableAndLazy(t *testing.T) {
	ref := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	seq := Candidates(nil, ref, DefaultWindow)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)
	// 7 days of 22 half-hour slots between 10:00 and 21:00.
	assert.Len(t, first, 7*22)

	var taken []Slot
	for s := range seq {
		taken = append(taken, s)
		if len(taken) == 3 {
			break
		}
	}
	assert.Equal(t, first[:3], taken)
}

func TestCandidatesCrossesMonthBoundary(t *testing.T) {
	ref := time.Date(2024, 4, 30, 20, 45, 0, 0, time.UTC)
	w := Window{Days: 2, StepMinutes: 30, DayStartHour: 10, DayEndHour: 21}.Extend(0)
	got := slices.Collect(Candidates(nil, ref, w))
	require.NotEmpty(t, got)
	assert.Equal(t, "1_5_2024", got[0].DateKey)
	assert.Equal(t, "10:00 AM", got[0].Time)
}

func TestWindowExtendAndValidate(t *testing.T) {
	w := DefaultWindow.Extend(2)
	assert.Equal(t, 9, w.Days)
	assert.Equal(t, 7, DefaultWindow.Days)

	assert.Error(t, Window{Days: 0, StepMinutes: 30, DayStartHour: 10, DayEndHour: 21}.Validate())
	assert.Error(t, Window{Days: 1, StepMinutes: 0, DayStartHour: 10, DayEndHour: 21}.Validate())
	assert.Error(t, Window{Days: 1, StepMinutes: 30, DayStartHour: 21, DayEndHour: 10}.Validate())
	assert.Empty(t, slices.Collect(Candidates(nil, time.Now(), Window{})))

	keys := Window{Days: 3}.DateKeys(time.Date(2024, 12, 31, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"31_12_2024", "1_1_2025", "2_1_2025"}, keys)
}
