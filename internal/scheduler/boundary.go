// Package scheduler owns the timing of the bridge: when measurements go out,
// when rankings are polled, and what the countdown display shows.
package scheduler

import (
	"time"
)

// NextSendTime returns the first send boundary strictly after now.
//
// Boundaries are anchored to the top of now's hour: the start minute plus
// whole multiples of the interval. Minutes are counted linearly and never
// wrap, so start 50 with interval 30 yields :50, then 20 past the NEXT hour,
// and an interval above 60 simply lands in a later hour.
func NextSendTime(now time.Time, startMinute, intervalMinutes int) time.Time {
	if intervalMinutes < 1 {
		intervalMinutes = 1
	}
	if startMinute < 0 {
		startMinute = 0
	} else if startMinute > 59 {
		startMinute = 59
	}

	cur := now.Minute()

	boundary := startMinute
	if cur >= startMinute {
		steps := (cur-startMinute)/intervalMinutes + 1
		boundary = startMinute + steps*intervalMinutes
	}

	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	candidate := hour.Add(time.Duration(boundary) * time.Minute)

	// The math above already lands strictly past now under a sane clock.
	// Step once more if the wall clock moved oddly.
	if !candidate.After(now) {
		candidate = candidate.Add(time.Duration(intervalMinutes) * time.Minute)
	}

	return candidate
}

// NextSendDelay returns how long from now until the next send boundary.
func NextSendDelay(now time.Time, startMinute, intervalMinutes int) time.Duration {
	return NextSendTime(now, startMinute, intervalMinutes).Sub(now)
}

// CountdownMinutes returns whole minutes until the next boundary, rounded up
// so a partial minute still counts, and never negative.
func CountdownMinutes(now time.Time, startMinute, intervalMinutes int) int {
	delay := NextSendDelay(now, startMinute, intervalMinutes)
	if delay <= 0 {
		return 0
	}

	mins := int(delay / time.Minute)
	if delay%time.Minute != 0 {
		mins++
	}

	return mins
}
