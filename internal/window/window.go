// Package window decides whether a notification window is open at a given instant.
package window

import (
	"time"
	_ "time/tzdata"
)

const (
	// LoungeBand is the last minute past the hour (inclusive) at which the
	// lounge queue notification may still fire.
	LoungeBand = 2
	// LoungeCloseMinute is the minute at which the lounge queue closes.
	LoungeCloseMinute = 55

	SQLeadTime = 45 * time.Minute
	SQBand     = 2 * time.Minute
)

// DefaultLocation is Europe/Paris, resolved from the embedded tzdata.
var DefaultLocation = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("window: load " + name + ": " + err.Error())
	}
	return loc
}

// LoungeQueueOpen reports whether now falls in minutes [0, LoungeBand] of the hour in loc.
func LoungeQueueOpen(now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = DefaultLocation
	}
	return now.In(loc).Minute() <= LoungeBand
}

// SQQueueOpen reports whether now is within SQBand after the queue for an event
// at eventTime opened (eventTime - SQLeadTime). Both bounds are inclusive.
func SQQueueOpen(now, eventTime time.Time) bool {
	since := now.Sub(eventTime.Add(-SQLeadTime))
	return since >= 0 && since <= SQBand
}

// SQOpensAt is the instant the queue for an event at eventTime opens.
func SQOpensAt(eventTime time.Time) time.Time { return eventTime.Add(-SQLeadTime) }

type Info struct {
	CurrentHour    int  `json:"currentHour"`
	CurrentMinutes int  `json:"currentMinutes"`
	NextHour       int  `json:"nextHour"`
	QueueOpen      bool `json:"queueOpen"`
	ClosesIn       int  `json:"closesIn"`
}

// LoungeInfo describes the lounge queue state at now in loc.
func LoungeInfo(now time.Time, loc *time.Location) Info {
	if loc == nil {
		loc = DefaultLocation
	}
	t := now.In(loc)
	// ClosesIn goes negative once the queue has closed.
	return Info{
		CurrentHour:    t.Hour(),
		CurrentMinutes: t.Minute(),
		NextHour:       (t.Hour() + 1) % 24,
		QueueOpen:      t.Minute() < LoungeCloseMinute,
		ClosesIn:       LoungeCloseMinute - t.Minute(),
	}
}
