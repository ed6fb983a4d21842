package models

import (
	"fmt"
	"time"
)

// WhenKind distinguishes wall-clock schedules from fixed intervals.
type WhenKind int

const (
	// WhenDaily fires at a fixed HH:MM UTC each day.
	WhenDaily WhenKind = iota
	// WhenEvery fires once per fixed interval.
	WhenEvery
	// WhenWeekly fires at HH:MM UTC on a fixed weekday.
	WhenWeekly
)

// When is a task's firing rule.
type When struct {
	Kind     WhenKind
	Hour     int
	Minute   int
	Weekday  time.Weekday
	Interval time.Duration
}

// Daily builds a wall-clock rule firing at hh:mm UTC.
func Daily(hh, mm int) When { return When{Kind: WhenDaily, Hour: hh, Minute: mm} }

// Every builds an interval rule.
func Every(d time.Duration) When { return When{Kind: WhenEvery, Interval: d} }

// Weekly builds a rule firing at hh:mm UTC on the given weekday.
func Weekly(day time.Weekday, hh, mm int) When {
	return When{Kind: WhenWeekly, Weekday: day, Hour: hh, Minute: mm}
}

// String renders the rule for logs and events.
func (w When) String() string {
	switch w.Kind {
	case WhenDaily:
		return fmt.Sprintf("daily %02d:%02d UTC", w.Hour, w.Minute)
	case WhenWeekly:
		return fmt.Sprintf("%s %02d:%02d UTC", w.Weekday, w.Hour, w.Minute)
	default:
		return fmt.Sprintf("every %s", w.Interval)
	}
}

// Task is a static scheduled-task record. The scheduler owns last-fired
// marks; the task body runs on queue workers, never on the scheduler loop.
type Task struct {
	Name         string
	When         When
	Debounce     time.Duration
	RequiresFlag string
	// Critical tasks are never deferred under backpressure.
	Critical bool
	// Priority the task body is enqueued with.
	Priority Priority
}
