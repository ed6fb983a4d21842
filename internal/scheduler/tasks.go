package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veldt-labs/opsplane/internal/models"
)

// Task names registered by the composition root. Bodies live with their
// owning components; the scheduler only knows names and firing rules.
const (
	TaskDailyBrief       = "daily_brief"
	TaskDailyReport      = "daily_report"
	TaskSelfHeal         = "self_heal"
	TaskSLORecompute     = "slo_recompute"
	TaskProductionAlerts = "production_alerts"
	TaskRetention        = "retention"
	TaskIncidentSummary  = "incident_summary"
	TaskWeeklyPulse      = "weekly_pulse"
)

// DefaultTasks is the standing task table. Debounce windows sit just under
// the firing interval so clock skew across restarts cannot double-fire.
func DefaultTasks() []models.Task {
	return []models.Task{
		{Name: TaskDailyBrief, When: models.Daily(8, 0), Debounce: 55 * time.Minute, Priority: models.PriorityNormal},
		{Name: TaskDailyReport, When: models.Daily(9, 0), Debounce: 55 * time.Minute, Priority: models.PriorityNormal},
		{Name: TaskSelfHeal, When: models.Every(6 * time.Hour), Debounce: 5 * time.Hour, Priority: models.PriorityHigh, Critical: true},
		{Name: TaskSLORecompute, When: models.Every(15 * time.Minute), Debounce: 10 * time.Minute, Priority: models.PriorityHigh, Critical: true},
		{Name: TaskProductionAlerts, When: models.Every(5 * time.Minute), Debounce: 4 * time.Minute, Priority: models.PriorityCritical, Critical: true},
		{Name: TaskRetention, When: models.Daily(2, 30), Debounce: 23 * time.Hour, Priority: models.PriorityLow},
		{Name: TaskIncidentSummary, When: models.Every(time.Hour), Debounce: 50 * time.Minute, Priority: models.PriorityLow},
		{Name: TaskWeeklyPulse, When: models.Weekly(time.Monday, 9, 30), Debounce: 6 * 24 * time.Hour, Priority: models.PriorityLow},
	}
}

// compiled pairs a task with its parsed wall-clock schedule.
type compiled struct {
	task models.Task
	cron cron.Schedule // nil for interval rules
}

func compile(t models.Task) (compiled, error) {
	c := compiled{task: t}
	switch t.When.Kind {
	case models.WhenDaily:
		s, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", t.When.Minute, t.When.Hour))
		if err != nil {
			return c, fmt.Errorf("task %s: %w", t.Name, err)
		}
		c.cron = s
	case models.WhenWeekly:
		s, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %d", t.When.Minute, t.When.Hour, int(t.When.Weekday)))
		if err != nil {
			return c, fmt.Errorf("task %s: %w", t.Name, err)
		}
		c.cron = s
	case models.WhenEvery:
		if t.When.Interval < time.Minute {
			return c, fmt.Errorf("task %s: interval %s under one tick", t.Name, t.When.Interval)
		}
	}
	return c, nil
}

// due reports whether minute is a firing moment for the rule. minute is
// truncated to the tick grid; lastRun is zero when the task never fired.
func (c compiled) due(minute, lastRun time.Time) bool {
	if c.cron != nil {
		// A wall-clock rule fires when the minute itself is the next
		// activation seen from just before it.
		return c.cron.Next(minute.Add(-time.Second)).Equal(minute)
	}
	if lastRun.IsZero() {
		return true
	}
	return minute.Sub(lastRun) >= c.task.When.Interval
}
