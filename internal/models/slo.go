package models

import "time"

// BudgetStatus grades how fast an error budget is burning.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarn     BudgetStatus = "warn"
	BudgetCritical BudgetStatus = "critical"
)

// ErrorBudget is the derived budget arithmetic for one target-bound SLO.
type ErrorBudget struct {
	ConsumedPct       float64      `json:"consumedPct"`
	RemainingPct      float64      `json:"remainingPct"`
	BurnRatePctPerDay float64      `json:"burnRatePctPerDay"`
	Status            BudgetStatus `json:"status"`
}

// SLOSnapshot is a dated, immutable summary of the rolling window.
type SLOSnapshot struct {
	GeneratedAt       time.Time              `json:"generatedAt"`
	WindowDays        int                    `json:"windowDays"`
	RequestCount      int                    `json:"requestCount"`
	AvailabilityPct   float64                `json:"availabilityPct"`
	P50Ms             float64                `json:"p50Ms"`
	P95Ms             float64                `json:"p95Ms"`
	P99Ms             float64                `json:"p99Ms"`
	WebhookSuccessPct float64                `json:"webhookSuccessPct"`
	Budgets           map[string]ErrorBudget `json:"budgets"`
	Breaches          []string               `json:"breaches"`
	Status            string                 `json:"status"` // "ok" or "breach"
}

// Breached reports whether the named SLO is in the breach list.
func (s *SLOSnapshot) Breached(name string) bool {
	for _, b := range s.Breaches {
		if b == name {
			return true
		}
	}
	return false
}

// Age returns how stale the snapshot is at now.
func (s *SLOSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.GeneratedAt)
}

// WorstBudget returns the most severe budget status across all targets.
func (s *SLOSnapshot) WorstBudget() BudgetStatus {
	worst := BudgetOK
	for _, b := range s.Budgets {
		switch b.Status {
		case BudgetCritical:
			return BudgetCritical
		case BudgetWarn:
			worst = BudgetWarn
		}
	}
	return worst
}
