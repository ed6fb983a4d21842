package metrics

import "github.com/veldt-labs/opsplane/internal/models"

// budget derives the error-budget arithmetic for one SLO. For a target T
// the allowed failure share is 100-T; with observed success A the consumed
// share is (100-A)/(100-T)*100, clamped to [0, inf). Burn rate is consumed
// spread over the window, so a shorter window at the same consumption burns
// faster. burnCritical is the daily burn-rate threshold in percent of budget
// per day (the "2% of the monthly budget consumed in a day" reading).
func budget(targetPct, observedPct float64, windowDays int, burnCritical float64) models.ErrorBudget {
	allowed := 100 - targetPct
	var consumed float64
	switch {
	case allowed > 0:
		consumed = (100 - observedPct) / allowed * 100
	case observedPct < 100:
		// A 100% target has no budget at all: any failure is full burn.
		consumed = 100
	}
	if consumed < 0 {
		consumed = 0
	}
	if windowDays < 1 {
		windowDays = 1
	}
	burn := consumed / float64(windowDays)

	status := models.BudgetOK
	switch {
	case burn > burnCritical:
		status = models.BudgetCritical
	case consumed > 50:
		status = models.BudgetWarn
	}
	return models.ErrorBudget{
		ConsumedPct:       round2(consumed),
		RemainingPct:      round2(100 - consumed),
		BurnRatePctPerDay: round2(burn),
		Status:            status,
	}
}

func round2(f float64) float64 {
	if f < 0 {
		return float64(int64(f*100-0.5)) / 100
	}
	return float64(int64(f*100+0.5)) / 100
}
