package metrics

import "sort"

// Percentile returns the pth percentile of values using the
// non-interpolating rule: sort ascending, take the value at index
// floor(p/100 * len) clamped to [0, len-1]. Deterministic and trivially
// correct on a bounded window. Returns 0 for an empty slice.
func Percentile(values []float64, p int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := p * len(sorted) / 100
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
