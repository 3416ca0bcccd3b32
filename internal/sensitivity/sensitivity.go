// Package sensitivity quantifies how fragile an estimated effect is:
// E-values for unmeasured confounding and multiplicity adjustment for
// families of p-values.
package sensitivity

import (
	"fmt"
	"math"
	"sort"
)

// EValue returns the minimum strength of association (on the risk-ratio
// scale) an unmeasured confounder would need with both exposure and outcome
// to fully explain away the observed risk ratio. Ratios below 1 are inverted
// first; a null ratio returns 1.
func EValue(riskRatio float64) (float64, error) {
	if riskRatio <= 0 || math.IsNaN(riskRatio) || math.IsInf(riskRatio, 0) {
		return 0, fmt.Errorf("sensitivity: risk ratio must be finite positive, got %g", riskRatio)
	}
	rr := riskRatio
	if rr < 1 {
		rr = 1 / rr
	}
	return rr + math.Sqrt(rr*(rr-1)), nil
}

// EValueBound returns the E-value for the interval limit closer to the null:
// the confounding strength needed to move the interval to include 1. Returns
// 1 when the interval already crosses the null.
func EValueBound(riskRatio, lower, upper float64) (float64, error) {
	if lower > upper {
		return 0, fmt.Errorf("sensitivity: interval [%g, %g] is inverted", lower, upper)
	}
	if lower <= 1 && upper >= 1 {
		return 1, nil
	}
	limit := lower
	if riskRatio < 1 {
		limit = upper
	}
	return EValue(limit)
}

// Method selects the multiple-comparison adjustment.
type Method int

const (
	// Bonferroni controls the family-wise error rate by multiplying each
	// p-value by the number of tests.
	Bonferroni Method = iota
	// Holm is the uniformly more powerful step-down version of Bonferroni.
	Holm
	// BenjaminiHochberg controls the false discovery rate.
	BenjaminiHochberg
)

func (m Method) String() string {
	switch m {
	case Bonferroni:
		return "bonferroni"
	case Holm:
		return "holm"
	case BenjaminiHochberg:
		return "benjamini-hochberg"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// AdjustPValues returns adjusted p-values in the input order, capped at 1.
func AdjustPValues(p []float64, method Method) ([]float64, error) {
	n := len(p)
	if n == 0 {
		return nil, fmt.Errorf("sensitivity: no p-values")
	}
	for i, v := range p {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return nil, fmt.Errorf("sensitivity: p-value %g at index %d outside [0,1]", v, i)
		}
	}

	out := make([]float64, n)
	switch method {
	case Bonferroni:
		for i, v := range p {
			out[i] = math.Min(1, v*float64(n))
		}

	case Holm:
		order := sortedOrder(p)
		running := 0.0
		for rank, idx := range order {
			adj := p[idx] * float64(n-rank)
			// Enforce monotonicity down the step sequence.
			running = math.Max(running, adj)
			out[idx] = math.Min(1, running)
		}

	case BenjaminiHochberg:
		order := sortedOrder(p)
		running := 1.0
		for rank := n - 1; rank >= 0; rank-- {
			idx := order[rank]
			adj := p[idx] * float64(n) / float64(rank+1)
			running = math.Min(running, adj)
			out[idx] = math.Min(1, running)
		}

	default:
		return nil, fmt.Errorf("sensitivity: unknown adjustment method %d", int(method))
	}
	return out, nil
}

func sortedOrder(p []float64) []int {
	order := make([]int, len(p))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })
	return order
}
