// Package survival provides nonparametric time-to-event estimation for
// emulated-trial follow-up: Kaplan-Meier survival curves with Greenwood
// standard errors, optionally weighted by inverse-probability-of-censoring
// weights.
package survival

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// Curve is a fitted Kaplan-Meier estimate. Slices are aligned: entry i
// describes the distinct event/censoring time Time[i].
type Curve struct {
	Time     []float64
	Survival []float64
	StdErr   []float64
	NRisk    []float64
	NEvent   []float64
}

// Fit estimates the survival function from follow-up times and event
// indicators (true = event, false = censored).
func Fit(time []float64, event []bool) (*Curve, error) {
	return FitWeighted(time, event, nil)
}

// FitWeighted estimates a weighted survival function; the at-risk and event
// counts become weight sums. A nil weight slice means uniform weights.
// Standard errors use Greenwood's formula on the (weighted) counts.
func FitWeighted(time []float64, event []bool, weights []float64) (*Curve, error) {
	n := len(time)
	if n == 0 {
		return nil, fmt.Errorf("survival: empty sample")
	}
	if len(event) != n {
		return nil, fmt.Errorf("survival: %d events for %d times", len(event), n)
	}
	if weights != nil && len(weights) != n {
		return nil, fmt.Errorf("survival: %d weights for %d times", len(weights), n)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return time[order[a]] < time[order[b]] })

	weightAt := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}
	totalWeight := 0.0
	for i := 0; i < n; i++ {
		totalWeight += weightAt(i)
	}

	c := &Curve{}
	atRisk := totalWeight
	surv := 1.0
	greenwood := 0.0

	i := 0
	for i < n {
		t := time[order[i]]
		events, removed := 0.0, 0.0
		for i < n && time[order[i]] == t {
			w := weightAt(order[i])
			if event[order[i]] {
				events += w
			}
			removed += w
			i++
		}

		if events > 0 {
			if atRisk <= 0 {
				return nil, fmt.Errorf("survival: no weight at risk at time %g", t)
			}
			surv *= 1 - events/atRisk
			if atRisk > events {
				greenwood += events / (atRisk * (atRisk - events))
			}
		}

		c.Time = append(c.Time, t)
		c.Survival = append(c.Survival, surv)
		c.StdErr = append(c.StdErr, math.Abs(surv)*math.Sqrt(greenwood))
		c.NRisk = append(c.NRisk, atRisk)
		c.NEvent = append(c.NEvent, events)

		atRisk -= removed
	}
	return c, nil
}

// At returns the survival probability at time t (step-function convention:
// the estimate from the latest event time not after t).
func (c *Curve) At(t float64) float64 {
	s := 1.0
	for i, ct := range c.Time {
		if ct > t {
			break
		}
		s = c.Survival[i]
	}
	return s
}

// Median returns the smallest time at which survival drops to 0.5 or below,
// or NaN when the curve never reaches it.
func (c *Curve) Median() float64 {
	for i, s := range c.Survival {
		if s <= 0.5 {
			return c.Time[i]
		}
	}
	return math.NaN()
}

// ConfidenceBand returns pointwise (1-alpha) Wald bands clipped to [0,1].
func (c *Curve) ConfidenceBand(alpha float64) (lower, upper []float64) {
	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - alpha/2)
	lower = make([]float64, len(c.Survival))
	upper = make([]float64, len(c.Survival))
	for i, s := range c.Survival {
		lo := s - z*c.StdErr[i]
		hi := s + z*c.StdErr[i]
		lower[i] = math.Max(0, lo)
		upper[i] = math.Min(1, hi)
	}
	return lower, upper
}
