// Package transmission estimates reproduction numbers from incidence series
// and flags outbreaks against an adaptive baseline.
package transmission

import (
	"fmt"
	"math"

	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/nuisance"
)

// SerialInterval parameterizes the generation-time distribution by its mean
// and standard deviation (gamma shape implied).
type SerialInterval struct {
	Mean float64
	SD   float64
}

// R0Result reports the basic reproduction number estimated from the early
// exponential growth phase.
type R0Result struct {
	R0         float64
	GrowthRate float64
	// DoublingTime is ln(2)/r; +Inf when the epidemic is not growing.
	DoublingTime float64
}

// EstimateR0 fits a log-linear (Poisson) regression of incident counts on
// time and converts the growth rate to R0 through the gamma-distributed
// serial interval (Wallinga-Lipsitch):
//
//	R0 = (1 + r*theta)^k,  k = m^2/s^2, theta = s^2/m
func EstimateR0(times, counts []float64, si SerialInterval) (*R0Result, error) {
	if len(times) != len(counts) {
		return nil, fmt.Errorf("transmission: %d times for %d counts", len(times), len(counts))
	}
	if si.Mean <= 0 || si.SD <= 0 {
		return nil, fmt.Errorf("transmission: serial interval mean and sd must be positive")
	}

	f, err := frame.New([]string{"t", "cases"}, [][]float64{times, counts})
	if err != nil {
		return nil, err
	}
	model, err := nuisance.Fit(f, "cases", []string{"t"}, nuisance.Poisson)
	if err != nil {
		return nil, err
	}
	r := model.Coefficients()[1]

	k := si.Mean * si.Mean / (si.SD * si.SD)
	theta := si.SD * si.SD / si.Mean
	base := 1 + r*theta
	if base <= 0 {
		return nil, fmt.Errorf("transmission: growth rate %g too negative for serial interval", r)
	}

	res := &R0Result{
		R0:           math.Pow(base, k),
		GrowthRate:   r,
		DoublingTime: math.Inf(1),
	}
	if r > 0 {
		res.DoublingTime = math.Ln2 / r
	}
	return res, nil
}

// CaseReproduction computes per-day effective reproduction numbers by the
// Wallinga-Teunis method: each case on day j is attributed fractionally to
// earlier days in proportion to the serial-interval density, and R_t is the
// expected number of secondary cases per case with onset on day t.
//
// The counts slice must be a daily incidence series (index = day).
func CaseReproduction(counts []float64, si SerialInterval) ([]float64, error) {
	n := len(counts)
	if n == 0 {
		return nil, fmt.Errorf("transmission: empty incidence series")
	}
	if si.Mean <= 0 || si.SD <= 0 {
		return nil, fmt.Errorf("transmission: serial interval mean and sd must be positive")
	}

	// Discretized gamma serial-interval density over lags 1..n-1.
	w := make([]float64, n)
	k := si.Mean * si.Mean / (si.SD * si.SD)
	theta := si.SD * si.SD / si.Mean
	total := 0.0
	for lag := 1; lag < n; lag++ {
		w[lag] = gammaDensity(float64(lag), k, theta)
		total += w[lag]
	}
	if total > 0 {
		for lag := 1; lag < n; lag++ {
			w[lag] /= total
		}
	}

	r := make([]float64, n)
	for t := 0; t < n; t++ {
		if counts[t] == 0 {
			r[t] = math.NaN()
			continue
		}
		// Expected secondary cases caused by one case with onset at t.
		sum := 0.0
		for j := t + 1; j < n; j++ {
			denom := 0.0
			for i := 0; i < j; i++ {
				denom += counts[i] * w[j-i]
			}
			if denom > 0 {
				sum += counts[j] * w[j-t] / denom
			}
		}
		r[t] = sum
	}
	return r, nil
}

func gammaDensity(x, k, theta float64) float64 {
	if x <= 0 {
		return 0
	}
	lg, _ := math.Lgamma(k)
	return math.Exp((k-1)*math.Log(x) - x/theta - k*math.Log(theta) - lg)
}
