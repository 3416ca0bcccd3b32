// Package mapping computes small-area disease rates: standardized morbidity
// ratios with exact Poisson intervals, and empirical-Bayes smoothing that
// shrinks unstable small-population ratios toward the global mean.
package mapping

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

// Area is one geographic unit's observed and expected case counts.
type Area struct {
	Name     string
	Observed float64
	Expected float64
}

// SMR is the standardized morbidity ratio for one area.
type SMR struct {
	Name     string
	Ratio    float64
	Lower    float64
	Upper    float64
	Smoothed float64
}

// SMRs computes observed/expected ratios with (1-alpha) intervals based on
// the gamma representation of exact Poisson limits, plus empirical-Bayes
// smoothed ratios (method of moments on the ratio distribution).
func SMRs(areas []Area, alpha float64) ([]SMR, error) {
	if len(areas) == 0 {
		return nil, fmt.Errorf("mapping: no areas")
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("mapping: alpha must be in (0,1), got %g", alpha)
	}
	for _, a := range areas {
		if a.Expected <= 0 {
			return nil, fmt.Errorf("mapping: area %q has non-positive expected count %g", a.Name, a.Expected)
		}
		if a.Observed < 0 {
			return nil, fmt.Errorf("mapping: area %q has negative observed count %g", a.Name, a.Observed)
		}
	}

	out := make([]SMR, len(areas))
	for i, a := range areas {
		lo, hi := poissonInterval(a.Observed, alpha)
		out[i] = SMR{
			Name:  a.Name,
			Ratio: a.Observed / a.Expected,
			Lower: lo / a.Expected,
			Upper: hi / a.Expected,
		}
	}

	globalMean, shrinkVar := momentEstimates(areas)
	for i, a := range areas {
		// Shrinkage weight grows with the information (expected count) in
		// the area; sparse areas borrow more strength from the global mean.
		w := shrinkVar / (shrinkVar + globalMean/a.Expected)
		if shrinkVar == 0 {
			w = 0
		}
		out[i].Smoothed = w*out[i].Ratio + (1-w)*globalMean
	}
	return out, nil
}

// poissonInterval returns exact (1-alpha) limits for a Poisson count via the
// gamma quantile representation.
func poissonInterval(observed, alpha float64) (lower, upper float64) {
	if observed == 0 {
		lower = 0
	} else {
		lower = distuv.Gamma{Alpha: observed, Beta: 1}.Quantile(alpha / 2)
	}
	upper = distuv.Gamma{Alpha: observed + 1, Beta: 1}.Quantile(1 - alpha/2)
	return lower, upper
}

// momentEstimates returns the expected-count-weighted mean ratio and the
// between-area variance net of Poisson noise (floored at zero).
func momentEstimates(areas []Area) (mean, variance float64) {
	sumE, sumO := 0.0, 0.0
	for _, a := range areas {
		sumE += a.Expected
		sumO += a.Observed
	}
	mean = sumO / sumE

	num := 0.0
	for _, a := range areas {
		d := a.Observed/a.Expected - mean
		num += a.Expected * d * d
	}
	variance = num/sumE - mean*float64(len(areas))/sumE
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}
