// Package weights converts fitted propensity models into per-observation
// inverse-probability weights with stabilization and percentile truncation.
// Truncation is a deliberate bias/variance trade-off and is always reported
// in the diagnostics rather than applied silently.
package weights

import (
	"fmt"
	"math"
	"sort"

	"github.com/epiforge/epiforge/internal/frame"
)

// DefaultTruncationPercentile is the upper percentile at which weights are
// truncated when the caller does not configure one.
const DefaultTruncationPercentile = 0.99

// DefaultExtremeFraction is the truncated-sample fraction above which an
// ExtremeWeightError is raised, flagging a likely positivity violation.
const DefaultExtremeFraction = 0.05

// Options configures weight computation.
type Options struct {
	// TruncationPercentile bounds weight variance; 0 means the default 99th.
	TruncationPercentile float64
	// ExtremeFraction is the truncated fraction that triggers
	// ExtremeWeightError; 0 means the default 5%.
	ExtremeFraction float64
	// Stabilize multiplies weights by the marginal treatment probability.
	Stabilize bool
}

// Vector is one non-negative weight per row, aligned to frame row order,
// together with the diagnostics accumulated while building it.
type Vector struct {
	Values []float64

	Stabilized           bool
	TruncationPercentile float64
	TruncationThreshold  float64
	TruncatedCount       int
	TruncatedFraction    float64

	Overlap OverlapSummary
}

// OverlapSummary describes the propensity distribution so callers can judge
// the positivity assumption.
type OverlapSummary struct {
	MinPropensity   float64
	MaxPropensity   float64
	MeanWeight      float64
	MedianWeight    float64
	MaxWeight       float64
	EffectiveSize   float64 // Kish effective sample size
	MarginalTreated float64
}

// ExtremeWeightError flags that truncation affected more of the sample than
// the configured fraction allows. Non-fatal: callers may downgrade it to a
// diagnostic attached to the estimate.
type ExtremeWeightError struct {
	Fraction  float64
	Threshold float64
}

func (e *ExtremeWeightError) Error() string {
	return fmt.Sprintf("extreme weights: truncation affected %.1f%% of the sample (limit %.1f%%); positivity/overlap assumption is suspect",
		e.Fraction*100, e.Threshold*100)
}

// IPTW computes inverse-probability-of-treatment weights for a binary
// exposure from fitted propensity scores:
//
//	w_i = a_i/p_i + (1-a_i)/(1-p_i)
//
// The returned error, if any, is an *ExtremeWeightError; the weight vector is
// still valid and usable in that case.
func IPTW(f *frame.Frame, exposure string, propensity []float64, opts Options) (*Vector, error) {
	a, err := f.Column(exposure)
	if err != nil {
		return nil, err
	}
	if len(propensity) != len(a) {
		return nil, fmt.Errorf("weights: %d propensity scores for %d rows", len(propensity), len(a))
	}
	if !f.IsBinary(exposure) {
		return nil, &frame.InputValidationError{Role: "exposure", Column: exposure, Reason: "IPTW requires a binary exposure"}
	}

	v := &Vector{
		Values:               make([]float64, len(a)),
		TruncationPercentile: opts.TruncationPercentile,
	}
	if v.TruncationPercentile == 0 {
		v.TruncationPercentile = DefaultTruncationPercentile
	}
	extremeLimit := opts.ExtremeFraction
	if extremeLimit == 0 {
		extremeLimit = DefaultExtremeFraction
	}

	marginal := mean(a)
	v.Overlap.MarginalTreated = marginal
	v.Overlap.MinPropensity = math.Inf(1)
	v.Overlap.MaxPropensity = math.Inf(-1)

	for i, ai := range a {
		p := propensity[i]
		if p < v.Overlap.MinPropensity {
			v.Overlap.MinPropensity = p
		}
		if p > v.Overlap.MaxPropensity {
			v.Overlap.MaxPropensity = p
		}
		p = clampProbability(p)
		if ai == 1 {
			v.Values[i] = 1 / p
			if opts.Stabilize {
				v.Values[i] *= marginal
			}
		} else {
			v.Values[i] = 1 / (1 - p)
			if opts.Stabilize {
				v.Values[i] *= 1 - marginal
			}
		}
	}
	v.Stabilized = opts.Stabilize

	v.TruncationThreshold, v.TruncatedCount = Truncate(v.Values, v.TruncationPercentile)
	v.TruncatedFraction = float64(v.TruncatedCount) / float64(len(a))
	v.fillOverlap()

	if v.TruncatedFraction > extremeLimit {
		return v, &ExtremeWeightError{Fraction: v.TruncatedFraction, Threshold: extremeLimit}
	}
	return v, nil
}

// Censoring converts uncensoring probabilities into inverse-probability-of-
// censoring weights, truncated at the same percentile convention as IPTW.
// Rows already censored get weight zero.
func Censoring(uncensoredProb []float64, censored []bool, percentile float64) *Vector {
	if percentile == 0 {
		percentile = DefaultTruncationPercentile
	}
	v := &Vector{
		Values:               make([]float64, len(uncensoredProb)),
		TruncationPercentile: percentile,
	}
	for i, p := range uncensoredProb {
		if censored[i] {
			continue
		}
		v.Values[i] = 1 / clampProbability(p)
	}
	v.TruncationThreshold, v.TruncatedCount = Truncate(v.Values, percentile)
	if len(v.Values) > 0 {
		v.TruncatedFraction = float64(v.TruncatedCount) / float64(len(v.Values))
	}
	v.fillOverlap()
	return v
}

// Truncate caps values above the given upper percentile in place and returns
// the threshold and the number of affected entries. The threshold is the
// ceil(q*n)-th order statistic rather than an interpolated quantile: an
// interpolated threshold drifts downward when recomputed on truncated data,
// while an order statistic makes truncation idempotent.
func Truncate(values []float64, percentile float64) (threshold float64, affected int) {
	n := len(values)
	if n == 0 {
		return math.NaN(), 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(percentile*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	threshold = sorted[idx]
	for i, v := range values {
		if v > threshold {
			values[i] = threshold
			affected++
		}
	}
	return threshold, affected
}

// Quantile computes the q-th quantile with linear interpolation between order
// statistics at position q*(n+1).
func Quantile(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(n+1)
	idx := int(math.Floor(pos)) - 1
	frac := pos - math.Floor(pos)

	if idx < 0 {
		return sorted[0]
	}
	if idx >= n-1 {
		return sorted[n-1]
	}
	return sorted[idx] + frac*(sorted[idx+1]-sorted[idx])
}

// Sum returns the total weight. A valid vector sums to a finite positive
// value.
func (v *Vector) Sum() float64 {
	s := 0.0
	for _, w := range v.Values {
		s += w
	}
	return s
}

// Validate checks the weight-vector invariants: non-negative entries and a
// finite positive sum.
func (v *Vector) Validate() error {
	for i, w := range v.Values {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weights: invalid weight %g at row %d", w, i)
		}
	}
	s := v.Sum()
	if s <= 0 || math.IsInf(s, 0) {
		return fmt.Errorf("weights: sum %g is not finite positive", s)
	}
	return nil
}

// Diagnostics flattens the weight diagnostics for attachment to an estimate.
func (v *Vector) Diagnostics() map[string]float64 {
	return map[string]float64{
		"weight_truncation_percentile": v.TruncationPercentile,
		"weight_truncation_threshold":  v.TruncationThreshold,
		"weight_truncated_fraction":    v.TruncatedFraction,
		"weight_mean":                  v.Overlap.MeanWeight,
		"weight_median":                v.Overlap.MedianWeight,
		"weight_max":                   v.Overlap.MaxWeight,
		"weight_effective_n":           v.Overlap.EffectiveSize,
		"propensity_min":               v.Overlap.MinPropensity,
		"propensity_max":               v.Overlap.MaxPropensity,
	}
}

func (v *Vector) fillOverlap() {
	sum, sumSq, max := 0.0, 0.0, 0.0
	for _, w := range v.Values {
		sum += w
		sumSq += w * w
		if w > max {
			max = w
		}
	}
	if len(v.Values) > 0 {
		v.Overlap.MeanWeight = sum / float64(len(v.Values))
		// The mean/median gap is the quickest read on weight skew.
		v.Overlap.MedianWeight = Quantile(v.Values, 0.5)
	}
	v.Overlap.MaxWeight = max
	if sumSq > 0 {
		v.Overlap.EffectiveSize = sum * sum / sumSq
	}
}

func clampProbability(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

func mean(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
