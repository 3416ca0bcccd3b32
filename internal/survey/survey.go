// Package survey fits design-weighted regressions for complex-sample data
// (sampling weights, clustering, stratification) and reports
// linearization-based (sandwich) standard errors.
package survey

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/nuisance"
)

// Design declares the survey structure of a frame.
type Design struct {
	// Weight names the sampling-weight column; required.
	Weight string
	// Cluster names the primary-sampling-unit column; empty means rows are
	// independent.
	Cluster string
	// Strata names the stratification column; empty means a single stratum.
	Strata string
}

// Result is one fitted design-weighted regression.
type Result struct {
	Covariates   []string // intercept first
	Coefficients []float64
	StdErr       []float64
	Lower        []float64
	Upper        []float64
	Level        float64

	// DesignEffect is the ratio of effective to nominal sample size implied
	// by weight variability (Kish approximation).
	DesignEffect float64
	EffectiveN   float64
	Clusters     int
}

// Fit runs a weighted GLM of target on covariates and computes cluster-robust
// sandwich variance. Family selection follows the target's measurement scale.
func Fit(f *frame.Frame, d Design, target string, covariates []string, alpha float64) (*Result, error) {
	if d.Weight == "" {
		return nil, &frame.InputValidationError{Role: "weight", Reason: "survey analysis requires a weight column"}
	}
	w, err := f.Column(d.Weight)
	if err != nil {
		return nil, err
	}
	for i, v := range w {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &frame.InputValidationError{Role: "weight", Column: d.Weight,
				Reason: fmt.Sprintf("invalid sampling weight %g at row %d", v, i)}
		}
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("survey: alpha must be in (0,1), got %g", alpha)
	}

	family := nuisance.FamilyFor(f, target)
	model, err := nuisance.FitWeighted(f, target, covariates, family, w)
	if err != nil {
		return nil, err
	}

	cov, clusters, err := sandwich(f, d, model, w)
	if err != nil {
		return nil, err
	}

	beta := model.Coefficients()
	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - alpha/2)
	res := &Result{
		Covariates:   append([]string{"(intercept)"}, model.Covariates()...),
		Coefficients: beta,
		StdErr:       make([]float64, len(beta)),
		Lower:        make([]float64, len(beta)),
		Upper:        make([]float64, len(beta)),
		Level:        1 - alpha,
		Clusters:     clusters,
	}
	for j := range beta {
		se := math.Sqrt(cov.At(j, j))
		res.StdErr[j] = se
		res.Lower[j] = beta[j] - z*se
		res.Upper[j] = beta[j] + z*se
	}

	sum, sumSq := 0.0, 0.0
	for _, v := range w {
		sum += v
		sumSq += v * v
	}
	res.EffectiveN = sum * sum / sumSq
	res.DesignEffect = float64(len(w)) / res.EffectiveN
	return res, nil
}

// sandwich assembles bread * meat * bread with scores aggregated to the
// cluster level when a cluster column is declared.
func sandwich(f *frame.Frame, d Design, model *nuisance.GLM, w []float64) (*mat.Dense, int, error) {
	bread, err := model.Bread()
	if err != nil {
		return nil, 0, err
	}
	scores, err := model.ScoreContributions(f, w)
	if err != nil {
		return nil, 0, err
	}
	rows, p := scores.Dims()

	// Stratified designs center unit scores within stratum so that
	// between-stratum variation does not inflate the variance.
	if d.Strata != "" {
		col, err := f.Column(d.Strata)
		if err != nil {
			return nil, 0, err
		}
		sums := make(map[float64][]float64)
		counts := make(map[float64]int)
		for i := 0; i < rows; i++ {
			s := sums[col[i]]
			if s == nil {
				s = make([]float64, p)
			}
			for j := 0; j < p; j++ {
				s[j] += scores.At(i, j)
			}
			sums[col[i]] = s
			counts[col[i]]++
		}
		for i := 0; i < rows; i++ {
			s := sums[col[i]]
			c := float64(counts[col[i]])
			for j := 0; j < p; j++ {
				scores.Set(i, j, scores.At(i, j)-s[j]/c)
			}
		}
	}

	units := scores
	clusters := rows
	if d.Cluster != "" {
		col, err := f.Column(d.Cluster)
		if err != nil {
			return nil, 0, err
		}
		grouped := make(map[float64][]float64)
		for i := 0; i < rows; i++ {
			g := grouped[col[i]]
			if g == nil {
				g = make([]float64, p)
			}
			for j := 0; j < p; j++ {
				g[j] += scores.At(i, j)
			}
			grouped[col[i]] = g
		}
		clusters = len(grouped)
		if clusters < 2 {
			return nil, 0, fmt.Errorf("survey: sandwich variance requires at least 2 clusters, got %d", clusters)
		}
		units = mat.NewDense(clusters, p, nil)
		i := 0
		for _, g := range grouped {
			units.SetRow(i, g)
			i++
		}
	}

	m, _ := units.Dims()
	meat := mat.NewDense(p, p, nil)
	meat.Mul(units.T(), units)
	// Small-sample cluster correction m/(m-1).
	if m > 1 {
		meat.Scale(float64(m)/float64(m-1), meat)
	}

	var half, cov mat.Dense
	breadDense := mat.NewDense(p, p, nil)
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			breadDense.Set(a, b, bread.At(a, b))
		}
	}
	half.Mul(breadDense, meat)
	cov.Mul(&half, breadDense)
	return &cov, clusters, nil
}
