package estimator

import (
	"fmt"
	"math"
	"sort"

	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/nuisance"
)

// gComputation fits one outcome regression on exposure plus the full
// confounder set, predicts the counterfactual outcome for every row under
// each exposure level held fixed, and contrasts the averages.
//
// When a time role is declared the g-formula recursion runs backward from the
// last time point instead (sequential regression on time-updated history).
func (e *Estimator) gComputation(f *frame.Frame, roles frame.Roles, r *run) (*pointResult, error) {
	if roles.Time != "" {
		return e.gFormulaSequential(f, roles, r)
	}

	prior, err := priorWeights(f, roles)
	if err != nil {
		return nil, err
	}
	covariates := append([]string{roles.Exposure}, roles.Confounders...)
	family := nuisance.FamilyFor(f, roles.Outcome)
	model, err := nuisance.FitWeighted(f, roles.Outcome, covariates, family, prior)
	if err != nil {
		return nil, err
	}
	if err := r.advance(phaseNuisanceFitted); err != nil {
		return nil, err
	}
	// Pure outcome-regression standardization: the weighting phase is
	// legitimately skipped.

	mu1, err := model.PredictAt(f, map[string]float64{roles.Exposure: 1})
	if err != nil {
		return nil, err
	}
	mu0, err := model.PredictAt(f, map[string]float64{roles.Exposure: 0})
	if err != nil {
		return nil, err
	}

	p1, p0 := weightedMean(mu1, prior), weightedMean(mu0, prior)
	point, err := contrast(p1, p0, e.opts.EffectScale)
	if err != nil {
		return nil, err
	}

	return &pointResult{
		point: point,
		diagnostics: map[string]float64{
			"counterfactual_mean_treated":   p1,
			"counterfactual_mean_untreated": p0,
			"outcome_model_iterations":      float64(model.Iterations()),
			"outcome_model_deviance":        model.Deviance(),
		},
	}, nil
}

// gFormulaSequential implements the g-formula recursion for time-varying
// confounding: regress the outcome on time-updated history at the last time
// point, then iterate the predicted pseudo-outcome backward one time point at
// a time, holding the exposure at the level of interest throughout.
//
// The frame must be in long format (one row per subject per time) with a
// balanced panel: every subject observed at every time point.
func (e *Estimator) gFormulaSequential(f *frame.Frame, roles frame.Roles, r *run) (*pointResult, error) {
	if roles.Subject == "" {
		return nil, &frame.InputValidationError{Role: "subject", Reason: "sequential g-formula requires a subject role"}
	}
	times, err := f.Levels(roles.Time)
	if err != nil {
		return nil, err
	}
	if len(times) < 2 {
		return nil, &frame.InputValidationError{Role: "time", Column: roles.Time,
			Reason: "sequential g-formula requires at least two time points"}
	}

	byTime, subjects, err := panelIndex(f, roles)
	if err != nil {
		return nil, err
	}

	outcomeFamily := nuisance.FamilyFor(f, roles.Outcome)
	covariates := append([]string{roles.Exposure}, roles.Confounders...)

	var q1, q0 map[float64]float64
	fitted := false
	for ti := len(times) - 1; ti >= 0; ti-- {
		t := times[ti]
		rows := byTime[t]
		sub, err := f.Select(rows)
		if err != nil {
			return nil, err
		}

		target := roles.Outcome
		family := outcomeFamily
		if q1 != nil {
			// Earlier time points regress the carried pseudo-outcome, a
			// conditional mean, so the family is Gaussian regardless of the
			// terminal outcome's scale.
			family = nuisance.Gaussian
			pseudo1 := make([]float64, len(rows))
			pseudo0 := make([]float64, len(rows))
			for i, row := range rows {
				id := f.At(row, roles.Subject)
				pseudo1[i] = q1[id]
				pseudo0[i] = q0[id]
			}
			sub1, err := sub.WithColumn("pseudo_outcome", pseudo1)
			if err != nil {
				return nil, err
			}
			sub0, err := sub.WithColumn("pseudo_outcome", pseudo0)
			if err != nil {
				return nil, err
			}
			q1, q0, err = stepBack(sub1, sub0, "pseudo_outcome", covariates, family, roles, rows, f)
			if err != nil {
				return nil, err
			}
			continue
		}

		model, err := nuisance.Fit(sub, target, covariates, family)
		if err != nil {
			return nil, err
		}
		fitted = true
		mu1, err := model.PredictAt(sub, map[string]float64{roles.Exposure: 1})
		if err != nil {
			return nil, err
		}
		mu0, err := model.PredictAt(sub, map[string]float64{roles.Exposure: 0})
		if err != nil {
			return nil, err
		}
		q1 = make(map[float64]float64, len(rows))
		q0 = make(map[float64]float64, len(rows))
		for i, row := range rows {
			id := f.At(row, roles.Subject)
			q1[id] = mu1[i]
			q0[id] = mu0[i]
		}
	}
	if !fitted {
		return nil, fmt.Errorf("estimator: g-formula recursion fitted no models")
	}
	if err := r.advance(phaseNuisanceFitted); err != nil {
		return nil, err
	}

	s1, s0 := 0.0, 0.0
	for _, id := range subjects {
		s1 += q1[id]
		s0 += q0[id]
	}
	p1 := s1 / float64(len(subjects))
	p0 := s0 / float64(len(subjects))
	point, err := contrast(p1, p0, e.opts.EffectScale)
	if err != nil {
		return nil, err
	}

	return &pointResult{
		point: point,
		diagnostics: map[string]float64{
			"counterfactual_mean_treated":   p1,
			"counterfactual_mean_untreated": p0,
			"time_points":                   float64(len(times)),
			"subjects":                      float64(len(subjects)),
		},
	}, nil
}

// stepBack fits the pseudo-outcome regressions for one time point under each
// exposure arm and returns the carried predictions keyed by subject.
func stepBack(sub1, sub0 *frame.Frame, target string, covariates []string, family nuisance.Family, roles frame.Roles, rows []int, f *frame.Frame) (map[float64]float64, map[float64]float64, error) {
	m1, err := nuisance.Fit(sub1, target, covariates, family)
	if err != nil {
		return nil, nil, err
	}
	m0, err := nuisance.Fit(sub0, target, covariates, family)
	if err != nil {
		return nil, nil, err
	}
	mu1, err := m1.PredictAt(sub1, map[string]float64{roles.Exposure: 1})
	if err != nil {
		return nil, nil, err
	}
	mu0, err := m0.PredictAt(sub0, map[string]float64{roles.Exposure: 0})
	if err != nil {
		return nil, nil, err
	}
	q1 := make(map[float64]float64, len(rows))
	q0 := make(map[float64]float64, len(rows))
	for i, row := range rows {
		id := f.At(row, roles.Subject)
		q1[id] = mu1[i]
		q0[id] = mu0[i]
	}
	return q1, q0, nil
}

// panelIndex groups rows by time and verifies the panel is balanced.
func panelIndex(f *frame.Frame, roles frame.Roles) (map[float64][]int, []float64, error) {
	timeCol, err := f.Column(roles.Time)
	if err != nil {
		return nil, nil, err
	}
	subjCol, err := f.Column(roles.Subject)
	if err != nil {
		return nil, nil, err
	}

	byTime := make(map[float64][]int)
	subjectSet := make(map[float64]struct{})
	for i := range timeCol {
		if math.IsNaN(timeCol[i]) || math.IsNaN(subjCol[i]) {
			return nil, nil, &frame.InputValidationError{Role: "time", Column: roles.Time,
				Reason: fmt.Sprintf("missing time or subject at row %d", i)}
		}
		byTime[timeCol[i]] = append(byTime[timeCol[i]], i)
		subjectSet[subjCol[i]] = struct{}{}
	}
	for t, rows := range byTime {
		if len(rows) != len(subjectSet) {
			return nil, nil, &frame.InputValidationError{Role: "time", Column: roles.Time,
				Reason: fmt.Sprintf("unbalanced panel: %d rows at time %g for %d subjects", len(rows), t, len(subjectSet))}
		}
	}

	subjects := make([]float64, 0, len(subjectSet))
	for id := range subjectSet {
		subjects = append(subjects, id)
	}
	sort.Float64s(subjects)
	return byTime, subjects, nil
}

func meanOf(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// weightedMean falls back to the plain mean when no prior weights are
// declared.
func weightedMean(xs, w []float64) float64 {
	if w == nil {
		return meanOf(xs)
	}
	s, tot := 0.0, 0.0
	for i, x := range xs {
		s += w[i] * x
		tot += w[i]
	}
	return s / tot
}

// priorWeights resolves the optional weight role (person-time or survey
// weights supplied with the frame) into a per-row vector, nil when absent.
func priorWeights(f *frame.Frame, roles frame.Roles) ([]float64, error) {
	if roles.Weight == "" {
		return nil, nil
	}
	w, err := f.Column(roles.Weight)
	if err != nil {
		return nil, err
	}
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &frame.InputValidationError{Role: "weight", Column: roles.Weight,
				Reason: fmt.Sprintf("invalid weight %g at row %d", v, i)}
		}
	}
	return w, nil
}
