package estimator

import (
	"errors"
	"fmt"
	"math"

	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/nuisance"
	"github.com/epiforge/epiforge/internal/weights"
)

// doubleRobust implements AIPTW and, when tmle is set, the targeted
// maximum-likelihood refinement. Both combine a propensity model and an
// outcome model so that the estimate stays consistent if either one of the
// two is correctly specified.
func (e *Estimator) doubleRobust(f *frame.Frame, roles frame.Roles, r *run, tmle bool) (*pointResult, error) {
	a, err := f.Column(roles.Exposure)
	if err != nil {
		return nil, err
	}
	y, err := f.Column(roles.Outcome)
	if err != nil {
		return nil, err
	}

	prior, err := priorWeights(f, roles)
	if err != nil {
		return nil, err
	}
	propensityModel, err := nuisance.FitWeighted(f, roles.Exposure, roles.Confounders, nuisance.Binomial, prior)
	if err != nil {
		return nil, err
	}
	outcomeCovs := append([]string{roles.Exposure}, roles.Confounders...)
	outcomeFamily := nuisance.FamilyFor(f, roles.Outcome)
	outcomeModel, err := nuisance.FitWeighted(f, roles.Outcome, outcomeCovs, outcomeFamily, prior)
	if err != nil {
		return nil, err
	}
	if err := r.advance(phaseNuisanceFitted); err != nil {
		return nil, err
	}

	propensity, err := propensityModel.Predict(f)
	if err != nil {
		return nil, err
	}
	wv, werr := weights.IPTW(f, roles.Exposure, propensity, e.opts.Weights)
	if werr != nil {
		// Positivity suspicion degrades to a warning further down: the
		// truncated weights remain usable and the fraction is reported.
		var xerr *weights.ExtremeWeightError
		if !errors.As(werr, &xerr) {
			return nil, werr
		}
	}
	if err := r.advance(phaseWeighted); err != nil {
		return nil, err
	}

	mu1, err := outcomeModel.PredictAt(f, map[string]float64{roles.Exposure: 1})
	if err != nil {
		return nil, err
	}
	mu0, err := outcomeModel.PredictAt(f, map[string]float64{roles.Exposure: 0})
	if err != nil {
		return nil, err
	}

	n := len(a)
	p := make([]float64, n)
	for i := range p {
		p[i] = boundProbability(propensity[i])
	}

	diagnostics := wv.Diagnostics()
	diagnostics["propensity_model_iterations"] = float64(propensityModel.Iterations())
	diagnostics["outcome_model_iterations"] = float64(outcomeModel.Iterations())

	if tmle {
		eps1, eps0, err := fluctuate(y, a, p, mu1, mu0, outcomeFamily)
		if err != nil {
			return nil, err
		}
		diagnostics["tmle_epsilon_treated"] = eps1
		diagnostics["tmle_epsilon_untreated"] = eps0
	}

	// Per-row augmented contributions: the outcome-regression prediction plus
	// an inverse-probability correction using only the arm actually observed.
	d1 := make([]float64, n)
	d0 := make([]float64, n)
	for i := 0; i < n; i++ {
		d1[i] = mu1[i]
		d0[i] = mu0[i]
		if a[i] == 1 {
			d1[i] += (y[i] - mu1[i]) / p[i]
		} else {
			d0[i] += (y[i] - mu0[i]) / (1 - p[i])
		}
	}
	psi1, psi0 := weightedMean(d1, prior), weightedMean(d0, prior)

	point, err := contrast(psi1, psi0, e.opts.EffectScale)
	if err != nil {
		return nil, err
	}
	influence, err := influenceValues(d1, d0, psi1, psi0, prior, e.opts.EffectScale)
	if err != nil {
		return nil, err
	}

	diagnostics["counterfactual_mean_treated"] = psi1
	diagnostics["counterfactual_mean_untreated"] = psi0

	pr := &pointResult{
		point:       point,
		diagnostics: diagnostics,
		influence:   influence,
	}
	if werr != nil {
		pr.warnings = append(pr.warnings, werr.Error())
	}
	return pr, nil
}

// fluctuate applies the one-step targeted update to the counterfactual
// predictions in place. The outcome is rescaled to [0,1] so the fluctuation
// can run on the logit scale for every family; predictions are bounded away
// from 0 and 1 before the logit.
func fluctuate(y, a, p, mu1, mu0 []float64, family nuisance.Family) (eps1, eps0 float64, err error) {
	lo, hi := rangeOf(y)
	span := hi - lo
	if family == nuisance.Binomial {
		lo, span = 0, 1
	}
	if span <= 0 {
		return 0, 0, fmt.Errorf("estimator: constant outcome, nothing to fluctuate")
	}

	n := len(y)
	// Per-arm closed-form solution of the logistic fluctuation score
	// equation: eps = sum(H (Y* - Q)) / sum(H^2 Q (1-Q)).
	var num1, den1, num0, den0 float64
	for i := 0; i < n; i++ {
		ys := bound01((y[i] - lo) / span)
		if a[i] == 1 {
			h := 1 / p[i]
			q := bound01((mu1[i] - lo) / span)
			num1 += h * (ys - q)
			den1 += h * h * q * (1 - q)
		} else {
			h := 1 / (1 - p[i])
			q := bound01((mu0[i] - lo) / span)
			num0 += h * (ys - q)
			den0 += h * h * q * (1 - q)
		}
	}
	if den1 > 0 {
		eps1 = num1 / den1
	}
	if den0 > 0 {
		eps0 = num0 / den0
	}

	for i := 0; i < n; i++ {
		q1 := bound01((mu1[i] - lo) / span)
		q0 := bound01((mu0[i] - lo) / span)
		mu1[i] = lo + span*expit(logit(q1)+eps1/p[i])
		mu0[i] = lo + span*expit(logit(q0)+eps0/(1-p[i]))
	}
	return eps1, eps0, nil
}

// influenceValues maps the per-row augmented contributions onto the reporting
// scale. Ratio scales use the delta method on the log scale, matching the
// scale the point estimate is computed on. Prior weights, when present, scale
// each row's contribution relative to the mean weight.
func influenceValues(d1, d0 []float64, psi1, psi0 float64, prior []float64, scale EffectScale) ([]float64, error) {
	out := make([]float64, len(d1))
	switch scale {
	case MeanDifference, RiskDifference:
		for i := range out {
			out[i] = (d1[i] - psi1) - (d0[i] - psi0)
		}
	case RiskRatio:
		if psi1 <= 0 || psi0 <= 0 {
			return nil, fmt.Errorf("estimator: risk-ratio influence undefined for means %g, %g", psi1, psi0)
		}
		for i := range out {
			out[i] = (d1[i]-psi1)/psi1 - (d0[i]-psi0)/psi0
		}
	case OddsRatio:
		if psi1 <= 0 || psi1 >= 1 || psi0 <= 0 || psi0 >= 1 {
			return nil, fmt.Errorf("estimator: odds-ratio influence undefined for means %g, %g", psi1, psi0)
		}
		for i := range out {
			out[i] = (d1[i]-psi1)/(psi1*(1-psi1)) - (d0[i]-psi0)/(psi0*(1-psi0))
		}
	default:
		return nil, fmt.Errorf("estimator: unknown effect scale %d", int(scale))
	}
	if prior != nil {
		mw := meanOf(prior)
		for i := range out {
			out[i] *= prior[i] / mw
		}
	}
	return out, nil
}

const probabilityBound = 1e-6

func boundProbability(p float64) float64 {
	return math.Min(math.Max(p, probabilityBound), 1-probabilityBound)
}

func bound01(v float64) float64 {
	return math.Min(math.Max(v, probabilityBound), 1-probabilityBound)
}

func logit(p float64) float64 { return math.Log(p / (1 - p)) }
func expit(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func rangeOf(xs []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
