package estimator

import (
	"fmt"
	"math"

	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/nuisance"
)

// WeakInstrumentThreshold is the first-stage F statistic below which the
// instrument is flagged as weak. The conventional rule of thumb.
const WeakInstrumentThreshold = 10

// exclusionTStat is the |t| of the instrument's direct association with the
// outcome, conditional on the observed exposure, above which the exclusion
// restriction is considered violated and estimation refuses to proceed.
const exclusionTStat = 4

// WeakInstrumentWarning is attached to the estimate, not returned as an
// error: a weak instrument inflates variance and bias but the estimate is
// still informative alongside its F statistic.
type WeakInstrumentWarning struct {
	FStatistic float64
}

func (w *WeakInstrumentWarning) Error() string {
	return fmt.Sprintf("weak instrument: first-stage F = %.2f (threshold %d)", w.FStatistic, WeakInstrumentThreshold)
}

// InvalidInstrumentError reports strong evidence against the exclusion
// restriction: the instrument predicts the outcome through a path other than
// the exposure. Fatal, because no amount of diagnostics rescues an estimate
// whose identifying assumption is demonstrably false.
type InvalidInstrumentError struct {
	TStatistic float64
}

func (e *InvalidInstrumentError) Error() string {
	return fmt.Sprintf("invalid instrument: direct outcome association |t| = %.2f exceeds %d; exclusion restriction violated", math.Abs(e.TStatistic), exclusionTStat)
}

// instrumentalVariables runs two-stage least squares. The first stage regresses
// the exposure on the instrument and confounders; the second regresses the
// outcome on the fitted exposure and confounders. The coefficient on the
// fitted exposure is the local average treatment effect among compliers.
func (e *Estimator) instrumentalVariables(f *frame.Frame, roles frame.Roles, r *run) (*pointResult, error) {
	if roles.Instrument == "" {
		return nil, &frame.InputValidationError{Role: "instrument", Reason: "instrumental-variables estimation requires an instrument role"}
	}
	if roles.Weight != "" {
		return nil, &frame.InputValidationError{Role: "weight", Column: roles.Weight,
			Reason: "instrumental-variables estimation does not support prior weights"}
	}

	firstCovs := append([]string{roles.Instrument}, roles.Confounders...)
	first, err := nuisance.Fit(f, roles.Exposure, firstCovs, nuisance.Gaussian)
	if err != nil {
		return nil, err
	}
	if err := r.advance(phaseNuisanceFitted); err != nil {
		return nil, err
	}

	fStat, err := firstStageF(f, roles, first)
	if err != nil {
		return nil, err
	}

	// Exclusion pre-check: given the observed exposure, the instrument should
	// carry no residual association with the outcome. (The fitted exposure
	// cannot serve here: it is an exact linear function of the instrument and
	// confounders.)
	tStat, err := exclusionCheck(f, roles)
	if err != nil {
		return nil, err
	}
	if math.Abs(tStat) > exclusionTStat {
		return nil, &InvalidInstrumentError{TStatistic: tStat}
	}

	fitted, err := first.Predict(f)
	if err != nil {
		return nil, err
	}
	g, err := f.WithColumn("fitted_exposure", fitted)
	if err != nil {
		return nil, err
	}

	secondCovs := append([]string{"fitted_exposure"}, roles.Confounders...)
	second, err := nuisance.Fit(g, roles.Outcome, secondCovs, nuisance.Gaussian)
	if err != nil {
		return nil, err
	}
	point := second.Coefficients()[1]

	pr := &pointResult{
		point: point,
		diagnostics: map[string]float64{
			"first_stage_f":          fStat,
			"instrument_exclusion_t": tStat,
		},
	}
	if fStat < WeakInstrumentThreshold {
		w := &WeakInstrumentWarning{FStatistic: fStat}
		pr.warnings = append(pr.warnings, w.Error())
	}
	return pr, nil
}

// firstStageF computes the F statistic for the instrument by comparing the
// full first-stage fit against a restricted fit without the instrument.
func firstStageF(f *frame.Frame, roles frame.Roles, full *nuisance.GLM) (float64, error) {
	var restricted *nuisance.GLM
	var err error
	if len(roles.Confounders) == 0 {
		// The restricted model is the intercept-only fit; its RSS is the total
		// sum of squares of the exposure.
		a, cerr := f.Column(roles.Exposure)
		if cerr != nil {
			return 0, cerr
		}
		m := 0.0
		for _, v := range a {
			m += v
		}
		m /= float64(len(a))
		tss := 0.0
		for _, v := range a {
			d := v - m
			tss += d * d
		}
		return fRatio(tss, full.Deviance(), f.NumRows(), len(full.Covariates())+1), nil
	}
	restricted, err = nuisance.Fit(f, roles.Exposure, roles.Confounders, nuisance.Gaussian)
	if err != nil {
		return 0, err
	}
	return fRatio(restricted.Deviance(), full.Deviance(), f.NumRows(), len(full.Covariates())+1), nil
}

func fRatio(rssRestricted, rssFull float64, n, pFull int) float64 {
	df := n - pFull
	if df <= 0 || rssFull <= 0 {
		return math.Inf(1)
	}
	return (rssRestricted - rssFull) / (rssFull / float64(df))
}

// exclusionCheck regresses the outcome on the observed exposure, confounders,
// and the instrument, and returns the t statistic of the instrument
// coefficient. A large |t| means the instrument predicts the outcome through
// a path other than the exposure.
func exclusionCheck(g *frame.Frame, roles frame.Roles) (float64, error) {
	covs := append([]string{roles.Exposure}, roles.Confounders...)
	covs = append(covs, roles.Instrument)
	m, err := nuisance.Fit(g, roles.Outcome, covs, nuisance.Gaussian)
	if err != nil {
		return 0, err
	}

	bread, err := m.Bread()
	if err != nil {
		return 0, err
	}
	n := g.NumRows()
	p := len(m.Coefficients())
	df := n - p
	if df <= 0 {
		return 0, &nuisance.InsufficientDataError{Rows: n, Covariates: p - 1}
	}
	sigma2 := m.Deviance() / float64(df)

	// The instrument is the last covariate, so its coefficient sits at the
	// final position after the intercept.
	j := p - 1
	se := math.Sqrt(sigma2 * bread.At(j, j))
	if se == 0 || math.IsNaN(se) {
		return 0, fmt.Errorf("estimator: degenerate standard error in exclusion check")
	}
	return m.Coefficients()[j] / se, nil
}
