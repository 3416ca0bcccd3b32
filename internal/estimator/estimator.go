// Package estimator implements the causal effect estimators: G-computation,
// instrumental variables, and double-robust estimation (AIPTW and TMLE).
// Each estimator encodes a distinct identification strategy behind a single
// contract: (frame, roles, options) -> CausalEstimate.
//
// Estimator selection is a closed enum rather than a method string, so an
// unknown strategy is a construction-time error, not a runtime dispatch miss.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/resample"
	"github.com/epiforge/epiforge/internal/weights"
)

// Kind identifies the identification strategy.
type Kind int

const (
	// GComputation standardizes an outcome regression over the confounder
	// distribution.
	GComputation Kind = iota
	// InstrumentalVariables runs the two-stage least-squares procedure.
	InstrumentalVariables
	// AIPTW is the augmented inverse-probability estimator, consistent when
	// either nuisance model is correctly specified.
	AIPTW
	// TMLE adds a one-step clever-covariate fluctuation to the initial
	// outcome regression before averaging.
	TMLE
)

func (k Kind) String() string {
	switch k {
	case GComputation:
		return "g-computation"
	case InstrumentalVariables:
		return "instrumental-variables"
	case AIPTW:
		return "aiptw"
	case TMLE:
		return "tmle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// EffectScale selects the causal contrast reported.
type EffectScale int

const (
	MeanDifference EffectScale = iota
	RiskDifference
	RiskRatio
	OddsRatio
)

func (s EffectScale) String() string {
	switch s {
	case MeanDifference:
		return "mean_difference"
	case RiskDifference:
		return "risk_difference"
	case RiskRatio:
		return "risk_ratio"
	case OddsRatio:
		return "odds_ratio"
	default:
		return fmt.Sprintf("scale(%d)", int(s))
	}
}

// VarianceMethod selects the uncertainty-quantification path.
type VarianceMethod int

const (
	// VarianceBootstrap resamples rows (or clusters) and reports the
	// empirical percentile interval. Works for every estimator.
	VarianceBootstrap VarianceMethod = iota
	// VarianceInfluence uses the closed-form influence-function variance.
	// Only AIPTW and TMLE expose an influence representation; other kinds
	// fall back to the bootstrap.
	VarianceInfluence
	// VarianceNone skips interval estimation entirely.
	VarianceNone
)

// Options configures one estimation call.
type Options struct {
	EffectScale EffectScale
	// Alpha is the significance level; 0 means 0.05.
	Alpha float64
	// NBootstrap is the resample count; 0 means 500.
	NBootstrap int
	// Workers bounds the bootstrap worker pool; 0 means GOMAXPROCS.
	Workers  int
	Variance VarianceMethod
	// Weights configures the weighting engine for the kinds that use it.
	Weights weights.Options
	// Missing selects the missing-data policy (forbid by default).
	Missing frame.MissingPolicy
	// Seed makes bootstrap resampling reproducible; 0 draws a random seed.
	Seed int64
}

func (o Options) alpha() float64 {
	if o.Alpha == 0 {
		return 0.05
	}
	return o.Alpha
}

func (o Options) nBootstrap() int {
	if o.NBootstrap == 0 {
		return 500
	}
	return o.NBootstrap
}

// CausalEstimate is the estimation output: a point estimate, an interval, and
// the estimator-specific diagnostics. Assumption violations arrive here as
// diagnostics and warnings, not as errors — a biased-but-informative estimate
// is more useful to a researcher than a hard failure.
type CausalEstimate struct {
	Kind  Kind
	Scale EffectScale

	Point float64
	Lower float64
	Upper float64
	Level float64

	Diagnostics map[string]float64
	Warnings    []string

	// Degenerate marks a one-sided or collapsed interval.
	Degenerate bool
	// VarianceUnavailable marks a returned point estimate whose variance
	// estimation failed.
	VarianceUnavailable bool
	// Incomplete marks an estimate whose resampling was cancelled; the
	// interval reflects only the resamples gathered before cancellation.
	Incomplete bool
	// Resamples is the number of usable bootstrap replicates.
	Resamples int

	// influence holds per-row influence values when the estimator exposes
	// them (AIPTW/TMLE), on the reporting scale.
	influence []float64
}

// Influence returns the per-row influence-function values, or nil when the
// estimator has no influence representation.
func (e *CausalEstimate) Influence() []float64 { return e.influence }

// Flatten serializes the estimate to a flat key-value structure for
// downstream reporting or storage.
func (e *CausalEstimate) Flatten() map[string]float64 {
	out := map[string]float64{
		"point": e.Point,
		"lower": e.Lower,
		"upper": e.Upper,
		"level": e.Level,
	}
	if e.VarianceUnavailable {
		out["variance_unavailable"] = 1
	}
	if e.Incomplete {
		out["incomplete"] = 1
	}
	if e.Resamples > 0 {
		out["resamples"] = float64(e.Resamples)
	}
	for k, v := range e.Diagnostics {
		out[k] = v
	}
	return out
}

func (e *CausalEstimate) addDiagnostics(d map[string]float64) {
	if e.Diagnostics == nil {
		e.Diagnostics = make(map[string]float64, len(d))
	}
	for k, v := range d {
		e.Diagnostics[k] = v
	}
}

func (e *CausalEstimate) warn(format string, args ...interface{}) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// phase tracks the shared estimation state machine. No estimator may skip
// nuisance fitting; weighting is optional for pure outcome-regression
// methods.
type phase int

const (
	phaseUnfitted phase = iota
	phaseNuisanceFitted
	phaseWeighted
	phaseEstimated
	phaseResampled
)

func (p phase) String() string {
	switch p {
	case phaseUnfitted:
		return "UNFITTED"
	case phaseNuisanceFitted:
		return "NUISANCE_FITTED"
	case phaseWeighted:
		return "WEIGHTED"
	case phaseEstimated:
		return "ESTIMATED"
	case phaseResampled:
		return "RESAMPLED"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type run struct {
	phase phase
}

func (r *run) advance(to phase) error {
	allowed := false
	switch to {
	case phaseNuisanceFitted:
		allowed = r.phase == phaseUnfitted
	case phaseWeighted:
		allowed = r.phase == phaseNuisanceFitted
	case phaseEstimated:
		allowed = r.phase == phaseNuisanceFitted || r.phase == phaseWeighted
	case phaseResampled:
		allowed = r.phase == phaseEstimated
	}
	if !allowed {
		return fmt.Errorf("estimator: invalid transition %s -> %s", r.phase, to)
	}
	r.phase = to
	return nil
}

// Estimator is a reusable, concurrency-safe handle for one identification
// strategy. Each Estimate call owns its run state; nothing is shared across
// concurrent calls beyond the immutable input frame.
type Estimator struct {
	kind Kind
	opts Options
}

// New constructs an estimator, rejecting unknown kinds and incoherent
// option combinations at construction time.
func New(kind Kind, opts Options) (*Estimator, error) {
	switch kind {
	case GComputation, InstrumentalVariables, AIPTW, TMLE:
	default:
		return nil, fmt.Errorf("estimator: unknown kind %d", int(kind))
	}
	if kind == InstrumentalVariables {
		switch opts.EffectScale {
		case MeanDifference, RiskDifference:
		default:
			return nil, fmt.Errorf("estimator: instrumental variables reports difference scales only, got %s", opts.EffectScale)
		}
	}
	if a := opts.alpha(); a <= 0 || a >= 1 {
		return nil, fmt.Errorf("estimator: alpha must be in (0,1), got %g", a)
	}
	return &Estimator{kind: kind, opts: opts}, nil
}

// Kind returns the identification strategy.
func (e *Estimator) Kind() Kind { return e.kind }

// pointResult is what each strategy produces for one fit on one frame.
type pointResult struct {
	point       float64
	diagnostics map[string]float64
	warnings    []string
	// influence values on the reporting scale, nil when unavailable.
	influence []float64
}

// Estimate runs the full pipeline: validation, nuisance fitting, optional
// weighting, point estimation, and variance estimation.
func (e *Estimator) Estimate(ctx context.Context, f *frame.Frame, roles frame.Roles) (*CausalEstimate, error) {
	validated, err := frame.Validate(f, roles, e.opts.Missing)
	if err != nil {
		return nil, err
	}

	est := &CausalEstimate{
		Kind:  e.kind,
		Scale: e.opts.EffectScale,
		Level: 1 - e.opts.alpha(),
	}

	r := &run{}
	pr, err := e.point(validated, roles, r)
	if err != nil {
		return nil, err
	}
	if err := r.advance(phaseEstimated); err != nil {
		return nil, err
	}

	est.Point = pr.point
	est.addDiagnostics(pr.diagnostics)
	est.Warnings = append(est.Warnings, pr.warnings...)
	est.influence = pr.influence

	switch e.opts.Variance {
	case VarianceNone:
		est.Lower, est.Upper = math.NaN(), math.NaN()
		est.VarianceUnavailable = true
		if e.isLogScale() {
			est.Point = math.Exp(est.Point)
		}
		return est, nil
	case VarianceInfluence:
		if pr.influence != nil {
			lo, hi, se, ierr := resample.InfluenceInterval(pr.point, pr.influence, e.opts.alpha())
			if ierr == nil {
				est.Lower, est.Upper = lo, hi
				est.Diagnostics["stderr"] = se
				if e.isLogScale() {
					est.Lower, est.Upper = math.Exp(lo), math.Exp(hi)
					est.Point = math.Exp(pr.point)
				}
				return est, nil
			}
			est.warn("influence-function variance failed: %v; falling back to bootstrap", ierr)
		} else {
			est.warn("%s exposes no influence representation; falling back to bootstrap", e.kind)
		}
	}

	return e.bootstrap(ctx, validated, roles, est, r)
}

// bootstrap wraps the whole point-estimation pipeline as a single callable
// and resamples it.
func (e *Estimator) bootstrap(ctx context.Context, f *frame.Frame, roles frame.Roles, est *CausalEstimate, r *run) (*CausalEstimate, error) {
	var clusters []float64
	if roles.Cluster != "" {
		col, err := f.Column(roles.Cluster)
		if err != nil {
			return nil, err
		}
		clusters = col
	}

	pipeline := func(rows []int) (float64, error) {
		sub, err := f.Select(rows)
		if err != nil {
			return math.NaN(), err
		}
		pr, err := e.point(sub, roles, &run{})
		if err != nil {
			return math.NaN(), err
		}
		return pr.point, nil
	}

	res, err := resample.Bootstrap(ctx, f.NumRows(), pipeline, resample.Options{
		Resamples: e.opts.nBootstrap(),
		Workers:   e.opts.Workers,
		Seed:      e.opts.Seed,
		Clusters:  clusters,
	})
	if err != nil {
		var rerr *resample.ResamplingError
		if errors.As(err, &rerr) {
			// The point estimate survives a variance failure.
			est.VarianceUnavailable = true
			est.Lower, est.Upper = math.NaN(), math.NaN()
			est.warn("variance unavailable: %v", rerr)
			if e.isLogScale() {
				est.Point = math.Exp(est.Point)
			}
			return est, nil
		}
		return nil, err
	}

	est.Resamples = len(res.Estimates)
	est.Incomplete = res.Incomplete
	if res.Incomplete {
		est.warn("resampling cancelled after %d of %d resamples; interval is partial", len(res.Estimates), res.Requested)
	}
	if res.Failed > 0 {
		est.Diagnostics["resamples_failed"] = float64(res.Failed)
	}

	lo, hi, err := res.Interval(e.opts.alpha())
	if err != nil {
		est.VarianceUnavailable = true
		est.Lower, est.Upper = math.NaN(), math.NaN()
		est.warn("variance unavailable: %v", err)
	} else {
		est.Lower, est.Upper = lo, hi
	}
	if err := r.advance(phaseResampled); err != nil {
		return nil, err
	}

	if e.isLogScale() {
		est.Point = math.Exp(est.Point)
		est.Lower = math.Exp(est.Lower)
		est.Upper = math.Exp(est.Upper)
	}
	if !est.VarianceUnavailable && est.Lower == est.Upper {
		est.Degenerate = true
		est.warn("interval collapsed to a point; resample distribution is degenerate")
	}
	return est, nil
}

// point dispatches to the strategy implementation. Ratio scales are computed
// on the log scale internally and exponentiated once intervals exist.
func (e *Estimator) point(f *frame.Frame, roles frame.Roles, r *run) (*pointResult, error) {
	switch e.kind {
	case GComputation:
		return e.gComputation(f, roles, r)
	case InstrumentalVariables:
		return e.instrumentalVariables(f, roles, r)
	case AIPTW:
		return e.doubleRobust(f, roles, r, false)
	case TMLE:
		return e.doubleRobust(f, roles, r, true)
	default:
		return nil, fmt.Errorf("estimator: unknown kind %d", int(e.kind))
	}
}

func (e *Estimator) isLogScale() bool {
	return e.opts.EffectScale == RiskRatio || e.opts.EffectScale == OddsRatio
}

// contrast maps two counterfactual means onto the reporting scale. Ratio
// scales return the log contrast; Estimate exponentiates after interval
// construction.
func contrast(p1, p0 float64, scale EffectScale) (float64, error) {
	switch scale {
	case MeanDifference, RiskDifference:
		return p1 - p0, nil
	case RiskRatio:
		if p0 <= 0 || p1 <= 0 {
			return 0, fmt.Errorf("estimator: risk ratio undefined for counterfactual means %g, %g", p1, p0)
		}
		return math.Log(p1 / p0), nil
	case OddsRatio:
		if p0 <= 0 || p0 >= 1 || p1 <= 0 || p1 >= 1 {
			return 0, fmt.Errorf("estimator: odds ratio undefined for counterfactual means %g, %g", p1, p0)
		}
		return math.Log(p1 / (1 - p1) * (1 - p0) / p0), nil
	default:
		return 0, fmt.Errorf("estimator: unknown effect scale %d", int(scale))
	}
}
