// Package nuisance fits the outcome-regression and treatment-assignment
// models consumed by the causal estimators. A fitted model is a pure function
// of its inputs: it owns its coefficients and covariate list and holds no
// reference to the training frame.
package nuisance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/epiforge/epiforge/internal/frame"
)

// Family selects the regression family by the target's measurement scale.
type Family int

const (
	// Gaussian fits ordinary least squares for continuous targets.
	Gaussian Family = iota
	// Binomial fits logistic regression for binary targets.
	Binomial
	// Poisson fits log-linear regression for count targets.
	Poisson
)

func (f Family) String() string {
	switch f {
	case Gaussian:
		return "gaussian"
	case Binomial:
		return "binomial"
	case Poisson:
		return "poisson"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// FamilyFor picks the family matching a target column's measurement scale:
// logistic for binary, log-linear for counts, linear otherwise.
func FamilyFor(f *frame.Frame, target string) Family {
	if f.IsBinary(target) {
		return Binomial
	}
	if f.IsCount(target) {
		return Poisson
	}
	return Gaussian
}

const (
	maxIterations = 100
	devianceTol   = 1e-8
	// Rows beyond the covariate count (plus intercept) required before a fit
	// is attempted.
	safetyMargin = 5

	minWorkingWeight = 1e-10
)

// ModelFitError reports a failed nuisance fit: a rank-deficient design matrix
// or an optimization that did not converge within the iteration budget. Fatal
// to the estimator call that requested the fit.
type ModelFitError struct {
	Target string
	Reason string
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("nuisance model for %q failed: %s", e.Target, e.Reason)
}

// InsufficientDataError reports that the frame has too few rows for the
// requested covariate set.
type InsufficientDataError struct {
	Rows       int
	Covariates int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d rows for %d covariates (need at least %d)",
		e.Rows, e.Covariates, e.Covariates+1+safetyMargin)
}

// Model is a fitted regression mapping covariate rows to predictions on the
// response scale (probabilities for Binomial, rates for Poisson).
type Model interface {
	// Predict evaluates the model on every row of f.
	Predict(f *frame.Frame) ([]float64, error)
	// PredictAt evaluates the model with the given columns held fixed at the
	// supplied values for every row — the counterfactual prediction used by
	// standardization estimators.
	PredictAt(f *frame.Frame, fixed map[string]float64) ([]float64, error)
	Coefficients() []float64
	Covariates() []string
	Family() Family
}

// GLM is the concrete fitted model for all three families.
type GLM struct {
	family     Family
	target     string
	covariates []string
	beta       []float64 // intercept first
	iterations int
	deviance   float64

	info *mat.SymDense // X'WX at convergence, for sandwich variance
}

// Fit fits a regression of target on covariates with the family appropriate
// to the target's scale (see FamilyFor for automatic selection).
func Fit(f *frame.Frame, target string, covariates []string, family Family) (*GLM, error) {
	return FitWeighted(f, target, covariates, family, nil)
}

// FitWeighted fits with per-row prior weights (survey or censoring weights).
// A nil weight vector means uniform weights.
func FitWeighted(f *frame.Frame, target string, covariates []string, family Family, weights []float64) (*GLM, error) {
	y, err := f.Column(target)
	if err != nil {
		return nil, err
	}
	n := f.NumRows()
	p := len(covariates) + 1 // intercept

	if n < p+safetyMargin {
		return nil, &InsufficientDataError{Rows: n, Covariates: len(covariates)}
	}
	if weights != nil && len(weights) != n {
		return nil, fmt.Errorf("nuisance: %d weights for %d rows", len(weights), n)
	}

	x, err := designMatrix(f, covariates)
	if err != nil {
		return nil, err
	}

	m := &GLM{
		family:     family,
		target:     target,
		covariates: append([]string(nil), covariates...),
	}

	switch family {
	case Gaussian:
		err = m.fitLeastSquares(x, y, weights)
	case Binomial, Poisson:
		err = m.fitIRLS(x, y, weights)
	default:
		err = fmt.Errorf("nuisance: unknown family %v", family)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// designMatrix builds the n x (p+1) matrix [1, covariates...].
func designMatrix(f *frame.Frame, covariates []string) (*mat.Dense, error) {
	n := f.NumRows()
	x := mat.NewDense(n, len(covariates)+1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	for j, name := range covariates {
		col, err := f.Column(name)
		if err != nil {
			return nil, err
		}
		for i, v := range col {
			if math.IsNaN(v) {
				return nil, &frame.InputValidationError{
					Role: "confounder", Column: name,
					Reason: fmt.Sprintf("missing value at row %d", i),
				}
			}
			x.Set(i, j+1, v)
		}
	}
	return x, nil
}

// fitLeastSquares solves the (weighted) normal equations by Cholesky.
// A factorization failure means perfectly collinear covariates.
func (m *GLM) fitLeastSquares(x *mat.Dense, y, weights []float64) error {
	n, p := x.Dims()

	xtx := mat.NewSymDense(p, nil)
	xty := make([]float64, p)
	row := make([]float64, p)
	for i := 0; i < n; i++ {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		mat.Row(row, i, x)
		for a := 0; a < p; a++ {
			xty[a] += w * row[a] * y[i]
			for b := a; b < p; b++ {
				xtx.SetSym(a, b, xtx.At(a, b)+w*row[a]*row[b])
			}
		}
	}

	beta, err := solveCholesky(xtx, xty)
	if err != nil {
		return &ModelFitError{Target: m.target, Reason: "design matrix is rank-deficient (collinear covariates)"}
	}
	m.beta = beta
	m.iterations = 1

	// Residual deviance for diagnostics.
	for i := 0; i < n; i++ {
		mat.Row(row, i, x)
		r := y[i] - dot(row, beta)
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		m.deviance += w * r * r
	}
	m.info = xtx
	return nil
}

// fitIRLS runs iteratively reweighted least squares for Binomial and Poisson
// families with a bounded iteration budget.
func (m *GLM) fitIRLS(x *mat.Dense, y, priorWeights []float64) error {
	n, p := x.Dims()

	beta := make([]float64, p)
	// Start from the intercept implied by the mean response.
	beta[0] = m.initialIntercept(y, priorWeights)

	row := make([]float64, p)
	lastDev := math.Inf(1)

	var xtwx *mat.SymDense
	for iter := 1; iter <= maxIterations; iter++ {
		xtwx = mat.NewSymDense(p, nil)
		xtwz := make([]float64, p)
		dev := 0.0

		for i := 0; i < n; i++ {
			mat.Row(row, i, x)
			eta := dot(row, beta)
			mu, wrk := m.meanAndWeight(eta)
			if wrk < minWorkingWeight {
				wrk = minWorkingWeight
			}
			z := eta + (y[i]-mu)/wrk

			w := wrk
			if priorWeights != nil {
				w *= priorWeights[i]
			}
			for a := 0; a < p; a++ {
				xtwz[a] += w * row[a] * z
				for b := a; b < p; b++ {
					xtwx.SetSym(a, b, xtwx.At(a, b)+w*row[a]*row[b])
				}
			}
			dev += m.unitDeviance(y[i], mu, priorWeight(priorWeights, i))
		}

		next, err := solveCholesky(xtwx, xtwz)
		if err != nil {
			return &ModelFitError{Target: m.target, Reason: "design matrix is rank-deficient (collinear covariates)"}
		}
		beta = next
		m.iterations = iter

		if math.Abs(lastDev-dev) < devianceTol*(math.Abs(dev)+devianceTol) {
			m.beta = beta
			m.deviance = dev
			m.info = xtwx
			return nil
		}
		lastDev = dev
	}

	return &ModelFitError{
		Target: m.target,
		Reason: fmt.Sprintf("IRLS did not converge within %d iterations", maxIterations),
	}
}

func (m *GLM) initialIntercept(y, w []float64) float64 {
	sum, tot := 0.0, 0.0
	for i, v := range y {
		wi := priorWeight(w, i)
		sum += wi * v
		tot += wi
	}
	mean := sum / tot
	switch m.family {
	case Binomial:
		mean = math.Min(math.Max(mean, 1e-6), 1-1e-6)
		return math.Log(mean / (1 - mean))
	case Poisson:
		return math.Log(math.Max(mean, 1e-6))
	default:
		return mean
	}
}

// meanAndWeight maps a linear predictor to the response mean and the IRLS
// working weight for the canonical link.
func (m *GLM) meanAndWeight(eta float64) (mu, w float64) {
	switch m.family {
	case Binomial:
		mu = 1 / (1 + math.Exp(-eta))
		return mu, mu * (1 - mu)
	case Poisson:
		// Cap the rate to keep the working weights finite.
		mu = math.Exp(math.Min(eta, 30))
		return mu, mu
	default:
		return eta, 1
	}
}

func (m *GLM) unitDeviance(y, mu, w float64) float64 {
	switch m.family {
	case Binomial:
		mu = math.Min(math.Max(mu, 1e-10), 1-1e-10)
		d := 0.0
		if y > 0 {
			d += y * math.Log(y/mu)
		}
		if y < 1 {
			d += (1 - y) * math.Log((1-y)/(1-mu))
		}
		return 2 * w * d
	case Poisson:
		mu = math.Max(mu, 1e-10)
		d := mu - y
		if y > 0 {
			d += y * math.Log(y/mu)
		}
		return 2 * w * d
	default:
		r := y - mu
		return w * r * r
	}
}

// Predict evaluates the fitted model on every row of f.
func (m *GLM) Predict(f *frame.Frame) ([]float64, error) {
	return m.PredictAt(f, nil)
}

// PredictAt evaluates the model with the given columns overridden to fixed
// values for every row.
func (m *GLM) PredictAt(f *frame.Frame, fixed map[string]float64) ([]float64, error) {
	n := f.NumRows()
	cols := make([][]float64, len(m.covariates))
	for j, name := range m.covariates {
		if _, ok := fixed[name]; ok {
			continue
		}
		c, err := f.Column(name)
		if err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		cols[j] = c
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		eta := m.beta[0]
		for j, name := range m.covariates {
			v, ok := fixed[name]
			if !ok {
				v = cols[j][i]
			}
			eta += m.beta[j+1] * v
		}
		out[i] = m.linkInverse(eta)
	}
	return out, nil
}

func (m *GLM) linkInverse(eta float64) float64 {
	switch m.family {
	case Binomial:
		return 1 / (1 + math.Exp(-eta))
	case Poisson:
		return math.Exp(math.Min(eta, 30))
	default:
		return eta
	}
}

// LinearPredictor evaluates eta = X beta on every row without applying the
// inverse link. TMLE's fluctuation step works on this scale.
func (m *GLM) LinearPredictor(f *frame.Frame, fixed map[string]float64) ([]float64, error) {
	preds, err := m.PredictAt(f, fixed)
	if err != nil {
		return nil, err
	}
	if m.family == Gaussian {
		return preds, nil
	}
	out := make([]float64, len(preds))
	for i, p := range preds {
		switch m.family {
		case Binomial:
			p = math.Min(math.Max(p, 1e-10), 1-1e-10)
			out[i] = math.Log(p / (1 - p))
		case Poisson:
			out[i] = math.Log(math.Max(p, 1e-10))
		}
	}
	return out, nil
}

// Coefficients returns the fitted coefficients, intercept first.
func (m *GLM) Coefficients() []float64 { return append([]float64(nil), m.beta...) }

// Covariates returns the covariate names the model was trained on.
func (m *GLM) Covariates() []string { return append([]string(nil), m.covariates...) }

// Family returns the regression family.
func (m *GLM) Family() Family { return m.family }

// Iterations returns the number of IRLS iterations used (1 for Gaussian).
func (m *GLM) Iterations() int { return m.iterations }

// Deviance returns the residual deviance at convergence.
func (m *GLM) Deviance() float64 { return m.deviance }

// Bread returns the inverse of X'WX at convergence. Used as the bread of
// cluster-robust sandwich variance estimates.
func (m *GLM) Bread() (*mat.SymDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(m.info); !ok {
		return nil, &ModelFitError{Target: m.target, Reason: "information matrix is singular"}
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("nuisance: inverting information matrix: %w", err)
	}
	return &inv, nil
}

// ScoreContributions returns the n x p matrix of per-row score vectors
// x_i * (y_i - mu_i), the meat of sandwich variance estimates.
func (m *GLM) ScoreContributions(f *frame.Frame, weights []float64) (*mat.Dense, error) {
	y, err := f.Column(m.target)
	if err != nil {
		return nil, err
	}
	mu, err := m.Predict(f)
	if err != nil {
		return nil, err
	}
	n := f.NumRows()
	p := len(m.beta)
	scores := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		r := y[i] - mu[i]
		if weights != nil {
			r *= weights[i]
		}
		scores.Set(i, 0, r)
		for j, name := range m.covariates {
			scores.Set(i, j+1, r*f.At(i, name))
		}
	}
	return scores, nil
}

func solveCholesky(a *mat.SymDense, b []float64) ([]float64, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("matrix is not positive definite")
	}
	out := mat.NewVecDense(len(b), nil)
	if err := chol.SolveVecTo(out, mat.NewVecDense(len(b), b)); err != nil {
		return nil, err
	}
	return out.RawVector().Data, nil
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func priorWeight(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}
