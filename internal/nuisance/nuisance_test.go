package nuisance

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/epiforge/epiforge/internal/frame"
)

func TestGaussianRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := 2000
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		y[i] = 1.5 + 2.0*x[i] + 0.1*rng.NormFloat64()
	}
	f, err := frame.New([]string{"y", "x"}, [][]float64{y, x})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	m, err := Fit(f, "y", []string{"x"}, Gaussian)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	beta := m.Coefficients()
	if math.Abs(beta[0]-1.5) > 0.05 {
		t.Errorf("Expected intercept near 1.5, got %.4f", beta[0])
	}
	if math.Abs(beta[1]-2.0) > 0.05 {
		t.Errorf("Expected slope near 2.0, got %.4f", beta[1])
	}
}

func TestBinomialRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	n := 5000
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		p := 1 / (1 + math.Exp(-(0.5 + 1.0*x[i])))
		if rng.Float64() < p {
			y[i] = 1
		}
	}
	f, err := frame.New([]string{"y", "x"}, [][]float64{y, x})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	m, err := Fit(f, "y", []string{"x"}, Binomial)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	beta := m.Coefficients()
	if math.Abs(beta[0]-0.5) > 0.15 {
		t.Errorf("Expected intercept near 0.5, got %.4f", beta[0])
	}
	if math.Abs(beta[1]-1.0) > 0.15 {
		t.Errorf("Expected slope near 1.0, got %.4f", beta[1])
	}

	preds, err := m.Predict(f)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	for i, p := range preds {
		if p <= 0 || p >= 1 {
			t.Fatalf("prediction %d outside (0,1): %g", i, p)
		}
	}
}

func TestPoissonRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	n := 5000
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		mu := math.Exp(0.8 + 0.4*x[i])
		y[i] = poissonDraw(rng, mu)
	}
	f, err := frame.New([]string{"y", "x"}, [][]float64{y, x})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	m, err := Fit(f, "y", []string{"x"}, Poisson)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	beta := m.Coefficients()
	if math.Abs(beta[0]-0.8) > 0.1 {
		t.Errorf("Expected intercept near 0.8, got %.4f", beta[0])
	}
	if math.Abs(beta[1]-0.4) > 0.1 {
		t.Errorf("Expected slope near 0.4, got %.4f", beta[1])
	}
}

// poissonDraw samples by inversion; adequate for moderate rates in tests.
func poissonDraw(rng *rand.Rand, mu float64) float64 {
	l := math.Exp(-mu)
	k := 0.0
	p := 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

func TestFamilyFor(t *testing.T) {
	f, err := frame.New(
		[]string{"bin", "count", "cont"},
		[][]float64{
			{0, 1, 1, 0, 1, 0},
			{0, 3, 7, 2, 5, 1},
			{0.5, 1.2, -3, 0.1, 2.7, 4.4},
		},
	)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	tests := []struct {
		col  string
		want Family
	}{
		{"bin", Binomial},
		{"count", Poisson},
		{"cont", Gaussian},
	}
	for _, tt := range tests {
		if got := FamilyFor(f, tt.col); got != tt.want {
			t.Errorf("FamilyFor(%s): expected %v, got %v", tt.col, tt.want, got)
		}
	}
}

func TestCollinearCovariatesFail(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	x2 := make([]float64, len(x))
	y := make([]float64, len(x))
	for i, v := range x {
		x2[i] = 2 * v
		y[i] = v + 1
	}
	f, err := frame.New([]string{"y", "x", "x2"}, [][]float64{y, x, x2})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	_, ferr := Fit(f, "y", []string{"x", "x2"}, Gaussian)
	var mfe *ModelFitError
	if !errors.As(ferr, &mfe) {
		t.Fatalf("Expected ModelFitError, got %v", ferr)
	}
}

func TestInsufficientData(t *testing.T) {
	f, err := frame.New(
		[]string{"y", "x1", "x2"},
		[][]float64{{1, 2, 3, 4}, {1, 0, 1, 0}, {0.1, 0.2, 0.3, 0.4}},
	)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	_, ferr := Fit(f, "y", []string{"x1", "x2"}, Gaussian)
	var ide *InsufficientDataError
	if !errors.As(ferr, &ide) {
		t.Fatalf("Expected InsufficientDataError, got %v", ferr)
	}
}

func TestPredictAtOverridesColumn(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	a := []float64{0, 1, 0, 1, 0, 1, 0, 1, 0, 1}
	y := make([]float64, len(x))
	for i := range y {
		y[i] = 1 + 3*a[i] + 0.5*x[i]
	}
	f, err := frame.New([]string{"y", "a", "x"}, [][]float64{y, a, x})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	m, err := Fit(f, "y", []string{"a", "x"}, Gaussian)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	p1, err := m.PredictAt(f, map[string]float64{"a": 1})
	if err != nil {
		t.Fatalf("PredictAt failed: %v", err)
	}
	p0, err := m.PredictAt(f, map[string]float64{"a": 0})
	if err != nil {
		t.Fatalf("PredictAt failed: %v", err)
	}
	for i := range p1 {
		if math.Abs((p1[i]-p0[i])-3) > 1e-8 {
			t.Fatalf("row %d: expected counterfactual contrast 3, got %g", i, p1[i]-p0[i])
		}
	}
}

func TestFitWeightedPrefersHeavyRows(t *testing.T) {
	// Two subpopulations with different slopes; weighting one to near-zero
	// should recover the other's slope.
	x := []float64{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}
	y := make([]float64, len(x))
	w := make([]float64, len(x))
	for i := range x {
		if i < 6 {
			y[i] = 2 * x[i]
			w[i] = 1
		} else {
			y[i] = 10 * x[i]
			w[i] = 1e-8
		}
	}
	f, err := frame.New([]string{"y", "x"}, [][]float64{y, x})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	m, err := FitWeighted(f, "y", []string{"x"}, Gaussian, w)
	if err != nil {
		t.Fatalf("FitWeighted failed: %v", err)
	}
	if slope := m.Coefficients()[1]; math.Abs(slope-2) > 0.01 {
		t.Errorf("Expected weighted slope near 2, got %.4f", slope)
	}
}

func TestWeightLengthMismatch(t *testing.T) {
	f, err := frame.New(
		[]string{"y", "x"},
		[][]float64{{1, 2, 3, 4, 5, 6, 7}, {1, 2, 3, 4, 5, 6, 7}},
	)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	if _, err := FitWeighted(f, "y", []string{"x"}, Gaussian, []float64{1, 2}); err == nil {
		t.Error("Expected error for weight length mismatch")
	}
}
