package survey

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/epiforge/epiforge/internal/frame"
)

func regressionFrame(t *testing.T, n int, seed int64) *frame.Frame {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x := make([]float64, n)
	y := make([]float64, n)
	w := make([]float64, n)
	cluster := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		y[i] = 1 + 2*x[i] + 0.2*rng.NormFloat64()
		w[i] = 1
		cluster[i] = float64(i % 10)
	}
	f, err := frame.New([]string{"y", "x", "w", "psu"}, [][]float64{y, x, w, cluster})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	return f
}

func TestFitUniformWeights(t *testing.T) {
	f := regressionFrame(t, 200, 31)
	res, err := Fit(f, Design{Weight: "w"}, "y", []string{"x"}, 0.05)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if math.Abs(res.Coefficients[0]-1) > 0.1 {
		t.Errorf("Expected intercept near 1, got %.4f", res.Coefficients[0])
	}
	if math.Abs(res.Coefficients[1]-2) > 0.1 {
		t.Errorf("Expected slope near 2, got %.4f", res.Coefficients[1])
	}
	// Uniform weights carry no design effect.
	if math.Abs(res.DesignEffect-1) > 1e-9 {
		t.Errorf("Expected design effect 1, got %.4f", res.DesignEffect)
	}
	if math.Abs(res.EffectiveN-200) > 1e-6 {
		t.Errorf("Expected effective n 200, got %.2f", res.EffectiveN)
	}
	for j := range res.Coefficients {
		if res.StdErr[j] <= 0 {
			t.Errorf("non-positive stderr for %s", res.Covariates[j])
		}
		if res.Lower[j] > res.Coefficients[j] || res.Upper[j] < res.Coefficients[j] {
			t.Errorf("interval excludes coefficient for %s", res.Covariates[j])
		}
	}
	if res.Level != 0.95 {
		t.Errorf("Expected level 0.95, got %g", res.Level)
	}
}

func TestFitClusterRobust(t *testing.T) {
	f := regressionFrame(t, 200, 37)
	res, err := Fit(f, Design{Weight: "w", Cluster: "psu"}, "y", []string{"x"}, 0.05)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.Clusters != 10 {
		t.Errorf("Expected 10 clusters, got %d", res.Clusters)
	}
	if math.Abs(res.Coefficients[1]-2) > 0.1 {
		t.Errorf("Expected slope near 2, got %.4f", res.Coefficients[1])
	}
}

func TestFitSingleClusterFails(t *testing.T) {
	f := regressionFrame(t, 50, 41)
	one := make([]float64, 50)
	g, err := f.WithColumn("psu", one)
	if err != nil {
		t.Fatalf("WithColumn failed: %v", err)
	}
	if _, err := Fit(g, Design{Weight: "w", Cluster: "psu"}, "y", []string{"x"}, 0.05); err == nil {
		t.Error("Expected error for a single cluster")
	}
}

func TestFitInvalidWeights(t *testing.T) {
	f := regressionFrame(t, 50, 43)
	zero := make([]float64, 50)
	g, err := f.WithColumn("w", zero)
	if err != nil {
		t.Fatalf("WithColumn failed: %v", err)
	}
	_, ferr := Fit(g, Design{Weight: "w"}, "y", []string{"x"}, 0.05)
	var ive *frame.InputValidationError
	if !errors.As(ferr, &ive) {
		t.Fatalf("Expected InputValidationError, got %v", ferr)
	}

	if _, err := Fit(f, Design{}, "y", []string{"x"}, 0.05); err == nil {
		t.Error("Expected error for missing weight column")
	}
}

func TestFitUnequalWeightsInflateDesignEffect(t *testing.T) {
	f := regressionFrame(t, 100, 47)
	w := make([]float64, 100)
	for i := range w {
		w[i] = 1
		if i%10 == 0 {
			w[i] = 10
		}
	}
	g, err := f.WithColumn("w", w)
	if err != nil {
		t.Fatalf("WithColumn failed: %v", err)
	}
	res, err := Fit(g, Design{Weight: "w"}, "y", []string{"x"}, 0.05)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.DesignEffect <= 1 {
		t.Errorf("Expected design effect above 1 for unequal weights, got %.4f", res.DesignEffect)
	}
	if res.EffectiveN >= 100 {
		t.Errorf("Expected effective n below 100, got %.2f", res.EffectiveN)
	}
}

func TestFitStratifiedDesign(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	n := 200
	x := make([]float64, n)
	y := make([]float64, n)
	w := make([]float64, n)
	strata := make([]float64, n)
	cluster := make([]float64, n)
	for i := range x {
		strata[i] = float64(i % 2)
		cluster[i] = float64(i % 20)
		x[i] = rng.NormFloat64()
		y[i] = 1 + 2*x[i] + strata[i] + 0.2*rng.NormFloat64()
		w[i] = 1
	}
	f, err := frame.New(
		[]string{"y", "x", "w", "stratum", "psu"},
		[][]float64{y, x, w, strata, cluster},
	)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	res, err := Fit(f, Design{Weight: "w", Cluster: "psu", Strata: "stratum"}, "y", []string{"x", "stratum"}, 0.05)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(res.Coefficients[1]-2) > 0.1 {
		t.Errorf("Expected slope near 2, got %.4f", res.Coefficients[1])
	}
	if res.Clusters != 20 {
		t.Errorf("Expected 20 clusters, got %d", res.Clusters)
	}
}

func TestFitBinaryTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(59))
	n := 500
	x := make([]float64, n)
	y := make([]float64, n)
	w := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		p := 1 / (1 + math.Exp(-(0.2 + 0.8*x[i])))
		if rng.Float64() < p {
			y[i] = 1
		}
		w[i] = 1 + rng.Float64()
	}
	f, err := frame.New([]string{"y", "x", "w"}, [][]float64{y, x, w})
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}

	res, err := Fit(f, Design{Weight: "w"}, "y", []string{"x"}, 0.05)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(res.Coefficients[1]-0.8) > 0.3 {
		t.Errorf("Expected logistic slope near 0.8, got %.4f", res.Coefficients[1])
	}
}
