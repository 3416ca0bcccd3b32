package resample

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
)

func meanPipeline(data []float64) PipelineFunc {
	return func(rows []int) (float64, error) {
		s := 0.0
		for _, r := range rows {
			s += data[r]
		}
		return s / float64(len(rows)), nil
	}
}

func sequence(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestBootstrapSeededReproducibility(t *testing.T) {
	data := sequence(50)
	opts := Options{Resamples: 200, Seed: 42}

	r1, err := Bootstrap(context.Background(), len(data), meanPipeline(data), opts)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	r2, err := Bootstrap(context.Background(), len(data), meanPipeline(data), opts)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	if len(r1.Estimates) != len(r2.Estimates) {
		t.Fatalf("resample counts differ: %d vs %d", len(r1.Estimates), len(r2.Estimates))
	}
	for i := range r1.Estimates {
		if r1.Estimates[i] != r2.Estimates[i] {
			t.Fatalf("seeded runs diverge at estimate %d: %g vs %g", i, r1.Estimates[i], r2.Estimates[i])
		}
	}
}

func TestBootstrapInterval(t *testing.T) {
	data := sequence(100)
	res, err := Bootstrap(context.Background(), len(data), meanPipeline(data), Options{Resamples: 500, Seed: 7})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	lo, hi, err := res.Interval(0.05)
	if err != nil {
		t.Fatalf("Interval failed: %v", err)
	}
	// True mean is 49.5 with SE about 2.9; the percentile interval must
	// bracket it comfortably.
	if lo >= hi {
		t.Fatalf("interval bounds out of order: [%g, %g]", lo, hi)
	}
	if lo > 49.5 || hi < 49.5 {
		t.Errorf("interval [%g, %g] misses the true mean", lo, hi)
	}
	if se := res.StdErr(); se < 1 || se > 6 {
		t.Errorf("bootstrap stderr implausible: %g", se)
	}
}

func TestBootstrapCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := sequence(20)
	res, err := Bootstrap(ctx, len(data), meanPipeline(data), Options{Resamples: 100, Seed: 1})
	if !res.Incomplete {
		t.Error("Expected Incomplete after cancellation")
	}
	// With a pre-cancelled context nothing is submitted, so the only valid
	// outcome is the all-failed error.
	if err == nil && len(res.Estimates) == 0 {
		t.Error("Expected error or partial estimates")
	}
}

func TestBootstrapStopsAfterMidRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := sequence(50)
	mean := meanPipeline(data)
	var calls atomic.Int64
	fn := func(rows []int) (float64, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		return mean(rows)
	}

	res, err := Bootstrap(ctx, len(data), fn, Options{Resamples: 200, Workers: 1, Seed: 9})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if !res.Incomplete {
		t.Error("Expected Incomplete after mid-run cancellation")
	}
	if got := calls.Load(); got >= 200 {
		t.Errorf("Expected dispatch to stop after cancellation, but %d of 200 resamples ran", got)
	}
	if len(res.Estimates) == 0 {
		t.Error("Expected the resamples finished before cancellation to be returned")
	}
}

func TestBootstrapAllFailures(t *testing.T) {
	fail := func(rows []int) (float64, error) { return 0, fmt.Errorf("boom") }
	_, err := Bootstrap(context.Background(), 10, fail, Options{Resamples: 20, Seed: 3})
	var rerr *ResamplingError
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected ResamplingError, got %v", err)
	}
}

func TestClusterBootstrapKeepsClustersIntact(t *testing.T) {
	// Rows 0-4 are cluster 1, rows 5-9 cluster 2. Any resample must contain
	// whole clusters, so sums of cluster labels are multiples of 5.
	clusters := []float64{1, 1, 1, 1, 1, 2, 2, 2, 2, 2}
	fn := func(rows []int) (float64, error) {
		if len(rows)%5 != 0 {
			return 0, fmt.Errorf("resample split a cluster: %d rows", len(rows))
		}
		return float64(len(rows)), nil
	}
	res, err := Bootstrap(context.Background(), 10, fn, Options{Resamples: 50, Seed: 5, Clusters: clusters})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if res.Failed != 0 {
		t.Errorf("%d resamples split clusters", res.Failed)
	}
}

func TestClusterBootstrapMinClusters(t *testing.T) {
	clusters := []float64{1, 1, 1}
	_, err := Bootstrap(context.Background(), 3, meanPipeline(sequence(3)), Options{Resamples: 10, Clusters: clusters})
	var rerr *ResamplingError
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected ResamplingError for single cluster, got %v", err)
	}
}

func TestBootstrapRejectsBadInputs(t *testing.T) {
	fn := meanPipeline(sequence(10))
	if _, err := Bootstrap(context.Background(), 10, fn, Options{Resamples: 0}); err == nil {
		t.Error("Expected error for zero resamples")
	}
	if _, err := Bootstrap(context.Background(), 0, fn, Options{Resamples: 10}); err == nil {
		t.Error("Expected error for empty sample")
	}
	if _, err := Bootstrap(context.Background(), 5, fn, Options{Resamples: 10, Clusters: []float64{1, 2}}); err == nil {
		t.Error("Expected error for cluster label length mismatch")
	}
}

func TestInfluenceInterval(t *testing.T) {
	influence := make([]float64, 100)
	for i := range influence {
		influence[i] = float64(i%2)*2 - 1 // alternating -1, +1
	}
	lo, hi, se, err := InfluenceInterval(0, influence, 0.05)
	if err != nil {
		t.Fatalf("InfluenceInterval failed: %v", err)
	}
	// Sample variance of +/-1 is about 1, so SE is about 0.1 and the Wald
	// interval is about +/- 0.197.
	if math.Abs(se-0.1) > 0.01 {
		t.Errorf("Expected stderr near 0.1, got %g", se)
	}
	if math.Abs(lo+0.197) > 0.01 || math.Abs(hi-0.197) > 0.01 {
		t.Errorf("Expected interval near [-0.197, 0.197], got [%g, %g]", lo, hi)
	}

	if _, _, _, err := InfluenceInterval(0, []float64{1}, 0.05); err == nil {
		t.Error("Expected error for a single influence value")
	}
}
