// Package resample provides bootstrap and influence-function variance
// estimation shared by all causal estimators. Resamples are independent units
// of work fanned out to a worker pool; aggregation is a simple reduction.
package resample

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat/distuv"
)

// MinClusters is the minimum number of distinct clusters required for a
// cluster bootstrap to be meaningful.
const MinClusters = 2

// ResamplingError reports a variance-estimation failure. The point estimate
// may still be returned with variance marked unavailable.
type ResamplingError struct {
	Reason string
}

func (e *ResamplingError) Error() string {
	return fmt.Sprintf("resampling failed: %s", e.Reason)
}

// PipelineFunc re-executes the full estimation pipeline on a row subset and
// returns the point estimate for that resample.
type PipelineFunc func(rows []int) (float64, error)

// Options configures a bootstrap run.
type Options struct {
	// Resamples is the number of bootstrap replicates.
	Resamples int
	// Workers bounds the worker pool; 0 means GOMAXPROCS.
	Workers int
	// Seed makes the resampling reproducible; 0 draws a random seed.
	Seed int64
	// Clusters, when non-nil, switches to cluster bootstrap: the unit of
	// resampling is the cluster, not the row. One entry per row.
	Clusters []float64
}

// Result holds the bootstrap distribution. Incomplete is set when the run was
// cancelled between resamples; the estimates gathered so far are returned
// rather than silently truncated.
type Result struct {
	Estimates  []float64
	Requested  int
	Failed     int
	Incomplete bool
}

// Bootstrap resamples rows (or clusters) with replacement, re-executes the
// pipeline per resample on a private row subset, and collects the estimates.
// Cancellation is cooperative: the signal is checked between resamples.
func Bootstrap(ctx context.Context, n int, fn PipelineFunc, opts Options) (*Result, error) {
	if opts.Resamples <= 0 {
		return nil, &ResamplingError{Reason: "resample count must be positive"}
	}
	if n <= 0 {
		return nil, &ResamplingError{Reason: "empty sample"}
	}

	var clusterRows map[float64][]int
	var clusterIDs []float64
	if opts.Clusters != nil {
		if len(opts.Clusters) != n {
			return nil, &ResamplingError{Reason: fmt.Sprintf("%d cluster labels for %d rows", len(opts.Clusters), n)}
		}
		clusterRows = make(map[float64][]int)
		for i, c := range opts.Clusters {
			clusterRows[c] = append(clusterRows[c], i)
		}
		if len(clusterRows) < MinClusters {
			return nil, &ResamplingError{Reason: fmt.Sprintf("cluster bootstrap requires at least %d distinct clusters, got %d", MinClusters, len(clusterRows))}
		}
		clusterIDs = make([]float64, 0, len(clusterRows))
		for c := range clusterRows {
			clusterIDs = append(clusterIDs, c)
		}
		sort.Float64s(clusterIDs)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > opts.Resamples {
		workers = opts.Resamples
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	// Unbuffered so a cancelled context stops dispatch immediately instead of
	// letting the submit loop fill a queue the workers will drain anyway.
	jobs := make(chan int64)
	type outcome struct {
		estimate float64
		err      error
	}
	results := make(chan outcome, opts.Resamples)

	var skipped atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				// Cooperative cancellation: re-checked before every resample
				// so in-flight work stops at the next resample boundary.
				if ctx.Err() != nil {
					skipped.Add(1)
					continue
				}
				// Each resample owns a private RNG and row subset; no
				// mutable state is shared across workers.
				rng := rand.New(rand.NewSource(s))
				var rows []int
				if clusterRows == nil {
					rows = make([]int, n)
					for i := range rows {
						rows[i] = rng.Intn(n)
					}
				} else {
					rows = drawClusters(rng, clusterIDs, clusterRows)
				}
				est, err := fn(rows)
				results <- outcome{estimate: est, err: err}
			}
		}()
	}

	res := &Result{Requested: opts.Resamples}
submit:
	for i := 0; i < opts.Resamples; i++ {
		if ctx.Err() != nil {
			res.Incomplete = true
			break
		}
		select {
		case <-ctx.Done():
			res.Incomplete = true
			break submit
		case jobs <- seed + int64(i) + 1:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	if skipped.Load() > 0 {
		res.Incomplete = true
	}

	for o := range results {
		if o.err != nil || math.IsNaN(o.estimate) {
			res.Failed++
			continue
		}
		res.Estimates = append(res.Estimates, o.estimate)
	}
	sort.Float64s(res.Estimates)

	if len(res.Estimates) == 0 {
		return res, &ResamplingError{Reason: "all resamples failed"}
	}
	return res, nil
}

func drawClusters(rng *rand.Rand, ids []float64, rows map[float64][]int) []int {
	var out []int
	for range ids {
		c := ids[rng.Intn(len(ids))]
		out = append(out, rows[c]...)
	}
	return out
}

// Interval returns the empirical (1-alpha) percentile interval of the
// bootstrap distribution.
func (r *Result) Interval(alpha float64) (lower, upper float64, err error) {
	if len(r.Estimates) < 2 {
		return 0, 0, &ResamplingError{Reason: fmt.Sprintf("%d usable resamples", len(r.Estimates))}
	}
	return quantile(r.Estimates, alpha/2), quantile(r.Estimates, 1-alpha/2), nil
}

// StdErr returns the bootstrap standard error.
func (r *Result) StdErr() float64 {
	n := len(r.Estimates)
	if n < 2 {
		return math.NaN()
	}
	m := 0.0
	for _, e := range r.Estimates {
		m += e
	}
	m /= float64(n)
	v := 0.0
	for _, e := range r.Estimates {
		d := e - m
		v += d * d
	}
	return math.Sqrt(v / float64(n-1))
}

// InfluenceInterval computes a closed-form Wald interval from per-row
// influence-function values: variance is the sample variance of the influence
// function divided by the sample size. Agrees with the bootstrap interval
// asymptotically and is much cheaper.
func InfluenceInterval(point float64, influence []float64, alpha float64) (lower, upper, stderr float64, err error) {
	n := len(influence)
	if n < 2 {
		return 0, 0, 0, &ResamplingError{Reason: "influence function needs at least 2 observations"}
	}
	m := 0.0
	for _, v := range influence {
		m += v
	}
	m /= float64(n)
	variance := 0.0
	for _, v := range influence {
		d := v - m
		variance += d * d
	}
	variance /= float64(n - 1)
	stderr = math.Sqrt(variance / float64(n))

	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(1 - alpha/2)
	return point - z*stderr, point + z*stderr, stderr, nil
}

// quantile uses linear interpolation between order statistics on a sorted
// slice.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
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
