package transmission

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultOutbreakThreshold is the number of baseline standard deviations an
// observed count must exceed before it is flagged.
const DefaultOutbreakThreshold = 3.0

// OutbreakDetector maintains an exponentially weighted baseline of incident
// counts per location and flags counts that exceed it by a configurable
// number of standard deviations. Safe for concurrent use across locations.
type OutbreakDetector struct {
	mu        sync.Mutex
	alpha     float64 // EWMA smoothing factor
	threshold float64
	state     map[string]*ewmaState
}

// Collectors are package-level so multiple detectors (one per stream) share
// the same series instead of fighting over registration.
var (
	outbreakSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epiforge_outbreak_signals_total",
			Help: "Observations flagged as outbreak signals",
		},
		[]string{"location"},
	)
	outbreakExcess = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "epiforge_outbreak_excess",
			Help:    "Standardized excess of observed counts over the EWMA baseline",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 20},
		},
		[]string{"location"},
	)
)

type ewmaState struct {
	mean     float64
	variance float64
	observed int
}

// OutbreakSignal is one evaluated observation.
type OutbreakSignal struct {
	Location   string
	Count      float64
	Baseline   float64
	Excess     float64 // standardized excess over baseline
	IsOutbreak bool
	ComputedAt time.Time
}

// NewOutbreakDetector builds a detector; alpha in (0,1] controls how fast the
// baseline adapts, threshold 0 means the default.
func NewOutbreakDetector(alpha, threshold float64) (*OutbreakDetector, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("transmission: EWMA alpha must be in (0,1], got %g", alpha)
	}
	if threshold == 0 {
		threshold = DefaultOutbreakThreshold
	}
	return &OutbreakDetector{
		alpha:     alpha,
		threshold: threshold,
		state:     make(map[string]*ewmaState),
	}, nil
}

// warmup is the number of observations per location before signals fire; the
// baseline is meaningless until the EWMA has seen some history.
const warmup = 4

// Observe updates the baseline for a location and evaluates the new count
// against it.
func (d *OutbreakDetector) Observe(location string, count float64) *OutbreakSignal {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.state[location]
	if s == nil {
		s = &ewmaState{mean: count}
		d.state[location] = s
	}

	sd := math.Sqrt(s.variance)
	excess := 0.0
	if sd > 0 {
		excess = (count - s.mean) / sd
	} else if count > s.mean {
		excess = math.Inf(1)
	}

	sig := &OutbreakSignal{
		Location:   location,
		Count:      count,
		Baseline:   s.mean,
		Excess:     excess,
		IsOutbreak: s.observed >= warmup && excess > d.threshold,
		ComputedAt: time.Now(),
	}

	// Update after evaluation so the observation being judged does not
	// contaminate its own baseline.
	diff := count - s.mean
	s.mean += d.alpha * diff
	s.variance = (1 - d.alpha) * (s.variance + d.alpha*diff*diff)
	s.observed++

	if !math.IsInf(excess, 0) && excess > 0 {
		outbreakExcess.WithLabelValues(location).Observe(excess)
	}
	if sig.IsOutbreak {
		outbreakSignals.WithLabelValues(location).Inc()
	}
	return sig
}

// Scan evaluates an ordered incidence series for one location and returns
// the flagged signals.
func (d *OutbreakDetector) Scan(location string, counts []float64) []*OutbreakSignal {
	var flagged []*OutbreakSignal
	for _, c := range counts {
		if sig := d.Observe(location, c); sig.IsOutbreak {
			flagged = append(flagged, sig)
		}
	}
	return flagged
}

// Baseline returns the current EWMA mean for a location.
func (d *OutbreakDetector) Baseline(location string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.state[location]
	if !ok {
		return 0, false
	}
	return s.mean, true
}
