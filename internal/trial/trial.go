// Package trial implements target-trial emulation: it reorganizes raw
// longitudinal data to mimic the eligibility, assignment, and follow-up
// structure of a hypothetical randomized trial, producing a cloned, censored,
// weighted frame that the estimators consume like any other dataset.
//
// Each clone walks the state machine
//
//	ELIGIBLE_CHECK -> CLONE -> ASSIGN_STRATEGY -> CENSOR_CHECK -> WEIGHT -> POOLED | CENSORED
//
// and carries its terminal state into the output as the censoring indicator.
package trial

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/epiforge/epiforge/internal/estimator"
	"github.com/epiforge/epiforge/internal/frame"
	"github.com/epiforge/epiforge/internal/nuisance"
	"github.com/epiforge/epiforge/internal/weights"
)

// Strategy is one treatment strategy clones are assigned to.
type Strategy int

const (
	// NeverInitiate assigns the clone to remain untreated throughout
	// follow-up; initiating treatment deviates from protocol.
	NeverInitiate Strategy = iota
	// InitiateWithinGrace assigns the clone to start treatment no later than
	// the end of the grace period; failing to do so deviates from protocol.
	InitiateWithinGrace
)

func (s Strategy) String() string {
	switch s {
	case NeverInitiate:
		return "never-initiate"
	case InitiateWithinGrace:
		return "initiate-within-grace"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Protocol defines one emulated trial. Emulations are keyed by
// (GracePeriod, FollowupTime): the same raw data yields a different trial per
// key.
type Protocol struct {
	// Eligible names the 0/1 column marking person-times eligible for trial
	// entry.
	Eligible string
	// GracePeriod is the time allowed after entry for the initiate arm to
	// start treatment before it is censored for protocol deviation.
	GracePeriod float64
	// FollowupTime bounds each clone's follow-up after trial entry.
	FollowupTime float64
	// Baseline names the covariate columns captured at trial entry and
	// carried onto the clones (the confounder set for downstream
	// estimation and the censoring model).
	Baseline []string
	// Truncation is the IPC weight truncation percentile; 0 means the
	// weighting engine's default.
	Truncation float64
}

// Key identifies an emulation.
func (p Protocol) Key() string {
	return fmt.Sprintf("grace=%g,followup=%g", p.GracePeriod, p.FollowupTime)
}

// Output column names of the cloned frame.
const (
	ColSubject    = "subject"
	ColStrategy   = "strategy"
	ColEntryTime  = "entry_time"
	ColPersonTime = "person_time"
	ColEvent      = "event"
	ColCensored   = "censored"
	ColWeight     = "ipc_weight"
)

// cloneState is the per-clone position in the emulation state machine.
type cloneState int

const (
	stateEligibleCheck cloneState = iota
	stateCloned
	stateAssigned
	stateCensorChecked
	stateWeighted
	statePooled
	stateCensored
)

func (s cloneState) String() string {
	switch s {
	case stateEligibleCheck:
		return "ELIGIBLE_CHECK"
	case stateCloned:
		return "CLONE"
	case stateAssigned:
		return "ASSIGN_STRATEGY"
	case stateCensorChecked:
		return "CENSOR_CHECK"
	case stateWeighted:
		return "WEIGHT"
	case statePooled:
		return "POOLED"
	case stateCensored:
		return "CENSORED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type clone struct {
	state      cloneState
	subject    float64
	strategy   Strategy
	entry      float64
	personTime float64
	event      bool
	censored   bool
	baseline   []float64
}

func (c *clone) advance(to cloneState) error {
	allowed := false
	switch to {
	case stateCloned:
		allowed = c.state == stateEligibleCheck
	case stateAssigned:
		allowed = c.state == stateCloned
	case stateCensorChecked:
		allowed = c.state == stateAssigned
	case stateWeighted:
		allowed = c.state == stateCensorChecked
	case statePooled, stateCensored:
		allowed = c.state == stateWeighted
	}
	if !allowed {
		return fmt.Errorf("trial: invalid clone transition %s -> %s", c.state, to)
	}
	c.state = to
	return nil
}

// Emulation is the result of one emulation call: the cloned frame plus the
// bookkeeping needed to verify person-time conservation.
type Emulation struct {
	Frame    *frame.Frame
	Protocol Protocol

	// Subjects maps subject id to that subject's strategy-compatible
	// follow-up: the longest any of its clones can be followed before an
	// event, administrative end, or protocol deviation.
	Subjects map[float64]float64
	// Clones per terminal state.
	Pooled   int
	Censored int

	Weights *weights.Vector
}

// subjectHistory is one subject's rows in time order.
type subjectHistory struct {
	id       float64
	times    []float64
	exposure []float64
	outcome  []float64
	eligible []float64
	baseline [][]float64 // per baseline column, aligned to times
}

// Emulate runs the full clone-censor-weight procedure. The input frame must
// be in long format with subject, time, exposure (observed treatment) and
// outcome (event indicator) roles declared; the eligibility flag and baseline
// covariates come from the protocol.
func Emulate(f *frame.Frame, roles frame.Roles, p Protocol) (*Emulation, error) {
	if roles.Subject == "" || roles.Time == "" {
		return nil, &frame.InputValidationError{Role: "subject", Reason: "target-trial emulation requires subject and time roles"}
	}
	if p.Eligible == "" || !f.Has(p.Eligible) {
		return nil, &frame.InputValidationError{Role: "eligible", Column: p.Eligible, Reason: "eligibility column not found"}
	}
	if p.FollowupTime <= 0 {
		return nil, &frame.InputValidationError{Role: "time", Reason: "follow-up time must be positive"}
	}
	if p.GracePeriod < 0 || p.GracePeriod > p.FollowupTime {
		return nil, &frame.InputValidationError{Role: "time", Reason: "grace period must be within [0, followup]"}
	}
	for _, b := range p.Baseline {
		if !f.Has(b) {
			return nil, &frame.InputValidationError{Role: "confounder", Column: b, Reason: "baseline column not found"}
		}
	}

	histories, err := groupBySubject(f, roles, p)
	if err != nil {
		return nil, err
	}

	em := &Emulation{Protocol: p, Subjects: make(map[float64]float64, len(histories))}
	var clones []*clone
	for _, h := range histories {
		cs, followup, err := emulateSubject(h, p)
		if err != nil {
			return nil, err
		}
		if cs == nil {
			continue // never eligible
		}
		em.Subjects[h.id] = followup
		clones = append(clones, cs...)
	}
	if len(clones) == 0 {
		return nil, &frame.InputValidationError{Reason: "no eligible person-time: emulation produced zero clones"}
	}

	if err := em.buildFrame(clones, p); err != nil {
		return nil, err
	}
	if err := em.weight(clones, p); err != nil {
		return nil, err
	}

	for _, c := range clones {
		terminal := statePooled
		if c.state == stateWeighted && c.censored {
			terminal = stateCensored
		}
		if err := c.advance(terminal); err != nil {
			return nil, err
		}
		if terminal == statePooled {
			em.Pooled++
		} else {
			em.Censored++
		}
	}
	return em, nil
}

// emulateSubject clones one subject at its first eligible time, once per
// strategy, and follows each clone to its terminal time.
func emulateSubject(h *subjectHistory, p Protocol) ([]*clone, float64, error) {
	entryIdx := -1
	for i, e := range h.eligible {
		if e == 1 {
			entryIdx = i
			break
		}
	}
	if entryIdx < 0 {
		return nil, 0, nil
	}
	entry := h.times[entryIdx]

	// Observed landmark times relative to entry.
	initiation := math.Inf(1)
	for i := entryIdx; i < len(h.times); i++ {
		if h.exposure[i] == 1 {
			initiation = h.times[i] - entry
			break
		}
	}
	eventTime := math.Inf(1)
	for i := entryIdx; i < len(h.times); i++ {
		if h.outcome[i] == 1 {
			eventTime = h.times[i] - entry
			break
		}
	}
	observedEnd := h.times[len(h.times)-1] - entry
	adminEnd := math.Min(observedEnd, p.FollowupTime)

	baseline := make([]float64, len(h.baseline))
	for j := range h.baseline {
		baseline[j] = h.baseline[j][entryIdx]
	}

	// Strategy-compatible follow-up for the conservation invariant: the
	// longest any of this subject's clones is followed. A subject adherent to
	// neither arm (initiation after the grace period) is still bounded by its
	// latest deviation, not by the administrative end.
	followup := 0.0

	var out []*clone
	for _, s := range []Strategy{NeverInitiate, InitiateWithinGrace} {
		c := &clone{subject: h.id, entry: entry, baseline: baseline}
		if err := c.advance(stateCloned); err != nil {
			return nil, 0, err
		}
		c.strategy = s
		if err := c.advance(stateAssigned); err != nil {
			return nil, 0, err
		}

		// Artificial censoring time under this strategy.
		censorAt := math.Inf(1)
		switch s {
		case NeverInitiate:
			censorAt = initiation
		case InitiateWithinGrace:
			if initiation > p.GracePeriod {
				censorAt = p.GracePeriod
			}
		}
		end := math.Min(censorAt, math.Min(eventTime, adminEnd))
		// An event at the censoring time belongs to the adherent arm only.
		c.event = eventTime <= end && eventTime < censorAt
		c.censored = !math.IsInf(censorAt, 1) && censorAt == end
		c.personTime = end
		followup = math.Max(followup, end)
		if err := c.advance(stateCensorChecked); err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, followup, nil
}

func (em *Emulation) buildFrame(clones []*clone, p Protocol) error {
	n := len(clones)
	subject := make([]float64, n)
	strategy := make([]float64, n)
	entry := make([]float64, n)
	personTime := make([]float64, n)
	event := make([]float64, n)
	censored := make([]float64, n)
	baseline := make([][]float64, len(p.Baseline))
	for j := range baseline {
		baseline[j] = make([]float64, n)
	}

	for i, c := range clones {
		subject[i] = c.subject
		strategy[i] = float64(c.strategy)
		entry[i] = c.entry
		personTime[i] = c.personTime
		if c.event {
			event[i] = 1
		}
		if c.censored {
			censored[i] = 1
		}
		for j := range baseline {
			baseline[j][i] = c.baseline[j]
		}
	}

	names := []string{ColSubject, ColStrategy, ColEntryTime, ColPersonTime, ColEvent, ColCensored}
	cols := [][]float64{subject, strategy, entry, personTime, event, censored}
	names = append(names, p.Baseline...)
	cols = append(cols, baseline...)

	f, err := frame.New(names, cols)
	if err != nil {
		return err
	}
	em.Frame = f
	return nil
}

// weight fits a pooled logistic model for artificial censoring on strategy
// and baseline covariates, converts it into inverse-probability-of-censoring
// weights, and attaches them to the frame.
func (em *Emulation) weight(clones []*clone, p Protocol) error {
	covs := append([]string{ColStrategy}, p.Baseline...)
	censModel, err := nuisance.Fit(em.Frame, ColCensored, covs, nuisance.Binomial)
	if err != nil {
		return err
	}
	censProb, err := censModel.Predict(em.Frame)
	if err != nil {
		return err
	}

	censoredCol, err := em.Frame.Column(ColCensored)
	if err != nil {
		return err
	}
	uncensored := make([]float64, len(censProb))
	flags := make([]bool, len(censProb))
	for i, q := range censProb {
		uncensored[i] = 1 - q
		flags[i] = censoredCol[i] == 1
	}
	em.Weights = weights.Censoring(uncensored, flags, p.Truncation)
	if err := em.Weights.Validate(); err != nil {
		return err
	}

	f, err := em.Frame.WithColumn(ColWeight, em.Weights.Values)
	if err != nil {
		return err
	}
	em.Frame = f

	for _, c := range clones {
		if err := c.advance(stateWeighted); err != nil {
			return err
		}
	}
	return nil
}

// CheckPersonTime verifies the conservation invariant: for every subject the
// longest-followed clone accrues exactly the subject's strategy-compatible
// follow-up, and no clone exceeds it.
func (em *Emulation) CheckPersonTime() error {
	byArm := make(map[float64][2]float64)
	strategyCol, err := em.Frame.Column(ColStrategy)
	if err != nil {
		return err
	}
	subjectCol, err := em.Frame.Column(ColSubject)
	if err != nil {
		return err
	}
	ptCol, err := em.Frame.Column(ColPersonTime)
	if err != nil {
		return err
	}
	for i := range subjectCol {
		pts := byArm[subjectCol[i]]
		pts[int(strategyCol[i])] = ptCol[i]
		byArm[subjectCol[i]] = pts
	}
	for id, pts := range byArm {
		compatible := em.Subjects[id]
		maxPT := math.Max(pts[0], pts[1])
		if pts[0] > compatible+1e-9 || pts[1] > compatible+1e-9 {
			return fmt.Errorf("trial: subject %g accrues more person-time than its compatible follow-up %g", id, compatible)
		}
		if math.Abs(maxPT-compatible) > 1e-9 {
			return fmt.Errorf("trial: subject %g longest clone person-time %g != compatible follow-up %g", id, maxPT, compatible)
		}
	}
	return nil
}

// Estimate feeds the cloned, weighted frame into the requested estimator:
// strategy as exposure, event as outcome, baseline covariates as confounders,
// subject as the bootstrap cluster, and the IPC weights as prior weights.
func (em *Emulation) Estimate(ctx context.Context, kind estimator.Kind, opts estimator.Options) (*estimator.CausalEstimate, error) {
	est, err := estimator.New(kind, opts)
	if err != nil {
		return nil, err
	}
	roles := frame.Roles{
		Exposure:    ColStrategy,
		Outcome:     ColEvent,
		Confounders: em.Protocol.Baseline,
		Cluster:     ColSubject,
		Weight:      ColWeight,
	}
	return est.Estimate(ctx, em.Frame, roles)
}

// groupBySubject splits the long frame into per-subject histories sorted by
// time.
func groupBySubject(f *frame.Frame, roles frame.Roles, p Protocol) ([]*subjectHistory, error) {
	subjectCol, err := f.Column(roles.Subject)
	if err != nil {
		return nil, err
	}
	timeCol, err := f.Column(roles.Time)
	if err != nil {
		return nil, err
	}
	exposureCol, err := f.Column(roles.Exposure)
	if err != nil {
		return nil, err
	}
	outcomeCol, err := f.Column(roles.Outcome)
	if err != nil {
		return nil, err
	}
	eligibleCol, err := f.Column(p.Eligible)
	if err != nil {
		return nil, err
	}
	baselineCols := make([][]float64, len(p.Baseline))
	for j, name := range p.Baseline {
		baselineCols[j], err = f.Column(name)
		if err != nil {
			return nil, err
		}
	}

	rowsBySubject := make(map[float64][]int)
	for i := range subjectCol {
		if math.IsNaN(subjectCol[i]) || math.IsNaN(timeCol[i]) {
			return nil, &frame.InputValidationError{Role: "subject", Column: roles.Subject,
				Reason: fmt.Sprintf("missing subject or time at row %d", i)}
		}
		rowsBySubject[subjectCol[i]] = append(rowsBySubject[subjectCol[i]], i)
	}

	ids := make([]float64, 0, len(rowsBySubject))
	for id := range rowsBySubject {
		ids = append(ids, id)
	}
	sort.Float64s(ids)

	out := make([]*subjectHistory, 0, len(ids))
	for _, id := range ids {
		rows := rowsBySubject[id]
		sort.Slice(rows, func(a, b int) bool { return timeCol[rows[a]] < timeCol[rows[b]] })
		h := &subjectHistory{id: id, baseline: make([][]float64, len(baselineCols))}
		for _, r := range rows {
			h.times = append(h.times, timeCol[r])
			h.exposure = append(h.exposure, exposureCol[r])
			h.outcome = append(h.outcome, outcomeCol[r])
			h.eligible = append(h.eligible, eligibleCol[r])
		}
		for j, col := range baselineCols {
			for _, r := range rows {
				h.baseline[j] = append(h.baseline[j], col[r])
			}
		}
		out = append(out, h)
	}
	return out, nil
}
