package trial

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/epiforge/epiforge/internal/estimator"
	"github.com/epiforge/epiforge/internal/frame"
)

// panelFrame builds a long-format frame from per-subject histories: each
// subject contributes one row per time 0..3 with constant baseline x.
type panelSubject struct {
	id       float64
	x        float64
	initiate float64 // time of first treatment, math.Inf(1) for never
	event    float64 // time of event, math.Inf(1) for none
}

func panelFrame(t *testing.T, subjects []panelSubject) *frame.Frame {
	t.Helper()
	var id, tm, a, y, elig, x []float64
	for _, s := range subjects {
		for tp := 0.0; tp <= 3; tp++ {
			id = append(id, s.id)
			tm = append(tm, tp)
			if tp >= s.initiate {
				a = append(a, 1)
			} else {
				a = append(a, 0)
			}
			if tp == s.event {
				y = append(y, 1)
			} else {
				y = append(y, 0)
			}
			if tp == 0 {
				elig = append(elig, 1)
			} else {
				elig = append(elig, 0)
			}
			x = append(x, s.x)
		}
	}
	f, err := frame.New(
		[]string{"id", "time", "treated", "event_obs", "eligible", "x"},
		[][]float64{id, tm, a, y, elig, x},
	)
	if err != nil {
		t.Fatalf("frame.New failed: %v", err)
	}
	return f
}

var testRoles = frame.Roles{Subject: "id", Time: "time", Exposure: "treated", Outcome: "event_obs"}

func testProtocol() Protocol {
	return Protocol{
		Eligible:     "eligible",
		GracePeriod:  1,
		FollowupTime: 3,
		Baseline:     []string{"x"},
	}
}

func fourSubjects() []panelSubject {
	inf := math.Inf(1)
	return []panelSubject{
		{id: 1, x: 0.2, initiate: inf, event: inf}, // never treated, no event
		{id: 2, x: -0.3, initiate: 0, event: 2},    // treated at entry, event at 2
		{id: 3, x: 0.5, initiate: 2, event: inf},   // treated after grace
		{id: 4, x: 0.1, initiate: inf, event: 1},   // never treated, event at 1
	}
}

func TestEmulateCloneAccounting(t *testing.T) {
	f := panelFrame(t, fourSubjects())
	em, err := Emulate(f, testRoles, testProtocol())
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	if em.Frame.NumRows() != 8 {
		t.Fatalf("Expected 2 clones per subject (8 rows), got %d", em.Frame.NumRows())
	}
	if em.Pooled+em.Censored != 8 {
		t.Errorf("clone accounting broken: %d pooled + %d censored != 8", em.Pooled, em.Censored)
	}
	// Pooled: subject 1 never-arm, subject 2 grace-arm, subject 4 never-arm.
	// Subject 4's grace-arm clone deviates at the end of the grace period, so
	// it is censored even though the subject's event falls at the same time.
	if em.Pooled != 3 || em.Censored != 5 {
		t.Errorf("Expected 3 pooled and 5 censored clones, got %d and %d", em.Pooled, em.Censored)
	}
}

func TestEmulateEventAttribution(t *testing.T) {
	f := panelFrame(t, fourSubjects())
	em, err := Emulate(f, testRoles, testProtocol())
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	events, err := em.Frame.Column(ColEvent)
	if err != nil {
		t.Fatalf("Column failed: %v", err)
	}
	total := 0.0
	for _, e := range events {
		total += e
	}
	// Subject 2's event belongs to the initiate arm, subject 4's to the
	// never arm; no event is double counted across a subject's clones.
	if total != 2 {
		t.Errorf("Expected 2 attributed events, got %g", total)
	}

	strategies, _ := em.Frame.Column(ColStrategy)
	subjects, _ := em.Frame.Column(ColSubject)
	for i := range events {
		if events[i] != 1 {
			continue
		}
		switch subjects[i] {
		case 2:
			if Strategy(strategies[i]) != InitiateWithinGrace {
				t.Error("subject 2's event attributed to the wrong arm")
			}
		case 4:
			if Strategy(strategies[i]) != NeverInitiate {
				t.Error("subject 4's event attributed to the wrong arm")
			}
		default:
			t.Errorf("unexpected event for subject %g", subjects[i])
		}
	}
}

func TestEmulatePersonTimeConservation(t *testing.T) {
	f := panelFrame(t, fourSubjects())
	em, err := Emulate(f, testRoles, testProtocol())
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	if err := em.CheckPersonTime(); err != nil {
		t.Errorf("person-time conservation violated: %v", err)
	}
	// Subject 2's compatible follow-up ends at its event.
	if em.Subjects[2] != 2 {
		t.Errorf("Expected compatible follow-up 2 for subject 2, got %g", em.Subjects[2])
	}
}

func TestEmulateLateInitiatorConservesPersonTime(t *testing.T) {
	f := panelFrame(t, fourSubjects())
	em, err := Emulate(f, testRoles, testProtocol())
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	// Subject 3 initiates at t=2, after the grace period, so it adheres to
	// neither arm: the conservation check must still hold, with its
	// compatible follow-up bounded by the never-arm deviation at t=2.
	if err := em.CheckPersonTime(); err != nil {
		t.Fatalf("late initiator broke person-time conservation: %v", err)
	}
	if em.Subjects[3] != 2 {
		t.Errorf("Expected compatible follow-up 2 for subject 3, got %g", em.Subjects[3])
	}

	subjects, _ := em.Frame.Column(ColSubject)
	censored, _ := em.Frame.Column(ColCensored)
	pt, _ := em.Frame.Column(ColPersonTime)
	for i := range subjects {
		if subjects[i] != 3 {
			continue
		}
		if censored[i] != 1 {
			t.Errorf("subject 3 clone %d must be censored", i)
		}
		if pt[i] > 2 {
			t.Errorf("subject 3 clone %d accrues %g person-time past its deviation", i, pt[i])
		}
	}
}

func TestEmulateCensoredClonesGetZeroWeight(t *testing.T) {
	f := panelFrame(t, fourSubjects())
	em, err := Emulate(f, testRoles, testProtocol())
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	censored, _ := em.Frame.Column(ColCensored)
	w, err := em.Frame.Column(ColWeight)
	if err != nil {
		t.Fatalf("weight column missing: %v", err)
	}
	for i := range censored {
		if censored[i] == 1 && w[i] != 0 {
			t.Errorf("censored clone %d carries weight %g", i, w[i])
		}
		if censored[i] == 0 && w[i] <= 0 {
			t.Errorf("pooled clone %d carries non-positive weight %g", i, w[i])
		}
	}
}

func TestEmulateValidation(t *testing.T) {
	f := panelFrame(t, fourSubjects())

	cases := []struct {
		name  string
		roles frame.Roles
		proto Protocol
	}{
		{"missing subject role", frame.Roles{Time: "time", Exposure: "treated", Outcome: "event_obs"}, testProtocol()},
		{"unknown eligible column", testRoles, Protocol{Eligible: "nope", GracePeriod: 1, FollowupTime: 3}},
		{"zero followup", testRoles, Protocol{Eligible: "eligible", FollowupTime: 0}},
		{"grace beyond followup", testRoles, Protocol{Eligible: "eligible", GracePeriod: 5, FollowupTime: 3}},
		{"unknown baseline", testRoles, Protocol{Eligible: "eligible", GracePeriod: 1, FollowupTime: 3, Baseline: []string{"nope"}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Emulate(f, tt.roles, tt.proto)
			var ive *frame.InputValidationError
			if !errors.As(err, &ive) {
				t.Fatalf("Expected InputValidationError, got %v", err)
			}
		})
	}
}

func TestEmulateNoEligibleSubjects(t *testing.T) {
	f := panelFrame(t, fourSubjects())
	zero := make([]float64, f.NumRows())
	g, err := f.WithColumn("eligible", zero)
	if err != nil {
		t.Fatalf("WithColumn failed: %v", err)
	}
	_, eerr := Emulate(g, testRoles, testProtocol())
	var ive *frame.InputValidationError
	if !errors.As(eerr, &ive) {
		t.Fatalf("Expected InputValidationError for zero clones, got %v", eerr)
	}
}

func TestProtocolKey(t *testing.T) {
	p1 := Protocol{GracePeriod: 1, FollowupTime: 3}
	p2 := Protocol{GracePeriod: 2, FollowupTime: 3}
	if p1.Key() == p2.Key() {
		t.Error("protocols with different grace periods must have distinct keys")
	}
}

func TestEmulateEstimateIntegration(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	inf := math.Inf(1)
	var subjects []panelSubject
	for i := 0; i < 150; i++ {
		s := panelSubject{id: float64(i), x: rng.NormFloat64(), initiate: inf, event: inf}
		if rng.Float64() < 0.5 {
			s.initiate = float64(rng.Intn(4))
		}
		if rng.Float64() < 0.3 {
			s.event = float64(1 + rng.Intn(3))
		}
		subjects = append(subjects, s)
	}
	f := panelFrame(t, subjects)

	em, err := Emulate(f, testRoles, testProtocol())
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	if err := em.CheckPersonTime(); err != nil {
		t.Fatalf("person-time conservation violated: %v", err)
	}

	est, err := em.Estimate(context.Background(), estimator.GComputation, estimator.Options{
		EffectScale: estimator.RiskDifference,
		Variance:    estimator.VarianceNone,
	})
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if math.IsNaN(est.Point) || est.Point < -1 || est.Point > 1 {
		t.Errorf("risk difference implausible: %g", est.Point)
	}
}
