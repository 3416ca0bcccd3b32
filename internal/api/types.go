// Package api defines the request/response contract of the estimation
// service: what an estimation run asks for over HTTP and how its inputs map
// onto the engine's option types.
package api

import (
	"fmt"
	"strings"

	"github.com/epiforge/epiforge/internal/estimator"
	"github.com/epiforge/epiforge/internal/frame"
)

// EstimateRequest is one estimation run submitted to the service. Exactly one
// of Dataset (a registry name) or CSV (inline file content) supplies the data.
type EstimateRequest struct {
	Dataset string `json:"dataset,omitempty"`
	CSV     string `json:"csv,omitempty"`

	Kind     string `json:"kind"`
	Scale    string `json:"scale,omitempty"`
	Variance string `json:"variance,omitempty"`

	Exposure    string   `json:"exposure"`
	Outcome     string   `json:"outcome"`
	Confounders []string `json:"confounders,omitempty"`
	Instrument  string   `json:"instrument,omitempty"`
	Cluster     string   `json:"cluster,omitempty"`
	Weight      string   `json:"weight,omitempty"`

	Alpha       float64 `json:"alpha,omitempty"`
	Bootstrap   int     `json:"bootstrap,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	DropMissing bool    `json:"drop_missing,omitempty"`
	Save        bool    `json:"save,omitempty"`
}

// Validate performs structural checks before any data is loaded.
func (r *EstimateRequest) Validate() error {
	if r.Dataset == "" && r.CSV == "" {
		return fmt.Errorf("one of dataset or csv is required")
	}
	if r.Dataset != "" && r.CSV != "" {
		return fmt.Errorf("dataset and csv are mutually exclusive")
	}
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if r.Exposure == "" || r.Outcome == "" {
		return fmt.Errorf("exposure and outcome are required")
	}
	if r.Alpha < 0 || r.Alpha >= 1 {
		return fmt.Errorf("alpha must be in [0,1), got %g", r.Alpha)
	}
	if r.Bootstrap < 0 {
		return fmt.Errorf("bootstrap must be non-negative, got %d", r.Bootstrap)
	}
	return nil
}

// Roles returns the column-role declaration for the request.
func (r *EstimateRequest) Roles() frame.Roles {
	return frame.Roles{
		Exposure:    r.Exposure,
		Outcome:     r.Outcome,
		Confounders: r.Confounders,
		Instrument:  r.Instrument,
		Cluster:     r.Cluster,
		Weight:      r.Weight,
	}
}

// Options resolves the request's string fields into engine options, applying
// the service defaults for anything omitted.
func (r *EstimateRequest) Options() (estimator.Kind, estimator.Options, error) {
	kind, err := ParseKind(r.Kind)
	if err != nil {
		return 0, estimator.Options{}, err
	}

	scaleName := r.Scale
	if scaleName == "" {
		scaleName = "difference"
	}
	scale, err := ParseScale(scaleName)
	if err != nil {
		return 0, estimator.Options{}, err
	}

	varName := r.Variance
	if varName == "" {
		varName = "bootstrap"
	}
	variance, err := ParseVariance(varName)
	if err != nil {
		return 0, estimator.Options{}, err
	}

	opts := estimator.Options{
		EffectScale: scale,
		Variance:    variance,
		Alpha:       r.Alpha,
		NBootstrap:  r.Bootstrap,
		Seed:        r.Seed,
	}
	if opts.Alpha == 0 {
		opts.Alpha = 0.05
	}
	if opts.NBootstrap == 0 {
		opts.NBootstrap = 500
	}
	if r.DropMissing {
		opts.Missing = frame.MissingDropRows
	}
	return kind, opts, nil
}

// ParseKind resolves an estimator name accepted on the wire.
func ParseKind(s string) (estimator.Kind, error) {
	switch strings.ToLower(s) {
	case "gcomp", "g-computation":
		return estimator.GComputation, nil
	case "iv", "instrumental-variables":
		return estimator.InstrumentalVariables, nil
	case "aiptw":
		return estimator.AIPTW, nil
	case "tmle":
		return estimator.TMLE, nil
	default:
		return 0, fmt.Errorf("unknown estimator kind %q", s)
	}
}

// ParseScale resolves an effect-scale name accepted on the wire.
func ParseScale(s string) (estimator.EffectScale, error) {
	switch strings.ToLower(s) {
	case "difference", "mean-difference":
		return estimator.MeanDifference, nil
	case "risk-difference":
		return estimator.RiskDifference, nil
	case "risk-ratio":
		return estimator.RiskRatio, nil
	case "odds-ratio":
		return estimator.OddsRatio, nil
	default:
		return 0, fmt.Errorf("unknown effect scale %q", s)
	}
}

// ParseVariance resolves a variance-method name accepted on the wire.
func ParseVariance(s string) (estimator.VarianceMethod, error) {
	switch strings.ToLower(s) {
	case "bootstrap":
		return estimator.VarianceBootstrap, nil
	case "influence":
		return estimator.VarianceInfluence, nil
	case "none":
		return estimator.VarianceNone, nil
	default:
		return 0, fmt.Errorf("unknown variance method %q", s)
	}
}

// ErrorResponse is the JSON body returned on any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}
