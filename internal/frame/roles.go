package frame

import (
	"fmt"
	"math"
)

// Roles declares the semantic role of each column for one estimation call.
// Only Exposure, Outcome and Confounders are universally required; the rest
// are estimator-specific.
type Roles struct {
	Exposure    string
	Outcome     string
	Confounders []string
	Instrument  string
	Mediator    string
	Time        string
	Subject     string
	Cluster     string
	Strata      string
	Weight      string
}

// MissingPolicy controls how missing values in role columns are treated.
type MissingPolicy int

const (
	// MissingForbid rejects any NaN in exposure, outcome or instrument.
	MissingForbid MissingPolicy = iota
	// MissingDropRows silently excludes rows with NaN in any declared role
	// column before estimation. The caller opted in, so this is not coercion.
	MissingDropRows
)

// InputValidationError reports a structural problem with the input frame or
// role declaration. Always fatal, never retried.
type InputValidationError struct {
	Role   string
	Column string
	Reason string
}

func (e *InputValidationError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("invalid input: role %s (column %q): %s", e.Role, e.Column, e.Reason)
	}
	return fmt.Sprintf("invalid input: column %q: %s", e.Column, e.Reason)
}

// Validate checks that every declared role resolves to an existing column and
// that exposure, outcome and instrument are fully observed under
// MissingForbid. It returns the frame to estimate on: the input itself, or a
// row-filtered copy under MissingDropRows.
func Validate(f *Frame, roles Roles, policy MissingPolicy) (*Frame, error) {
	required := []struct{ role, col string }{
		{"exposure", roles.Exposure},
		{"outcome", roles.Outcome},
	}
	for _, r := range required {
		if r.col == "" {
			return nil, &InputValidationError{Role: r.role, Reason: "role not declared"}
		}
	}

	declared := roleColumns(roles)
	for _, d := range declared {
		if !f.Has(d.col) {
			return nil, &InputValidationError{Role: d.role, Column: d.col, Reason: "column not found"}
		}
	}

	switch policy {
	case MissingForbid:
		for _, d := range declared {
			if d.role != "exposure" && d.role != "outcome" && d.role != "instrument" {
				continue
			}
			col, _ := f.Column(d.col)
			for i, v := range col {
				if math.IsNaN(v) {
					return nil, &InputValidationError{
						Role:   d.role,
						Column: d.col,
						Reason: fmt.Sprintf("missing value at row %d (declare an explicit missing-data policy to drop rows)", i),
					}
				}
			}
		}
		return f, nil

	case MissingDropRows:
		keep := make([]int, 0, f.NumRows())
	rows:
		for i := 0; i < f.NumRows(); i++ {
			for _, d := range declared {
				if math.IsNaN(f.At(i, d.col)) {
					continue rows
				}
			}
			keep = append(keep, i)
		}
		if len(keep) == 0 {
			return nil, &InputValidationError{Reason: "no complete rows remain after dropping missing values"}
		}
		return f.Select(keep)

	default:
		return nil, &InputValidationError{Reason: fmt.Sprintf("unknown missing-data policy %d", policy)}
	}
}

func roleColumns(roles Roles) []struct{ role, col string } {
	out := []struct{ role, col string }{
		{"exposure", roles.Exposure},
		{"outcome", roles.Outcome},
	}
	for _, c := range roles.Confounders {
		out = append(out, struct{ role, col string }{"confounder", c})
	}
	optional := []struct{ role, col string }{
		{"instrument", roles.Instrument},
		{"mediator", roles.Mediator},
		{"time", roles.Time},
		{"subject", roles.Subject},
		{"cluster", roles.Cluster},
		{"strata", roles.Strata},
		{"weight", roles.Weight},
	}
	for _, o := range optional {
		if o.col != "" {
			out = append(out, o)
		}
	}
	return out
}
