package api

import (
	"testing"

	"github.com/epiforge/epiforge/internal/estimator"
)

func validRequest() EstimateRequest {
	return EstimateRequest{
		Dataset:  "framingham_mini",
		Kind:     "aiptw",
		Exposure: "treated",
		Outcome:  "death",
	}
}

func TestEstimateRequestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*EstimateRequest)
		ok     bool
	}{
		{"valid", func(r *EstimateRequest) {}, true},
		{"no data source", func(r *EstimateRequest) { r.Dataset = "" }, false},
		{"both data sources", func(r *EstimateRequest) { r.CSV = "a,b\n1,2\n" }, false},
		{"missing kind", func(r *EstimateRequest) { r.Kind = "" }, false},
		{"missing exposure", func(r *EstimateRequest) { r.Exposure = "" }, false},
		{"missing outcome", func(r *EstimateRequest) { r.Outcome = "" }, false},
		{"alpha out of range", func(r *EstimateRequest) { r.Alpha = 1 }, false},
		{"negative bootstrap", func(r *EstimateRequest) { r.Bootstrap = -1 }, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid request, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestEstimateRequestOptionsDefaults(t *testing.T) {
	req := validRequest()
	kind, opts, err := req.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if kind != estimator.AIPTW {
		t.Errorf("Expected AIPTW, got %v", kind)
	}
	if opts.EffectScale != estimator.MeanDifference {
		t.Errorf("Expected mean-difference default, got %v", opts.EffectScale)
	}
	if opts.Variance != estimator.VarianceBootstrap {
		t.Errorf("Expected bootstrap variance default, got %v", opts.Variance)
	}
	if opts.Alpha != 0.05 || opts.NBootstrap != 500 {
		t.Errorf("defaults not applied: alpha %g, bootstrap %d", opts.Alpha, opts.NBootstrap)
	}
}

func TestEstimateRequestOptionsRejectsUnknownNames(t *testing.T) {
	req := validRequest()
	req.Kind = "magic"
	if _, _, err := req.Options(); err == nil {
		t.Error("Expected error for unknown kind")
	}

	req = validRequest()
	req.Scale = "log-hazard"
	if _, _, err := req.Options(); err == nil {
		t.Error("Expected error for unknown scale")
	}

	req = validRequest()
	req.Variance = "jackknife"
	if _, _, err := req.Options(); err == nil {
		t.Error("Expected error for unknown variance method")
	}
}

func TestEstimateRequestRoles(t *testing.T) {
	req := validRequest()
	req.Confounders = []string{"age", "sex"}
	req.Cluster = "county"
	roles := req.Roles()
	if roles.Exposure != "treated" || roles.Outcome != "death" {
		t.Errorf("roles lost the core columns: %+v", roles)
	}
	if len(roles.Confounders) != 2 || roles.Cluster != "county" {
		t.Errorf("roles lost optional columns: %+v", roles)
	}
}
