// Package fieldmap maps raw dataset columns onto the canonical field names an
// analysis type requires, so the estimation engine only ever sees validated,
// standardized frames. Mappings are plain data and round-trip through YAML or
// JSON config files.
package fieldmap

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/epiforge/epiforge/internal/frame"
)

// analysisType lists the canonical fields one analysis requires and accepts.
type analysisType struct {
	required []string
	optional []string
}

var analysisTypes = map[string]analysisType{
	"survival": {
		required: []string{"time", "event", "group"},
		optional: []string{"age", "sex", "treatment", "competing_risk", "left_truncation", "cluster"},
	},
	"propensity": {
		required: []string{"treatment", "outcome"},
		optional: []string{"age", "sex", "comorbidity", "socioeconomic", "healthcare_access", "region"},
	},
	"diagnostic": {
		required: []string{"test_result", "true_condition"},
		optional: []string{"test_date", "severity", "test_batch", "lab_id", "specimen_type"},
	},
	"time_series": {
		required: []string{"date", "count", "location"},
		optional: []string{"population", "intervention_date", "variant", "vaccination_rate", "testing_rate"},
	},
	"genetic_epi": {
		required: []string{"variant", "phenotype", "population"},
		optional: []string{"age", "sex", "ancestry", "gene_region", "allele_freq"},
	},
	"environmental": {
		required: []string{"exposure", "outcome", "location"},
		optional: []string{"time_period", "temperature", "pollution_level", "precipitation", "altitude"},
	},
	"transmission": {
		required: []string{"case_id", "contact_id", "date"},
		optional: []string{"setting", "duration", "distance", "mask_use", "ventilation", "variant"},
	},
	"vaccine_effectiveness": {
		required: []string{"vaccination_status", "outcome", "time_since_vaccination"},
		optional: []string{"vaccine_type", "dose_number", "age", "risk_group", "variant"},
	},
	"health_inequalities": {
		required: []string{"outcome", "socioeconomic_status", "location"},
		optional: []string{"education", "income", "healthcare_access", "race_ethnicity", "urban_rural"},
	},
	"outbreak_detection": {
		required: []string{"date", "count", "location"},
		optional: []string{"baseline", "threshold", "seasonality", "population_size", "reporting_delay"},
	},
	"causal": {
		required: []string{"exposure", "outcome"},
		optional: []string{"instrument", "time", "subject", "cluster", "weight", "eligible"},
	},
}

// AnalysisTypes returns the known analysis type names, sorted.
func AnalysisTypes() []string {
	out := make([]string, 0, len(analysisTypes))
	for name := range analysisTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Mapping binds one canonical field to a source column.
type Mapping struct {
	SourceField string `yaml:"source_field" json:"source_field"`
	TargetField string `yaml:"target_field" json:"target_field"`
}

// Config is the field mapping for one analysis type.
type Config struct {
	AnalysisType string             `yaml:"analysis_type" json:"analysis_type"`
	Mappings     map[string]Mapping `yaml:"field_mappings" json:"field_mappings"`
}

// New builds an empty config for a known analysis type.
func New(analysis string) (*Config, error) {
	if _, ok := analysisTypes[analysis]; !ok {
		return nil, fmt.Errorf("fieldmap: unknown analysis type %q; available: %v", analysis, AnalysisTypes())
	}
	return &Config{AnalysisType: analysis, Mappings: make(map[string]Mapping)}, nil
}

// Map binds a canonical target field to a source column.
func (c *Config) Map(target, source string) error {
	at := analysisTypes[c.AnalysisType]
	if !contains(at.required, target) && !contains(at.optional, target) {
		return fmt.Errorf("fieldmap: unknown target field %q for analysis %q", target, c.AnalysisType)
	}
	c.Mappings[target] = Mapping{SourceField: source, TargetField: target}
	return nil
}

// Validate checks the config against a frame: every required field must be
// mapped and every mapped source column must exist. Returned as a message
// list so callers can surface all problems at once.
func (c *Config) Validate(f *frame.Frame) []string {
	var errs []string
	at := analysisTypes[c.AnalysisType]
	for _, req := range at.required {
		if _, ok := c.Mappings[req]; !ok {
			errs = append(errs, fmt.Sprintf("missing required field: %s", req))
		}
	}
	for _, m := range c.Mappings {
		if !f.Has(m.SourceField) {
			errs = append(errs, fmt.Sprintf("source field not found: %s", m.SourceField))
		}
	}
	sort.Strings(errs)
	return errs
}

// Apply renames mapped source columns to their canonical names, returning a
// new frame. Fails when validation fails.
func (c *Config) Apply(f *frame.Frame) (*frame.Frame, error) {
	if errs := c.Validate(f); len(errs) > 0 {
		return nil, &frame.InputValidationError{Reason: strings.Join(errs, "; ")}
	}

	names := f.Columns()
	renames := make(map[string]string, len(c.Mappings))
	for _, m := range c.Mappings {
		renames[m.SourceField] = m.TargetField
	}

	cols := make([][]float64, len(names))
	outNames := make([]string, len(names))
	for i, name := range names {
		col, err := f.Column(name)
		if err != nil {
			return nil, err
		}
		cols[i] = col
		if canonical, ok := renames[name]; ok {
			outNames[i] = canonical
		} else {
			outNames[i] = name
		}
	}
	return frame.New(outNames, cols)
}

// fieldVariants lists common spellings used to suggest mappings from raw
// column names.
var fieldVariants = map[string][]string{
	"time":      {"time", "duration", "followup", "follow_up", "period"},
	"event":     {"event", "outcome", "death", "failure", "status"},
	"group":     {"group", "treatment", "arm", "cohort"},
	"age":       {"age", "age_years", "age_at_baseline"},
	"sex":       {"sex", "gender"},
	"treatment": {"treatment", "intervention", "drug", "therapy"},
	"exposure":  {"exposure", "treatment", "treated", "intervention"},
	"outcome":   {"outcome", "event", "death", "response", "result"},
}

// Suggest proposes source columns for each required field by substring match
// against common naming variants.
func (c *Config) Suggest(f *frame.Frame) map[string][]string {
	columns := f.Columns()
	out := make(map[string][]string)
	for _, req := range analysisTypes[c.AnalysisType].required {
		seen := make(map[string]struct{})
		for _, variant := range fieldVariants[req] {
			for _, col := range columns {
				if strings.Contains(strings.ToLower(col), variant) {
					seen[col] = struct{}{}
				}
			}
		}
		matches := make([]string, 0, len(seen))
		for col := range seen {
			matches = append(matches, col)
		}
		sort.Strings(matches)
		out[req] = matches
	}
	return out
}

// Save writes the config to path, as JSON when the path ends in .json and
// YAML otherwise.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("fieldmap: encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a config written by Save and validates its analysis type.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fieldmap: reading config: %w", err)
	}
	var c Config
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &c)
	} else {
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("fieldmap: decoding config: %w", err)
	}
	if _, ok := analysisTypes[c.AnalysisType]; !ok {
		return nil, fmt.Errorf("fieldmap: unknown analysis type %q in %s", c.AnalysisType, path)
	}
	if c.Mappings == nil {
		c.Mappings = make(map[string]Mapping)
	}
	for target, m := range c.Mappings {
		m.TargetField = target
		c.Mappings[target] = m
	}
	return &c, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
