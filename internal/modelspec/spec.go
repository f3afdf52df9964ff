// Package modelspec loads a lifetable model from YAML: engine settings, the
// initial population, the four rate tables and the intervention modifiers.
package modelspec

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"mslt/internal/core"
	"mslt/internal/disaggregate"
	"mslt/internal/lookup"
)

// Rate names addressable by interventions.
const (
	RateMortality      = "mortality"
	RateMortalityRatio = "mortality_ratio"
	RateYLD            = "yld"
	RateYLDRatio       = "yld_ratio"
)

// Solver overrides the mortality root finder tolerances.
type Solver struct {
	XTol    float64 `yaml:"xtol"`
	FTol    float64 `yaml:"ftol"`
	MaxIter int     `yaml:"max_iter"`
}

// RateTables holds the bins of every rate the engine reads. Aggregate tables
// are keyed by cohort; ratio tables by stratum.
type RateTables struct {
	Mortality      []lookup.Bin `yaml:"mortality"`
	MortalityRatio []lookup.Bin `yaml:"mortality_ratio"`
	YLD            []lookup.Bin `yaml:"yld"`
	YLDRatio       []lookup.Bin `yaml:"yld_ratio"`
}

// Intervention scales one rate for the intervention track only.
type Intervention struct {
	Name  string       `yaml:"name"`
	Rate  string       `yaml:"rate"`
	Scale lookup.Scale `yaml:"scale"`
}

// Spec is the decoded model specification.
type Spec struct {
	Name           string                     `yaml:"name"`
	StartYear      int                        `yaml:"start_year"`
	MaxAge         int                        `yaml:"max_age"`
	Years          int                        `yaml:"years"`
	ParallelTracks bool                       `yaml:"parallel_tracks"`
	Solver         Solver                     `yaml:"solver"`
	Population     []core.AggregatePopulation `yaml:"population"`
	Proportions    []core.StratumProportion   `yaml:"proportions"`
	Rates          RateTables                 `yaml:"rates"`
	Interventions  []Intervention             `yaml:"interventions"`
}

// Parse decodes a specification from YAML bytes. Unknown fields are rejected.
func Parse(data []byte) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("modelspec: payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("modelspec: decode: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadReader reads a specification from r.
func LoadReader(r io.Reader) (*Spec, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("modelspec: read: %w", err)
	}
	return Parse(content)
}

// LoadFile reads a specification from path.
func LoadFile(path string) (*Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelspec: read %s: %w", path, err)
	}
	spec, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("modelspec: %s: %w", path, err)
	}
	return spec, nil
}

// Validate checks the settings the engine cannot default. Table contents are
// validated when the tables are built.
func (s *Spec) Validate() error {
	switch {
	case s.StartYear <= 0:
		return fmt.Errorf("modelspec: start_year must be positive")
	case s.MaxAge < 0:
		return fmt.Errorf("modelspec: max_age must not be negative")
	case s.Years < 0:
		return fmt.Errorf("modelspec: years must not be negative")
	case len(s.Population) == 0:
		return fmt.Errorf("modelspec: population is empty")
	}
	for _, iv := range s.Interventions {
		switch iv.Rate {
		case RateMortality, RateYLD:
		case RateMortalityRatio, RateYLDRatio:
			return fmt.Errorf("modelspec: intervention %q targets ratio table %q; interventions may only scale %s or %s",
				iv.Name, iv.Rate, RateMortality, RateYLD)
		default:
			return fmt.Errorf("modelspec: intervention %q targets unknown rate %q", iv.Name, iv.Rate)
		}
		if iv.Scale.Factor < 0 {
			return fmt.Errorf("modelspec: intervention %q has negative factor", iv.Name)
		}
	}
	return nil
}

// Inputs returns the load-time population tables.
func (s *Spec) Inputs() core.Inputs {
	return core.Inputs{Population: s.Population, Proportions: s.Proportions}
}

// EngineConfig returns the engine configuration. A zero max_age falls back
// to fallbackMaxAge.
func (s *Spec) EngineConfig(fallbackMaxAge int) core.Config {
	maxAge := s.MaxAge
	if maxAge == 0 {
		maxAge = fallbackMaxAge
	}
	return core.Config{
		StartYear:      s.StartYear,
		MaxAge:         maxAge,
		ParallelTracks: s.ParallelTracks,
		Solver:         disaggregate.Solver{XTol: s.Solver.XTol, FTol: s.Solver.FTol, MaxIter: s.Solver.MaxIter},
	}
}

// YearsFor returns the number of steps to run: the configured years, or
// enough steps for the youngest cohort to reach maxAge.
func (s *Spec) YearsFor(maxAge int) int {
	if s.Years > 0 {
		return s.Years
	}
	minAge := s.Population[0].Age
	for _, p := range s.Population[1:] {
		minAge = min(minAge, p.Age)
	}
	return max(maxAge-minAge+1, 1)
}

// BuildRates turns the rate tables into producers and registers every
// intervention on its target.
func (s *Spec) BuildRates() (lookup.Rates, error) {
	producers := make(map[string]*lookup.Producer, 4)
	for _, def := range []struct {
		name     string
		byStrata bool
		bins     []lookup.Bin
	}{
		{RateMortality, false, s.Rates.Mortality},
		{RateMortalityRatio, true, s.Rates.MortalityRatio},
		{RateYLD, false, s.Rates.YLD},
		{RateYLDRatio, true, s.Rates.YLDRatio},
	} {
		if len(def.bins) == 0 {
			return lookup.Rates{}, fmt.Errorf("modelspec: rate table %s is empty", def.name)
		}
		table, err := lookup.NewTable(def.name, def.byStrata, def.bins)
		if err != nil {
			return lookup.Rates{}, err
		}
		producers[def.name] = lookup.NewProducer(table)
	}
	for _, iv := range s.Interventions {
		producers[iv.Rate].Register(iv.Scale)
	}
	return lookup.Rates{
		MortalityAgg:  producers[RateMortality],
		MortalityProp: producers[RateMortalityRatio],
		YLDAgg:        producers[RateYLD],
		YLDProp:       producers[RateYLDRatio],
	}, nil
}
