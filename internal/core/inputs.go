package core

import (
	"fmt"
	"math"

	"mslt/pkg/domain"
)

// ProportionTolerance bounds how far a cohort's stratum proportions may sum
// away from one.
const ProportionTolerance = 1e-6

// AggregatePopulation is the initial size of one cohort.
type AggregatePopulation struct {
	Age        int        `yaml:"age" json:"age"`
	Sex        domain.Sex `yaml:"sex" json:"sex"`
	Population float64    `yaml:"population" json:"population"`
}

// StratumProportion is the share of a cohort that starts in one stratum.
type StratumProportion struct {
	Age        int        `yaml:"age" json:"age"`
	Sex        domain.Sex `yaml:"sex" json:"sex"`
	Strata     int        `yaml:"strata" json:"strata"`
	Proportion float64    `yaml:"proportion" json:"proportion"`
}

// Inputs are the load-time tables used to build the initial strata.
type Inputs struct {
	Population  []AggregatePopulation
	Proportions []StratumProportion
}

type strataKey struct {
	cohort domain.CohortKey
	strata int
}

func badValue(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

// Build validates the inputs and returns the initial rows: one per
// proportion, ordered by cohort as listed in Population, then by proportion
// order within the cohort.
func (in Inputs) Build() (domain.Table, error) {
	if len(in.Population) == 0 {
		return nil, domain.InputConsistencyError{Table: "population", Reason: "no cohorts"}
	}
	cohorts := make(map[domain.CohortKey]float64, len(in.Population))
	for _, p := range in.Population {
		key := domain.CohortKey{Age: p.Age, Sex: p.Sex}
		switch {
		case !p.Sex.Valid():
			return nil, domain.InputConsistencyError{Table: "population", Key: key.String(), Reason: "unknown sex"}
		case p.Age < 0:
			return nil, domain.InputConsistencyError{Table: "population", Key: key.String(), Reason: "negative age"}
		case badValue(p.Population):
			return nil, domain.InputConsistencyError{Table: "population", Key: key.String(), Reason: fmt.Sprintf("invalid population %g", p.Population)}
		}
		if _, dup := cohorts[key]; dup {
			return nil, domain.InputConsistencyError{Table: "population", Key: key.String(), Reason: "duplicate cohort"}
		}
		cohorts[key] = p.Population
	}

	byCohort := make(map[domain.CohortKey][]StratumProportion, len(cohorts))
	seen := make(map[strataKey]struct{}, len(in.Proportions))
	sums := make(map[domain.CohortKey]float64, len(cohorts))
	for _, p := range in.Proportions {
		key := domain.CohortKey{Age: p.Age, Sex: p.Sex}
		label := fmt.Sprintf("%s strata=%d", key, p.Strata)
		if _, ok := cohorts[key]; !ok {
			return nil, domain.InputConsistencyError{Table: "proportions", Key: label, Reason: "no aggregate population for cohort"}
		}
		if badValue(p.Proportion) || p.Proportion > 1 {
			return nil, domain.InputConsistencyError{Table: "proportions", Key: label, Reason: fmt.Sprintf("invalid proportion %g", p.Proportion)}
		}
		sk := strataKey{cohort: key, strata: p.Strata}
		if _, dup := seen[sk]; dup {
			return nil, domain.InputConsistencyError{Table: "proportions", Key: label, Reason: "duplicate stratum"}
		}
		seen[sk] = struct{}{}
		byCohort[key] = append(byCohort[key], p)
		sums[key] += p.Proportion
	}

	rows := make(domain.Table, 0, len(in.Proportions))
	for _, agg := range in.Population {
		key := domain.CohortKey{Age: agg.Age, Sex: agg.Sex}
		props := byCohort[key]
		if len(props) == 0 {
			return nil, domain.InputConsistencyError{Table: "proportions", Key: key.String(), Reason: "missing proportions"}
		}
		if math.Abs(sums[key]-1) > ProportionTolerance {
			return nil, domain.InputConsistencyError{Table: "proportions", Key: key.String(), Reason: fmt.Sprintf("proportions sum to %g", sums[key])}
		}
		for _, p := range props {
			rows = append(rows, domain.Stratum{
				Age:        agg.Age,
				Sex:        agg.Sex,
				Strata:     p.Strata,
				Population: agg.Population * p.Proportion,
				Tracked:    true,
			})
		}
	}
	return rows, nil
}

func (in Inputs) cohortCount() int { return len(in.Population) }
