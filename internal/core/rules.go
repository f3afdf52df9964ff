package core

import (
	"context"
	"fmt"
	"math"

	"mslt/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in population
// invariants.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewPopulationMonotonicRule())
	engine.Register(NewProbabilityBoundsRule())
	engine.Register(NewRetiredFrozenRule())
	return engine
}

// NewPopulationMonotonicRule blocks any update that grows a stratum.
func NewPopulationMonotonicRule() domain.Rule {
	return populationMonotonicRule{}
}

type populationMonotonicRule struct{}

func (populationMonotonicRule) Name() string { return "population_monotonic" }

func (r populationMonotonicRule) Evaluate(_ context.Context, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if len(change.Before) != len(change.After) {
		return res, nil
	}
	for i, after := range change.After {
		before := change.Before[i].Population
		if after.Population > before {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s strata %d population grew from %g to %g", after.Cohort(), after.Strata, before, after.Population),
				Scenario: change.Scenario,
				Row:      i,
			})
		}
	}
	return res, nil
}

// NewProbabilityBoundsRule blocks rows with non-finite or out-of-range values.
func NewProbabilityBoundsRule() domain.Rule {
	return probabilityBoundsRule{}
}

type probabilityBoundsRule struct{}

func (probabilityBoundsRule) Name() string { return "probability_bounds" }

func (r probabilityBoundsRule) Evaluate(_ context.Context, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for i, row := range change.After {
		if msg := checkRow(row); msg != "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s strata %d: %s", row.Cohort(), row.Strata, msg),
				Scenario: change.Scenario,
				Row:      i,
			})
		}
	}
	return res, nil
}

func checkRow(row domain.Stratum) string {
	fields := []struct {
		name  string
		value float64
	}{
		{"population", row.Population},
		{"acmr", row.ACMR},
		{"pr_death", row.PrDeath},
		{"deaths", row.Deaths},
		{"yld_rate", row.YLDRate},
		{"person_years", row.PersonYears},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value < 0 {
			return fmt.Sprintf("invalid %s %g", f.name, f.value)
		}
	}
	if row.PrDeath > 1 {
		return fmt.Sprintf("pr_death %g above 1", row.PrDeath)
	}
	if math.IsNaN(row.HALY) || math.IsInf(row.HALY, 0) {
		return fmt.Sprintf("invalid HALY %g", row.HALY)
	}
	return ""
}

// NewRetiredFrozenRule blocks writes to rows that were already untracked.
func NewRetiredFrozenRule() domain.Rule {
	return retiredFrozenRule{}
}

type retiredFrozenRule struct{}

func (retiredFrozenRule) Name() string { return "retired_frozen" }

func (r retiredFrozenRule) Evaluate(_ context.Context, change domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if len(change.Before) != len(change.After) {
		return res, nil
	}
	for i, before := range change.Before {
		if before.Tracked {
			continue
		}
		after := change.After[i]
		after.Scenario = before.Scenario
		if after != before {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s strata %d is retired and cannot change", before.Cohort(), before.Strata),
				Scenario: change.Scenario,
				Row:      i,
			})
		}
	}
	return res, nil
}
