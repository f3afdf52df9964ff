package stratify

import (
	"errors"
	"math"
	"testing"

	"mslt/internal/disaggregate"
	"mslt/pkg/domain"
)

func row(age int, sex domain.Sex, strata int, pop float64) domain.Stratum {
	return domain.Stratum{Age: age, Sex: sex, Strata: strata, Population: pop, PersonYears: pop, Tracked: true}
}

func TestGroupsPreserveFirstAppearance(t *testing.T) {
	table := domain.Table{
		row(51, domain.SexMale, 0, 1),
		row(50, domain.SexFemale, 0, 1),
		row(51, domain.SexMale, 1, 1),
		row(50, domain.SexFemale, 1, 1),
	}
	groups := Groups(table)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Key != (domain.CohortKey{Age: 51, Sex: domain.SexMale}) {
		t.Fatalf("unexpected first group %+v", groups[0].Key)
	}
	if len(groups[1].Rows) != 2 || groups[1].Rows[0] != 1 || groups[1].Rows[1] != 3 {
		t.Fatalf("unexpected rows for second group: %v", groups[1].Rows)
	}
}

func TestDisaggregateScattersByRow(t *testing.T) {
	// Interleave two cohorts so scatter order matters.
	table := domain.Table{
		row(50, domain.SexFemale, 0, 600),
		row(70, domain.SexMale, 0, 10),
		row(50, domain.SexFemale, 1, 400),
		row(70, domain.SexMale, 1, 30),
	}
	agg := []float64{0.02, 0.3, 0.02, 0.3}
	ratios := []float64{0.8, 1, 1.2, 2}
	rates, err := Disaggregate(table, Population, agg, ratios, disaggregate.Mortality)
	if err != nil {
		t.Fatalf("disaggregate: %v", err)
	}
	if len(rates) != len(table) {
		t.Fatalf("expected aligned output, got %d", len(rates))
	}
	female := table[0].Population*math.Exp(-rates[0]) + table[2].Population*math.Exp(-rates[2])
	if want := 1000 * math.Exp(-0.02); math.Abs(female-want) > 1e-8 {
		t.Fatalf("female survivors %v, want %v", female, want)
	}
	male := table[1].Population*math.Exp(-rates[1]) + table[3].Population*math.Exp(-rates[3])
	if want := 40 * math.Exp(-0.3); math.Abs(male-want) > 1e-8 {
		t.Fatalf("male survivors %v, want %v", male, want)
	}
	if rates[3] <= rates[1] {
		t.Fatalf("expected ratio 2 stratum to have higher rate: %v", rates)
	}
}

func TestDisaggregateSingleStratumCohort(t *testing.T) {
	table := domain.Table{row(30, domain.SexMale, 0, 100)}
	rates, err := Disaggregate(table, Population, []float64{0.01}, []float64{3}, disaggregate.Mortality)
	if err != nil {
		t.Fatalf("disaggregate: %v", err)
	}
	if rates[0] != 0.01 {
		t.Fatalf("expected aggregate rate, got %v", rates[0])
	}
}

func TestDisaggregateDisabilityByPersonYears(t *testing.T) {
	table := domain.Table{
		row(50, domain.SexFemale, 0, 600),
		row(50, domain.SexFemale, 1, 400),
	}
	rates, err := Disaggregate(table, PersonYears, []float64{0.1, 0.1}, []float64{0.5, 1.5}, disaggregate.Disability)
	if err != nil {
		t.Fatalf("disaggregate: %v", err)
	}
	if math.Abs(rates[0]-0.5/9) > 1e-15 || math.Abs(rates[1]-1.5/9) > 1e-15 {
		t.Fatalf("unexpected rates %v", rates)
	}
}

func TestDisaggregateLengthMismatch(t *testing.T) {
	table := domain.Table{row(50, domain.SexFemale, 0, 1)}
	if _, err := Disaggregate(table, Population, nil, []float64{1}, disaggregate.Mortality); !errors.Is(err, domain.ErrLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
}

func TestDisaggregateRejectsDivergentCohortRates(t *testing.T) {
	table := domain.Table{
		row(50, domain.SexFemale, 0, 600),
		row(50, domain.SexFemale, 1, 400),
	}
	_, err := Disaggregate(table, Population, []float64{0.02, 0.03}, []float64{1, 1}, disaggregate.Mortality)
	var inconsistent domain.InputConsistencyError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
}

func TestDisaggregateUnsolvableCarriesCohort(t *testing.T) {
	table := domain.Table{
		row(20, domain.SexMale, 0, 1),
		row(20, domain.SexMale, 1, 1),
		row(80, domain.SexFemale, 0, 600),
		row(80, domain.SexFemale, 1, 400),
	}
	agg := []float64{0.01, 0.01, 0.2, 0.2}
	ratios := []float64{1, 1, 0, 0}
	rates, err := Disaggregate(table, Population, agg, ratios, disaggregate.Mortality)
	if rates != nil {
		t.Fatalf("expected no partial output, got %v", rates)
	}
	var unsolvable *domain.DisaggregationUnsolvableError
	if !errors.As(err, &unsolvable) {
		t.Fatalf("expected unsolvable error, got %v", err)
	}
	if unsolvable.Cohort == nil || *unsolvable.Cohort != (domain.CohortKey{Age: 80, Sex: domain.SexFemale}) {
		t.Fatalf("expected cohort key on error, got %+v", unsolvable.Cohort)
	}
}
