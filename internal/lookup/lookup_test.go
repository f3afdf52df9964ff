package lookup

import (
	"errors"
	"math"
	"testing"

	"mslt/pkg/domain"
)

func mustTable(t *testing.T, name string, byStrata bool, bins []Bin) *Table {
	t.Helper()
	table, err := NewTable(name, byStrata, bins)
	if err != nil {
		t.Fatalf("new table %s: %v", name, err)
	}
	return table
}

func TestTableLookupBins(t *testing.T) {
	table := mustTable(t, "mortality.agg", false, []Bin{
		{Sex: domain.SexFemale, AgeStart: 0, AgeEnd: 50, YearStart: 2020, YearEnd: 2100, Value: 0.001},
		{Sex: domain.SexFemale, AgeStart: 50, AgeEnd: 111, YearStart: 2020, YearEnd: 2100, Value: 0.02},
		{Sex: domain.SexMale, AgeStart: 0, AgeEnd: 111, YearStart: 2020, YearEnd: 2100, Value: 0.03},
	})
	v, err := table.Lookup(domain.RateQuery{Sex: domain.SexFemale, Age: 50, Year: 2020, Strata: 4})
	if err != nil || v != 0.02 {
		t.Fatalf("expected 0.02, got %v %v", v, err)
	}
	if v, _ := table.Lookup(domain.RateQuery{Sex: domain.SexFemale, Age: 49, Year: 2020}); v != 0.001 {
		t.Fatalf("expected lower bin, got %v", v)
	}
	if _, err := table.Lookup(domain.RateQuery{Sex: domain.SexMale, Age: 111, Year: 2020}); err == nil {
		t.Fatalf("expected miss past the last bin")
	}
}

func TestTableKeyedByStrata(t *testing.T) {
	table := mustTable(t, "mortality.prop", true, []Bin{
		{Sex: domain.SexMale, Strata: 0, AgeStart: 0, AgeEnd: 111, YearStart: 2020, YearEnd: 2100, Value: 0.8},
		{Sex: domain.SexMale, Strata: 1, AgeStart: 0, AgeEnd: 111, YearStart: 2020, YearEnd: 2100, Value: 1.2},
	})
	v, err := table.Lookup(domain.RateQuery{Sex: domain.SexMale, Strata: 1, Age: 10, Year: 2030})
	if err != nil || v != 1.2 {
		t.Fatalf("expected 1.2, got %v %v", v, err)
	}
	if _, err := table.Lookup(domain.RateQuery{Sex: domain.SexMale, Strata: 2, Age: 10, Year: 2030}); err == nil {
		t.Fatalf("expected miss for unknown stratum")
	}
}

func TestNewTableRejectsBadBins(t *testing.T) {
	var inconsistent domain.InputConsistencyError
	cases := map[string][]Bin{
		"negative": {{Sex: domain.SexMale, AgeEnd: 1, YearEnd: 1, Value: -1}},
		"nan":      {{Sex: domain.SexMale, AgeEnd: 1, YearEnd: 1, Value: math.NaN()}},
		"empty":    {{Sex: domain.SexMale, AgeStart: 3, AgeEnd: 3, YearEnd: 1}},
		"sex":      {{Sex: "other", AgeEnd: 1, YearEnd: 1}},
		"overlap": {
			{Sex: domain.SexMale, AgeStart: 0, AgeEnd: 10, YearStart: 0, YearEnd: 10},
			{Sex: domain.SexMale, AgeStart: 5, AgeEnd: 15, YearStart: 5, YearEnd: 15},
		},
	}
	for name, bins := range cases {
		if _, err := NewTable(name, false, bins); !errors.As(err, &inconsistent) {
			t.Fatalf("%s: expected inconsistency error, got %v", name, err)
		}
	}
}

func TestProducerValueAndSource(t *testing.T) {
	table := mustTable(t, "mortality.agg", false, []Bin{
		{Sex: domain.SexFemale, AgeStart: 0, AgeEnd: 111, YearStart: 2020, YearEnd: 2100, Value: 0.02},
	})
	p := NewProducer(table)
	female := domain.SexFemale
	p.Register(Scale{Factor: 0.5, Sex: &female, AgeStart: 40, YearStart: 2025})
	p.Register(ModifierFunc(func(_ domain.RateQuery, v float64) float64 { return v * 0.9 }))

	early := domain.RateQuery{Sex: domain.SexFemale, Age: 50, Year: 2021}
	late := domain.RateQuery{Sex: domain.SexFemale, Age: 50, Year: 2030}

	if v, _ := p.Source(late); v != 0.02 {
		t.Fatalf("source should stay unmodified, got %v", v)
	}
	if v, _ := p.Value(early); math.Abs(v-0.018) > 1e-15 {
		t.Fatalf("expected only the unconditional modifier before 2025, got %v", v)
	}
	if v, _ := p.Value(late); math.Abs(v-0.009) > 1e-15 {
		t.Fatalf("expected both modifiers, got %v", v)
	}
}

func TestProducerRejectsNegativeValues(t *testing.T) {
	table := mustTable(t, "yld.agg", false, []Bin{
		{Sex: domain.SexMale, AgeStart: 0, AgeEnd: 111, YearStart: 2020, YearEnd: 2100, Value: 0.1},
	})
	p := NewProducer(table)
	p.Register(Scale{Factor: -1})
	if _, err := p.Value(domain.RateQuery{Sex: domain.SexMale, Age: 1, Year: 2020}); err == nil {
		t.Fatalf("expected negative rate rejection")
	}
}

func TestRatesValidate(t *testing.T) {
	if err := (Rates{}).Validate(); err == nil {
		t.Fatalf("expected missing lookup error")
	}
	p := NewProducer(mustTable(t, "x", false, nil))
	if err := (Rates{MortalityAgg: p, MortalityProp: p, YLDAgg: p, YLDProp: p}).Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
