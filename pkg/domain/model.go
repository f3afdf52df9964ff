// Package domain defines the stratified population rows, rate lookup
// contracts, persistence interfaces and rule primitives shared by the
// lifetable engine and its storage backends.
package domain

import (
	"fmt"
	"strings"
)

// Sex identifies the sex half of a cohort key.
type Sex string

// Supported sexes.
const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
)

func (s Sex) String() string { return string(s) }

// Valid reports whether s is a known sex.
func (s Sex) Valid() bool { return s == SexMale || s == SexFemale }

// ParseSex converts user input (case-insensitive) into a Sex.
func ParseSex(raw string) (Sex, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male":
		return SexMale, nil
	case "female":
		return SexFemale, nil
	default:
		return "", fmt.Errorf("unknown sex %q", raw)
	}
}

// Scenario identifies one of the two independently updated tracks.
type Scenario string

// Scenario tracks. BAU always reads unmodified baseline rates.
const (
	ScenarioBAU          Scenario = "bau"
	ScenarioIntervention Scenario = "intervention"
)

func (s Scenario) String() string { return string(s) }

// Valid reports whether s is a known scenario.
func (s Scenario) Valid() bool { return s == ScenarioBAU || s == ScenarioIntervention }

// Scenarios returns both tracks in processing order.
func Scenarios() []Scenario {
	return []Scenario{ScenarioBAU, ScenarioIntervention}
}

// ParseScenario converts user input (case-insensitive) into a Scenario.
func ParseScenario(raw string) (Scenario, error) {
	s := Scenario(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownScenario, raw)
	}
	return s, nil
}

// CohortKey identifies a cohort. Cohorts are never stored; they are derived by
// grouping strata.
type CohortKey struct {
	Age int `json:"age"`
	Sex Sex `json:"sex"`
}

func (k CohortKey) String() string {
	return fmt.Sprintf("age=%d sex=%s", k.Age, k.Sex)
}

// Stratum is the unit of persisted state: one sub-population of one cohort in
// one scenario track.
type Stratum struct {
	Age         int      `json:"age"`
	Sex         Sex      `json:"sex"`
	Strata      int      `json:"strata"`
	Scenario    Scenario `json:"scenario"`
	Population  float64  `json:"population"`
	ACMR        float64  `json:"acmr"`
	ACMRProp    float64  `json:"acmr_prop"`
	PrDeath     float64  `json:"pr_death"`
	Deaths      float64  `json:"deaths"`
	YLDRate     float64  `json:"yld_rate"`
	YLDProp     float64  `json:"yld_prop"`
	PersonYears float64  `json:"person_years"`
	HALY        float64  `json:"HALY"`
	Tracked     bool     `json:"tracked"`
}

// Cohort returns the cohort the stratum belongs to.
func (s Stratum) Cohort() CohortKey {
	return CohortKey{Age: s.Age, Sex: s.Sex}
}

// Table is an ordered set of strata. Row order is row identity.
type Table []Stratum

// Clone returns a copy that shares no backing array with t.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	copy(out, t)
	return out
}

// Filter reports whether a row should be kept.
type Filter func(Stratum) bool

// Filter returns the rows matching every filter, preserving order.
func (t Table) Filter(filters ...Filter) Table {
	out := make(Table, 0, len(t))
rows:
	for _, row := range t {
		for _, f := range filters {
			if f != nil && !f(row) {
				continue rows
			}
		}
		out = append(out, row)
	}
	return out
}

// Active returns the tracked rows.
func (t Table) Active() Table { return t.Filter(Tracked()) }

// Tracked keeps rows that have not retired.
func Tracked() Filter {
	return func(s Stratum) bool { return s.Tracked }
}

// ByCohort keeps rows of a single cohort.
func ByCohort(key CohortKey) Filter {
	return func(s Stratum) bool { return s.Age == key.Age && s.Sex == key.Sex }
}

// BySex keeps rows of one sex.
func BySex(sex Sex) Filter {
	return func(s Stratum) bool { return s.Sex == sex }
}

// ByStrata keeps rows of one stratum id.
func ByStrata(strata int) Filter {
	return func(s Stratum) bool { return s.Strata == strata }
}

// Totals aggregates the additive quantities of a table.
type Totals struct {
	Population  float64 `json:"population"`
	Deaths      float64 `json:"deaths"`
	PersonYears float64 `json:"person_years"`
	HALY        float64 `json:"HALY"`
	Rows        int     `json:"rows"`
	Tracked     int     `json:"tracked"`
}

// Totals sums the table. Untracked rows contribute their frozen population
// but not their per-step outputs.
func (t Table) Totals() Totals {
	var out Totals
	for _, row := range t {
		out.Rows++
		out.Population += row.Population
		if !row.Tracked {
			continue
		}
		out.Tracked++
		out.Deaths += row.Deaths
		out.PersonYears += row.PersonYears
		out.HALY += row.HALY
	}
	return out
}

// Sub returns t minus other, field by field.
func (t Totals) Sub(other Totals) Totals {
	return Totals{
		Population:  t.Population - other.Population,
		Deaths:      t.Deaths - other.Deaths,
		PersonYears: t.PersonYears - other.PersonYears,
		HALY:        t.HALY - other.HALY,
		Rows:        t.Rows - other.Rows,
		Tracked:     t.Tracked - other.Tracked,
	}
}
