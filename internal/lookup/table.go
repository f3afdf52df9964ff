// Package lookup provides binned rate tables and the value pipeline that lets
// interventions modify a rate while keeping its baseline available.
package lookup

import (
	"fmt"
	"math"
	"sort"

	"mslt/pkg/domain"
)

// Bin holds the value for half-open age and year ranges [start, end).
type Bin struct {
	Sex       domain.Sex `yaml:"sex" json:"sex"`
	Strata    int        `yaml:"strata" json:"strata"`
	AgeStart  int        `yaml:"age_start" json:"age_start"`
	AgeEnd    int        `yaml:"age_end" json:"age_end"`
	YearStart int        `yaml:"year_start" json:"year_start"`
	YearEnd   int        `yaml:"year_end" json:"year_end"`
	Value     float64    `yaml:"value" json:"value"`
}

func (b Bin) contains(q domain.RateQuery) bool {
	return q.Age >= b.AgeStart && q.Age < b.AgeEnd && q.Year >= b.YearStart && q.Year < b.YearEnd
}

func (b Bin) overlaps(o Bin) bool {
	return b.AgeStart < o.AgeEnd && o.AgeStart < b.AgeEnd && b.YearStart < o.YearEnd && o.YearStart < b.YearEnd
}

type tableKey struct {
	sex    domain.Sex
	strata int
}

// Table is an immutable binned rate table keyed by sex and, optionally,
// stratum.
type Table struct {
	name     string
	byStrata bool
	bins     map[tableKey][]Bin
}

// NewTable validates bins and builds a table. Tables that are not keyed by
// stratum ignore Bin.Strata and RateQuery.Strata.
func NewTable(name string, keyedByStrata bool, bins []Bin) (*Table, error) {
	t := &Table{name: name, byStrata: keyedByStrata, bins: make(map[tableKey][]Bin)}
	for _, b := range bins {
		if !b.Sex.Valid() {
			return nil, domain.InputConsistencyError{Table: name, Reason: fmt.Sprintf("unknown sex %q", b.Sex)}
		}
		if math.IsNaN(b.Value) || math.IsInf(b.Value, 0) || b.Value < 0 {
			return nil, domain.InputConsistencyError{Table: name, Key: binKey(b), Reason: fmt.Sprintf("invalid value %g", b.Value)}
		}
		if b.AgeEnd <= b.AgeStart || b.YearEnd <= b.YearStart {
			return nil, domain.InputConsistencyError{Table: name, Key: binKey(b), Reason: "empty bin range"}
		}
		key := t.key(b.Sex, b.Strata)
		for _, existing := range t.bins[key] {
			if existing.overlaps(b) {
				return nil, domain.InputConsistencyError{Table: name, Key: binKey(b), Reason: "overlaps " + binKey(existing)}
			}
		}
		t.bins[key] = append(t.bins[key], b)
	}
	for _, list := range t.bins {
		sort.Slice(list, func(i, j int) bool {
			if list[i].YearStart != list[j].YearStart {
				return list[i].YearStart < list[j].YearStart
			}
			return list[i].AgeStart < list[j].AgeStart
		})
	}
	return t, nil
}

func binKey(b Bin) string {
	return fmt.Sprintf("sex=%s strata=%d age=[%d,%d) year=[%d,%d)", b.Sex, b.Strata, b.AgeStart, b.AgeEnd, b.YearStart, b.YearEnd)
}

func (t *Table) key(sex domain.Sex, strata int) tableKey {
	if !t.byStrata {
		strata = 0
	}
	return tableKey{sex: sex, strata: strata}
}

// Name returns the table name used in errors.
func (t *Table) Name() string { return t.name }

// KeyedByStrata reports whether the table distinguishes strata.
func (t *Table) KeyedByStrata() bool { return t.byStrata }

// Lookup returns the value of the bin containing q.
func (t *Table) Lookup(q domain.RateQuery) (float64, error) {
	for _, b := range t.bins[t.key(q.Sex, q.Strata)] {
		if b.contains(q) {
			return b.Value, nil
		}
	}
	if t.byStrata {
		return 0, fmt.Errorf("%s: no value for sex=%s strata=%d age=%d year=%d", t.name, q.Sex, q.Strata, q.Age, q.Year)
	}
	return 0, fmt.Errorf("%s: no value for sex=%s age=%d year=%d", t.name, q.Sex, q.Age, q.Year)
}
