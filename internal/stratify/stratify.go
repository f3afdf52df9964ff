// Package stratify applies a per-cohort disaggregation across a stratified
// table: rows are grouped by (age, sex), each cohort is solved once, and the
// stratum rates are scattered back into row order.
package stratify

import (
	"fmt"
	"math"

	"mslt/internal/disaggregate"
	"mslt/pkg/domain"
)

// Column reads the scalar a disaggregation is weighted by.
type Column func(domain.Stratum) float64

// Population weights by the alive count.
func Population(s domain.Stratum) float64 { return s.Population }

// PersonYears weights by the exposure accrued this step.
func PersonYears(s domain.Stratum) float64 { return s.PersonYears }

// Group lists the row indexes belonging to one cohort.
type Group struct {
	Key  domain.CohortKey
	Rows []int
}

// Groups partitions the table by cohort, in order of first appearance.
func Groups(table domain.Table) []Group {
	index := make(map[domain.CohortKey]int)
	var groups []Group
	for i, row := range table {
		key := row.Cohort()
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, Group{Key: key})
		}
		groups[pos].Rows = append(groups[pos].Rows, i)
	}
	return groups
}

// aggregateTolerance is the relative spread allowed between the aggregate
// rates carried by strata of the same cohort.
const aggregateTolerance = 1e-12

// Disaggregate returns one rate per row of table. aggRates and ratios are
// aligned with table: aggRates carries the cohort-level rate (identical for
// every stratum of a cohort) and ratios the stratum relative-risk ratio.
//
// The call is all-or-nothing: the first failing cohort aborts it and no rates
// are returned.
func Disaggregate(table domain.Table, scalar Column, aggRates, ratios []float64, fn disaggregate.Func) ([]float64, error) {
	if len(aggRates) != len(table) || len(ratios) != len(table) {
		return nil, fmt.Errorf("stratify %d rows with %d aggregate rates and %d ratios: %w",
			len(table), len(aggRates), len(ratios), domain.ErrLengthMismatch)
	}
	out := make([]float64, len(table))
	for _, group := range Groups(table) {
		cohortRate := aggRates[group.Rows[0]]
		var total float64
		scalars := make([]float64, len(group.Rows))
		groupRatios := make([]float64, len(group.Rows))
		for j, row := range group.Rows {
			if !sameRate(aggRates[row], cohortRate) {
				return nil, domain.InputConsistencyError{
					Table:  "aggregate rate",
					Key:    group.Key.String(),
					Reason: fmt.Sprintf("strata carry different cohort rates %g and %g", cohortRate, aggRates[row]),
				}
			}
			scalars[j] = scalar(table[row])
			groupRatios[j] = ratios[row]
			total += scalars[j]
		}
		rates, err := fn(total, cohortRate, scalars, groupRatios)
		if err != nil {
			return nil, fmt.Errorf("disaggregate %s: %w", group.Key, domain.WithCohort(err, group.Key))
		}
		if len(rates) != len(group.Rows) {
			return nil, fmt.Errorf("disaggregate %s returned %d rates for %d strata: %w",
				group.Key, len(rates), len(group.Rows), domain.ErrLengthMismatch)
		}
		for j, row := range group.Rows {
			out[row] = rates[j]
		}
	}
	return out, nil
}

func sameRate(a, b float64) bool {
	return a == b || math.Abs(a-b) <= aggregateTolerance*math.Max(math.Abs(a), math.Abs(b))
}
