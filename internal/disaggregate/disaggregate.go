// Package disaggregate splits a cohort-level rate into stratum-level rates
// that stay consistent with the cohort aggregate.
//
// Mortality uses a two-state Markov consistency requirement and needs a root
// solve; disability (YLD) uses linear weighting and has a closed form.
package disaggregate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"mslt/pkg/domain"
)

// Func disaggregates one cohort. aggScalar is the cohort total of the scalar
// (population or person-years), aggRate the cohort rate, subScalars and
// ratios the per-stratum scalars and relative-risk ratios. The result holds
// one rate per stratum.
type Func func(aggScalar, aggRate float64, subScalars, ratios []float64) ([]float64, error)

// scalarTolerance bounds the relative gap allowed between aggScalar and the
// sum of the stratum scalars.
const scalarTolerance = 1e-9

func checkInputs(table string, aggScalar, aggRate float64, subScalars, ratios []float64) error {
	if len(subScalars) != len(ratios) {
		return fmt.Errorf("%s: %d scalars, %d ratios: %w", table, len(subScalars), len(ratios), domain.ErrLengthMismatch)
	}
	if math.IsNaN(aggScalar) || math.IsNaN(aggRate) || floats.HasNaN(subScalars) || floats.HasNaN(ratios) {
		return domain.InputConsistencyError{Table: table, Reason: "NaN input"}
	}
	if aggRate < 0 || math.IsInf(aggRate, 0) {
		return domain.InputConsistencyError{Table: table, Reason: fmt.Sprintf("aggregate rate %g out of range", aggRate)}
	}
	if len(ratios) == 0 {
		return nil
	}
	if floats.Min(ratios) < 0 || math.IsInf(floats.Max(ratios), 1) {
		return domain.InputConsistencyError{Table: table, Reason: "rate ratios must be finite and non-negative"}
	}
	if floats.Min(subScalars) < 0 {
		return domain.InputConsistencyError{Table: table, Reason: "stratum scalars must be non-negative"}
	}
	sum := floats.Sum(subScalars)
	if math.Abs(sum-aggScalar) > scalarTolerance*math.Max(1, math.Abs(aggScalar)) {
		return domain.InputConsistencyError{
			Table:  table,
			Reason: fmt.Sprintf("stratum scalars sum to %g, cohort aggregate is %g", sum, aggScalar),
		}
	}
	return nil
}
