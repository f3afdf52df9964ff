package disaggregate

import (
	"gonum.org/v1/gonum/floats"

	"mslt/pkg/domain"
)

// Disability returns stratum YLD rates ref * ratios[i] with
//
//	ref = aggPersonYears * aggRate / sum_i(ratios[i] * subPersonYears[i])
//
// which makes sum_i subPersonYears[i] * (1 - rate_i) equal
// aggPersonYears * (1 - aggRate) exactly.
func Disability(aggPersonYears, aggRate float64, subPersonYears, ratios []float64) ([]float64, error) {
	if err := checkInputs("disability", aggPersonYears, aggRate, subPersonYears, ratios); err != nil {
		return nil, err
	}
	out := make([]float64, len(ratios))
	if aggRate == 0 || len(ratios) == 0 {
		return out, nil
	}
	weight := floats.Dot(ratios, subPersonYears)
	if weight == 0 {
		if aggPersonYears == 0 {
			return out, nil
		}
		return nil, domain.InputConsistencyError{
			Table:  "disability",
			Reason: "rate ratios weight every stratum with person-years to zero",
		}
	}
	floats.ScaleTo(out, aggPersonYears*aggRate/weight, ratios)
	return out, nil
}
