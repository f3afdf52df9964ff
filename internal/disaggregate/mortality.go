package disaggregate

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"mslt/pkg/domain"
)

// Solver configures the bracketed root finder used for mortality.
type Solver struct {
	// XTol is the absolute tolerance on the root location.
	XTol float64
	// FTol stops the search once |f(x)| falls below it.
	FTol float64
	// MaxIter bounds the number of function evaluations after bracketing.
	MaxIter int
}

// DefaultSolver returns the solver used by Mortality.
func DefaultSolver() Solver {
	return Solver{XTol: 1e-14, FTol: 1e-10, MaxIter: 200}
}

func (s Solver) withDefaults() Solver {
	def := DefaultSolver()
	if s.XTol <= 0 {
		s.XTol = def.XTol
	}
	if s.FTol <= 0 {
		s.FTol = def.FTol
	}
	if s.MaxIter <= 0 {
		s.MaxIter = def.MaxIter
	}
	return s
}

// Mortality disaggregates a cohort mortality rate with the default solver.
func Mortality(aggPopulation, aggRate float64, subPopulations, ratios []float64) ([]float64, error) {
	return DefaultSolver().Mortality(aggPopulation, aggRate, subPopulations, ratios)
}

// Mortality returns stratum rates r_i = -ln(x*) * ratios[i], where x* in
// (0, 1) solves
//
//	sum_i subPopulations[i] * x^ratios[i] = aggPopulation * exp(-aggRate)
//
// so that the survivors implied by the stratum rates equal the survivors
// implied by applying aggRate to the whole cohort.
func (s Solver) Mortality(aggPopulation, aggRate float64, subPopulations, ratios []float64) ([]float64, error) {
	if err := checkInputs("mortality", aggPopulation, aggRate, subPopulations, ratios); err != nil {
		return nil, err
	}
	out := make([]float64, len(ratios))
	if aggRate == 0 || len(ratios) == 0 {
		return out, nil
	}
	if len(ratios) == 1 || aggPopulation == 0 {
		// Nobody is at risk, so every stratum rate yields zero deaths.
		for i := range out {
			out[i] = aggRate
		}
		return out, nil
	}

	target := aggPopulation * math.Exp(-aggRate)
	f := func(x float64) float64 {
		var survivors float64
		for i, p := range subPopulations {
			survivors += p * math.Pow(x, ratios[i])
		}
		return survivors - target
	}
	lo, hi := f(0), f(1)
	if lo*hi >= 0 {
		return nil, &domain.DisaggregationUnsolvableError{Lower: lo, Upper: hi}
	}
	root, err := s.withDefaults().brent(f, 0, 1, lo, hi)
	if err != nil {
		return nil, err
	}
	floats.ScaleTo(out, -math.Log(root), ratios)
	return out, nil
}

// brent finds a root of f inside [a, b] given f(a) and f(b) of opposite sign,
// combining bisection, secant and inverse quadratic interpolation steps.
func (s Solver) brent(f func(float64) float64, a, b, fa, fb float64) (float64, error) {
	const eps = 2.220446049250313e-16
	c, fc := b, fb
	var d, e float64
	for iter := 0; iter < s.MaxIter; iter++ {
		if (fb > 0) == (fc > 0) {
			c, fc = a, fa
			d = b - a
			e = d
		}
		if math.Abs(fc) < math.Abs(fb) {
			a, b, c = b, c, b
			fa, fb, fc = fb, fc, fb
		}
		tol := 2*eps*math.Abs(b) + 0.5*s.XTol
		mid := 0.5 * (c - b)
		if math.Abs(mid) <= tol || math.Abs(fb) <= s.FTol {
			return b, nil
		}
		if math.Abs(e) >= tol && math.Abs(fa) > math.Abs(fb) {
			var p, q float64
			ratio := fb / fa
			if a == c {
				p = 2 * mid * ratio
				q = 1 - ratio
			} else {
				qa := fa / fc
				rb := fb / fc
				p = ratio * (2*mid*qa*(qa-rb) - (b-a)*(rb-1))
				q = (qa - 1) * (rb - 1) * (ratio - 1)
			}
			if p > 0 {
				q = -q
			}
			p = math.Abs(p)
			if 2*p < math.Min(3*mid*q-math.Abs(tol*q), math.Abs(e*q)) {
				e = d
				d = p / q
			} else {
				d = mid
				e = d
			}
		} else {
			d = mid
			e = d
		}
		a, fa = b, fb
		if math.Abs(d) > tol {
			b += d
		} else {
			b += math.Copysign(tol, mid)
		}
		fb = f(b)
	}
	return 0, &domain.NonConvergenceError{Iterations: s.MaxIter, Residual: fb}
}
