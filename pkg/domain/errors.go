package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLengthMismatch is returned when aligned vectors differ in length.
	ErrLengthMismatch = errors.New("length mismatch")
	// ErrUnknownScenario is returned for scenario identifiers other than bau/intervention.
	ErrUnknownScenario = errors.New("unknown scenario")
	// ErrNotInitialized is returned when stepping a track that holds no rows.
	ErrNotInitialized = errors.New("population not initialized")
	// ErrAlreadyInitialized is returned when inserting into a populated track.
	ErrAlreadyInitialized = errors.New("population already initialized")
)

// InputConsistencyError reports input tables that violate the load-time
// contract: negative or NaN values, missing rows, strata that do not sum to
// their cohort.
type InputConsistencyError struct {
	Table  string
	Key    string
	Reason string
}

func (e InputConsistencyError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("inconsistent input %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("inconsistent input %s [%s]: %s", e.Table, e.Key, e.Reason)
}

// DisaggregationUnsolvableError is returned when the mortality consistency
// function does not change sign on [0, 1]. Lower and Upper hold f(0) and f(1).
type DisaggregationUnsolvableError struct {
	Cohort *CohortKey
	Lower  float64
	Upper  float64
}

func (e *DisaggregationUnsolvableError) Error() string {
	where := "cohort"
	if e.Cohort != nil {
		where = e.Cohort.String()
	}
	return fmt.Sprintf("disaggregation unsolvable for %s: f(0)=%g f(1)=%g do not bracket a root", where, e.Lower, e.Upper)
}

// NonConvergenceError is returned when the root finder exhausts its iteration
// budget before meeting its tolerance.
type NonConvergenceError struct {
	Cohort     *CohortKey
	Iterations int
	Residual   float64
}

func (e *NonConvergenceError) Error() string {
	where := "cohort"
	if e.Cohort != nil {
		where = e.Cohort.String()
	}
	return fmt.Sprintf("disaggregation for %s did not converge after %d iterations (residual %g)", where, e.Iterations, e.Residual)
}

// WithCohort attaches the cohort key to unsolvable and non-convergence errors
// produced by a per-cohort solve. Other errors are returned unchanged.
func WithCohort(err error, key CohortKey) error {
	var unsolvable *DisaggregationUnsolvableError
	if errors.As(err, &unsolvable) && unsolvable.Cohort == nil {
		k := key
		unsolvable.Cohort = &k
		return err
	}
	var diverged *NonConvergenceError
	if errors.As(err, &diverged) && diverged.Cohort == nil {
		k := key
		diverged.Cohort = &k
		return err
	}
	return err
}
