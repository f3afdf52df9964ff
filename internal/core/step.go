package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"mslt/internal/disaggregate"
	"mslt/internal/stratify"
	"mslt/pkg/domain"
)

// YearSummary aggregates both tracks after one step.
type YearSummary struct {
	Year         int           `json:"year"`
	BAU          domain.Totals `json:"bau"`
	Intervention domain.Totals `json:"intervention"`
	// Delta is intervention minus BAU.
	Delta domain.Totals `json:"delta"`
}

// StepResult is handed to observers after each step of Run.
type StepResult struct {
	Summary      YearSummary
	BAU          domain.Table
	Intervention domain.Table
}

// StepObserver receives the state of both tracks after every step.
type StepObserver interface {
	ObserveStep(ctx context.Context, result StepResult) error
}

// StepObserverFunc adapts a function to StepObserver.
type StepObserverFunc func(ctx context.Context, result StepResult) error

// ObserveStep implements StepObserver.
func (f StepObserverFunc) ObserveStep(ctx context.Context, result StepResult) error {
	return f(ctx, result)
}

// PrepareStep ages the tracked rows of one track and retires rows past the
// maximum age. The first step does not age.
func (e *Engine) PrepareStep(ctx context.Context, scenario domain.Scenario, firstStep bool) error {
	return e.run(ctx, "prepare_step", scenario, 0, func(ctx context.Context) error {
		return e.update(ctx, scenario, func(rows domain.Table) (domain.Table, error) {
			return e.prepare(rows, firstStep), nil
		})
	})
}

// ApplyMortality applies the year's mortality rates to one track.
func (e *Engine) ApplyMortality(ctx context.Context, scenario domain.Scenario, year int) error {
	return e.run(ctx, "apply_mortality", scenario, year, func(ctx context.Context) error {
		return e.update(ctx, scenario, func(rows domain.Table) (domain.Table, error) {
			return e.mortality(rows, scenario, year)
		})
	})
}

// ApplyDisability applies the year's disability rates to one track.
func (e *Engine) ApplyDisability(ctx context.Context, scenario domain.Scenario, year int) error {
	return e.run(ctx, "apply_disability", scenario, year, func(ctx context.Context) error {
		return e.update(ctx, scenario, func(rows domain.Table) (domain.Table, error) {
			return e.disability(rows, scenario, year)
		})
	})
}

// Step advances both tracks by one year. Each track commits its prepare,
// mortality and disability updates in a single transaction.
func (e *Engine) Step(ctx context.Context, year int) error {
	return e.run(ctx, "step", "", year, func(ctx context.Context) error {
		if !e.cfg.ParallelTracks {
			for _, scenario := range domain.Scenarios() {
				if err := e.stepTrack(ctx, scenario, year); err != nil {
					return err
				}
			}
			return nil
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, scenario := range domain.Scenarios() {
			g.Go(func() error {
				return e.stepTrack(gctx, scenario, year)
			})
		}
		return g.Wait()
	})
}

func (e *Engine) stepTrack(ctx context.Context, scenario domain.Scenario, year int) error {
	return e.run(ctx, "step_track", scenario, year, func(ctx context.Context) error {
		return e.update(ctx, scenario, func(rows domain.Table) (domain.Table, error) {
			rows = e.prepare(rows, year == e.cfg.StartYear)
			rows, err := e.mortality(rows, scenario, year)
			if err != nil {
				return nil, err
			}
			return e.disability(rows, scenario, year)
		})
	})
}

// Run steps from StartYear for the given number of years and returns one
// summary per year.
func (e *Engine) Run(ctx context.Context, years int) ([]YearSummary, error) {
	if years <= 0 {
		return nil, fmt.Errorf("run: years must be positive, got %d", years)
	}
	summaries := make([]YearSummary, 0, years)
	for year := e.cfg.StartYear; year < e.cfg.StartYear+years; year++ {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		if err := e.Step(ctx, year); err != nil {
			return summaries, fmt.Errorf("step %d: %w", year, err)
		}
		result, err := e.snapshot(ctx, year)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, result.Summary)
		if rec, ok := e.metrics.(TotalsRecorder); ok {
			rec.RecordTotals(domain.ScenarioBAU, result.Summary.BAU)
			rec.RecordTotals(domain.ScenarioIntervention, result.Summary.Intervention)
		}
		for _, observer := range e.observers {
			if err := observer.ObserveStep(ctx, result); err != nil {
				return summaries, fmt.Errorf("observe step %d: %w", year, err)
			}
		}
		e.logger.Info("step completed",
			"year", year,
			"population", result.Summary.Intervention.Population,
			"bau_population", result.Summary.BAU.Population,
			"delta_haly", result.Summary.Delta.HALY)
	}
	return summaries, nil
}

func (e *Engine) snapshot(ctx context.Context, year int) (StepResult, error) {
	bau, err := e.store.Get(ctx, domain.ScenarioBAU)
	if err != nil {
		return StepResult{}, err
	}
	intervention, err := e.store.Get(ctx, domain.ScenarioIntervention)
	if err != nil {
		return StepResult{}, err
	}
	summary := YearSummary{Year: year, BAU: bau.Totals(), Intervention: intervention.Totals()}
	summary.Delta = summary.Intervention.Sub(summary.BAU)
	return StepResult{Summary: summary, BAU: bau, Intervention: intervention}, nil
}

// update runs fn on the rows of one track inside a single transaction.
func (e *Engine) update(ctx context.Context, scenario domain.Scenario, fn func(domain.Table) (domain.Table, error)) error {
	_, err := e.store.RunInTransaction(ctx, scenario, func(tx domain.Transaction) error {
		rows := tx.Rows()
		if len(rows) == 0 {
			return fmt.Errorf("%s: %w", scenario, domain.ErrNotInitialized)
		}
		next, err := fn(rows)
		if err != nil {
			return err
		}
		return tx.Replace(next)
	})
	var violation domain.RuleViolationError
	if errors.As(err, &violation) {
		e.logger.Warn("step blocked by rules", "scenario", scenario.String(), "violations", len(violation.Result.Violations))
	}
	return err
}

func (e *Engine) prepare(rows domain.Table, firstStep bool) domain.Table {
	for i := range rows {
		if !rows[i].Tracked {
			continue
		}
		if !firstStep {
			rows[i].Age++
		}
		if rows[i].Age > e.cfg.MaxAge {
			rows[i].Tracked = false
		}
	}
	return rows
}

// rate reads the modified value for the intervention and the baseline for BAU.
func rate(scenario domain.Scenario, l domain.RateLookup, q domain.RateQuery) (float64, error) {
	if scenario == domain.ScenarioBAU {
		return l.Source(q)
	}
	return l.Value(q)
}

// stratumRates looks up the aggregate rate and ratio of every active row and
// disaggregates them per cohort.
func (e *Engine) stratumRates(active domain.Table, scenario domain.Scenario, year int, agg, prop domain.RateLookup, scalar stratify.Column, fn disaggregate.Func) ([]float64, []float64, error) {
	aggRates := make([]float64, len(active))
	ratios := make([]float64, len(active))
	for i, row := range active {
		q := domain.RateQuery{Sex: row.Sex, Strata: row.Strata, Age: row.Age, Year: year}
		a, err := rate(scenario, agg, q)
		if err != nil {
			return nil, nil, err
		}
		r, err := rate(scenario, prop, q)
		if err != nil {
			return nil, nil, err
		}
		aggRates[i], ratios[i] = a, r
	}
	rates, err := stratify.Disaggregate(active, scalar, aggRates, ratios, fn)
	if err != nil {
		return nil, nil, err
	}
	return rates, ratios, nil
}

func activeIndex(rows domain.Table) []int {
	idx := make([]int, 0, len(rows))
	for i, row := range rows {
		if row.Tracked {
			idx = append(idx, i)
		}
	}
	return idx
}

func pick(rows domain.Table, idx []int) domain.Table {
	out := make(domain.Table, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func (e *Engine) mortality(rows domain.Table, scenario domain.Scenario, year int) (domain.Table, error) {
	idx := activeIndex(rows)
	if len(idx) == 0 {
		e.logger.Debug("no active population, mortality skipped", "scenario", scenario.String(), "year", year)
		return rows, nil
	}
	rates, ratios, err := e.stratumRates(pick(rows, idx), scenario, year, e.rates.MortalityAgg, e.rates.MortalityProp, stratify.Population, e.cfg.Solver.Mortality)
	if err != nil {
		return nil, err
	}
	for i, j := range idx {
		row := &rows[j]
		row.ACMR = rates[i]
		row.ACMRProp = ratios[i]
		row.PrDeath = 1 - math.Exp(-row.ACMR)
		row.Deaths = row.Population * row.PrDeath
		row.Population *= 1 - row.PrDeath
		row.PersonYears = row.Population + 0.5*row.Deaths
	}
	return rows, nil
}

func (e *Engine) disability(rows domain.Table, scenario domain.Scenario, year int) (domain.Table, error) {
	idx := activeIndex(rows)
	if len(idx) == 0 {
		e.logger.Debug("no active population, disability skipped", "scenario", scenario.String(), "year", year)
		return rows, nil
	}
	rates, ratios, err := e.stratumRates(pick(rows, idx), scenario, year, e.rates.YLDAgg, e.rates.YLDProp, stratify.PersonYears, disaggregate.Disability)
	if err != nil {
		return nil, err
	}
	for i, j := range idx {
		row := &rows[j]
		row.YLDRate = rates[i]
		row.YLDProp = ratios[i]
		row.HALY = row.PersonYears * (1 - row.YLDRate)
	}
	return rows, nil
}
