// Package core advances the stratified population of both scenario tracks
// through annual steps: aging and retirement, mortality and disability.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mslt/internal/disaggregate"
	"mslt/internal/lookup"
	"mslt/pkg/domain"
)

// DefaultMaxAge is the oldest age still tracked when Config.MaxAge is unset.
const DefaultMaxAge = 110

// Config holds the engine parameters.
type Config struct {
	StartYear int
	MaxAge    int
	Solver    disaggregate.Solver
	// ParallelTracks steps BAU and intervention concurrently.
	ParallelTracks bool
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Engine owns no row state of its own; every mutation goes through the
// population store one track transaction at a time.
type Engine struct {
	store     domain.PopulationStore
	rates     lookup.Rates
	cfg       Config
	logger    Logger
	metrics   MetricsRecorder
	tracer    Tracer
	audit     AuditRecorder
	clock     Clock
	observers []StepObserver
}

// NewEngine wires the engine to its store and rate lookups.
func NewEngine(store domain.PopulationStore, rates lookup.Rates, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("population store required")
	}
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:   store,
		rates:   rates,
		cfg:     cfg.withDefaults(),
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		audit:   noopAuditRecorder{},
		clock:   ClockFunc(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the underlying population store.
func (e *Engine) Store() domain.PopulationStore { return e.store }

// Table returns the current rows of one track that match every filter.
func (e *Engine) Table(ctx context.Context, scenario domain.Scenario, filters ...domain.Filter) (domain.Table, error) {
	return e.store.Get(ctx, scenario, filters...)
}

// Initialize expands the aggregate population into strata and inserts the
// same rows into both tracks.
func (e *Engine) Initialize(ctx context.Context, inputs Inputs) error {
	return e.run(ctx, "initialize", "", e.cfg.StartYear, func(ctx context.Context) error {
		rows, err := inputs.Build()
		if err != nil {
			return err
		}
		for _, scenario := range domain.Scenarios() {
			existing, err := e.store.Get(ctx, scenario)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return fmt.Errorf("initialize %s: %w", scenario, domain.ErrAlreadyInitialized)
			}
		}
		for _, scenario := range domain.Scenarios() {
			if _, err := e.store.RunInTransaction(ctx, scenario, func(tx domain.Transaction) error {
				return tx.Insert(rows)
			}); err != nil {
				return fmt.Errorf("initialize %s: %w", scenario, err)
			}
		}
		e.logger.Info("population initialized", "rows", len(rows), "cohorts", inputs.cohortCount())
		return nil
	})
}

// run wraps an operation with a span, a metrics observation, an audit entry
// and a log line.
func (e *Engine) run(ctx context.Context, op string, scenario domain.Scenario, year int, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, op)
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	span.End(err)
	e.metrics.Observe(ctx, op, err == nil, duration)

	entry := AuditEntry{
		Operation: op,
		Scenario:  scenario,
		Year:      year,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: e.clock.Now(),
	}
	args := []any{"operation", op, "year", year, "duration", duration}
	if scenario != "" {
		args = append(args, "scenario", scenario.String())
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		if key, ok := cohortOf(err); ok {
			args = append(args, "cohort", key.String())
		}
		e.logger.Error("operation failed", append(args, "error", err)...)
	} else {
		e.logger.Debug("operation completed", args...)
	}
	e.audit.Record(ctx, entry)
	return err
}

func cohortOf(err error) (domain.CohortKey, bool) {
	var unsolvable *domain.DisaggregationUnsolvableError
	if errors.As(err, &unsolvable) && unsolvable.Cohort != nil {
		return *unsolvable.Cohort, true
	}
	var diverged *domain.NonConvergenceError
	if errors.As(err, &diverged) && diverged.Cohort != nil {
		return *diverged.Cohort, true
	}
	return domain.CohortKey{}, false
}
