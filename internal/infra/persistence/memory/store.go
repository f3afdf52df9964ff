// Package memory provides an in-memory implementation of the population
// store used for tests, ephemeral runs and as the working set of the durable
// backends.
package memory

import (
	"context"
	"fmt"
	"sync"

	"mslt/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PopulationStore = (*Store)(nil)

type (
	// Table aliases domain.Table.
	Table = domain.Table
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
)

// Snapshot captures a point-in-time clone of the store state keyed by
// scenario name.
type Snapshot struct {
	Tracks map[string]Table `json:"tracks"`
}

type memoryState map[domain.Scenario]Table

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{Tracks: make(map[string]Table, len(state))}
	for k, v := range state {
		s.Tracks[k.String()] = v.Clone()
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := make(memoryState, len(s.Tracks))
	for k, v := range s.Tracks {
		scenario := domain.Scenario(k)
		if !scenario.Valid() {
			continue
		}
		rows := v.Clone()
		for i := range rows {
			rows[i].Scenario = scenario
		}
		state[scenario] = rows
	}
	return state
}

// Store keeps one row table per scenario track. Transactions on different
// tracks run concurrently; transactions on the same track are serialized.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	tracks map[domain.Scenario]*sync.Mutex
}

// NewStore constructs an in-memory store. A nil engine disables rule evaluation.
func NewStore(engine *RulesEngine) *Store {
	tracks := make(map[domain.Scenario]*sync.Mutex)
	for _, scenario := range domain.Scenarios() {
		tracks[scenario] = &sync.Mutex{}
	}
	return &Store{
		state:  make(memoryState),
		engine: engine,
		tracks: tracks,
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	scenario domain.Scenario
	before   Table
	rows     Table
	dirty    bool
}

func (tx *transaction) Scenario() domain.Scenario { return tx.scenario }

func (tx *transaction) Rows() Table { return tx.rows.Clone() }

func (tx *transaction) Insert(rows Table) error {
	if len(tx.rows) > 0 {
		return fmt.Errorf("insert %s: %w", tx.scenario, domain.ErrAlreadyInitialized)
	}
	tx.rows = stamp(rows, tx.scenario)
	tx.dirty = true
	return nil
}

func (tx *transaction) Replace(rows Table) error {
	if len(rows) != len(tx.rows) {
		return fmt.Errorf("replace %s: %d rows, track holds %d: %w", tx.scenario, len(rows), len(tx.rows), domain.ErrLengthMismatch)
	}
	for i := range rows {
		if rows[i].Sex != tx.rows[i].Sex || rows[i].Strata != tx.rows[i].Strata {
			return fmt.Errorf("replace %s: row %d changed identity from %s/%d to %s/%d",
				tx.scenario, i, tx.rows[i].Sex, tx.rows[i].Strata, rows[i].Sex, rows[i].Strata)
		}
	}
	tx.rows = stamp(rows, tx.scenario)
	tx.dirty = true
	return nil
}

func stamp(rows Table, scenario domain.Scenario) Table {
	out := rows.Clone()
	for i := range out {
		out[i].Scenario = scenario
	}
	return out
}

// RunInTransaction executes fn against a copy of one track and commits the
// copy only when fn and every registered rule succeed.
func (s *Store) RunInTransaction(ctx context.Context, scenario domain.Scenario, fn func(tx Transaction) error) (Result, error) {
	return s.RunInTransactionWithCommit(ctx, scenario, fn, nil)
}

// RunInTransactionWithCommit behaves like RunInTransaction but calls commit
// with the new track rows after the rules pass and before they become
// visible. A commit error leaves the track unchanged. The track lock is held
// for the duration of commit.
func (s *Store) RunInTransactionWithCommit(ctx context.Context, scenario domain.Scenario, fn func(tx Transaction) error, commit func(ctx context.Context, rows Table) error) (Result, error) {
	if !scenario.Valid() {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownScenario, scenario)
	}
	lock := s.tracks[scenario]
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.state[scenario]
	s.mu.RUnlock()
	tx := &transaction{
		scenario: scenario,
		before:   current,
		rows:     current.Clone(),
	}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if !tx.dirty {
		return Result{}, nil
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, domain.Change{Scenario: scenario, Before: tx.before.Clone(), After: tx.rows.Clone()})
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if commit != nil {
		if err := commit(ctx, tx.rows.Clone()); err != nil {
			return result, err
		}
	}
	s.mu.Lock()
	s.state[scenario] = tx.rows
	s.mu.Unlock()
	return result, nil
}

// Get returns a copy of the rows of one track that match every filter.
func (s *Store) Get(_ context.Context, scenario domain.Scenario, filters ...domain.Filter) (Table, error) {
	if !scenario.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownScenario, scenario)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state[scenario].Filter(filters...), nil
}
