package domain

import "context"

// Transaction exposes the row operations a persistence implementation must
// support for a single scenario track within an atomic scope.
type Transaction interface {
	Scenario() Scenario
	// Rows returns a copy of every row in the track, in row order.
	Rows() Table
	// Insert seeds an empty track. It fails with ErrAlreadyInitialized otherwise.
	Insert(Table) error
	// Replace overwrites the track. The replacement must keep the row count
	// and the (sex, strata) identity of every row.
	Replace(Table) error
}

// PopulationStore is the row store keyed by scenario track. Every
// RunInTransaction call commits all of its writes or none of them.
type PopulationStore interface {
	RunInTransaction(ctx context.Context, scenario Scenario, fn func(Transaction) error) (Result, error)
	Get(ctx context.Context, scenario Scenario, filters ...Filter) (Table, error)
}
