package core

import (
	"context"
	"fmt"

	"mslt/internal/config"
	"mslt/internal/infra/persistence/memory"
	"mslt/internal/infra/persistence/postgres"
	"mslt/internal/infra/persistence/sqlite"
	"mslt/pkg/domain"
)

// StorageDriver identifies a concrete population store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / dry runs)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPopulationStore selects a backend from the storage configuration.
// Durable stores implement io.Closer.
func OpenPopulationStore(ctx context.Context, cfg config.Storage, engine *domain.RulesEngine) (domain.PopulationStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch StorageDriver(cfg.Driver) {
	case StorageMemory, "":
		return memory.NewStore(engine), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
