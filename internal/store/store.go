// Package store persists extracted report periods. Two backends share one
// contract: Postgres for shared deployments and SQLite for local runs.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/nordsight/rapport-cli/internal/model"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures a storage backend.
type Config struct {
	Driver string      `yaml:"driver" mapstructure:"driver"`
	DSN    string      `yaml:"dsn" mapstructure:"dsn"`
	Pool   *PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ChildCounts holds per-period child row counts, used by the report builder
// to detect drift between extraction metadata and what was persisted.
type ChildCounts struct {
	Tables   int
	Sections int
	Charts   int
}

// EmbeddingStats summarizes embedding coverage for a company. Model is the
// recorded embedding model, empty until the first vector lands.
type EmbeddingStats struct {
	Total    int
	Embedded int
	Model    string
}

// Pending returns the number of sections still waiting for a vector.
func (e EmbeddingStats) Pending() int { return e.Total - e.Embedded }

// Coverage returns the embedded fraction in [0, 1].
func (e EmbeddingStats) Coverage() float64 {
	if e.Total == 0 {
		return 1
	}
	return float64(e.Embedded) / float64(e.Total)
}

// PendingSection is a persisted section row awaiting an embedding.
type PendingSection struct {
	RowID    int64
	PeriodID int64
	Section  model.Section
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Companies
	UpsertCompany(ctx context.Context, name string) (*model.Company, error)

	// Periods. FindPeriod returns (nil, nil) when no period exists for the
	// given company and quarter; the caller compares PDFHash to decide
	// between a cache hit and an atomic replace.
	FindPeriod(ctx context.Context, companyID int64, quarter, year int) (*model.Period, error)
	SavePeriodAtomic(ctx context.Context, companyID int64, payload *model.PeriodPayload, pdfHash, sourceFile string) (int64, error)
	LoadPeriod(ctx context.Context, periodID int64) (*model.PeriodPayload, error)
	ListPeriods(ctx context.Context, companyID int64) ([]model.Period, error)
	CountChildrenBatch(ctx context.Context, periodIDs []int64) (map[int64]ChildCounts, error)
	PersistedHashes(ctx context.Context, companyID int64) (map[string]bool, error)

	// Embeddings
	EmbeddingStats(ctx context.Context, companyID int64) (*EmbeddingStats, error)
	SectionsWithoutEmbedding(ctx context.Context, limit int) ([]PendingSection, error)
	UpdateSectionEmbedding(ctx context.Context, rowID int64, vector []float32, embeddingModel string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return NewPostgres(ctx, cfg.DSN, cfg.Pool)
	case DriverSQLite, "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
