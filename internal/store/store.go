// Package store persists sanctioned entities and the ingestion run ledger.
// Two backends implement the same interfaces: Postgres for deployments and an
// in-memory store for tests and single-process tooling.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

// Writer is the per-record view of a batch. Every call made inside one
// Batch.Apply callback succeeds or fails together.
type Writer interface {
	// FindEntity returns nil, nil when no entity has the identity.
	FindEntity(ctx context.Context, source sanctions.Source, sourceID string) (*sanctions.Entity, error)
	// InsertEntity stores the scalar fields of e and returns its id.
	InsertEntity(ctx context.Context, e *sanctions.Entity) (int64, error)
	UpdateEntity(ctx context.Context, e *sanctions.Entity) error
	// ReplaceChildren deletes every child row of the entity and writes c.
	ReplaceChildren(ctx context.Context, entityID int64, c sanctions.Children) error
}

// Batch groups record writes into one commit.
type Batch interface {
	// Apply runs fn in isolation. If fn fails, its writes are discarded and
	// the batch stays usable.
	Apply(ctx context.Context, fn func(w Writer) error) error
	Commit() error
	Rollback() error
}

// EntityStore is the write side used by reconciliation.
type EntityStore interface {
	Begin(ctx context.Context) (Batch, error)
}

// EntityReader is the read side used by matching and the query API.
type EntityReader interface {
	// Candidates returns entities passing f whose name or any alias contains
	// at least one of terms, case-insensitively. Aliases are populated;
	// other child collections may be empty.
	Candidates(ctx context.Context, terms []string, f sanctions.Filter) ([]sanctions.Entity, error)
	GetEntity(ctx context.Context, id int64) (*sanctions.Entity, error)
	Stats(ctx context.Context) (*sanctions.Stats, error)
}

// RunLedger records ingestion runs. Runs are opened IN_PROGRESS and closed
// exactly once.
type RunLedger interface {
	OpenRun(ctx context.Context, run *sanctions.IngestionRun) error
	// CloseRun fails with apperrors.ErrRunClosed if the run is terminal.
	CloseRun(ctx context.Context, runID string, result sanctions.RunResult) error
	GetRun(ctx context.Context, runID string) (*sanctions.IngestionRun, error)
	// LastSuccessful returns nil, nil when the source never succeeded.
	LastSuccessful(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error)
	// LastStarted returns the most recently started run of any status.
	LastStarted(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error)
	// OpenRuns returns the IN_PROGRESS runs of source, oldest first.
	OpenRuns(ctx context.Context, source sanctions.Source) ([]sanctions.IngestionRun, error)
	RecentRuns(ctx context.Context, limit int) ([]sanctions.IngestionRun, error)
	RunsSince(ctx context.Context, since time.Time) ([]sanctions.IngestionRun, error)
}

// Store bundles every interface a backend provides.
type Store interface {
	EntityStore
	EntityReader
	RunLedger
	Ping(ctx context.Context) error
	Close() error
}

// IsUnavailable reports whether err means the backend itself failed, as
// opposed to a problem with one record.
func IsUnavailable(err error) bool {
	return errors.Is(err, apperrors.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
