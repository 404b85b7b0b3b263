// Package ledger records which jobs finished and which failed.
//
// The queue delivers at least once, so the same message can reach the
// dispatcher again after it was processed (a lost delete, an expired
// visibility timeout). Workers consult the ledger before starting an instance
// and skip jobs it already knows as processed. Failed jobs are kept as
// dead-letter records for inspection.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/shared/postgresql"
)

// Ledger kinds
const (
	KindMemory   = "memory"
	KindPebble   = "pebble"
	KindPostgres = "postgres"
)

// DefaultFailureLimit caps ListFailures when no limit is given
const DefaultFailureLimit = 100

// Ledger tracks processed jobs and dead letters
type Ledger interface {
	// IsProcessed reports whether the message already completed
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed records a completed job
	MarkProcessed(ctx context.Context, entry domain.ProcessedEntry) error

	// RecordFailure stores a dead-letter record
	RecordFailure(ctx context.Context, failure domain.FailureRecord) error

	// ListFailures returns the newest dead letters first
	ListFailures(ctx context.Context, limit int) ([]domain.FailureRecord, error)

	// Cleanup drops processed entries and failures older than olderThan
	Cleanup(ctx context.Context, olderThan time.Duration) error

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultFailureLimit
	}
	return limit
}

// Options selects and configures a ledger implementation
type Options struct {
	Kind      string
	PebbleDir string
	// Postgres is required for KindPostgres; the caller owns the connection
	Postgres *postgresql.Client
}

// Open creates the ledger described by opts
func Open(ctx context.Context, opts Options) (Ledger, error) {
	switch opts.Kind {
	case KindMemory, "":
		return NewMemory(), nil
	case KindPebble:
		if opts.PebbleDir == "" {
			return nil, fmt.Errorf("pebble ledger requires a directory")
		}
		return OpenPebble(opts.PebbleDir)
	case KindPostgres:
		if opts.Postgres == nil {
			return nil, fmt.Errorf("postgres ledger requires a database client")
		}
		return NewPostgres(ctx, opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown ledger type: %s", opts.Kind)
	}
}
