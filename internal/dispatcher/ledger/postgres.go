package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/shared/postgresql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS processed_jobs (
		message_id   TEXT PRIMARY KEY,
		object_key   TEXT NOT NULL,
		instance_id  TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS failed_jobs (
		id          BIGSERIAL PRIMARY KEY,
		message_id  TEXT NOT NULL,
		object_key  TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		error       TEXT NOT NULL,
		stderr      TEXT NOT NULL,
		body        TEXT NOT NULL,
		failed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS failed_jobs_failed_at_idx ON failed_jobs (failed_at DESC)`,
}

// Postgres is a ledger shared by every dispatcher using the same database
type Postgres struct {
	client *postgresql.Client
}

// NewPostgres creates the ledger tables when missing
func NewPostgres(ctx context.Context, client *postgresql.Client) (*Postgres, error) {
	if err := client.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("failed to prepare ledger schema: %w", err)
	}
	return &Postgres{client: client}, nil
}

func (p *Postgres) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := p.client.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_jobs WHERE message_id = $1)",
		messageID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return exists, nil
}

func (p *Postgres) MarkProcessed(ctx context.Context, entry domain.ProcessedEntry) error {
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now()
	}
	return p.client.NamedExecContext(ctx,
		`INSERT INTO processed_jobs (message_id, object_key, instance_id, processed_at)
		 VALUES (:message_id, :object_key, :instance_id, :processed_at)
		 ON CONFLICT (message_id) DO NOTHING`,
		entry,
	)
}

func (p *Postgres) RecordFailure(ctx context.Context, failure domain.FailureRecord) error {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}
	return p.client.NamedExecContext(ctx,
		`INSERT INTO failed_jobs (message_id, object_key, instance_id, error, stderr, body, failed_at)
		 VALUES (:message_id, :object_key, :instance_id, :error, :stderr, :body, :failed_at)`,
		failure,
	)
}

func (p *Postgres) ListFailures(ctx context.Context, limit int) ([]domain.FailureRecord, error) {
	var failures []domain.FailureRecord
	err := p.client.SelectContext(ctx, &failures,
		`SELECT message_id, object_key, instance_id, error, stderr, body, failed_at
		 FROM failed_jobs
		 ORDER BY failed_at DESC
		 LIMIT $1`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return failures, nil
}

func (p *Postgres) Cleanup(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	if err := p.client.ExecContext(ctx, "DELETE FROM processed_jobs WHERE processed_at < $1", cutoff); err != nil {
		return err
	}
	return p.client.ExecContext(ctx, "DELETE FROM failed_jobs WHERE failed_at < $1", cutoff)
}

// Close leaves the shared connection open; its owner closes it
func (p *Postgres) Close() error {
	return nil
}
