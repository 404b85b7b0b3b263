package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
)

const (
	processedPrefix = "processed/"
	failedPrefix    = "failed/"
)

// Pebble is a ledger persisted in a local pebble database
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble ledger at dir
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return &Pebble{db: db}, nil
}

func processedKey(messageID string) []byte {
	return []byte(processedPrefix + messageID)
}

// failedKey sorts dead letters by time
func failedKey(f domain.FailureRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", failedPrefix, f.FailedAt.UnixNano(), f.MessageID))
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func (p *Pebble) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	_, closer, err := p.db.Get(processedKey(messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read ledger: %w", err)
	}
	closer.Close()
	return true, nil
}

func (p *Pebble) MarkProcessed(ctx context.Context, entry domain.ProcessedEntry) error {
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal processed entry: %w", err)
	}
	return p.db.Set(processedKey(entry.MessageID), data, pebble.Sync)
}

func (p *Pebble) RecordFailure(ctx context.Context, failure domain.FailureRecord) error {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}

	data, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return p.db.Set(failedKey(failure), data, pebble.Sync)
}

func (p *Pebble) ListFailures(ctx context.Context, limit int) ([]domain.FailureRecord, error) {
	limit = normalizeLimit(limit)

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(failedPrefix),
		UpperBound: prefixUpperBound(failedPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var failures []domain.FailureRecord
	for iter.Last(); iter.Valid() && len(failures) < limit; iter.Prev() {
		var record domain.FailureRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		failures = append(failures, record)
	}

	return failures, iter.Error()
}

func (p *Pebble) Cleanup(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	batch := p.db.NewBatch()
	defer batch.Close()

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(processedPrefix),
		UpperBound: prefixUpperBound(processedPrefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var entry domain.ProcessedEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil || entry.ProcessedAt.Before(cutoff) {
			if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
				iter.Close()
				return err
			}
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	// failure keys are time-ordered, so everything below the cutoff key goes
	if err := batch.DeleteRange(
		[]byte(failedPrefix),
		[]byte(fmt.Sprintf("%s%020d", failedPrefix, cutoff.UnixNano())),
		nil,
	); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
