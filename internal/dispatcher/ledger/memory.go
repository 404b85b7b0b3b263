package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
)

// Memory is a process-local ledger
type Memory struct {
	mu        sync.RWMutex
	processed map[string]domain.ProcessedEntry
	failures  []domain.FailureRecord
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{
		processed: make(map[string]domain.ProcessedEntry),
	}
}

func (m *Memory) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.processed == nil {
		return false, domain.ErrLedgerClosed
	}
	_, exists := m.processed[messageID]
	return exists, nil
}

func (m *Memory) MarkProcessed(ctx context.Context, entry domain.ProcessedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed == nil {
		return domain.ErrLedgerClosed
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now()
	}
	m.processed[entry.MessageID] = entry
	return nil
}

func (m *Memory) RecordFailure(ctx context.Context, failure domain.FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed == nil {
		return domain.ErrLedgerClosed
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}
	m.failures = append(m.failures, failure)
	return nil
}

func (m *Memory) ListFailures(ctx context.Context, limit int) ([]domain.FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.FailureRecord, len(m.failures))
	copy(out, m.failures)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})

	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	for id, entry := range m.processed {
		if entry.ProcessedAt.Before(cutoff) {
			delete(m.processed, id)
		}
	}

	kept := m.failures[:0]
	for _, f := range m.failures {
		if !f.FailedAt.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	m.failures = kept
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed = nil
	m.failures = nil
	return nil
}
