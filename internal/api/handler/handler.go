package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/queue"
)

// StatusSource is what the status API reads from and controls
type StatusSource interface {
	State() string
	Active() bool
	SetActive(active bool) error
	LastReport() *domain.CycleReport
	QueueStats(ctx context.Context) (*queue.Stats, error)
	Failures(ctx context.Context, limit int) ([]domain.FailureRecord, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher StatusSource
	Service    string
	// Database is checked by /health when set
	Database HealthChecker
}

// StatusHandler handles dispatcher status and control requests
type StatusHandler struct {
	logger     *slog.Logger
	dispatcher StatusSource
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(deps *Dependencies) *StatusHandler {
	return &StatusHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
	}
}
