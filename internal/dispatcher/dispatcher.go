// Package dispatcher pairs queued storage-upload jobs with stopped compute
// instances, runs the job command on each instance and reconciles the queue
// once every worker of the batch has returned.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/ledger"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/notify"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/queue"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/remote"
)

// Queue is the job queue the dispatcher drains
type Queue interface {
	Fetch(ctx context.Context, maxBatch int, wait, visibility time.Duration) ([]*domain.JobMessage, error)
	Acknowledge(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string) error
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Fleet starts and stops the instances jobs run on
type Fleet interface {
	ListAvailable(ctx context.Context) iter.Seq[string]
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	AwaitRunning(ctx context.Context, instanceID string) error
	ResolveAddress(ctx context.Context, instanceID string) (string, error)
}

// Executor runs the job command on an instance
type Executor interface {
	Run(ctx context.Context, target remote.Target, command string) (*domain.CommandOutput, error)
	Fetch(ctx context.Context, target remote.Target, remotePath string, w io.Writer) (int64, error)
}

// Renderer builds the command for a job
type Renderer interface {
	Render(job *domain.JobMessage) string
}

// Uploader stores collected job outputs
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// Config holds dispatch loop configuration
type Config struct {
	MaxBatch          int
	Wait              time.Duration
	VisibilityTimeout time.Duration
	AckMode           string
	ReleaseUnpaired   bool
	// MaxReceiveCount acknowledges a failing job once it has been delivered
	// this many times; zero retries forever
	MaxReceiveCount int

	PollInterval time.Duration
	StatusFile   string

	CleanupAfter    time.Duration
	CleanupInterval time.Duration

	// StopTimeout bounds stopping the batch's instances, which runs even
	// after the loop context is cancelled
	StopTimeout time.Duration

	// RemoteDir is where the command leaves its output file; empty disables collection
	RemoteDir string
}

// Deps are the collaborators of the dispatcher. Artifacts may be nil.
type Deps struct {
	Queue     Queue
	Fleet     Fleet
	Executor  Executor
	Renderer  Renderer
	Ledger    ledger.Ledger
	Publisher notify.Publisher
	Artifacts Uploader
}

// Dispatcher is the dispatch loop
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	state atomic.Value

	mu         sync.RWMutex
	lastReport *domain.CycleReport
}

// New creates a new dispatcher
func New(cfg Config, deps Deps, logger *slog.Logger) (*Dispatcher, error) {
	if deps.Queue == nil || deps.Fleet == nil || deps.Executor == nil || deps.Renderer == nil {
		return nil, errors.New("queue, fleet, executor and renderer are required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory()
	}

	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 10
	}
	if cfg.AckMode == "" {
		cfg.AckMode = domain.AckOnSuccess
	}
	if cfg.AckMode != domain.AckOnSuccess && cfg.AckMode != domain.AckOnReceipt {
		return nil, fmt.Errorf("unknown ack mode %q", cfg.AckMode)
	}
	if cfg.MaxReceiveCount < 0 {
		return nil, fmt.Errorf("invalid max receive count %d", cfg.MaxReceiveCount)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Minute
	}

	d := &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	d.setState(domain.StateIdle)
	return d, nil
}

func (d *Dispatcher) setState(state string) {
	d.state.Store(state)
}

// State returns the current loop state
func (d *Dispatcher) State() string {
	return d.state.Load().(string)
}

// LastReport returns the report of the most recent cycle, or nil
func (d *Dispatcher) LastReport() *domain.CycleReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastReport == nil {
		return nil
	}
	report := *d.lastReport
	return &report
}

func (d *Dispatcher) setLastReport(report *domain.CycleReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastReport = report
}

// QueueStats returns approximate counts of the source queue
func (d *Dispatcher) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return d.deps.Queue.Stats(ctx)
}

// Failures returns the newest dead-letter records
func (d *Dispatcher) Failures(ctx context.Context, limit int) ([]domain.FailureRecord, error) {
	return d.deps.Ledger.ListFailures(ctx, limit)
}

// Active reports whether the control gate lets the loop run. A missing
// status file means inactive.
func (d *Dispatcher) Active() bool {
	if d.cfg.StatusFile == "" {
		return true
	}

	active, err := ReadGate(d.cfg.StatusFile)
	if err != nil {
		if errors.Is(err, errGateMissing) {
			d.logger.Warn("Status file not found, dispatcher inactive",
				slog.String("path", d.cfg.StatusFile),
			)
		} else {
			d.logger.Error("Failed to read status file",
				slog.String("path", d.cfg.StatusFile),
				slog.Any("error", err),
			)
		}
		return false
	}
	return active
}

// SetActive writes the control gate
func (d *Dispatcher) SetActive(active bool) error {
	if d.cfg.StatusFile == "" {
		return errors.New("no status file configured")
	}
	if err := WriteGate(d.cfg.StatusFile, active); err != nil {
		return err
	}
	d.logger.Info("Control gate updated",
		slog.Bool("active", active),
	)
	return nil
}

// Drain runs dispatch cycles until the queue has no jobs left or no
// instance can be paired with a job.
func (d *Dispatcher) Drain(ctx context.Context) error {
	defer d.setState(domain.StateIdle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		report, err := d.cycle(ctx)
		if err != nil {
			return err
		}

		if report.Fetched == 0 {
			d.logger.Debug("Queue drained")
			return nil
		}
		if report.Paired == 0 {
			d.logger.Warn("No stopped instances available, ending drain",
				slog.Int("pending", report.Fetched),
			)
			return nil
		}
	}
}

// Run drains the queue every poll interval while the control gate is active,
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.String("ack_mode", d.cfg.AckMode),
		slog.Int("max_batch", d.cfg.MaxBatch),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanup.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping - context canceled")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		case <-cleanup.C:
			d.cleanup(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.Active() {
		return
	}
	if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("Drain failed",
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	if d.cfg.CleanupAfter <= 0 {
		return
	}
	if err := d.deps.Ledger.Cleanup(ctx, d.cfg.CleanupAfter); err != nil {
		d.logger.Error("Failed to clean up ledger",
			slog.Any("error", err),
		)
	}
}
