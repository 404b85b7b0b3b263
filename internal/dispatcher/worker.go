package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/remote"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// cycle runs one poll, dispatch and reconcile round
func (d *Dispatcher) cycle(ctx context.Context) (*domain.CycleReport, error) {
	report := &domain.CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := d.logger.With(slog.String("cycle_id", report.CycleID))

	d.setState(domain.StatePolling)
	jobs, err := d.deps.Queue.Fetch(ctx, d.cfg.MaxBatch, d.cfg.Wait, d.cfg.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to poll queue: %w", err)
	}
	report.Fetched = len(jobs)
	if len(jobs) == 0 {
		report.FinishedAt = time.Now()
		return report, nil
	}

	d.setState(domain.StateDispatching)
	pairings := d.pair(ctx, jobs)
	report.Paired = len(pairings)
	report.Dropped = len(jobs) - len(pairings)

	if report.Dropped > 0 {
		logger.Warn("More jobs than available instances, leaving the rest for a later cycle",
			slog.Int("jobs", len(jobs)),
			slog.Int("instances", len(pairings)),
		)
		d.dropUnpaired(ctx, jobs[len(pairings):])
	}

	if len(pairings) == 0 {
		report.FinishedAt = time.Now()
		d.setLastReport(report)
		return report, nil
	}

	logger.Info("Dispatching batch",
		slog.Int("pairings", len(pairings)),
	)

	d.setState(domain.StateAwaitingWorkers)
	results := make([]domain.Result, len(pairings))
	var g errgroup.Group
	for i, p := range pairings {
		g.Go(func() error {
			results[i] = d.work(ctx, logger, p)
			return results[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Batch finished with failed jobs",
			slog.Any("first_error", err),
		)
	}

	d.setState(domain.StateReconciling)
	d.stopStarted(ctx, logger, results)

	report.Results = results
	for _, r := range results {
		if r.Started {
			report.InstanceIDs = append(report.InstanceIDs, r.Pairing.InstanceID)
		}
		switch r.Disposition {
		case domain.DispositionCompleted:
			report.Completed++
		case domain.DispositionDuplicate:
			report.Duplicates++
		default:
			report.Failed++
		}
	}
	report.FinishedAt = time.Now()
	d.setLastReport(report)

	logger.Info("Cycle finished",
		slog.Int("completed", report.Completed),
		slog.Int("failed", report.Failed),
		slog.Int("duplicates", report.Duplicates),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// pair zips jobs with stopped instances by position
func (d *Dispatcher) pair(ctx context.Context, jobs []*domain.JobMessage) []domain.Pairing {
	pairings := make([]domain.Pairing, 0, len(jobs))
	for instanceID := range d.deps.Fleet.ListAvailable(ctx) {
		if len(pairings) == len(jobs) {
			break
		}
		pairings = append(pairings, domain.Pairing{
			Index:      len(pairings),
			Job:        jobs[len(pairings)],
			InstanceID: instanceID,
		})
	}
	return pairings
}

func (d *Dispatcher) dropUnpaired(ctx context.Context, jobs []*domain.JobMessage) {
	if !d.cfg.ReleaseUnpaired {
		return
	}
	for _, job := range jobs {
		if err := d.deps.Queue.Release(ctx, job.ReceiptHandle); err != nil {
			d.logger.Error("Failed to release unpaired job",
				slog.String("message_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
}

// work runs one job on its paired instance and settles the message
func (d *Dispatcher) work(ctx context.Context, logger *slog.Logger, p domain.Pairing) domain.Result {
	job := p.Job
	res := domain.Result{Pairing: p}
	logger = logger.With(
		slog.String("message_id", job.ID),
		slog.String("instance_id", p.InstanceID),
		slog.String("object_key", job.ObjectKey()),
	)

	processed, err := d.deps.Ledger.IsProcessed(ctx, job.ID)
	if err != nil {
		logger.Warn("Failed to check ledger, processing anyway",
			slog.Any("error", err),
		)
	}
	if processed {
		logger.Info("Job already processed, acknowledging redelivery")
		d.acknowledge(ctx, logger, job)
		res.Disposition = domain.DispositionDuplicate
		return res
	}

	if d.cfg.AckMode == domain.AckOnReceipt {
		d.acknowledge(ctx, logger, job)
	}

	if err := job.ValidateInputFile(); err != nil {
		return d.fail(ctx, logger, res, err)
	}

	// a failed start request may still have been applied
	res.Started = true
	if err := d.deps.Fleet.Start(ctx, p.InstanceID); err != nil {
		return d.fail(ctx, logger, res, err)
	}

	if err := d.deps.Fleet.AwaitRunning(ctx, p.InstanceID); err != nil {
		return d.fail(ctx, logger, res, err)
	}

	address, err := d.deps.Fleet.ResolveAddress(ctx, p.InstanceID)
	if err != nil {
		return d.fail(ctx, logger, res, err)
	}
	target := remote.Target{InstanceID: p.InstanceID, Address: address}

	command := d.deps.Renderer.Render(job)
	logger.Info("Running job command",
		slog.String("address", address),
		slog.String("input_file", job.InputFile()),
	)

	out, err := d.deps.Executor.Run(ctx, target, command)
	res.Output = out
	if err != nil {
		return d.fail(ctx, logger, res, err)
	}
	if !out.Succeeded() {
		return d.fail(ctx, logger, res, fmt.Errorf("%w: %s", domain.ErrRemoteFailure, strings.Join(out.Stderr, "; ")))
	}

	d.collect(ctx, logger, target, job)

	if d.deps.Publisher != nil {
		if err := d.deps.Publisher.Publish(ctx, job); err != nil {
			return d.fail(ctx, logger, res, err)
		}
	}

	if err := d.deps.Ledger.MarkProcessed(context.WithoutCancel(ctx), domain.ProcessedEntry{
		MessageID:   job.ID,
		ObjectKey:   job.ObjectKey(),
		InstanceID:  p.InstanceID,
		ProcessedAt: time.Now(),
	}); err != nil {
		logger.Error("Failed to record processed job",
			slog.Any("error", err),
		)
	}

	if d.cfg.AckMode == domain.AckOnSuccess {
		d.acknowledge(ctx, logger, job)
	}

	logger.Info("Job completed")
	res.Disposition = domain.DispositionCompleted
	return res
}

func (d *Dispatcher) acknowledge(ctx context.Context, logger *slog.Logger, job *domain.JobMessage) {
	if err := d.deps.Queue.Acknowledge(ctx, job.ReceiptHandle); err != nil {
		logger.Error("Failed to acknowledge message",
			slog.Any("error", err),
		)
	}
}

// fail records a dead letter. Under on_success the message is left in flight
// and becomes visible again after its visibility timeout, unless retrying
// cannot help: the key is unusable or the receive limit is reached.
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, res domain.Result, err error) domain.Result {
	res.Err = err
	res.Disposition = domain.DispositionFailed
	job := res.Pairing.Job

	giveUp := errors.Is(err, domain.ErrUnsafeObjectKey) ||
		(d.cfg.MaxReceiveCount > 0 && job.ReceiveCount >= d.cfg.MaxReceiveCount)
	retry := d.cfg.AckMode == domain.AckOnSuccess && !giveUp

	logger.Error("Job failed",
		slog.Any("error", err),
		slog.Int("receive_count", job.ReceiveCount),
		slog.Bool("will_retry", retry),
	)

	record := domain.FailureRecord{
		MessageID:  job.ID,
		ObjectKey:  job.ObjectKey(),
		InstanceID: res.Pairing.InstanceID,
		Error:      err.Error(),
		Body:       job.Body,
		FailedAt:   time.Now(),
	}
	if res.Output != nil {
		record.Stderr = strings.Join(res.Output.Stderr, "\n")
	}
	if recErr := d.deps.Ledger.RecordFailure(context.WithoutCancel(ctx), record); recErr != nil {
		logger.Error("Failed to record dead letter",
			slog.Any("error", recErr),
		)
		// keep the message so the failure is not lost without a record
		return res
	}

	if d.cfg.AckMode == domain.AckOnSuccess && giveUp {
		d.acknowledge(context.WithoutCancel(ctx), logger, job)
	}
	return res
}

// collect copies the job's output file to the artifact store. Collection
// problems are logged and do not fail the job.
func (d *Dispatcher) collect(ctx context.Context, logger *slog.Logger, target remote.Target, job *domain.JobMessage) {
	if d.deps.Artifacts == nil || d.cfg.RemoteDir == "" {
		return
	}

	remotePath := path.Join(d.cfg.RemoteDir, job.OutputFile())
	var buf bytes.Buffer
	if _, err := d.deps.Executor.Fetch(ctx, target, remotePath, &buf); err != nil {
		logger.Warn("Failed to fetch job output",
			slog.String("remote_path", remotePath),
			slog.Any("error", err),
		)
		return
	}

	uri, err := d.deps.Artifacts.Upload(ctx, job.OutputFile(), &buf)
	if err != nil {
		logger.Warn("Failed to upload job output",
			slog.Any("error", err),
		)
		return
	}
	logger.Info("Job output collected",
		slog.String("uri", uri),
	)
}

// stopStarted stops every instance the batch started. It runs on a context
// that outlives cancellation of ctx.
func (d *Dispatcher) stopStarted(ctx context.Context, logger *slog.Logger, results []domain.Result) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StopTimeout)
	defer cancel()

	for _, r := range results {
		if !r.Started {
			continue
		}
		if err := d.deps.Fleet.Stop(stopCtx, r.Pairing.InstanceID); err != nil {
			logger.Error("Failed to stop instance",
				slog.String("instance_id", r.Pairing.InstanceID),
				slog.Any("error", err),
			)
		}
	}
}
