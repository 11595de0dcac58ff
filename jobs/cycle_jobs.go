package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stocktake/internal/stocktake"
)

// CycleRunner is the part of the stocktake service the jobs drive.
type CycleRunner interface {
	BeginCycle(ctx context.Context, storeID string) (stocktake.BeginResult, error)
	ArchiveCycle(ctx context.Context, storeID string, target stocktake.ArchiveTarget) (stocktake.ArchiveResult, error)
}

// JobRecorder observes job executions.
type JobRecorder interface {
	RecordJob(job string, start time.Time, err error) error
}

// CycleJobs handles the stocktake task types.
type CycleJobs struct {
	Runner  CycleRunner
	Logger  *slog.Logger
	Metrics JobRecorder
}

// NewCycleJobs wires dependencies for the cycle handlers.
func NewCycleJobs(runner CycleRunner, logger *slog.Logger, metrics JobRecorder) *CycleJobs {
	return &CycleJobs{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers to register on a worker.
func (j *CycleJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskArchiveCycle, Handler: j.HandleArchive},
		{Type: TaskBeginCycle, Handler: j.HandleBegin},
	}
}

// HandleArchive processes TaskArchiveCycle tasks.
func (j *CycleJobs) HandleArchive(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("archive job: handler not configured")
	}
	start := time.Now()
	payload, err := decodeStore(t)
	if err != nil {
		return j.record(TaskArchiveCycle, start, err)
	}
	target, err := stocktake.ParseArchiveTarget(payload.Period)
	if err != nil {
		return j.record(TaskArchiveCycle, start, fmt.Errorf("%w: %w", err, asynq.SkipRetry))
	}
	logger := j.logger().With(slog.String("store", payload.Store), slog.String("target", string(target)))

	res, err := j.Runner.ArchiveCycle(ctx, payload.Store, target)
	if err != nil {
		logger.Error("archive cycle", slog.Any("error", err))
		return j.record(TaskArchiveCycle, start, retryable(err))
	}
	logger.Info("archived cycle",
		slog.String("period", res.Period),
		slog.Int("records", res.Records),
		slog.String("location", res.Receipt.Location))
	return j.record(TaskArchiveCycle, start, nil)
}

// HandleBegin processes TaskBeginCycle tasks. A cycle that already started
// is not an error for the scheduled run.
func (j *CycleJobs) HandleBegin(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("begin job: handler not configured")
	}
	start := time.Now()
	payload, err := decodeStore(t)
	if err != nil {
		return j.record(TaskBeginCycle, start, err)
	}
	logger := j.logger().With(slog.String("store", payload.Store))

	res, err := j.Runner.BeginCycle(ctx, payload.Store)
	if errors.Is(err, stocktake.ErrConflict) {
		logger.Info("cycle already begun", slog.String("reason", stocktake.MessageOf(err)))
		return j.record(TaskBeginCycle, start, nil)
	}
	if err != nil {
		logger.Error("begin cycle", slog.Any("error", err))
		return j.record(TaskBeginCycle, start, retryable(err))
	}
	logger.Info("began cycle",
		slog.String("period", res.Period),
		slog.String("state", string(res.State)),
		slog.Int("staged", res.Staged),
		slog.Int("needing_setup", len(res.NeedingSetup)))
	return j.record(TaskBeginCycle, start, nil)
}

// retryable keeps upstream and internal failures eligible for retry and marks
// everything the caller has to fix as final.
func retryable(err error) error {
	switch stocktake.StatusOf(err) {
	case stocktake.StatusUpstream, stocktake.StatusInternal:
		return err
	default:
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
}

func (j *CycleJobs) record(job string, start time.Time, err error) error {
	if j.Metrics == nil {
		return err
	}
	return j.Metrics.RecordJob(job, start, err)
}

func (j *CycleJobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
