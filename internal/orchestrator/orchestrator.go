// Package orchestrator executes the current task-queue snapshot: collectors
// run as external processes, at most MaxConcurrent at a time, in queue order.
// Task outcomes flow to a single writer goroutine which owns the results
// journal; workers never touch shared state directly.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/coverd/internal/clock"
	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/coverage"
	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/results"
	"github.com/example/coverd/internal/taskqueue"
)

// Summary is the outcome of one batch.
type Summary struct {
	RunID     string `json:"run_id"`
	QueueID   string `json:"cycle_id"`
	DryRun    bool   `json:"dry_run"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

type Orchestrator struct {
	cfg     config.Config
	runner  CollectorRunner
	journal *results.Store
	logger  zerolog.Logger
	metrics *observability.Registry
	clock   clock.Clock

	// OnBatchDone is called after every executed batch so the daemon can
	// reconcile against the freshly collected data.
	OnBatchDone func()

	mu          sync.Mutex
	lastVersion int64
	lastSummary *Summary
}

func New(cfg config.Config, runner CollectorRunner, journal *results.Store, logger zerolog.Logger, metrics *observability.Registry, clk clock.Clock) *Orchestrator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Orchestrator{
		cfg:     cfg,
		runner:  runner,
		journal: journal,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		metrics: metrics,
		clock:   clk,
	}
}

// LastSummary reports the most recent batch, false before the first one.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSummary == nil {
		return Summary{}, false
	}
	return *o.lastSummary, true
}

// ExecuteQueue runs the current snapshot once. A snapshot version already
// executed is skipped, so the controller can poll freely. Returns false when
// there was nothing to do.
func (o *Orchestrator) ExecuteQueue(ctx context.Context) (Summary, bool, error) {
	queue, err := taskqueue.Load(o.cfg.QueuePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, fmt.Errorf("load task queue: %w", err)
	}

	o.mu.Lock()
	seen := queue.Version == o.lastVersion
	o.mu.Unlock()
	if seen || queue.Runnable() == 0 {
		return Summary{}, false, nil
	}

	spec, err := coverage.LoadSpec(o.cfg.CoverageSpecPath)
	if err != nil {
		return Summary{}, false, fmt.Errorf("load coverage spec: %w", err)
	}

	summary, err := o.runBatch(ctx, spec, queue)
	if err != nil {
		return summary, true, err
	}

	o.mu.Lock()
	o.lastVersion = queue.Version
	o.lastSummary = &summary
	o.mu.Unlock()

	if o.OnBatchDone != nil && !summary.DryRun {
		o.OnBatchDone()
	}
	return summary, true, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, spec *coverage.Spec, queue model.TaskQueue) (Summary, error) {
	runID := uuid.NewString()
	log := o.logger.With().Str("run_id", runID).Str("cycle_id", queue.CycleID).Logger()
	summary := Summary{
		RunID:   runID,
		QueueID: queue.CycleID,
		DryRun:  o.cfg.DryRun,
		Total:   queue.Runnable(),
		Skipped: queue.Skipped,
	}

	ctx, span := observability.StartSpan(ctx, "orchestrate.batch",
		attribute.String("run_id", runID),
		attribute.Int("tasks", summary.Total),
	)
	defer span.End()

	if o.cfg.DryRun {
		for _, t := range queue.Tasks {
			if t.Status != model.TaskPending {
				continue
			}
			log.Info().
				Int64("task_id", t.ID).
				Str("priority", string(t.Priority)).
				Str("collector", t.Collector).
				Strs("args", t.Args).
				Msg("dry-run: would execute")
		}
		return summary, nil
	}

	started := o.clock.Now()
	if o.journal != nil {
		if err := o.journal.BeginRun(ctx, runID, started, summary.Total, false); err != nil {
			return summary, err
		}
	}

	// Workers consume in queue order so higher priorities start first; the
	// writer goroutine is the only place outcomes are tallied and journaled.
	jobs := make(chan model.Task)
	outcomes := make(chan model.Task)
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for t := range outcomes {
			switch t.Status {
			case model.TaskCompleted:
				summary.Completed++
			case model.TaskFailed:
				summary.Failed++
			}
			if o.journal != nil {
				if err := o.journal.RecordTask(context.WithoutCancel(ctx), runID, t); err != nil {
					log.Error().Err(err).Int64("task_id", t.ID).Msg("journal write failed")
				}
			}
			if o.metrics != nil {
				o.metrics.IncCounter("coverd_tasks_total", map[string]string{"status": string(t.Status)}, 1)
			}
		}
	}()

	workers := o.cfg.MaxConcurrent
	if workers < 1 {
		workers = 1
	}
	var workerWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for t := range jobs {
				outcomes <- o.execute(ctx, spec, t, log)
			}
		}()
	}

dispatch:
	for _, t := range queue.Tasks {
		if t.Status != model.TaskPending {
			continue
		}
		select {
		case jobs <- t:
		case <-ctx.Done():
			// Shutdown: stop dispatching, let in-flight tasks drain.
			log.Warn().Msg("shutdown requested, abandoning remaining tasks")
			break dispatch
		}
	}
	close(jobs)
	workerWG.Wait()
	close(outcomes)
	writerWG.Wait()

	if o.journal != nil {
		if err := o.journal.FinishRun(context.WithoutCancel(ctx), runID, o.clock.Now(), summary.Completed, summary.Failed, summary.Skipped); err != nil {
			log.Error().Err(err).Msg("journal finish failed")
		}
	}
	log.Info().
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("batch finished")
	return summary, nil
}

// execute runs one task to a terminal status. Failures are isolated here;
// nothing a single collector does can abort the batch.
func (o *Orchestrator) execute(ctx context.Context, spec *coverage.Spec, t model.Task, log zerolog.Logger) model.Task {
	startedAt := o.clock.Now()
	t.Status = model.TaskRunning
	t.StartedAt = &startedAt

	timeout := o.cfg.CollectorTimeout
	if c, ok := spec.Collectors[t.Collector]; ok && c.TimeoutSeconds > 0 {
		timeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	command := t.Collector
	if c, ok := spec.Collectors[t.Collector]; ok {
		command = c.Command
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := o.runner.Run(runCtx, command, t.Args)
	finishedAt := o.clock.Now()
	t.FinishedAt = &finishedAt
	if err != nil {
		t.Status = model.TaskFailed
		t.Error = err.Error()
		log.Error().
			Err(err).
			Int64("task_id", t.ID).
			Str("priority", string(t.Priority)).
			Str("source", t.Source).
			Str("partition", t.Partition).
			Str("data_type", t.DataType).
			Str("collector", t.Collector).
			Msg("task failed")
		return t
	}
	t.Status = model.TaskCompleted
	log.Info().
		Int64("task_id", t.ID).
		Str("priority", string(t.Priority)).
		Str("source", t.Source).
		Dur("elapsed", finishedAt.Sub(startedAt)).
		Msg("task completed")
	return t
}
