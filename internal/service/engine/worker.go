package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/telemetry"
)

// TierWorker polls the tier_tasks outbox and resolves batches whose inline
// handling after commit failed or never ran (for example after a crash).
type TierWorker struct {
	engine       *Engine
	db           *storage.DB
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewTierWorker creates a worker driven by the engine's poll interval and batch size.
func NewTierWorker(e *Engine) *TierWorker {
	return &TierWorker{
		engine:       e,
		db:           e.db,
		logger:       e.logger,
		pollInterval: e.cfg.TierPollInterval,
		batchSize:    e.cfg.TierBatchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *TierWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("tier worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining tasks, and blocks
// until done or the context expires.
func (w *TierWorker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	if !w.started.Load() {
		return
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("tier worker: drain timed out")
	}
}

func (w *TierWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.ProcessBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.ProcessBatch(batchCtx)
			cancel()
		}
	}
}

// ProcessBatch claims up to batchSize tasks and handles each. It returns the
// number of tasks handled successfully.
func (w *TierWorker) ProcessBatch(ctx context.Context) int {
	tasks, err := w.db.ClaimTierTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("tier worker: claim tasks", "error", err)
		return 0
	}

	handled := 0
	for _, task := range tasks {
		if err := w.engine.handleTierTask(ctx, task); err != nil {
			w.logger.Error("tier worker: handle task",
				"task_id", task.ID,
				"deliberation_id", task.DeliberationID,
				"tier", task.Tier,
				"batch", task.Batch,
				"error", err,
			)
			if ferr := w.db.FailTierTask(ctx, task.ID, err.Error()); ferr != nil {
				w.logger.Error("tier worker: record failure", "task_id", task.ID, "error", ferr)
			}
			if task.Attempts+1 >= storage.MaxTierTaskAttempts {
				w.logger.Warn("tier worker: dead-letter task",
					"task_id", task.ID,
					"deliberation_id", task.DeliberationID,
					"attempts", task.Attempts+1,
				)
			}
			continue
		}
		handled++
	}

	if time.Since(w.lastCleanup) > time.Hour {
		if n, err := w.db.CleanupDeadTierTasks(ctx); err != nil {
			w.logger.Error("tier worker: cleanup dead-letters failed", "error", err)
		} else if n > 0 {
			w.logger.Info("tier worker: cleaned dead-letter tasks", "deleted", n)
		}
		w.lastCleanup = time.Now()
	}
	return handled
}

// registerMetrics registers an observable gauge for the outbox depth.
func (w *TierWorker) registerMetrics() {
	meter := telemetry.Meter("chant/engine")

	_, _ = meter.Int64ObservableGauge("chant.tier_tasks.depth",
		metric.WithDescription("Number of pending tier tasks"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.db.TierQueueDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(n)
			return nil
		}),
	)
}
