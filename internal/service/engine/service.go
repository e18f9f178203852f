// Package engine forms cells from ideas and participants, runs voting inside
// each cell and advances batch winners tier by tier until one champion idea
// remains.
//
// Both the HTTP API and the MCP server delegate to the Engine. Every mutation
// runs in a single Postgres transaction under a fixed lock order:
// deliberation row, then cell rows in id order. Work that crosses from a cell
// to its deliberation (batch resolution, next-tier formation) goes through the
// tier_tasks outbox so no transaction ever takes a cell lock before the
// deliberation lock.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/unitychant/chant/internal/cache"
	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/telemetry"
)

// Config holds the engine's timing and sizing knobs.
type Config struct {
	// GracePeriod is the delay between a cell filling its last voter seat and
	// its finalization. Zero finalizes inline with the last vote.
	GracePeriod time.Duration
	// SeatTTL releases ACTIVE seats that never voted. Zero disables the sweep.
	SeatTTL time.Duration
	// CellTimeout force-finalizes VOTING cells with at least one vote once it
	// elapses. Zero disables it.
	CellTimeout time.Duration
	// DiscussionWindow opens new cells in DELIBERATING for this long.
	DiscussionWindow time.Duration
	VoteBudget       int
	SweepInterval    time.Duration
	TierPollInterval time.Duration
	TierBatchSize    int
	StatusCacheTTL   time.Duration
}

// DefaultConfig returns the configuration used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		GracePeriod:      5 * time.Second,
		SeatTTL:          10 * time.Minute,
		VoteBudget:       model.DefaultVoteBudget,
		SweepInterval:    time.Second,
		TierPollInterval: 500 * time.Millisecond,
		TierBatchSize:    50,
		StatusCacheTTL:   2 * time.Second,
	}
}

// EventHook receives engine events after the transaction that produced them
// commits. Errors are logged and never undo engine state.
type EventHook interface {
	OnEvent(ctx context.Context, ev model.Event) error
}

// HookFunc adapts a function to EventHook.
type HookFunc func(ctx context.Context, ev model.Event) error

// OnEvent calls f.
func (f HookFunc) OnEvent(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// hookTimeout bounds one dispatch of events to all hooks.
const hookTimeout = 5 * time.Second

// Engine is the cell formation and tiered advancement engine.
type Engine struct {
	db     *storage.DB
	cfg    Config
	logger *slog.Logger
	hooks  []EventHook

	status *cache.TTL[uuid.UUID, model.Status]
	loads  singleflight.Group

	timerMu sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	closed  bool
	async   sync.WaitGroup

	joins          metric.Int64Counter
	votes          metric.Int64Counter
	cellsCreated   metric.Int64Counter
	cellsFinalized metric.Int64Counter
	taskDuration   metric.Float64Histogram
}

// New creates an Engine. Zero fields of cfg take their DefaultConfig values,
// except GracePeriod, SeatTTL, CellTimeout and DiscussionWindow where zero is
// meaningful.
func New(db *storage.DB, cfg Config, logger *slog.Logger, hooks ...EventHook) *Engine {
	def := DefaultConfig()
	if cfg.VoteBudget <= 0 {
		cfg.VoteBudget = def.VoteBudget
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.TierPollInterval <= 0 {
		cfg.TierPollInterval = def.TierPollInterval
	}
	if cfg.TierBatchSize <= 0 {
		cfg.TierBatchSize = def.TierBatchSize
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = def.StatusCacheTTL
	}

	meter := telemetry.Meter("chant/engine")
	joins, _ := meter.Int64Counter("chant.engine.joins",
		metric.WithDescription("Join attempts by result"),
	)
	votes, _ := meter.Int64Counter("chant.engine.votes",
		metric.WithDescription("Ballots accepted"),
	)
	created, _ := meter.Int64Counter("chant.engine.cells.created",
		metric.WithDescription("Cells created by kind"),
	)
	finalized, _ := meter.Int64Counter("chant.engine.cells.finalized",
		metric.WithDescription("Cells completed by reason"),
	)
	taskDur, _ := meter.Float64Histogram("chant.engine.tier_task.duration",
		metric.WithDescription("Time to resolve a batch and advance (ms)"),
		metric.WithUnit("ms"),
	)

	return &Engine{
		db:             db,
		cfg:            cfg,
		logger:         logger,
		hooks:          hooks,
		status:         cache.New[uuid.UUID, model.Status](cfg.StatusCacheTTL),
		timers:         make(map[uuid.UUID]*time.Timer),
		joins:          joins,
		votes:          votes,
		cellsCreated:   created,
		cellsFinalized: finalized,
		taskDuration:   taskDur,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Close stops pending finalize timers and waits for in-flight hook dispatches
// until ctx expires. Pending finalizations are picked up by the sweeper on the
// next start.
func (e *Engine) Close(ctx context.Context) {
	e.timerMu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.timerMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("engine: close timed out waiting for hooks")
	}
	e.status.Close()
}

// CreateDeliberation validates req and stores a new deliberation in SUBMISSION.
func (e *Engine) CreateDeliberation(ctx context.Context, req model.CreateDeliberationRequest, createdBy string) (model.Deliberation, error) {
	if err := model.ValidateUserID(createdBy); err != nil {
		return model.Deliberation{}, err
	}
	if err := req.Normalize(e.cfg.VoteBudget); err != nil {
		return model.Deliberation{}, err
	}
	d, err := e.db.CreateDeliberation(ctx, model.Deliberation{
		Question:       req.Question,
		CellSize:       req.CellSize,
		VoteBudget:     req.VoteBudget,
		ContinuousFlow: req.ContinuousFlow,
		AllowRevote:    req.AllowRevote,
		CreatedBy:      createdBy,
	})
	if err != nil {
		return model.Deliberation{}, fmt.Errorf("engine: create deliberation: %w", err)
	}
	e.logger.Info("deliberation created",
		"deliberation_id", d.ID,
		"cell_size", d.CellSize,
		"continuous_flow", d.ContinuousFlow,
	)
	return d, nil
}

// effects collects what a transaction must do once it commits. A retried
// transaction body calls reset first so nothing from an aborted attempt leaks.
type effects struct {
	deliberations map[uuid.UUID]bool
	events        []model.Event
	tasks         []storage.TierTask
	finalizeAt    map[uuid.UUID]time.Time
	cells         []model.Cell
}

func (fx *effects) reset() {
	*fx = effects{}
}

func (fx *effects) touch(id uuid.UUID) {
	if fx.deliberations == nil {
		fx.deliberations = make(map[uuid.UUID]bool)
	}
	fx.deliberations[id] = true
}

func (fx *effects) emit(ev model.Event) {
	ev.At = time.Now().UTC()
	fx.touch(ev.DeliberationID)
	fx.events = append(fx.events, ev)
}

func (fx *effects) timer(cellID uuid.UUID, at time.Time) {
	if fx.finalizeAt == nil {
		fx.finalizeAt = make(map[uuid.UUID]time.Time)
	}
	fx.finalizeAt[cellID] = at
}

// apply runs the post-commit side of a transaction: cache invalidation, hook
// dispatch, finalize timers and inline handling of enqueued tier tasks. Tier
// tasks that fail here stay in the outbox for the TierWorker.
func (e *Engine) apply(ctx context.Context, fx *effects) {
	for id := range fx.deliberations {
		e.status.Delete(id)
	}
	e.dispatch(fx.events)
	for cellID, at := range fx.finalizeAt {
		e.scheduleFinalize(cellID, at)
	}
	if len(fx.tasks) == 0 {
		return
	}
	taskCtx := context.WithoutCancel(ctx)
	for _, task := range fx.tasks {
		if err := e.handleTierTask(taskCtx, task); err != nil {
			e.logger.Warn("engine: inline tier task failed, leaving it to the worker",
				"task_id", task.ID,
				"deliberation_id", task.DeliberationID,
				"tier", task.Tier,
				"batch", task.Batch,
				"error", err,
			)
		}
	}
}

func (e *Engine) cellCreated(ctx context.Context, kind model.CellKind) {
	e.cellsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (e *Engine) cellFinalized(ctx context.Context, reason string) {
	e.cellsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (e *Engine) joinResult(ctx context.Context, result string) {
	e.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
