package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unitychant/chant/internal/storage"
)

// sweepBatch caps the cells handled per kind in one sweep.
const sweepBatch = 100

// Sweeper runs the periodic backstops: opening cells whose discussion window
// ended, finalizing cells whose grace period ended, force-finalizing cells
// past their voting deadline and releasing stale seats.
type Sweeper struct {
	engine   *Engine
	interval time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewSweeper creates a sweeper running every SweepInterval.
func NewSweeper(e *Engine) *Sweeper {
	return &Sweeper{
		engine:   e,
		interval: e.cfg.SweepInterval,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Subsequent calls are no-ops.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Stop ends the loop and waits for an in-flight sweep until ctx expires.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.engine.logger.Warn("sweeper: stop timed out")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			s.engine.Sweep(sweepCtx)
			cancel()
		}
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Opened        int
	Finalized     int
	TimedOut      int
	SeatsReleased int64
}

// Sweep runs every backstop once.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	var r SweepReport

	if refs, err := e.db.DueVotingOpens(ctx, sweepBatch); err != nil {
		e.logger.Error("sweeper: due voting opens", "error", err)
	} else {
		for _, ref := range refs {
			if _, err := e.OpenVoting(ctx, ref.ID); err != nil {
				e.logger.Warn("sweeper: open voting", "cell_id", ref.ID, "error", err)
				continue
			}
			r.Opened++
		}
	}

	if refs, err := e.db.DueFinalizations(ctx, sweepBatch); err != nil {
		e.logger.Error("sweeper: due finalizations", "error", err)
	} else {
		r.Finalized = e.sweepFinalize(ctx, refs, finalizeOpts{reason: reasonFull, replace: true})
	}

	if e.cfg.CellTimeout > 0 {
		if refs, err := e.db.TimedOutCells(ctx, sweepBatch); err != nil {
			e.logger.Error("sweeper: timed out cells", "error", err)
		} else {
			r.TimedOut = e.sweepFinalize(ctx, refs, finalizeOpts{force: true, reason: reasonTimeout})
		}
	}

	if e.cfg.SeatTTL > 0 {
		n, err := e.ReleaseStaleSeats(ctx)
		if err != nil {
			e.logger.Error("sweeper: release stale seats", "error", err)
		}
		r.SeatsReleased = n
	}
	return r
}

func (e *Engine) sweepFinalize(ctx context.Context, refs []storage.CellRef, opts finalizeOpts) int {
	n := 0
	for _, ref := range refs {
		done, err := e.finalize(ctx, ref.ID, opts)
		if err != nil {
			e.logger.Warn("sweeper: finalize", "cell_id", ref.ID, "reason", opts.reason, "error", err)
			continue
		}
		if done {
			n++
		}
	}
	return n
}

// ReleaseStaleSeats frees ACTIVE seats older than SeatTTL in open cells so
// other participants can take them.
func (e *Engine) ReleaseStaleSeats(ctx context.Context) (int64, error) {
	ids, n, err := e.db.ReleaseStaleSeats(ctx, e.cfg.SeatTTL)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.status.Delete(id)
	}
	if n > 0 {
		e.logger.Info("stale seats released", "seats", n, "deliberations", len(ids))
	}
	return n, nil
}
