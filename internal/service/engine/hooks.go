package engine

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// dispatch publishes events on the chant_events channel and fans them out to
// every hook in the background. Each hook sees events in commit order.
func (e *Engine) dispatch(events []model.Event) {
	if len(events) == 0 {
		return
	}
	e.timerMu.Lock()
	if e.closed {
		e.timerMu.Unlock()
		return
	}
	e.async.Add(1)
	e.timerMu.Unlock()

	go func() {
		defer e.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				e.logger.Error("engine: marshal event", "type", ev.Type, "error", err)
				continue
			}
			if err := e.db.Notify(ctx, storage.ChannelEvents, string(payload)); err != nil {
				e.logger.Warn("engine: notify event", "type", ev.Type, "deliberation_id", ev.DeliberationID, "error", err)
			}
		}

		if len(e.hooks) == 0 {
			return
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, h := range e.hooks {
			g.Go(func() error {
				for _, ev := range events {
					if err := h.OnEvent(gctx, ev); err != nil {
						e.logger.Warn("engine: event hook failed",
							"type", ev.Type,
							"deliberation_id", ev.DeliberationID,
							"error", err,
						)
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}
