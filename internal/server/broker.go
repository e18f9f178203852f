package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// Broker fans chant_events notifications out to SSE subscribers. Each
// subscriber may narrow the stream to one deliberation.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID // uuid.Nil receives everything
}

// NewBroker creates a broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start listens on the events channel until ctx is cancelled. It blocks.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelEvents, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.publish(payload)
	}
}

// Subscribe registers a subscriber for one deliberation, or all of them when
// deliberationID is uuid.Nil. The caller must Unsubscribe.
func (b *Broker) Subscribe(deliberationID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = deliberationID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broker) publish(payload string) {
	var ev model.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("broker: malformed event payload", "error", err)
		return
	}
	b.broadcast(ev.DeliberationID, formatSSE(string(ev.Type), payload))
}

// broadcast delivers event to matching subscribers. A subscriber with a full
// buffer misses the event rather than stalling the others.
func (b *Broker) broadcast(deliberationID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, want := range b.subscribers {
		if want != uuid.Nil && want != deliberationID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
