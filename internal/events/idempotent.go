package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Deduper remembers processed event ids per consumer.
type Deduper interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Mark(ctx context.Context, consumer, eventID string) error
}

// Idempotent skips events the consumer already processed and marks an event only after
// h succeeded. A dedup store outage degrades to processing the event again, which the
// handlers tolerate.
func Idempotent(d Deduper, consumer string, log *zap.Logger, h Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		seen, err := d.Seen(ctx, consumer, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
		if seen {
			log.Debug("duplicate event skipped", zap.String("event_id", env.EventID), zap.String("type", env.EventType))
			return nil
		}
		if err := h(ctx, env); err != nil {
			return err
		}
		if err := d.Mark(ctx, consumer, env.EventID); err != nil {
			log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
		return nil
	}
}

// Isolate converts a panic in h into an error so one bad message cannot take down the
// subscriber loop.
func Isolate(log *zap.Logger, h Handler) Handler {
	return func(ctx context.Context, env Envelope) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic",
					zap.String("event_id", env.EventID),
					zap.String("type", env.EventType),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, env)
	}
}

type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (m *MemoryDeduper) Seen(_ context.Context, consumer, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[consumer+":"+eventID]
	return ok, nil
}

func (m *MemoryDeduper) Mark(_ context.Context, consumer, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[consumer+":"+eventID] = struct{}{}
	return nil
}
