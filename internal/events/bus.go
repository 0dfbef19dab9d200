package events

import (
	"context"
	"fmt"
	"sync"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Handler returns nil only when the message may be acknowledged.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber blocks delivering messages of topic to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// MemoryBus delivers synchronously inside Publish. It backs tests and single-process runs.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      []Published
}

type Published struct {
	Topic    string
	Envelope Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	b.mu.Lock()
	b.log = append(b.log, Published{Topic: topic, Envelope: env})
	hs := append([]Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, h := range hs {
		if err := h(ctx, env); err != nil {
			return fmt.Errorf("deliver %s to %s: %w", env.EventType, topic, err)
		}
	}
	return nil
}

// Subscribe registers h and returns immediately.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Published returns every envelope published to topic, oldest first.
func (b *MemoryBus) Published(topic string) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Envelope
	for _, p := range b.log {
		if p.Topic == topic {
			out = append(out, p.Envelope)
		}
	}
	return out
}
