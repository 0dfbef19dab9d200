package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/events"
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Partition: partition, Offset: offset}
}

func TestOffsetTrackerCommitsOnlyContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	for off := int64(10); off <= 13; off++ {
		tr.fetched(msg(0, off))
	}
	tr.fetched(msg(1, 5))

	if _, ok := tr.done(msg(0, 12)); ok {
		t.Fatal("offset 12 committable while 10 and 11 are in flight")
	}
	if _, ok := tr.done(msg(0, 11)); ok {
		t.Fatal("offset 11 committable while 10 is in flight")
	}
	if m, ok := tr.done(msg(1, 5)); !ok || m.Offset != 5 {
		t.Errorf("other partition = %d, %v", m.Offset, ok)
	}
	m, ok := tr.done(msg(0, 10))
	if !ok || m.Offset != 12 {
		t.Errorf("after 10 settled = %d, %v; want 12", m.Offset, ok)
	}
	if m, ok := tr.done(msg(0, 13)); !ok || m.Offset != 13 {
		t.Errorf("tail = %d, %v", m.Offset, ok)
	}
}

func TestOffsetTrackerResetsOnRewind(t *testing.T) {
	tr := newOffsetTracker()
	tr.fetched(msg(0, 7))
	tr.fetched(msg(0, 8))
	// rebalance: the group hands partition 0 back from its committed offset
	tr.fetched(msg(0, 7))
	if m, ok := tr.done(msg(0, 7)); !ok || m.Offset != 7 {
		t.Errorf("after rewind = %d, %v", m.Offset, ok)
	}
}

type fakeReader struct {
	t    *testing.T
	msgs chan kafka.Message

	mu        sync.Mutex
	handled   map[int64]bool
	committed []int64
	last      chan int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		for off := int64(0); off <= m.Offset; off++ {
			if !r.handled[off] {
				r.t.Errorf("committed offset %d before offset %d was handled", m.Offset, off)
			}
		}
		r.committed = append(r.committed, m.Offset)
		r.last <- m.Offset
	}
	return nil
}

func (r *fakeReader) markHandled(off int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled[off] = true
}

// keysForWorkers returns one key per worker queue.
func keysForWorkers(n int) [][]byte {
	keys := make([][]byte, n)
	found := 0
	for i := 0; found < n; i++ {
		k := []byte(fmt.Sprintf("order-%d", i))
		if q := xxhash.Sum64(k) % uint64(n); keys[q] == nil {
			keys[q] = k
			found++
		}
	}
	return keys
}

func TestConsumeNeverCommitsPastUnfinishedMessage(t *testing.T) {
	keys := keysForWorkers(2)
	r := &fakeReader{t: t, msgs: make(chan kafka.Message, 2), handled: map[int64]bool{}, last: make(chan int64, 4)}
	for off, key := range keys {
		env, err := events.New(events.TypeOrderCreated, "orders", string(key), events.OrderCreated{OrderID: string(key)})
		if err != nil {
			t.Fatal(err)
		}
		body, _ := json.Marshal(env)
		r.msgs <- kafka.Message{Partition: 0, Offset: int64(off), Key: key, Value: body}
	}

	// offset 0 is still in its handler when offset 1, on the other worker, finishes
	secondDone := make(chan struct{})
	h := func(_ context.Context, env events.Envelope) error {
		if env.CorrelationID == string(keys[0]) {
			<-secondDone
			r.markHandled(0)
			return nil
		}
		r.markHandled(1)
		close(secondDone)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(nil, "test", 2, zap.NewNop(), nil)
	errc := make(chan error, 1)
	go func() { errc <- c.consume(ctx, zap.NewNop(), events.TopicOrderCreated, r, h) }()

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case off := <-r.last:
			done = off == 1
		case <-deadline:
			t.Fatal("offset 1 never committed")
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("consume = %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.committed); i++ {
		if r.committed[i] <= r.committed[i-1] {
			t.Errorf("commits went backwards: %v", r.committed)
		}
	}
}
