package kafka

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// offsetTracker lets workers finish messages out of order while the group offset of a
// partition only moves past messages that are all settled. kafka-go commits exactly the
// offset it is handed, so committing a later message early would skip an unfinished one
// after a crash.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets

	commitMu  sync.Mutex
	committed map[int]int64
}

type partitionOffsets struct {
	inflight []int64
	done     map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[int]*partitionOffsets{}, committed: map[int]int64{}}
}

// fetched registers m before it is handed to a worker. Offsets arrive in order per
// partition; a rewind means the group rebalanced and the old bookkeeping is void.
func (t *offsetTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[m.Partition]
	if p == nil || (len(p.inflight) > 0 && m.Offset <= p.inflight[len(p.inflight)-1]) {
		p = &partitionOffsets{done: map[int64]kafka.Message{}}
		t.parts[m.Partition] = p
		t.commitMu.Lock()
		delete(t.committed, m.Partition)
		t.commitMu.Unlock()
	}
	p.inflight = append(p.inflight, m.Offset)
}

// done settles m and returns the highest message of its partition below which
// everything is settled, if that advanced.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[m.Partition]
	if p == nil {
		return kafka.Message{}, false
	}
	p.done[m.Offset] = m
	var last kafka.Message
	advanced := false
	for len(p.inflight) > 0 {
		dm, ok := p.done[p.inflight[0]]
		if !ok {
			break
		}
		delete(p.done, p.inflight[0])
		p.inflight = p.inflight[1:]
		last, advanced = dm, true
	}
	return last, advanced
}

// commit hands m to c unless a later offset of the same partition is already committed.
func (t *offsetTracker) commit(ctx context.Context, c committer, m kafka.Message) error {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if prev, ok := t.committed[m.Partition]; ok && prev >= m.Offset {
		return nil
	}
	if err := c.CommitMessages(ctx, m); err != nil {
		return err
	}
	t.committed[m.Partition] = m.Offset
	return nil
}
