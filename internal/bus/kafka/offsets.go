package kafka

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

// offsetTracker holds, per partition, the records handed to workers in fetch
// order. A record becomes committable only once it and every earlier record
// of its partition have finished, so an unfinished record pins the
// partition's commit below its own offset.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[topicPartition]*partitionOffsets
}

type partitionOffsets struct {
	pending  []*kgo.Record
	finished map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[topicPartition]*partitionOffsets)}
}

func (t *offsetTracker) begin(rec *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := topicPartition{rec.Topic, rec.Partition}
	p, ok := t.parts[key]
	if !ok {
		p = &partitionOffsets{finished: make(map[int64]bool)}
		t.parts[key] = p
	}
	p.pending = append(p.pending, rec)
}

// finish records rec as done and returns the highest record of its partition
// that is now safe to commit, or nil when an earlier record is still open.
func (t *offsetTracker) finish(rec *kgo.Record) *kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[topicPartition{rec.Topic, rec.Partition}]
	if !ok {
		return nil
	}
	tracked := false
	for _, r := range p.pending {
		if r.Offset == rec.Offset {
			tracked = true
			break
		}
	}
	if !tracked {
		return nil
	}
	p.finished[rec.Offset] = true

	var commit *kgo.Record
	for len(p.pending) > 0 && p.finished[p.pending[0].Offset] {
		commit = p.pending[0]
		delete(p.finished, commit.Offset)
		p.pending = p.pending[1:]
	}
	return commit
}

// forget drops state for partitions this member no longer owns. Records
// still in flight for them finish without committing.
func (t *offsetTracker) forget(assigned map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, partitions := range assigned {
		for _, partition := range partitions {
			delete(t.parts, topicPartition{topic, partition})
		}
	}
}
