package mqstore

import "sync/atomic"

// nodeOverhead is a fixed approximation of the per-entry bookkeeping cost
// of one in-memory QoS 0 message (slice slot, struct header, map residency).
// Added to a publish's estimated size in the global QoS 0 memory counter.
const nodeOverhead = 48

// bucket is one shard of the persistence: a durable store environment plus
// the in-memory maps for the queue keys hashed to it. A bucket is owned by
// a single writer; the maps are plain because no two operations on the same
// bucket ever run concurrently.
type bucket struct {
	env *environment

	// sizes holds the total queue size (durable entries + in-memory QoS 0
	// messages) per serialized queue key.
	sizes map[string]int

	// qos0 holds the in-memory QoS 0 message lists per serialized queue
	// key, in insertion order.
	qos0 map[string][]*Publish

	// busy detects violations of the single-writer contract.
	busy atomic.Int32
}

func newBucket(env *environment) *bucket {
	return &bucket{
		env:   env,
		sizes: make(map[string]int),
		qos0:  make(map[string][]*Publish),
	}
}

// enter asserts the single-writer contract on every operation entry point.
// A second concurrent caller on the same bucket is a dispatcher bug and
// fails fast.
func (b *bucket) enter() {
	if !b.busy.CompareAndSwap(0, 1) {
		panic("mqstore: concurrent operation on bucket; calls must be dispatched to the bucket's writer")
	}
}

func (b *bucket) exit() {
	b.busy.Store(0)
}

// pushQoS0 appends a QoS 0 message to the queue's in-memory list, creating
// the list lazily on first use.
func (b *bucket) pushQoS0(key string, p *Publish) {
	b.qos0[key] = append(b.qos0[key], p)
}

// popQoS0 removes and returns the head of the queue's in-memory list, or
// nil when the list is empty.
func (b *bucket) popQoS0(key string) *Publish {
	list := b.qos0[key]
	if len(list) == 0 {
		return nil
	}
	p := list[0]
	b.qos0[key] = list[1:]
	return p
}

// addQoS0Bytes moves the global QoS 0 memory counter by the accounted cost
// of one message (estimated size plus node overhead). n is negative when a
// message leaves.
func (s *Store) addQoS0Bytes(p *Publish, leaving bool) {
	n := int64(p.estimatedSize() + nodeOverhead)
	if leaving {
		n = -n
	}
	s.qos0Bytes.Add(n)
}
