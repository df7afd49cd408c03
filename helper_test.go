package mqstore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// countingPayloads wraps MemoryPayloads and counts the calls the engine
// makes, so tests can check the reference discipline precisely.
type countingPayloads struct {
	*MemoryPayloads
	bootstrapIncrements atomic.Int64
	decrements          atomic.Int64
}

func newCountingPayloads() *countingPayloads {
	return &countingPayloads{MemoryPayloads: NewMemoryPayloads()}
}

func (c *countingPayloads) IncrementReferenceCounterOnBootstrap(payloadID uint64) {
	c.bootstrapIncrements.Add(1)
	c.MemoryPayloads.IncrementReferenceCounterOnBootstrap(payloadID)
}

func (c *countingPayloads) DecrementReferenceCounter(payloadID uint64) {
	c.decrements.Add(1)
	c.MemoryPayloads.DecrementReferenceCounter(payloadID)
}

// recordingDropped records drop telemetry. Tests run single-writer, so the
// plain counters need no locking.
type recordingDropped struct {
	queueFull          int
	queueFullShared    int
	qos0Exceeded       int
	qos0ExceededShared int
}

func (r *recordingDropped) QueueFull(string, string, QoS)       { r.queueFull++ }
func (r *recordingDropped) QueueFullShared(string, string, QoS) { r.queueFullShared++ }
func (r *recordingDropped) QoS0MemoryExceeded(string, string, QoS, int64, int64) {
	r.qos0Exceeded++
}
func (r *recordingDropped) QoS0MemoryExceededShared(string, string, QoS, int64, int64) {
	r.qos0ExceededShared++
}

// fakeClock is an injectable time source for expiry tests.
type fakeClock struct {
	millis atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.millis.Store(time.Now().UnixMilli())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.UnixMilli(c.millis.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.millis.Add(d.Milliseconds())
}

// newTestStore opens a single-bucket store in a temp directory. Every
// operation therefore targets bucket 0.
func newTestStore(t *testing.T, opts ...Option) (*Store, *countingPayloads) {
	t.Helper()
	payloads := newCountingPayloads()
	store, err := Open(t.TempDir(), payloads,
		append([]Option{WithBucketCount(1), WithQoS0MemoryLimit(1 << 20)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, payloads
}

// testPublish creates a publish whose payload is stored (with one
// reference) in the test payload store, the way the distribution layer
// hands messages to the queue.
func testPublish(payloads *countingPayloads, qos QoS, now time.Time) *Publish {
	uniqueID := uuid.NewString()
	return &Publish{
		Topic:     "sensors/" + uniqueID[:8],
		PayloadID: payloads.Put([]byte("payload-" + uniqueID)),
		QoS:       qos,
		UniqueID:  uniqueID,
		Timestamp: now.UnixMilli(),
	}
}
