package mqstore

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// indexWatermarkBase is the lower bound of the entry index counter. Leaving
// the lowest quarter of the 64-bit index space (2^62 values) below the
// watermark keeps room for future schemes
// that need indices ordered before all existing entries.
const indexWatermarkBase uint64 = 1 << 62

// Store is the client queue persistence: for every client session and every
// shared subscription group it keeps an ordered queue of outbound messages
// and their delivery-state markers across the three QoS levels.
//
// QoS 1 and 2 messages live in per-shard durable stores and survive broker
// restart; QoS 0 messages live in process memory under a global byte
// budget. Queues are partitioned into buckets by a hash of the queue key;
// every operation takes the pre-computed bucket index and must arrive on
// that bucket's writer goroutine (see BucketIndex).
type Store struct {
	log      zerolog.Logger
	dropped  DroppedService
	payloads PayloadStore
	now      func() time.Time

	buckets   []*bucket
	nextIdx   atomic.Uint64
	qos0Bytes atomic.Int64
	qos0Limit int64
	stopped   atomic.Bool
}

// Open creates or re-opens the persistence under dir, verifies the store
// version of every shard, and recovers in-memory state (queue sizes,
// payload references, the entry index watermark) from the durable stores
// before returning.
//
// An existing directory must be re-opened with the bucket count it was
// created with.
func Open(dir string, payloads PayloadStore, opts ...Option) (*Store, error) {
	if payloads == nil {
		panic("mqstore: payload store must not be nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}

	s := &Store{
		log:       o.Logger,
		dropped:   o.Dropped,
		payloads:  payloads,
		now:       o.Now,
		qos0Limit: o.qos0Limit(),
	}
	s.nextIdx.Store(indexWatermarkBase)

	for i := 0; i < o.BucketCount; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.db", PersistenceName, i))
		env, err := openEnvironment(path)
		if err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("failed to open shard store")
			s.closeBuckets()
			return nil, err
		}
		s.buckets = append(s.buckets, newBucket(env))
	}

	if err := s.bootstrap(); err != nil {
		s.log.Error().Err(err).Msg("failed to recover state from the durable stores")
		s.closeBuckets()
		return nil, err
	}

	s.log.Info().
		Int("buckets", len(s.buckets)).
		Int64("qos0_memory_limit", s.qos0Limit).
		Msg("client queue persistence ready")
	return s, nil
}

// Close stops background sweeps and closes every shard store. The Store
// must not be used afterwards.
func (s *Store) Close() error {
	s.stopped.Store(true)
	return s.closeBuckets()
}

func (s *Store) closeBuckets() error {
	var errs []error
	for i, b := range s.buckets {
		if err := b.env.close(); err != nil {
			errs = append(errs, fmt.Errorf("bucket %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// BucketCount returns the number of shards the persistence was opened with.
func (s *Store) BucketCount() int {
	return len(s.buckets)
}

// BucketIndex computes the shard owning a queue key. The dispatch layer
// uses it to route every operation to the bucket's single writer.
func BucketIndex(queueID string, shared bool, bucketCount int) int {
	h := fnv.New32a()
	h.Write(queueKey(queueID, shared))
	return int(h.Sum32() % uint32(bucketCount))
}

// Size returns the total number of entries queued for the given queue key:
// durable entries plus in-memory QoS 0 messages.
func (s *Store) Size(queueID string, shared bool, bucketIndex int) int {
	s.mustServing()
	mustQueueID(queueID)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()
	return b.sizes[string(queueKey(queueID, shared))]
}

// QoS0Size returns the number of in-memory QoS 0 messages queued for the
// given queue key.
func (s *Store) QoS0Size(queueID string, shared bool, bucketIndex int) int {
	s.mustServing()
	mustQueueID(queueID)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()
	return len(b.qos0[string(queueKey(queueID, shared))])
}

// QoS0MemoryBytes returns the current global QoS 0 memory usage.
func (s *Store) QoS0MemoryBytes() int64 {
	return s.qos0Bytes.Load()
}

// nextIndex allocates a fresh, process-globally monotone entry index.
func (s *Store) nextIndex() uint64 {
	return s.nextIdx.Add(1)
}

func (s *Store) bucketAt(i int) *bucket {
	if i < 0 || i >= len(s.buckets) {
		panic(fmt.Sprintf("mqstore: bucket index %d out of range [0,%d)", i, len(s.buckets)))
	}
	return s.buckets[i]
}

// mustServing asserts the store has not been closed. Using a closed store
// is a programming error and fails fast; CleanUp is the one exception - a
// stopped store no-ops there so background sweeps terminate promptly.
func (s *Store) mustServing() {
	if s.stopped.Load() {
		panic("mqstore: store used after Close")
	}
}

func mustQueueID(queueID string) {
	if queueID == "" {
		panic("mqstore: queue id must not be empty")
	}
}

func mustPublish(p *Publish) {
	if p == nil {
		panic("mqstore: publish must not be nil")
	}
}

// splitQueueKey decodes a serialized queue key (as used for the in-memory
// map slots, without the entry index suffix).
func splitQueueKey(key string) (queueID string, shared bool) {
	return key[:len(key)-1], key[len(key)-1] == flagShared
}
