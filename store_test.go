package mqstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOpen(t *testing.T) {
	t.Run("creates one store file per bucket", func(t *testing.T) {
		dir := t.TempDir()
		store, err := Open(dir, NewMemoryPayloads(), WithBucketCount(3))
		require.NoError(t, err)
		defer store.Close()

		assert.Equal(t, 3, store.BucketCount())
		for i := 0; i < 3; i++ {
			_, err := os.Stat(filepath.Join(dir, "client_queue_"+string(rune('0'+i))+".db"))
			assert.NoError(t, err)
		}
	})

	t.Run("fails when the directory cannot be created", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "not-a-dir")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

		_, err := Open(file, NewMemoryPayloads())
		assert.Error(t, err)
	})

	t.Run("panics on a nil payload store", func(t *testing.T) {
		assert.Panics(t, func() {
			Open(t.TempDir(), nil) //nolint:errcheck
		})
	})
}

func TestProgrammingErrorsPanic(t *testing.T) {
	store, payloads := newTestStore(t)
	pub := testPublish(payloads, AtLeastOnce, time.Now())

	assert.Panics(t, func() { store.Add("", false, pub, 10, Discard, 0) })
	assert.Panics(t, func() { store.Add("c", false, nil, 10, Discard, 0) })
	assert.Panics(t, func() { store.Add("c", false, pub, 10, Discard, 1) })
	assert.Panics(t, func() { store.Size("c", false, -1) })
	assert.Panics(t, func() { store.Remove("c", NoPacketID, "", 0) })
	assert.Panics(t, func() { store.Replace("c", nil, 0) })
	assert.Panics(t, func() { store.Replace("c", &Release{PacketID: NoPacketID}, 0) })
}

func TestUseAfterClosePanics(t *testing.T) {
	payloads := newCountingPayloads()
	store, err := Open(t.TempDir(), payloads, WithBucketCount(1), WithQoS0MemoryLimit(1<<20))
	require.NoError(t, err)
	pub := testPublish(payloads, AtLeastOnce, time.Now())
	require.NoError(t, store.Close())

	assert.Panics(t, func() { store.Add("c", false, pub, 10, Discard, 0) })
	assert.Panics(t, func() { store.ReadNew("c", false, []uint16{1}, 1<<20, 0) })
	assert.Panics(t, func() { store.ReadInflight("c", 10, 1<<20, 0) })
	assert.Panics(t, func() { store.Replace("c", &Release{PacketID: 1}, 0) })
	assert.Panics(t, func() { store.Remove("c", 1, "", 0) })
	assert.Panics(t, func() { store.Clear("c", false, 0) })
	assert.Panics(t, func() { store.RemoveAllQoS0("c", false, 0) })
	assert.Panics(t, func() { store.RemoveShared("g", "u", 0) })
	assert.Panics(t, func() { store.RemoveInflightMarker("g", "u", 0) })
	assert.Panics(t, func() { store.Size("c", false, 0) })
	assert.Panics(t, func() { store.QoS0Size("c", false, 0) })

	// CleanUp is the exception: background sweeps must wind down quietly.
	assert.NotPanics(t, func() {
		shared, err := store.CleanUp(0)
		assert.NoError(t, err)
		assert.Nil(t, shared)
	})
}

func TestBucketIndex(t *testing.T) {
	const buckets = 8
	for _, queueID := range []string{"a", "client-1", "group/shared", "c2"} {
		for _, shared := range []bool{false, true} {
			index := BucketIndex(queueID, shared, buckets)
			assert.GreaterOrEqual(t, index, 0)
			assert.Less(t, index, buckets)
			// Routing is deterministic.
			assert.Equal(t, index, BucketIndex(queueID, shared, buckets))
		}
	}

	// The shared flag is part of the hashed key, so the two namespaces
	// may land on different buckets.
	assert.NotEqual(t,
		queueKey("c", false),
		queueKey("c", true))
}

func TestQoS0MemoryAccounting(t *testing.T) {
	store, payloads := newTestStore(t)

	p1 := testPublish(payloads, AtMostOnce, time.Now())
	p2 := testPublish(payloads, AtMostOnce, time.Now())
	require.NoError(t, store.Add("c", false, p1, 10, Discard, 0))
	require.NoError(t, store.Add("c", false, p2, 10, Discard, 0))

	want := int64(p1.estimatedSize() + nodeOverhead + p2.estimatedSize() + nodeOverhead)
	assert.Equal(t, want, store.QoS0MemoryBytes())

	store.RemoveAllQoS0("c", false, 0)
	assert.Zero(t, store.QoS0MemoryBytes())
}

func TestSingleWriterAssertion(t *testing.T) {
	store, _ := newTestStore(t)
	b := store.bucketAt(0)

	b.enter()
	assert.Panics(t, func() { store.Size("c", false, 0) })
	b.exit()

	assert.Equal(t, 0, store.Size("c", false, 0))
}
