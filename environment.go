package mqstore

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PersistenceName is the on-disk name of this persistence. Each shard's
// store lives in its own database file named after it.
const PersistenceName = "client_queue"

// PersistenceVersion is the layout version written to every environment.
// Opening an environment recorded with a different version fails: version
// bumps require an explicit migration.
const PersistenceVersion = "040000"

var (
	bucketQueue = []byte(PersistenceName)
	bucketMeta  = []byte("meta")
	keyVersion  = []byte("version")
)

// environment is one shard's durable ordered key-value store. Each shard
// owns a separate database file, so exclusive transactions only serialize
// with other exclusive transactions on the same shard.
type environment struct {
	db *bolt.DB
}

// openEnvironment opens (or creates) a shard store and verifies the
// persistence version.
func openEnvironment(path string) (*environment, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketQueue); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyVersion); v != nil {
			if !bytes.Equal(v, []byte(PersistenceVersion)) {
				return fmt.Errorf("store version %q, want %q: migration required", v, PersistenceVersion)
			}
			return nil
		}
		return meta.Put(keyVersion, []byte(PersistenceVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store %s: %w", path, err)
	}
	return &environment{db: db}, nil
}

func (e *environment) close() error {
	return e.db.Close()
}

// readOnly runs fn inside a read-only transaction. Read-only transactions
// do not block writers.
func (e *environment) readOnly(fn func(c *cursor) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(newCursor(tx))
	})
}

// exclusive runs fn inside a write transaction. The underlying store
// guarantees atomicity: if fn returns an error, no mutation is applied.
func (e *environment) exclusive(fn func(c *cursor) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return fn(newCursor(tx))
	})
}

// cursor is a forward cursor over one shard's queue entries, valid only for
// the duration of the transaction that produced it. Keys and values it
// returns are owned by the store; callers must copy anything they keep.
type cursor struct {
	bkt *bolt.Bucket
	cur *bolt.Cursor
	k   []byte
	v   []byte

	// skipNext is set when a mutation already repositioned the cursor on
	// the entry a subsequent next would land on.
	skipNext bool
}

func newCursor(tx *bolt.Tx) *cursor {
	bkt := tx.Bucket(bucketQueue)
	return &cursor{bkt: bkt, cur: bkt.Cursor()}
}

// seekRange positions the cursor at the first key at or after start.
// Returns false if the store holds no such key.
func (c *cursor) seekRange(start []byte) bool {
	c.skipNext = false
	c.k, c.v = c.cur.Seek(start)
	return c.k != nil
}

// first positions the cursor at the beginning of the store.
func (c *cursor) first() bool {
	c.skipNext = false
	c.k, c.v = c.cur.First()
	return c.k != nil
}

// next advances the cursor one entry. After deleteCurrent, next lands on
// the entry following the deleted one.
func (c *cursor) next() bool {
	if c.skipNext {
		c.skipNext = false
		return c.k != nil
	}
	c.k, c.v = c.cur.Next()
	return c.k != nil
}

func (c *cursor) key() []byte   { return c.k }
func (c *cursor) value() []byte { return c.v }

// deleteCurrent removes the entry under the cursor. Deleting shifts the
// underlying page elements, so the cursor is re-positioned on the deleted
// key's successor and the next advance is absorbed.
func (c *cursor) deleteCurrent() error {
	key := append([]byte(nil), c.k...)
	if err := c.cur.Delete(); err != nil {
		return err
	}
	c.k, c.v = c.cur.Seek(key)
	c.skipNext = true
	return nil
}

// putCurrent overwrites the value of the entry under the cursor. Writing
// through the bucket invalidates the cursor, so it is re-positioned on the
// rewritten key before returning.
func (c *cursor) putCurrent(value []byte) error {
	key := append([]byte(nil), c.k...)
	if err := c.bkt.Put(key, value); err != nil {
		return err
	}
	c.k, c.v = c.cur.Seek(key)
	return nil
}

// put inserts an entry at a new key. Only valid when the cursor position is
// no longer needed: writes invalidate the cursor.
func (c *cursor) put(key, value []byte) error {
	return c.bkt.Put(key, value)
}
