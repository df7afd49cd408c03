package mqstore

import "fmt"

// OverflowStrategy selects what Add does when a queue is at its size limit.
type OverflowStrategy uint8

const (
	// Discard drops the incoming message.
	Discard OverflowStrategy = iota

	// DiscardOldest drops the oldest queued (not in-flight) message to make
	// room; when every queued entry is in-flight, the incoming message is
	// dropped instead.
	DiscardOldest
)

// scanQueue runs the range scan protocol over one queue's durable entries.
//
// ref is the serialized queue key. The cursor seeks to it, steps over
// same-prefix keys (foreign queues whose id shares the target's byte
// prefix), optionally steps past the in-flight prefix, then invokes fn for
// every entry of the target queue until fn returns false or the range ends.
// In-flight entries form a prefix of the range, so skipInflight lands the
// callback on the first queued entry.
func scanQueue(c *cursor, ref []byte, skipInflight bool, fn func(c *cursor) (bool, error)) error {
	if !c.seekRange(ref) {
		return nil
	}
	for compareClientID(ref, c.key()) == samePrefix {
		if !c.next() {
			return nil
		}
	}
	if skipInflight {
		for compareClientID(ref, c.key()) == matchKey && decodePacketID(c.value()) != NoPacketID {
			if !c.next() {
				return nil
			}
		}
	}
	for compareClientID(ref, c.key()) == matchKey {
		cont, err := fn(c)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		if !c.next() {
			return nil
		}
	}
	return nil
}

// Add queues an outbound message.
//
// QoS 0 messages are appended to the in-memory list unless the global QoS 0
// memory budget is exhausted, in which case the message is dropped and
// reported to the DroppedService. QoS 1/2 messages are written to the
// durable store; when the queue already holds max non-QoS-0 entries the
// overflow strategy decides whether the incoming or the oldest queued
// message is dropped.
//
// The publish must arrive holding one payload reference; Add releases it
// if (and only if) the message is dropped.
func (s *Store) Add(queueID string, shared bool, pub *Publish, max int, strategy OverflowStrategy, bucketIndex int) error {
	s.mustServing()
	mustQueueID(queueID)
	mustPublish(pub)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	ref := queueKey(queueID, shared)
	key := string(ref)

	if pub.QoS == AtMostOnce {
		s.addQoS0(b, key, queueID, shared, pub)
		return nil
	}

	nonZeroSize := b.sizes[key] - len(b.qos0[key])
	full := nonZeroSize >= max

	if full && strategy == Discard {
		s.log.Debug().Str("queue", queueID).Str("topic", pub.Topic).Msg("queue full, discarding incoming message")
		s.payloads.DecrementReferenceCounter(pub.PayloadID)
		return nil
	}

	var (
		discardedPayload uint64
		discardedPublish bool
		discarded        bool
	)
	stored := *pub
	stored.PacketID = NoPacketID
	value := encodePublish(&stored)

	err := b.env.exclusive(func(c *cursor) error {
		discardedPayload, discardedPublish, discarded = 0, false, false
		if full {
			var err error
			discardedPayload, discardedPublish, discarded, err = discardOldest(c, ref)
			if err != nil {
				return err
			}
			if !discarded {
				return nil
			}
		}
		return c.put(entryKey(queueID, shared, s.nextIndex()), value)
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", queueID).Msg("failed to write publish to the durable store")
		return fmt.Errorf("add %q: %w", queueID, err)
	}

	if full && !discarded {
		// Every queued entry is in-flight; nothing was discardable.
		s.log.Debug().Str("queue", queueID).Str("topic", pub.Topic).Msg("queue full of in-flight messages, discarding incoming message")
		s.payloads.DecrementReferenceCounter(pub.PayloadID)
		return nil
	}
	if full {
		if discardedPublish {
			s.payloads.DecrementReferenceCounter(discardedPayload)
		}
		if shared {
			s.dropped.QueueFullShared(queueID, pub.Topic, pub.QoS)
		} else {
			s.dropped.QueueFull(queueID, pub.Topic, pub.QoS)
		}
		// One in, one out: the queue size is unchanged.
		return nil
	}

	b.sizes[key]++
	return nil
}

func (s *Store) addQoS0(b *bucket, key, queueID string, shared bool, pub *Publish) {
	current := s.qos0Bytes.Load()
	if current > s.qos0Limit {
		if shared {
			s.dropped.QoS0MemoryExceededShared(queueID, pub.Topic, pub.QoS, current, s.qos0Limit)
		} else {
			s.dropped.QoS0MemoryExceeded(queueID, pub.Topic, pub.QoS, current, s.qos0Limit)
		}
		s.log.Debug().Str("queue", queueID).Str("topic", pub.Topic).
			Int64("current", current).Int64("limit", s.qos0Limit).
			Msg("qos0 memory exceeded, discarding message")
		s.payloads.DecrementReferenceCounter(pub.PayloadID)
		return
	}
	b.pushQoS0(key, pub)
	b.sizes[key]++
	s.addQoS0Bytes(pub, false)
}

// discardOldest removes the first queued (not in-flight) entry of the
// queue. Returns the removed publish's payload handle and whether anything
// was removed; a queue consisting entirely of in-flight entries yields
// discarded=false.
func discardOldest(c *cursor, ref []byte) (payloadID uint64, wasPublish, discarded bool, err error) {
	err = scanQueue(c, ref, true, func(c *cursor) (bool, error) {
		entry, derr := decodeEntry(c.value())
		if derr != nil {
			return false, derr
		}
		if p, ok := entry.(*Publish); ok {
			payloadID = p.PayloadID
			wasPublish = true
		}
		discarded = true
		return false, c.deleteCurrent()
	})
	return payloadID, wasPublish, discarded, err
}

// ReadNew returns queued messages that have not been handed to the client
// yet, assigning one of the caller-allocated packet identifiers to every
// durable message returned.
//
// Durable (QoS 1/2) and in-memory (QoS 0) messages are interleaved: after
// every durable entry handled, at most one QoS 0 message is drained from
// the head of the in-memory list. The interleave bounds the per-call QoS 0
// drain so QoS 0 traffic cannot starve QoS 1/2. Expired messages of either
// kind are removed silently with their payload reference released.
//
// At most len(packetIDs) messages are returned; the scan also stops once
// the summed estimated size of the returned durable messages exceeds
// bytesLimit.
func (s *Store) ReadNew(queueID string, shared bool, packetIDs []uint16, bytesLimit int, bucketIndex int) ([]*Publish, error) {
	s.mustServing()
	mustQueueID(queueID)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	if len(packetIDs) == 0 {
		return nil, nil
	}
	ref := queueKey(queueID, shared)
	key := string(ref)
	if b.sizes[key] == 0 {
		return nil, nil
	}

	qos0List := b.qos0[key]
	if b.sizes[key] == len(qos0List) {
		return s.readNewQoS0Only(b, key, len(packetIDs)), nil
	}

	now := s.now()
	var (
		out             []*Publish
		bytes           int
		packetIDIndex   int
		qos0Consumed    int
		expiredPayloads []uint64
	)
	err := b.env.exclusive(func(c *cursor) error {
		out, bytes, packetIDIndex, qos0Consumed = nil, 0, 0, 0
		expiredPayloads = expiredPayloads[:0]
		return scanQueue(c, ref, true, func(c *cursor) (bool, error) {
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			p, ok := entry.(*Publish)
			if !ok {
				return true, nil
			}
			if p.expired(now) {
				if err := c.deleteCurrent(); err != nil {
					return false, err
				}
				expiredPayloads = append(expiredPayloads, p.PayloadID)
			} else {
				id := packetIDs[packetIDIndex]
				packetIDIndex++
				if err := c.putCurrent(setPacketID(c.value(), id)); err != nil {
					return false, err
				}
				p.PacketID = id
				out = append(out, p)
				bytes += p.estimatedSize()
			}
			// A durable entry was handled; drain at most one QoS 0 message.
			if qos0Consumed < len(qos0List) && len(out) < len(packetIDs) {
				q := qos0List[qos0Consumed]
				qos0Consumed++
				if !q.expired(now) {
					out = append(out, q)
				}
			}
			if len(out) >= len(packetIDs) || bytes > bytesLimit {
				return false, nil
			}
			return true, nil
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", queueID).Msg("failed to read new messages from the durable store")
		return nil, fmt.Errorf("read new %q: %w", queueID, err)
	}

	// In-memory bookkeeping is committed only after the transaction
	// succeeded, so a failed write leaves counters untouched.
	for _, id := range expiredPayloads {
		s.payloads.DecrementReferenceCounter(id)
	}
	b.sizes[key] -= len(expiredPayloads)
	for i := 0; i < qos0Consumed; i++ {
		q := b.popQoS0(key)
		b.sizes[key]--
		s.addQoS0Bytes(q, true)
		if q.expired(now) {
			s.payloads.DecrementReferenceCounter(q.PayloadID)
		}
	}
	return out, nil
}

// readNewQoS0Only drains up to limit non-expired QoS 0 messages from the
// head of the in-memory list without touching the durable store.
func (s *Store) readNewQoS0Only(b *bucket, key string, limit int) []*Publish {
	now := s.now()
	var out []*Publish
	for len(out) < limit {
		q := b.popQoS0(key)
		if q == nil {
			break
		}
		b.sizes[key]--
		s.addQoS0Bytes(q, true)
		if q.expired(now) {
			s.payloads.DecrementReferenceCounter(q.PayloadID)
			continue
		}
		out = append(out, q)
	}
	return out
}

// ReadInflight returns the in-flight prefix of a client's queue: entries
// that were handed to the client before a disconnect and must be re-sent.
// Publishes are returned with the duplicate-delivery flag set; release
// markers are returned as-is and contribute nothing to the byte total.
func (s *Store) ReadInflight(clientID string, batchSize, bytesLimit, bucketIndex int) ([]Entry, error) {
	s.mustServing()
	mustQueueID(clientID)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	if batchSize <= 0 {
		return nil, nil
	}
	ref := queueKey(clientID, false)
	var (
		out   []Entry
		bytes int
	)
	err := b.env.readOnly(func(c *cursor) error {
		return scanQueue(c, ref, false, func(c *cursor) (bool, error) {
			if decodePacketID(c.value()) == NoPacketID {
				// End of the in-flight prefix.
				return false, nil
			}
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			if p, ok := entry.(*Publish); ok {
				p.Duplicate = true
				bytes += p.estimatedSize()
			}
			out = append(out, entry)
			if len(out) >= batchSize || bytes > bytesLimit {
				return false, nil
			}
			return true, nil
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", clientID).Msg("failed to read inflight messages from the durable store")
		return nil, fmt.Errorf("read inflight %q: %w", clientID, err)
	}
	return out, nil
}

// Replace handles a QoS 2 PUBREC: the in-flight publish with the release's
// packet identifier is replaced in place by the release marker, preserving
// its entry key and therefore its FIFO position. The replaced publish's
// payload reference is released and its unique id returned.
//
// When no entry in the in-flight prefix carries the packet identifier (the
// publish expired or was cleaned up before the PUBREC arrived), the release
// marker is appended at a fresh entry key instead and the empty string is
// returned. A matching entry that is already a release marker is
// overwritten in place, making Replace idempotent.
func (s *Store) Replace(clientID string, release *Release, bucketIndex int) (string, error) {
	s.mustServing()
	mustQueueID(clientID)
	if release == nil {
		panic("mqstore: release must not be nil")
	}
	if release.PacketID == NoPacketID {
		panic("mqstore: packet id must not be the no-packet-id sentinel")
	}
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	ref := queueKey(clientID, false)
	key := string(ref)
	value := encodeRelease(release)
	var (
		replacedUnique  string
		replacedPayload uint64
		replacedPublish bool
		found           bool
	)
	err := b.env.exclusive(func(c *cursor) error {
		replacedUnique, replacedPayload, replacedPublish, found = "", 0, false, false
		if err := scanQueue(c, ref, false, func(c *cursor) (bool, error) {
			packetID := decodePacketID(c.value())
			if packetID == NoPacketID {
				// The in-flight prefix ended without a match.
				return false, nil
			}
			if packetID != release.PacketID {
				return true, nil
			}
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			if p, ok := entry.(*Publish); ok {
				replacedUnique = p.UniqueID
				replacedPayload = p.PayloadID
				replacedPublish = true
			}
			found = true
			return false, c.putCurrent(value)
		}); err != nil {
			return err
		}
		if !found {
			return c.put(entryKey(clientID, false, s.nextIndex()), value)
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", clientID).Msg("failed to write release marker to the durable store")
		return "", fmt.Errorf("replace %q: %w", clientID, err)
	}

	if replacedPublish {
		s.payloads.DecrementReferenceCounter(replacedPayload)
	}
	if !found {
		b.sizes[key]++
	}
	return replacedUnique, nil
}

// Remove deletes the entry carrying the given packet identifier, completing
// a QoS 1 PUBACK or a QoS 2 PUBCOMP. If uniqueID is non-empty and the found
// entry is a publish with a different unique id, the acknowledgement is
// stale: nothing is removed and the empty string is returned. Returns the
// removed publish's unique id, or the empty string when a release marker
// (or nothing) was removed.
func (s *Store) Remove(clientID string, packetID uint16, uniqueID string, bucketIndex int) (string, error) {
	s.mustServing()
	mustQueueID(clientID)
	if packetID == NoPacketID {
		panic("mqstore: packet id must not be the no-packet-id sentinel")
	}
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	ref := queueKey(clientID, false)
	key := string(ref)
	var (
		removedUnique  string
		removedPayload uint64
		removedPublish bool
		removed        bool
	)
	err := b.env.exclusive(func(c *cursor) error {
		removedUnique, removedPayload, removedPublish, removed = "", 0, false, false
		return scanQueue(c, ref, false, func(c *cursor) (bool, error) {
			if decodePacketID(c.value()) != packetID {
				return true, nil
			}
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			if p, ok := entry.(*Publish); ok {
				if uniqueID != "" && uniqueID != p.UniqueID {
					// Stale acknowledgement; leave the entry untouched.
					return false, nil
				}
				removedUnique = p.UniqueID
				removedPayload = p.PayloadID
				removedPublish = true
			}
			removed = true
			return false, c.deleteCurrent()
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", clientID).Msg("failed to remove entry from the durable store")
		return "", fmt.Errorf("remove %q: %w", clientID, err)
	}

	if !removed {
		return "", nil
	}
	if removedPublish {
		s.payloads.DecrementReferenceCounter(removedPayload)
	}
	b.sizes[key]--
	return removedUnique, nil
}

// Clear destroys a queue: every durable entry is deleted, the in-memory
// QoS 0 list is drained, all payload references are released and the
// queue's in-memory slots are dropped.
func (s *Store) Clear(queueID string, shared bool, bucketIndex int) error {
	s.mustServing()
	mustQueueID(queueID)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	ref := queueKey(queueID, shared)
	key := string(ref)
	var payloads []uint64
	err := b.env.exclusive(func(c *cursor) error {
		payloads = payloads[:0]
		return scanQueue(c, ref, false, func(c *cursor) (bool, error) {
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			if p, ok := entry.(*Publish); ok {
				payloads = append(payloads, p.PayloadID)
			}
			return true, c.deleteCurrent()
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", queueID).Msg("failed to clear queue in the durable store")
		return fmt.Errorf("clear %q: %w", queueID, err)
	}

	for _, id := range payloads {
		s.payloads.DecrementReferenceCounter(id)
	}
	for _, q := range b.qos0[key] {
		s.payloads.DecrementReferenceCounter(q.PayloadID)
		s.addQoS0Bytes(q, true)
	}
	delete(b.qos0, key)
	delete(b.sizes, key)
	return nil
}

// RemoveAllQoS0 drains the queue's in-memory QoS 0 list, releasing payload
// references and memory accounting per message. Durable entries are left
// untouched.
func (s *Store) RemoveAllQoS0(queueID string, shared bool, bucketIndex int) {
	s.mustServing()
	mustQueueID(queueID)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	key := string(queueKey(queueID, shared))
	for _, q := range b.qos0[key] {
		s.payloads.DecrementReferenceCounter(q.PayloadID)
		s.addQoS0Bytes(q, true)
		b.sizes[key]--
	}
	delete(b.qos0, key)
}

// RemoveShared deletes the publish with the given unique id from a shared
// subscription group's queue, used when a group member has consumed the
// message. The scan stops at the first entry that is not a publish.
func (s *Store) RemoveShared(group, uniqueID string, bucketIndex int) error {
	s.mustServing()
	mustQueueID(group)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	ref := queueKey(group, true)
	key := string(ref)
	var (
		removedPayload uint64
		removed        bool
	)
	err := b.env.exclusive(func(c *cursor) error {
		removedPayload, removed = 0, false
		return scanQueue(c, ref, false, func(c *cursor) (bool, error) {
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			p, ok := entry.(*Publish)
			if !ok {
				return false, nil
			}
			if p.UniqueID != uniqueID {
				return true, nil
			}
			removedPayload = p.PayloadID
			removed = true
			return false, c.deleteCurrent()
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", group).Msg("failed to remove shared entry from the durable store")
		return fmt.Errorf("remove shared %q: %w", group, err)
	}

	if removed {
		s.payloads.DecrementReferenceCounter(removedPayload)
		b.sizes[key]--
	}
	return nil
}

// RemoveInflightMarker resets the packet identifier of the publish with the
// given unique id in a shared subscription group's queue, moving it back to
// the queued state. This is the compensation path when a subscriber
// abandons a message it was offered.
func (s *Store) RemoveInflightMarker(group, uniqueID string, bucketIndex int) error {
	s.mustServing()
	mustQueueID(group)
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	ref := queueKey(group, true)
	err := b.env.exclusive(func(c *cursor) error {
		return scanQueue(c, ref, false, func(c *cursor) (bool, error) {
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			p, ok := entry.(*Publish)
			if !ok || p.UniqueID != uniqueID {
				return true, nil
			}
			return false, c.putCurrent(setPacketID(c.value(), NoPacketID))
		})
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", group).Msg("failed to reset packet id in the durable store")
		return fmt.Errorf("remove inflight marker %q: %w", group, err)
	}
	return nil
}

// CleanUp sweeps every queue of the bucket for expired messages and returns
// the group names of the bucket's shared queues, which the caller uses to
// trigger per-group cleanup at higher layers. A stopped store returns
// immediately so background sweeps terminate promptly on shutdown.
func (s *Store) CleanUp(bucketIndex int) ([]string, error) {
	if s.stopped.Load() {
		return nil, nil
	}
	b := s.bucketAt(bucketIndex)
	b.enter()
	defer b.exit()

	keys := make([]string, 0, len(b.sizes))
	for key := range b.sizes {
		keys = append(keys, key)
	}

	var sharedQueues []string
	for _, key := range keys {
		queueID, shared := splitQueueKey(key)
		if shared {
			sharedQueues = append(sharedQueues, queueID)
		}
		if err := s.expireQueue(b, key); err != nil {
			s.log.Error().Err(err).Str("queue", queueID).Msg("failed to sweep expired messages in the durable store")
			return nil, fmt.Errorf("clean up %q: %w", queueID, err)
		}
	}
	return sharedQueues, nil
}

// expireQueue removes expired messages from one queue: first the in-memory
// QoS 0 list, then the durable range. A QoS 2 publish that is in-flight is
// never expired - the receiver acknowledged receipt and the flow must
// complete. Release markers are left alone.
func (s *Store) expireQueue(b *bucket, key string) error {
	now := s.now()

	if list := b.qos0[key]; len(list) > 0 {
		kept := list[:0]
		for _, q := range list {
			if q.expired(now) {
				s.payloads.DecrementReferenceCounter(q.PayloadID)
				s.addQoS0Bytes(q, true)
				b.sizes[key]--
				continue
			}
			kept = append(kept, q)
		}
		b.qos0[key] = kept
	}

	var payloads []uint64
	err := b.env.exclusive(func(c *cursor) error {
		payloads = payloads[:0]
		return scanQueue(c, []byte(key), false, func(c *cursor) (bool, error) {
			entry, err := decodeEntry(c.value())
			if err != nil {
				return false, err
			}
			p, ok := entry.(*Publish)
			if !ok {
				return true, nil
			}
			if !p.expired(now) {
				return true, nil
			}
			if p.QoS == ExactlyOnce && p.PacketID != NoPacketID {
				return true, nil
			}
			payloads = append(payloads, p.PayloadID)
			return true, c.deleteCurrent()
		})
	})
	if err != nil {
		return err
	}

	for _, id := range payloads {
		s.payloads.DecrementReferenceCounter(id)
	}
	b.sizes[key] -= len(payloads)
	return nil
}
