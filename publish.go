package mqstore

import "time"

// NoPacketID is the reserved sentinel marking a stored publish that has not
// yet been assigned an MQTT packet identifier. Valid packet identifiers are
// in the range 1-65535, so zero is never ambiguous.
const NoPacketID uint16 = 0

// Entry is a single element of a client queue: either a *Publish waiting for
// (or in the middle of) delivery, or a *Release marker standing in for a
// QoS 2 publish whose receipt the client has already acknowledged.
type Entry interface {
	// EntryPacketID returns the packet identifier assigned to this entry,
	// or NoPacketID if the entry has not been handed to a client yet.
	EntryPacketID() uint16
}

// Compile-time checks that both entry kinds implement Entry.
var (
	_ Entry = (*Publish)(nil)
	_ Entry = (*Release)(nil)
)

// Publish represents an outbound application message queued for a client
// session or a shared subscription group.
//
// The payload itself is not part of this struct. Message bodies live in an
// external reference-counted payload store (see PayloadStore) and are
// addressed through PayloadID. Every queued Publish - durable or in-memory -
// holds exactly one reference on its payload.
type Publish struct {
	// Topic the message was published to.
	Topic string

	// PayloadID is the handle of the message body in the payload store.
	PayloadID uint64

	// Quality of Service level.
	QoS QoS

	// UniqueID identifies this publish across the broker, independent of
	// the (reusable) packet identifier. Used to guard against stale
	// acknowledgements.
	UniqueID string

	// PacketID is the MQTT packet identifier assigned when the message is
	// handed to a client, or NoPacketID while the message is still queued.
	PacketID uint16

	// Expiry is the message expiry interval in seconds. Zero means the
	// message never expires.
	Expiry int64

	// Timestamp is the enqueue time in Unix milliseconds. Together with
	// Expiry it determines when the message expires.
	Timestamp int64

	// Retained message flag.
	Retained bool

	// Duplicate delivery flag. Set on publishes returned by ReadInflight,
	// which are by definition re-deliveries.
	Duplicate bool
}

// EntryPacketID implements Entry.
func (p *Publish) EntryPacketID() uint16 { return p.PacketID }

// publishBaseSize approximates the fixed in-memory cost of one queued
// publish: struct header, string headers and the payload handle. The payload
// bytes themselves are accounted by the payload store, not by the queue.
const publishBaseSize = 72

// estimatedSize approximates the memory cost of holding this publish in a
// queue. Used for the QoS 0 memory budget and the per-read byte limits.
func (p *Publish) estimatedSize() int {
	return publishBaseSize + len(p.Topic) + len(p.UniqueID)
}

// expired reports whether the message expiry interval has elapsed at the
// given point in time.
func (p *Publish) expired(now time.Time) bool {
	if p.Expiry <= 0 {
		return false
	}
	return now.UnixMilli() >= p.Timestamp+p.Expiry*1000
}

// Release is the queue entry standing in for a QoS 2 publish after the
// client acknowledged receipt (PUBREC) but before it acknowledged release
// (PUBCOMP). It retains the entry key - and therefore the FIFO position -
// of the publish it replaced, and holds no payload reference.
type Release struct {
	// PacketID of the QoS 2 flow this marker belongs to.
	PacketID uint16
}

// EntryPacketID implements Entry.
func (r *Release) EntryPacketID() uint16 { return r.PacketID }
