package mqstore

import (
	"encoding/binary"
	"fmt"
)

// Durable entry values are tagged records. The packet identifier sits at a
// fixed offset directly after the tag so it can be overwritten without
// re-serializing the rest of the record:
//
//	publish: 0x01 | packetID(2) | payloadID(8) | qos(1) | flags(1) |
//	         expiry(8) | timestamp(8) | topic(2+n) | uniqueID(2+n)
//	release: 0x02 | packetID(2)
//
// Multi-byte integers are big-endian; strings carry a 2-byte length prefix.
const (
	entryTypePublish byte = 0x01
	entryTypeRelease byte = 0x02

	packetIDOffset = 1

	flagRetained byte = 0x01
)

// encodePublish serializes a publish entry. The packet identifier slot is
// written from p.PacketID; newly queued publishes carry NoPacketID.
func encodePublish(p *Publish) []byte {
	buf := make([]byte, 0, 29+2+len(p.Topic)+2+len(p.UniqueID))
	buf = append(buf, entryTypePublish)
	buf = binary.BigEndian.AppendUint16(buf, p.PacketID)
	buf = binary.BigEndian.AppendUint64(buf, p.PayloadID)
	buf = append(buf, byte(p.QoS))
	var flags byte
	if p.Retained {
		flags |= flagRetained
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Expiry))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp))
	buf = appendString(buf, p.Topic)
	return appendString(buf, p.UniqueID)
}

// encodeRelease serializes a release marker entry.
func encodeRelease(r *Release) []byte {
	buf := make([]byte, 0, 3)
	buf = append(buf, entryTypeRelease)
	return binary.BigEndian.AppendUint16(buf, r.PacketID)
}

// setPacketID returns a copy of a serialized entry with only the packet
// identifier slot overwritten.
func setPacketID(value []byte, id uint16) []byte {
	out := make([]byte, len(value))
	copy(out, value)
	binary.BigEndian.PutUint16(out[packetIDOffset:], id)
	return out
}

// decodePacketID reads the packet identifier slot of a serialized entry
// without decoding the rest of the record.
func decodePacketID(value []byte) uint16 {
	return binary.BigEndian.Uint16(value[packetIDOffset:])
}

// decodeEntry deserializes a stored entry value into a *Publish or a
// *Release.
func decodeEntry(value []byte) (Entry, error) {
	if len(value) < 3 {
		return nil, fmt.Errorf("entry value too short: %d bytes", len(value))
	}
	switch value[0] {
	case entryTypeRelease:
		return &Release{PacketID: binary.BigEndian.Uint16(value[1:])}, nil
	case entryTypePublish:
		return decodePublishEntry(value)
	default:
		return nil, fmt.Errorf("unknown entry type 0x%02x", value[0])
	}
}

func decodePublishEntry(value []byte) (*Publish, error) {
	if len(value) < 29 {
		return nil, fmt.Errorf("publish entry too short: %d bytes", len(value))
	}
	p := &Publish{
		PacketID:  binary.BigEndian.Uint16(value[1:]),
		PayloadID: binary.BigEndian.Uint64(value[3:]),
		QoS:       QoS(value[11]),
		Retained:  value[12]&flagRetained != 0,
		Expiry:    int64(binary.BigEndian.Uint64(value[13:])),
		Timestamp: int64(binary.BigEndian.Uint64(value[21:])),
	}
	rest := value[29:]
	topic, n, err := readString(rest)
	if err != nil {
		return nil, fmt.Errorf("publish topic: %w", err)
	}
	p.Topic = topic
	uniqueID, _, err := readString(rest[n:])
	if err != nil {
		return nil, fmt.Errorf("publish unique id: %w", err)
	}
	p.UniqueID = uniqueID
	return p, nil
}

// appendString appends a length-prefixed string to dst (2-byte length,
// MSB first).
func appendString(dst []byte, s string) []byte {
	length := uint16(len(s))
	dst = append(dst, byte(length>>8), byte(length))
	return append(dst, s...)
}

// readString decodes a length-prefixed string. Returns the string and the
// number of bytes consumed.
func readString(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("buffer too short for string length")
	}
	length := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+length {
		return "", 0, fmt.Errorf("buffer too short for string data: need %d, have %d", 2+length, len(buf))
	}
	return string(buf[2 : 2+length]), 2 + length, nil
}
