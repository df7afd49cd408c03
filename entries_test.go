package mqstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryCodec(t *testing.T) {
	t.Run("publish round trip", func(t *testing.T) {
		in := &Publish{
			Topic:     "sensors/temp",
			PayloadID: 0xfeedface,
			QoS:       ExactlyOnce,
			UniqueID:  "u-123",
			PacketID:  NoPacketID,
			Expiry:    3600,
			Timestamp: 1700000000000,
			Retained:  true,
		}

		entry, err := decodeEntry(encodePublish(in))
		require.NoError(t, err)

		out, ok := entry.(*Publish)
		require.True(t, ok, "expected a publish entry")
		assert.Equal(t, in, out)
	})

	t.Run("release round trip", func(t *testing.T) {
		entry, err := decodeEntry(encodeRelease(&Release{PacketID: 77}))
		require.NoError(t, err)

		out, ok := entry.(*Release)
		require.True(t, ok, "expected a release entry")
		assert.Equal(t, uint16(77), out.PacketID)
	})

	t.Run("set packet id patches without re-serialization", func(t *testing.T) {
		value := encodePublish(&Publish{Topic: "a/b", UniqueID: "u", PayloadID: 9})
		assert.Equal(t, NoPacketID, decodePacketID(value))

		patched := setPacketID(value, 512)
		assert.Equal(t, uint16(512), decodePacketID(patched))
		// Only the packet id slot changed.
		assert.Equal(t, value[0], patched[0])
		assert.Equal(t, value[3:], patched[3:])
		// The original buffer is untouched.
		assert.Equal(t, NoPacketID, decodePacketID(value))

		entry, err := decodeEntry(patched)
		require.NoError(t, err)
		assert.Equal(t, uint16(512), entry.(*Publish).PacketID)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		for name, value := range map[string][]byte{
			"empty":           nil,
			"short":           {entryTypePublish, 0},
			"unknown tag":     {0x7f, 0, 0},
			"truncated body":  encodePublish(&Publish{Topic: "t", UniqueID: "u"})[:20],
			"truncated topic": append(encodePublish(&Publish{})[:29], 0xff, 0xff),
		} {
			t.Run(name, func(t *testing.T) {
				_, err := decodeEntry(value)
				assert.Error(t, err)
			})
		}
	})
}
