package mqstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Durable entry keys are laid out as
//
//	queueID bytes || shared flag (1 byte) || entry index (8 bytes, big-endian)
//
// so that all entries of one queue form a contiguous, index-ordered range in
// the lexicographically sorted store. A queue key (the seek target) is the
// same layout without the index suffix.
const (
	flagSession byte = 0x00
	flagShared  byte = 0x01

	indexLen = 8
)

// keyMatch is the result of comparing a candidate store key against a queue
// key during a range scan.
type keyMatch uint8

const (
	// noMatch - the candidate belongs to an unrelated queue. Because keys
	// are sorted, the scan is past the target range and must stop.
	noMatch keyMatch = iota

	// samePrefix - the candidate's queue id bytes start with the target's
	// queue id, but the byte at the shared-flag position differs (either a
	// different shared flag, or a longer queue id such as "c2" vs "c").
	// The scanner steps over these keys.
	samePrefix

	// matchKey - the candidate belongs to the target queue.
	matchKey
)

// queueKey serializes the logical queue key (queueID, shared) into the byte
// prefix shared by all of the queue's durable entries.
func queueKey(queueID string, shared bool) []byte {
	k := make([]byte, 0, len(queueID)+1)
	k = append(k, queueID...)
	return append(k, sharedFlag(shared))
}

// entryKey serializes a full durable entry key for the given queue and
// entry index.
func entryKey(queueID string, shared bool, index uint64) []byte {
	k := make([]byte, 0, len(queueID)+1+indexLen)
	k = append(k, queueID...)
	k = append(k, sharedFlag(shared))
	return binary.BigEndian.AppendUint64(k, index)
}

func sharedFlag(shared bool) byte {
	if shared {
		return flagShared
	}
	return flagSession
}

// decodeQueueKey extracts the logical queue key from a durable entry key.
func decodeQueueKey(k []byte) (queueID string, shared bool, err error) {
	if len(k) < 1+indexLen {
		return "", false, fmt.Errorf("entry key too short: %d bytes", len(k))
	}
	flag := k[len(k)-indexLen-1]
	if flag != flagSession && flag != flagShared {
		return "", false, fmt.Errorf("entry key has invalid shared flag 0x%02x", flag)
	}
	return string(k[:len(k)-indexLen-1]), flag == flagShared, nil
}

// decodeIndex extracts the entry index from a durable entry key. The key
// must have been validated (or produced) by this package.
func decodeIndex(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-indexLen:])
}

// compareClientID compares a candidate store key against a serialized queue
// key. ref must be the output of queueKey; candidate is any key encountered
// by a cursor positioned at or after ref.
//
// This comparison is the pivot of the scan protocol: a plain prefix seek is
// not enough because two queue keys can share a byte prefix ("c" and "c2",
// or ("c", shared) and ("c", session)). Keys that agree on the queue id
// bytes but diverge at the flag position sort between - or directly after -
// the seek target and must be stepped over rather than terminate the scan.
func compareClientID(ref, candidate []byte) keyMatch {
	idLen := len(ref) - 1
	if len(candidate) <= idLen {
		return noMatch
	}
	if !bytes.Equal(candidate[:idLen], ref[:idLen]) {
		return noMatch
	}
	if candidate[idLen] == ref[idLen] {
		return matchKey
	}
	return samePrefix
}
