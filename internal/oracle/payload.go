package oracle

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Callback payload wire formats. A record reveal carries the score as a
// 4-byte big-endian integer followed by the UTF-8 tag string; an aggregate
// reveal carries the plaintext sum as an 8-byte big-endian integer.

// EncodeRecordPayload builds a record reveal payload
func EncodeRecordPayload(score uint32, tags string) []byte {
	payload := make([]byte, 4+len(tags))
	binary.BigEndian.PutUint32(payload, score)
	copy(payload[4:], tags)
	return payload
}

// DecodeRecordPayload parses a record reveal payload
func DecodeRecordPayload(payload []byte) (uint32, string, error) {
	if len(payload) < 4 {
		return 0, "", fmt.Errorf("record payload has %d bytes, want at least 4", len(payload))
	}
	if !utf8.Valid(payload[4:]) {
		return 0, "", fmt.Errorf("record payload tags are not valid UTF-8")
	}
	return binary.BigEndian.Uint32(payload), string(payload[4:]), nil
}

// EncodeAggregatePayload builds an aggregate reveal payload
func EncodeAggregatePayload(sum uint64) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, sum)
	return payload
}

// DecodeAggregatePayload parses an aggregate reveal payload
func DecodeAggregatePayload(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("aggregate payload has %d bytes, want exactly 8", len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}
