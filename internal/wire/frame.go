// Package wire implements the datagram framing this module puts on the
// wire: a one-byte version, a one-byte type, a 16-byte source device id,
// and a type-specific payload, the whole frame capped to a single UDP
// datagram.
package wire

import (
	"encoding/binary"
	"errors"
)

// Version is the only framing version this module emits or accepts.
const Version byte = 1

// Type is the datagram's payload discriminator.
type Type byte

const (
	TypeBloom           Type = 0x01
	TypeEvent           Type = 0x02
	TypeFileChunkAnnounce Type = 0x03
	TypePresence        Type = 0x04
)

// ErrUnknownType is returned by Decode for a type byte this module does not
// recognize; the caller must drop the datagram silently, not treat this as
// a hard error.
var ErrUnknownType = errors.New("wire: unknown datagram type")

// ErrUnsupportedVersion mirrors ErrUnknownType for a version mismatch.
var ErrUnsupportedVersion = errors.New("wire: unsupported version")

// ErrTruncated is returned when a frame is shorter than its header demands.
var ErrTruncated = errors.New("wire: truncated frame")

// DeviceIDSize is the fixed width of a framed source device id.
const DeviceIDSize = 16

// Frame is a decoded datagram header plus its raw payload bytes.
type Frame struct {
	Type     Type
	SourceID [DeviceIDSize]byte
	Payload  []byte
}

// Encode serializes a frame: [version:1][type:1][src_device_id:16][payload].
func Encode(typ Type, sourceID [DeviceIDSize]byte, payload []byte) []byte {
	buf := make([]byte, 2+DeviceIDSize+len(payload))
	buf[0] = Version
	buf[1] = byte(typ)
	copy(buf[2:2+DeviceIDSize], sourceID[:])
	copy(buf[2+DeviceIDSize:], payload)
	return buf
}

// Decode parses a raw datagram into a Frame. Unknown type or mismatched
// version is surfaced as a sentinel error so the caller drops silently.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 2+DeviceIDSize {
		return Frame{}, ErrTruncated
	}
	if raw[0] != Version {
		return Frame{}, ErrUnsupportedVersion
	}
	typ := Type(raw[1])
	switch typ {
	case TypeBloom, TypeEvent, TypeFileChunkAnnounce, TypePresence:
	default:
		return Frame{}, ErrUnknownType
	}
	var src [DeviceIDSize]byte
	copy(src[:], raw[2:2+DeviceIDSize])
	payload := make([]byte, len(raw)-2-DeviceIDSize)
	copy(payload, raw[2+DeviceIDSize:])
	return Frame{Type: typ, SourceID: src, Payload: payload}, nil
}

// EncodeBloomPayload builds the BLOOM payload: [event_count:4 LE][bloom_serialized].
func EncodeBloomPayload(eventCount uint32, bloomBytes []byte) []byte {
	buf := make([]byte, 4+len(bloomBytes))
	binary.LittleEndian.PutUint32(buf[0:4], eventCount)
	copy(buf[4:], bloomBytes)
	return buf
}

// DecodeBloomPayload parses the BLOOM payload back into its fields.
func DecodeBloomPayload(payload []byte) (eventCount uint32, bloomBytes []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, ErrTruncated
	}
	eventCount = binary.LittleEndian.Uint32(payload[0:4])
	bloomBytes = payload[4:]
	return eventCount, bloomBytes, nil
}

// EncodeEventPayload builds the EVENT payload:
// [ciphertext_len:2 LE][ciphertext][signature_len:2 LE][signature].
func EncodeEventPayload(ciphertext, signature []byte) []byte {
	buf := make([]byte, 2+len(ciphertext)+2+len(signature))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(ciphertext)))
	off := 2
	copy(buf[off:], ciphertext)
	off += len(ciphertext)
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(signature)))
	off += 2
	copy(buf[off:], signature)
	return buf
}

// DecodeEventPayload parses the EVENT payload back into ciphertext and an
// optional signature (nil when the signature length field is zero).
func DecodeEventPayload(payload []byte) (ciphertext, signature []byte, err error) {
	if len(payload) < 2 {
		return nil, nil, ErrTruncated
	}
	ctLen := int(binary.LittleEndian.Uint16(payload[0:2]))
	off := 2
	if len(payload) < off+ctLen+2 {
		return nil, nil, ErrTruncated
	}
	ciphertext = payload[off : off+ctLen]
	off += ctLen
	sigLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2
	if len(payload) < off+sigLen {
		return nil, nil, ErrTruncated
	}
	if sigLen > 0 {
		signature = payload[off : off+sigLen]
	}
	return ciphertext, signature, nil
}

// EncodeFileChunkAnnounce builds the optional FILE_CHUNK_ANNOUNCE payload:
// [prf_tag:8][chunk_index:4][is_parity:1].
func EncodeFileChunkAnnounce(prfTag [8]byte, chunkIndex int32, isParity bool) []byte {
	buf := make([]byte, 13)
	copy(buf[0:8], prfTag[:])
	binary.LittleEndian.PutUint32(buf[8:12], uint32(chunkIndex))
	if isParity {
		buf[12] = 1
	}
	return buf
}

// DecodeFileChunkAnnounce parses a FILE_CHUNK_ANNOUNCE payload.
func DecodeFileChunkAnnounce(payload []byte) (prfTag [8]byte, chunkIndex int32, isParity bool, err error) {
	if len(payload) < 13 {
		return prfTag, 0, false, ErrTruncated
	}
	copy(prfTag[:], payload[0:8])
	chunkIndex = int32(binary.LittleEndian.Uint32(payload[8:12]))
	isParity = payload[12] != 0
	return prfTag, chunkIndex, isParity, nil
}

// EncodePresencePayload builds the PRESENCE payload: [last_seen_at:8 LE].
func EncodePresencePayload(lastSeenAt int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(lastSeenAt))
	return buf
}

// DecodePresencePayload parses a PRESENCE payload.
func DecodePresencePayload(payload []byte) (lastSeenAt int64, err error) {
	if len(payload) < 8 {
		return 0, ErrTruncated
	}
	return int64(binary.LittleEndian.Uint64(payload)), nil
}
