package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var src [DeviceIDSize]byte
	copy(src[:], "0123456789abcdef")

	raw := Encode(TypeEvent, src, []byte("payload"))
	f, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeEvent, f.Type)
	require.Equal(t, src, f.SourceID)
	require.Equal(t, []byte("payload"), f.Payload)
}

func TestFrame_UnknownTypeDropsSilently(t *testing.T) {
	var src [DeviceIDSize]byte
	raw := Encode(TypeEvent, src, nil)
	raw[1] = 0xFF
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestFrame_VersionMismatch(t *testing.T) {
	var src [DeviceIDSize]byte
	raw := Encode(TypeBloom, src, nil)
	raw[0] = 99
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestFrame_Truncated(t *testing.T) {
	_, err := Decode([]byte{1, 1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestBloomPayload_RoundTrip(t *testing.T) {
	payload := EncodeBloomPayload(42, []byte{1, 2, 3})
	count, bits, err := DecodeBloomPayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(42), count)
	require.Equal(t, []byte{1, 2, 3}, bits)
}

func TestEventPayload_RoundTripWithSignature(t *testing.T) {
	payload := EncodeEventPayload([]byte("ciphertext"), []byte("sig"))
	ct, sig, err := DecodeEventPayload(payload)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), ct)
	require.Equal(t, []byte("sig"), sig)
}

func TestEventPayload_RoundTripWithoutSignature(t *testing.T) {
	payload := EncodeEventPayload([]byte("ciphertext"), nil)
	ct, sig, err := DecodeEventPayload(payload)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), ct)
	require.Nil(t, sig)
}

func TestFileChunkAnnounce_RoundTrip(t *testing.T) {
	var tag [8]byte
	copy(tag[:], "prftag12")
	payload := EncodeFileChunkAnnounce(tag, 7, true)
	gotTag, idx, isParity, err := DecodeFileChunkAnnounce(payload)
	require.NoError(t, err)
	require.Equal(t, tag, gotTag)
	require.Equal(t, int32(7), idx)
	require.True(t, isParity)
}

func TestPresencePayload_RoundTrip(t *testing.T) {
	payload := EncodePresencePayload(123456)
	ts, err := DecodePresencePayload(payload)
	require.NoError(t, err)
	require.Equal(t, int64(123456), ts)
}
