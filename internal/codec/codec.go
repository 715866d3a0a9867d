package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// RejectKind classifies why Decode rejected an inbound record. Every kind
// here must be counted by the caller, never just logged.
type RejectKind int

const (
	RejectSignatureUnknownAuthor RejectKind = iota
	RejectSignatureInvalid
	RejectAeadTagInvalid
	RejectPayloadParseError
)

func (k RejectKind) String() string {
	switch k {
	case RejectSignatureUnknownAuthor:
		return "signature_unknown_author"
	case RejectSignatureInvalid:
		return "signature_invalid"
	case RejectAeadTagInvalid:
		return "aead_tag_invalid"
	case RejectPayloadParseError:
		return "payload_parse_error"
	default:
		return "unknown"
	}
}

// RejectedError is returned by Decode for every boundary failure; callers
// type-switch on Kind to decide which counter to bump, then always drop the
// record silently.
type RejectedError struct {
	Kind RejectKind
	Err  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("codec: rejected (%s): %v", e.Kind, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// EventID is re-declared here, rather than importing store, as the same
// 16-byte content-addressed identifier; callers convert with
// store.EventID(id).
type EventID [16]byte

// Codec wraps the community AEAD key and the local author's signing key.
// It computes event ids, and verifies inbound ciphertexts against a
// trusted-peer verification-key set.
type Codec struct {
	communityKey [32]byte
	signKey      ed25519.PrivateKey // nil when this device does not sign
}

// New creates a Codec bound to a 32-byte community AEAD key. signKey may be
// nil if this device's writes are not signed; signing is opt-in.
func New(communityKey [32]byte, signKey ed25519.PrivateKey) *Codec {
	return &Codec{communityKey: communityKey, signKey: signKey}
}

// EventIDOf computes event_id = H(ciphertext)[0..16] using BLAKE2b-256,
// truncated to 16 bytes; this width is used for every event id in the
// module.
func EventIDOf(ciphertext []byte) EventID {
	sum := blake2b.Sum256(ciphertext)
	var id EventID
	copy(id[:], sum[:16])
	return id
}

// Encode serializes payload, encrypts it under the community key with a
// fresh random nonce, optionally signs the ciphertext under the codec's
// signing key, and computes the resulting event id.
func (c *Codec) Encode(payload Payload) (id EventID, ciphertext []byte, signature []byte, err error) {
	body, err := EncodePayload(payload)
	if err != nil {
		return EventID{}, nil, nil, err
	}

	aead, err := chacha20poly1305.New(c.communityKey[:])
	if err != nil {
		return EventID{}, nil, nil, fmt.Errorf("codec: init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EventID{}, nil, nil, fmt.Errorf("codec: read nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, body, nil)
	ciphertext = append(nonce, sealed...)

	if c.signKey != nil {
		signature = ed25519.Sign(c.signKey, ciphertext)
	}

	id = EventIDOf(ciphertext)
	return id, ciphertext, signature, nil
}

// TrustedPeerKeys maps a device id to its Ed25519 verification key.
type TrustedPeerKeys map[string]ed25519.PublicKey

// Decode verifies signature (when present) against a key in trustedKeys,
// keyed by the claimed authorDeviceID, then decrypts and deserializes the
// payload. All failures are returned as *RejectedError so the caller can
// count-and-drop it.
func (c *Codec) Decode(ciphertext, signature []byte, authorDeviceID string, trustedKeys TrustedPeerKeys) (Payload, error) {
	if len(signature) > 0 {
		key, ok := trustedKeys[authorDeviceID]
		if !ok {
			return Payload{}, &RejectedError{Kind: RejectSignatureUnknownAuthor, Err: fmt.Errorf("unknown author %q", authorDeviceID)}
		}
		if !ed25519.Verify(key, ciphertext, signature) {
			return Payload{}, &RejectedError{Kind: RejectSignatureInvalid, Err: errors.New("signature verification failed")}
		}
	}

	if len(ciphertext) < chacha20poly1305.NonceSize {
		return Payload{}, &RejectedError{Kind: RejectAeadTagInvalid, Err: errors.New("ciphertext shorter than nonce")}
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	sealed := ciphertext[chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(c.communityKey[:])
	if err != nil {
		return Payload{}, fmt.Errorf("codec: init aead: %w", err)
	}

	body, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return Payload{}, &RejectedError{Kind: RejectAeadTagInvalid, Err: err}
	}

	payload, err := DecodePayload(body)
	if err != nil && !errors.Is(err, ErrUnknownPayloadKind) {
		return Payload{}, &RejectedError{Kind: RejectPayloadParseError, Err: err}
	}
	return payload, err
}
