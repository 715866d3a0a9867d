// Package codec implements the event codec: the sum-typed event payload, its
// serialization, and the AEAD + signature wrapping applied before an event
// leaves a device.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadKind is the discriminator byte preceding every serialized payload
// body.
type PayloadKind byte

const (
	KindMessage  PayloadKind = 1
	KindReaction PayloadKind = 2
	KindFileChunk PayloadKind = 3
)

// ErrUnknownPayloadKind is returned by DecodePayload for a discriminator this
// build does not recognize. Unknown variants must still be stored and
// skipped by readers, never dropped from the log: Codec.Decode returns this
// error (not a RejectedError) after the AEAD tag and signature have passed,
// and the sync engine's accept path still stores such a record.
var ErrUnknownPayloadKind = errors.New("codec: unknown payload kind")

// FileAttachmentRef lives inside a Message payload; the chunk bytes
// themselves live in separately stored FileChunk events.
type FileAttachmentRef struct {
	FileID           [16]byte
	FileKey          [32]byte
	ChunkCount       int32
	MimeType         string
	FileName         string
	TotalParityChunks int32
	// DeclaredLength is the original byte length before chunk padding, used
	// to truncate reassembled chunks back to the exact file length; without
	// it, truncation would have to be recomputed from chunk_count *
	// chunk_size_bytes, which is wrong whenever the file length isn't an
	// exact multiple of the chunk size.
	DeclaredLength int64
}

// Message is the chat-message payload variant.
type Message struct {
	Content     string
	Author      string
	Timestamp   int64
	Attachments []FileAttachmentRef
}

// Reaction is the reaction payload variant, joined to its target at read
// time by TargetEventID.
type Reaction struct {
	TargetEventID [16]byte
	Emoji         string
	Author        string
	Timestamp     int64
	Remove        bool
}

// FileChunk is a fragment of a file payload, riding the same log as chat
// events.
type FileChunk struct {
	PRFTag     [8]byte
	ChunkIndex int32
	IsParity   bool
	Covers     []int32
	ChunkBytes []byte
	Timestamp  int64
}

// Payload is the tagged union of every event variant this module emits.
// Exactly one of the fields is populated, selected by Kind.
type Payload struct {
	Kind     PayloadKind
	Message  *Message
	Reaction *Reaction
	FileChunk *FileChunk
}

type wireMessage struct {
	Content     string              `json:"content"`
	Author      string              `json:"author"`
	Timestamp   int64               `json:"timestamp"`
	Attachments []wireAttachmentRef `json:"attachments,omitempty"`
}

type wireAttachmentRef struct {
	FileID            string `json:"file_id"`
	FileKey           string `json:"file_key"`
	ChunkCount        int32  `json:"chunk_count"`
	MimeType          string `json:"mime_type"`
	FileName          string `json:"file_name,omitempty"`
	TotalParityChunks int32  `json:"total_parity_chunks"`
	DeclaredLength    int64  `json:"declared_length"`
}

type wireReaction struct {
	TargetEventID string `json:"target_event_id"`
	Emoji         string `json:"emoji"`
	Author        string `json:"author"`
	Timestamp     int64  `json:"timestamp"`
	Remove        bool   `json:"remove"`
}

type wireFileChunk struct {
	PRFTag     string  `json:"prf_tag"`
	ChunkIndex int32   `json:"chunk_index"`
	IsParity   bool    `json:"is_parity"`
	Covers     []int32 `json:"covers,omitempty"`
	ChunkBytes []byte  `json:"chunk_bytes"`
	Timestamp  int64   `json:"timestamp"`
}

// EncodePayload serializes a Payload as [kind:1][json body].
//
// JSON is used for the body rather than a hand-rolled binary layout; a fixed
// binary layout is reserved for the outer wire framing (wire.Encode), which
// must fit inside a hard MTU budget.
func EncodePayload(p Payload) ([]byte, error) {
	var body []byte
	var err error
	switch p.Kind {
	case KindMessage:
		if p.Message == nil {
			return nil, fmt.Errorf("codec: KindMessage with nil Message")
		}
		wm := wireMessage{Content: p.Message.Content, Author: p.Message.Author, Timestamp: p.Message.Timestamp}
		for _, a := range p.Message.Attachments {
			wm.Attachments = append(wm.Attachments, wireAttachmentRef{
				FileID:            hexEncode(a.FileID[:]),
				FileKey:           hexEncode(a.FileKey[:]),
				ChunkCount:        a.ChunkCount,
				MimeType:          a.MimeType,
				FileName:          a.FileName,
				TotalParityChunks: a.TotalParityChunks,
				DeclaredLength:    a.DeclaredLength,
			})
		}
		body, err = json.Marshal(wm)
	case KindReaction:
		if p.Reaction == nil {
			return nil, fmt.Errorf("codec: KindReaction with nil Reaction")
		}
		wr := wireReaction{
			TargetEventID: hexEncode(p.Reaction.TargetEventID[:]),
			Emoji:         p.Reaction.Emoji,
			Author:        p.Reaction.Author,
			Timestamp:     p.Reaction.Timestamp,
			Remove:        p.Reaction.Remove,
		}
		body, err = json.Marshal(wr)
	case KindFileChunk:
		if p.FileChunk == nil {
			return nil, fmt.Errorf("codec: KindFileChunk with nil FileChunk")
		}
		wf := wireFileChunk{
			PRFTag:     hexEncode(p.FileChunk.PRFTag[:]),
			ChunkIndex: p.FileChunk.ChunkIndex,
			IsParity:   p.FileChunk.IsParity,
			Covers:     p.FileChunk.Covers,
			ChunkBytes: p.FileChunk.ChunkBytes,
			Timestamp:  p.FileChunk.Timestamp,
		}
		body, err = json.Marshal(wf)
	default:
		return nil, ErrUnknownPayloadKind
	}
	if err != nil {
		return nil, fmt.Errorf("codec: marshal payload: %w", err)
	}

	out := make([]byte, 1+len(body))
	out[0] = byte(p.Kind)
	copy(out[1:], body)
	return out, nil
}

// ErrPayloadParse is returned by DecodePayload on any malformed body.
var ErrPayloadParse = errors.New("codec: payload parse error")

// DecodePayload parses a serialized payload produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	if len(raw) < 1 {
		return Payload{}, ErrPayloadParse
	}
	kind := PayloadKind(raw[0])
	body := raw[1:]

	switch kind {
	case KindMessage:
		var wm wireMessage
		if err := json.Unmarshal(body, &wm); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
		}
		m := &Message{Content: wm.Content, Author: wm.Author, Timestamp: wm.Timestamp}
		for _, wa := range wm.Attachments {
			var ref FileAttachmentRef
			if err := hexDecodeInto(ref.FileID[:], wa.FileID); err != nil {
				return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
			}
			if err := hexDecodeInto(ref.FileKey[:], wa.FileKey); err != nil {
				return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
			}
			ref.ChunkCount = wa.ChunkCount
			ref.MimeType = wa.MimeType
			ref.FileName = wa.FileName
			ref.TotalParityChunks = wa.TotalParityChunks
			ref.DeclaredLength = wa.DeclaredLength
			m.Attachments = append(m.Attachments, ref)
		}
		return Payload{Kind: KindMessage, Message: m}, nil
	case KindReaction:
		var wr wireReaction
		if err := json.Unmarshal(body, &wr); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
		}
		r := &Reaction{Emoji: wr.Emoji, Author: wr.Author, Timestamp: wr.Timestamp, Remove: wr.Remove}
		if err := hexDecodeInto(r.TargetEventID[:], wr.TargetEventID); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
		}
		return Payload{Kind: KindReaction, Reaction: r}, nil
	case KindFileChunk:
		var wf wireFileChunk
		if err := json.Unmarshal(body, &wf); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
		}
		fc := &FileChunk{
			ChunkIndex: wf.ChunkIndex,
			IsParity:   wf.IsParity,
			Covers:     wf.Covers,
			ChunkBytes: wf.ChunkBytes,
			Timestamp:  wf.Timestamp,
		}
		if err := hexDecodeInto(fc.PRFTag[:], wf.PRFTag); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrPayloadParse, err)
		}
		return Payload{Kind: KindFileChunk, FileChunk: fc}, nil
	default:
		// Unknown variants are preserved, not rejected, at the store layer;
		// a decoder asked to interpret one reports it.
		return Payload{Kind: kind}, ErrUnknownPayloadKind
	}
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

func hexDecodeInto(dst []byte, s string) error {
	if len(s) != len(dst)*2 {
		return fmt.Errorf("codec: hex length mismatch")
	}
	decoded := make([]byte, len(dst))
	for i := 0; i < len(dst); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return err
		}
		decoded[i] = hi<<4 | lo
	}
	copy(dst, decoded)
	return nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("codec: invalid hex digit %q", c)
	}
}
