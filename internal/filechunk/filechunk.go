// Package filechunk implements file chunking and reassembly: splitting a
// file into fixed-size data chunks plus XOR-parity chunks, each riding the
// log as an ordinary FileChunk event, and reassembling a file from whichever
// chunks a device has accumulated, recovering any single missing data chunk
// per parity group. Reassembly is driven by HandleNewEvent, subscribed via
// syncengine.Engine.Subscribe. golang.org/x/crypto/blake2b, already used by
// codec for content addressing, is reused here for file_id and as a keyed
// PRF for prf_tag.
package filechunk

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/jabolina/go-reticulum/internal/codec"
	"github.com/jabolina/go-reticulum/internal/logx"
	"github.com/jabolina/go-reticulum/internal/store"
	"github.com/jabolina/go-reticulum/internal/syncengine"
)

// DefaultChunkSizeBytes and DefaultParityGroupSize are the default chunk
// geometry (500 bytes, groups of 2) used when a Chunker is created with a
// zero value for either.
const (
	DefaultChunkSizeBytes  = 500
	DefaultParityGroupSize = 2
)

// ErrFileCorrupt is fired (via OnFileCorrupt) when reassembly's final hash
// does not match the declared file_id.
var ErrFileCorrupt = fmt.Errorf("filechunk: reassembled bytes do not match file_id")

// Progress reports reassembly status against expected data chunks.
type Progress struct {
	Received int
	Total    int
	Percent  int
}

// FileReadyHandler is called once a file's data chunks are all present or
// recovered, truncated to its declared length, and hash-verified.
type FileReadyHandler func(fileID [16]byte, data []byte, ref codec.FileAttachmentRef)

// FileCorruptHandler is called when a reassembled file's hash does not
// match its declared file_id; the bad bytes are never delivered to
// FileReadyHandler, and the chunks remain in the log.
type FileCorruptHandler func(fileID [16]byte, ref codec.FileAttachmentRef)

type parityEntry struct {
	covers []int32
	bytes  []byte
}

type inFlight struct {
	ref          codec.FileAttachmentRef
	dataChunks   map[int32][]byte
	parityChunks map[int32]parityEntry
}

// Chunker splits files into chunk events on upload and reassembles them from
// chunk events observed on download. One Chunker can serve many in-flight
// files concurrently; it holds no reference to any single device's store,
// only to whichever syncengine.Engine is handed to Upload.
type Chunker struct {
	chunkSizeBytes  int
	parityGroupSize int
	log             logx.Logger

	mu        sync.Mutex
	inFlight  map[[16]byte]*inFlight
	onReady   []FileReadyHandler
	onCorrupt []FileCorruptHandler
}

// New creates a Chunker with the given chunk size and parity group size.
// Zero values fall back to DefaultChunkSizeBytes/DefaultParityGroupSize.
func New(chunkSizeBytes, parityGroupSize int, log logx.Logger) *Chunker {
	if chunkSizeBytes <= 0 {
		chunkSizeBytes = DefaultChunkSizeBytes
	}
	if parityGroupSize <= 0 {
		parityGroupSize = DefaultParityGroupSize
	}
	if log == nil {
		log = logx.Nop()
	}
	return &Chunker{
		chunkSizeBytes:  chunkSizeBytes,
		parityGroupSize: parityGroupSize,
		log:             log,
		inFlight:        make(map[[16]byte]*inFlight),
	}
}

// OnFileReady registers a handler invoked for every successfully reassembled
// file.
func (c *Chunker) OnFileReady(h FileReadyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = append(c.onReady, h)
}

// OnFileCorrupt registers a handler invoked when a reassembled file fails
// its final hash check.
func (c *Chunker) OnFileCorrupt(h FileCorruptHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCorrupt = append(c.onCorrupt, h)
}

// prfTag derives chunk_index's pseudo-random label from fileKey, a keyed
// BLAKE2b hash truncated to 8 bytes. This associates a chunk with its file
// without embedding file_id in the chunk event's plaintext.
func prfTag(fileKey [32]byte, chunkIndex int32) [8]byte {
	h, err := blake2b.New(8, fileKey[:])
	if err != nil {
		// blake2b.New only errors for an out-of-range key or size; both are
		// fixed constants here, so this path is unreachable in practice.
		panic(fmt.Sprintf("filechunk: blake2b keyed hash: %v", err))
	}
	var idxBytes [4]byte
	idxBytes[0] = byte(chunkIndex)
	idxBytes[1] = byte(chunkIndex >> 8)
	idxBytes[2] = byte(chunkIndex >> 16)
	idxBytes[3] = byte(chunkIndex >> 24)
	h.Write(idxBytes[:])
	var out [8]byte
	copy(out[:], h.Sum(nil))
	return out
}

// fileIDOf hashes the original (unpadded) file bytes, truncated to 16 bytes.
func fileIDOf(content []byte) [16]byte {
	sum := blake2b.Sum256(content)
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

func xorBytes(dst, src []byte) []byte {
	out := make([]byte, len(dst))
	copy(out, dst)
	for i := range src {
		if i < len(out) {
			out[i] ^= src[i]
		}
	}
	return out
}

// Upload splits content into fixed-size data chunks and XOR-parity chunks
// over groups of the chunker's parity group size, submits each as a
// FileChunk event via engine, and returns the FileAttachmentRef to embed in
// the parent Message.
func (c *Chunker) Upload(engine *syncengine.Engine, content []byte, mimeType, fileName string) (codec.FileAttachmentRef, error) {
	var fileKey [32]byte
	if _, err := rand.Read(fileKey[:]); err != nil {
		return codec.FileAttachmentRef{}, fmt.Errorf("filechunk: generate file key: %w", err)
	}

	dataChunkCount := (len(content) + c.chunkSizeBytes - 1) / c.chunkSizeBytes
	if dataChunkCount == 0 {
		dataChunkCount = 1 // an empty file is still one (empty) data chunk
	}
	dataChunks := make([][]byte, dataChunkCount)
	for i := 0; i < dataChunkCount; i++ {
		start := i * c.chunkSizeBytes
		end := start + c.chunkSizeBytes
		if end > len(content) {
			end = len(content)
		}
		chunk := make([]byte, c.chunkSizeBytes)
		copy(chunk, content[start:end])
		dataChunks[i] = chunk
	}

	var parityIndex int32
	nextChunkIndex := int32(dataChunkCount)
	for i := 0; i < dataChunkCount; i += c.parityGroupSize {
		group := dataChunks[i:min(i+c.parityGroupSize, dataChunkCount)]
		if len(group) < 2 {
			// A trailing single-chunk "group" has no partner to XOR against
			// and is left unprotected.
			continue
		}
		parity := make([]byte, c.chunkSizeBytes)
		covers := make([]int32, 0, len(group))
		for j, chunk := range group {
			parity = xorBytes(parity, chunk)
			covers = append(covers, int32(i+j))
		}
		chunkIndex := nextChunkIndex
		nextChunkIndex++
		parityIndex++

		payload := codec.Payload{Kind: codec.KindFileChunk, FileChunk: &codec.FileChunk{
			PRFTag:     prfTag(fileKey, chunkIndex),
			ChunkIndex: chunkIndex,
			IsParity:   true,
			Covers:     covers,
			ChunkBytes: parity,
		}}
		if _, err := engine.SubmitLocal(payload); err != nil {
			return codec.FileAttachmentRef{}, fmt.Errorf("filechunk: submit parity chunk %d: %w", chunkIndex, err)
		}
	}
	totalParityChunks := parityIndex

	for i, chunk := range dataChunks {
		payload := codec.Payload{Kind: codec.KindFileChunk, FileChunk: &codec.FileChunk{
			PRFTag:     prfTag(fileKey, int32(i)),
			ChunkIndex: int32(i),
			IsParity:   false,
			ChunkBytes: chunk,
		}}
		if _, err := engine.SubmitLocal(payload); err != nil {
			return codec.FileAttachmentRef{}, fmt.Errorf("filechunk: submit data chunk %d: %w", i, err)
		}
	}

	return codec.FileAttachmentRef{
		FileID:            fileIDOf(content),
		FileKey:           fileKey,
		ChunkCount:        int32(dataChunkCount),
		MimeType:          mimeType,
		FileName:          fileName,
		TotalParityChunks: totalParityChunks,
		DeclaredLength:    int64(len(content)),
	}, nil
}

// HandleNewEvent is a syncengine.NewEventHandler: wire it via
// engine.Subscribe(chunker.HandleNewEvent) on the receiving device so the
// Chunker learns about incoming attachment refs and chunk bytes.
func (c *Chunker) HandleNewEvent(_ store.EventID, payload codec.Payload) {
	switch payload.Kind {
	case codec.KindMessage:
		if payload.Message == nil {
			return
		}
		for _, ref := range payload.Message.Attachments {
			c.registerExpected(ref)
		}
	case codec.KindFileChunk:
		if payload.FileChunk == nil {
			return
		}
		c.ingestChunk(payload.FileChunk)
	}
}

func (c *Chunker) registerExpected(ref codec.FileAttachmentRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.inFlight[ref.FileID]; exists {
		return
	}
	c.inFlight[ref.FileID] = &inFlight{
		ref:          ref,
		dataChunks:   make(map[int32][]byte),
		parityChunks: make(map[int32]parityEntry),
	}
}

func (c *Chunker) ingestChunk(fc *codec.FileChunk) {
	c.mu.Lock()
	var target *inFlight
	for _, f := range c.inFlight {
		if prfTag(f.ref.FileKey, fc.ChunkIndex) == fc.PRFTag {
			target = f
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return
	}
	if fc.IsParity {
		target.parityChunks[fc.ChunkIndex] = parityEntry{covers: fc.Covers, bytes: fc.ChunkBytes}
	} else {
		target.dataChunks[fc.ChunkIndex] = fc.ChunkBytes
	}
	ref := target.ref
	c.mu.Unlock()

	c.tryReassemble(ref.FileID)
}

// coverage walks f's data/parity chunks and returns, for every expected data
// index, the directly-received or parity-recovered bytes when available.
func coverage(f *inFlight) (recovered map[int32][]byte, total int) {
	total = int(f.ref.ChunkCount)
	recovered = make(map[int32][]byte, total)
	for idx, b := range f.dataChunks {
		recovered[idx] = b
	}
	for idx := int32(0); idx < int32(total); idx++ {
		if _, ok := recovered[idx]; ok {
			continue
		}
		for _, p := range f.parityChunks {
			if !containsIndex(p.covers, idx) {
				continue
			}
			xorAcc := append([]byte(nil), p.bytes...)
			allOthersPresent := true
			for _, covIdx := range p.covers {
				if covIdx == idx {
					continue
				}
				other, ok := f.dataChunks[covIdx]
				if !ok {
					allOthersPresent = false
					break
				}
				xorAcc = xorBytes(xorAcc, other)
			}
			if allOthersPresent {
				recovered[idx] = xorAcc
				break
			}
		}
	}
	return recovered, total
}

func containsIndex(covers []int32, idx int32) bool {
	for _, c := range covers {
		if c == idx {
			return true
		}
	}
	return false
}

// Progress reports fileID's reassembly progress against expected data
// chunks. The second return is false if fileID is not (or no longer) in
// flight.
func (c *Chunker) Progress(fileID [16]byte) (Progress, bool) {
	c.mu.Lock()
	f, ok := c.inFlight[fileID]
	c.mu.Unlock()
	if !ok {
		return Progress{}, false
	}

	recovered, total := coverage(f)
	percent := 0
	if total > 0 {
		percent = (100*len(recovered) + total/2) / total
	}
	return Progress{Received: len(recovered), Total: total, Percent: percent}, true
}

func (c *Chunker) tryReassemble(fileID [16]byte) {
	c.mu.Lock()
	f, ok := c.inFlight[fileID]
	c.mu.Unlock()
	if !ok {
		return
	}

	recovered, total := coverage(f)
	if len(recovered) < total {
		return // FileIncomplete: not yet an error, just a status.
	}

	buf := make([]byte, 0, total*c.chunkSizeBytes)
	for idx := int32(0); idx < int32(total); idx++ {
		buf = append(buf, recovered[idx]...)
	}
	if f.ref.DeclaredLength >= 0 && int(f.ref.DeclaredLength) <= len(buf) {
		buf = buf[:f.ref.DeclaredLength]
	}

	gotID := fileIDOf(buf)
	if gotID != f.ref.FileID {
		c.log.Warnf("filechunk: reassembled file %x failed hash check", f.ref.FileID)
		c.mu.Lock()
		handlers := append([]FileCorruptHandler(nil), c.onCorrupt...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(f.ref.FileID, f.ref)
		}
		return
	}

	c.mu.Lock()
	handlers := append([]FileReadyHandler(nil), c.onReady...)
	delete(c.inFlight, fileID)
	c.mu.Unlock()
	for _, h := range handlers {
		h(f.ref.FileID, buf, f.ref)
	}
}
