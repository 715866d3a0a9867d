package filechunk

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-reticulum/internal/codec"
	"github.com/jabolina/go-reticulum/internal/config"
	"github.com/jabolina/go-reticulum/internal/metrics"
	"github.com/jabolina/go-reticulum/internal/simclock"
	"github.com/jabolina/go-reticulum/internal/store"
	"github.com/jabolina/go-reticulum/internal/syncengine"
	"github.com/jabolina/go-reticulum/internal/transport/simlink"
)

func newTestEngine(t *testing.T, id string, clock *simclock.SimClock, link *simlink.Link, cfg *config.Config, communityKey [32]byte) *syncengine.Engine {
	t.Helper()
	reg := metrics.NewRegistry(prometheus.NewRegistry(), id)
	c := codec.New(communityKey, nil)
	return syncengine.New(id, clock, store.NewMemory(), c, link, cfg, nil, reg, codec.TrustedPeerKeys{})
}

func advanceAndWait(t *testing.T, clock *simclock.SimClock, deltaMS int64, engines ...*syncengine.Engine) {
	t.Helper()
	require.NoError(t, clock.Advance(deltaMS))
	for _, e := range engines {
		e.Wait()
	}
}

// TestChunker_UploadDownloadRoundTripNoLoss exercises an ordinary upload
// from device A and full reassembly on device B with no packet loss.
func TestChunker_UploadDownloadRoundTripNoLoss(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{}, 1, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New()

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	uploader := New(500, 2, nil)
	downloader := New(500, 2, nil)
	b.Subscribe(downloader.HandleNewEvent)
	bReady := make(chan []byte, 1)
	downloader.OnFileReady(func(_ [16]byte, data []byte, _ codec.FileAttachmentRef) {
		bReady <- data
	})

	content := make([]byte, 1200)
	for i := range content {
		content[i] = byte(i % 251)
	}
	ref, err := uploader.Upload(a, content, "application/octet-stream", "blob.bin")
	require.NoError(t, err)

	msgID, err := a.SubmitLocal(codec.Payload{Kind: codec.KindMessage, Message: &codec.Message{
		Content:     "here's a file",
		Author:      "device-a",
		Attachments: []codec.FileAttachmentRef{ref},
	}})
	require.NoError(t, err)
	_ = msgID

	advanceAndWait(t, clock, 100, a, b)

	select {
	case got := <-bReady:
		require.Equal(t, content, got)
	default:
		t.Fatal("file was not reassembled")
	}
}

// TestChunker_RecoversDroppedDataChunkViaParity: a 1500-byte file splits
// into 3 data chunks (500 bytes each) with one parity chunk covering chunks
// 0-1; dropping chunk 0 must still let the receiver reconstruct it by
// XORing the parity chunk against chunk 1.
func TestChunker_RecoversDroppedDataChunkViaParity(t *testing.T) {
	content := make([]byte, 1500)
	for i := range content {
		content[i] = byte(i % 256)
	}

	var fileKey [32]byte
	copy(fileKey[:], "0123456789abcdef0123456789abcdef")
	fileID := fileIDOf(content)

	chunk0 := content[0:500]
	chunk1 := content[500:1000]
	chunk2 := content[1000:1500]
	parity01 := xorBytes(append([]byte(nil), chunk0...), chunk1)

	ref := codec.FileAttachmentRef{
		FileID:            fileID,
		FileKey:           fileKey,
		ChunkCount:        3,
		MimeType:          "application/octet-stream",
		FileName:          "scenario6.bin",
		TotalParityChunks: 1,
		DeclaredLength:    int64(len(content)),
	}

	downloader := New(500, 2, nil)
	var ready []byte
	downloader.OnFileReady(func(_ [16]byte, data []byte, _ codec.FileAttachmentRef) {
		ready = data
	})
	corrupted := false
	downloader.OnFileCorrupt(func(_ [16]byte, _ codec.FileAttachmentRef) { corrupted = true })

	downloader.HandleNewEvent(store.EventID{}, codec.Payload{Kind: codec.KindMessage, Message: &codec.Message{
		Content:     "file",
		Author:      "device-a",
		Attachments: []codec.FileAttachmentRef{ref},
	}})

	// Chunk 0 is dropped in transit; only chunk 1, chunk 2, and the parity
	// chunk covering {0,1} arrive.
	downloader.HandleNewEvent(store.EventID{}, codec.Payload{Kind: codec.KindFileChunk, FileChunk: &codec.FileChunk{
		PRFTag:     prfTag(fileKey, 1),
		ChunkIndex: 1,
		ChunkBytes: chunk1,
	}})
	progress, ok := downloader.Progress(fileID)
	require.True(t, ok)
	require.Equal(t, 1, progress.Received)
	require.Equal(t, 3, progress.Total)

	downloader.HandleNewEvent(store.EventID{}, codec.Payload{Kind: codec.KindFileChunk, FileChunk: &codec.FileChunk{
		PRFTag:     prfTag(fileKey, 2),
		ChunkIndex: 2,
		ChunkBytes: chunk2,
	}})
	require.Nil(t, ready)

	downloader.HandleNewEvent(store.EventID{}, codec.Payload{Kind: codec.KindFileChunk, FileChunk: &codec.FileChunk{
		PRFTag:     prfTag(fileKey, 3),
		ChunkIndex: 3,
		IsParity:   true,
		Covers:     []int32{0, 1},
		ChunkBytes: parity01,
	}})

	require.False(t, corrupted)
	require.NotNil(t, ready)
	require.Equal(t, content, ready)
}

func TestChunker_CorruptReassemblyFiresCorruptHandler(t *testing.T) {
	content := make([]byte, 500)
	for i := range content {
		content[i] = byte(i)
	}
	var fileKey [32]byte
	copy(fileKey[:], "abcdefghijklmnopqrstuvwxyz012345")

	ref := codec.FileAttachmentRef{
		FileID:         fileIDOf(content),
		FileKey:        fileKey,
		ChunkCount:     1,
		DeclaredLength: int64(len(content)),
	}

	downloader := New(500, 2, nil)
	var corruptFired bool
	downloader.OnFileCorrupt(func(_ [16]byte, _ codec.FileAttachmentRef) { corruptFired = true })
	downloader.OnFileReady(func(_ [16]byte, _ []byte, _ codec.FileAttachmentRef) {
		t.Fatal("tampered chunk must not be reported ready")
	})

	downloader.HandleNewEvent(store.EventID{}, codec.Payload{Kind: codec.KindMessage, Message: &codec.Message{
		Attachments: []codec.FileAttachmentRef{ref},
	}})

	tampered := append([]byte(nil), content...)
	tampered[0] ^= 0xFF
	downloader.HandleNewEvent(store.EventID{}, codec.Payload{Kind: codec.KindFileChunk, FileChunk: &codec.FileChunk{
		PRFTag:     prfTag(fileKey, 0),
		ChunkIndex: 0,
		ChunkBytes: tampered,
	}})

	require.True(t, corruptFired)
}
