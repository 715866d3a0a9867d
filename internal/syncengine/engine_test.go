package syncengine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-reticulum/internal/codec"
	"github.com/jabolina/go-reticulum/internal/config"
	"github.com/jabolina/go-reticulum/internal/metrics"
	"github.com/jabolina/go-reticulum/internal/simclock"
	"github.com/jabolina/go-reticulum/internal/store"
	"github.com/jabolina/go-reticulum/internal/transport/simlink"
)

func newTestEngine(t *testing.T, id string, clock *simclock.SimClock, link *simlink.Link, cfg *config.Config, communityKey [32]byte) *Engine {
	t.Helper()
	reg := metrics.NewRegistry(prometheus.NewRegistry(), id)
	c := codec.New(communityKey, nil)
	return New(id, clock, store.NewMemory(), c, link, cfg, nil, reg, codec.TrustedPeerKeys{})
}

func tickAndWait(engines ...*Engine) {
	for _, e := range engines {
		e.SyncTick()
	}
	for _, e := range engines {
		e.Wait()
	}
}

func advanceAndWait(t *testing.T, clock *simclock.SimClock, deltaMS int64, engines ...*Engine) {
	t.Helper()
	require.NoError(t, clock.Advance(deltaMS))
	for _, e := range engines {
		e.Wait()
	}
}

func messagePayload(content, author string) codec.Payload {
	return codec.Payload{Kind: codec.KindMessage, Message: &codec.Message{Content: content, Author: author}}
}

func TestEngine_DirectDeliveryNoLoss(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{}, 1, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New()

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	id, err := a.SubmitLocal(messagePayload("hi", "device-a"))
	require.NoError(t, err)

	advanceAndWait(t, clock, 100, a, b)

	count, err := b.store.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rec, err := b.store.Get(id)
	require.NoError(t, err)
	payload, err := b.codec.Decode(rec.Ciphertext, rec.Signature, rec.AuthorDeviceID, b.trustedKeys)
	require.NoError(t, err)
	require.Equal(t, "hi", payload.Message.Content)
}

func TestEngine_ReactionJoinsTargetAtRead(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{}, 1, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New()

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	msgID, err := a.SubmitLocal(messagePayload("hi", "device-a"))
	require.NoError(t, err)
	advanceAndWait(t, clock, 100, a, b)

	reactionID, err := b.SubmitLocal(codec.Payload{
		Kind: codec.KindReaction,
		Reaction: &codec.Reaction{
			TargetEventID: msgID,
			Emoji:         "heart",
			Author:        "device-b",
		},
	})
	require.NoError(t, err)
	advanceAndWait(t, clock, 100, a, b)

	for _, eng := range []*Engine{a, b} {
		count, err := eng.store.Count()
		require.NoError(t, err)
		require.Equal(t, 2, count)

		_, err = eng.store.Get(msgID)
		require.NoError(t, err)
		reactionRec, err := eng.store.Get(reactionID)
		require.NoError(t, err)
		payload, err := eng.codec.Decode(reactionRec.Ciphertext, reactionRec.Signature, reactionRec.AuthorDeviceID, eng.trustedKeys)
		require.NoError(t, err)
		require.Equal(t, msgID, store.EventID(payload.Reaction.TargetEventID))
	}
}

func TestEngine_ConvergesUnderHeavyLoss(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{PacketLossRate: 0.8}, 42, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New(config.WithSyncInterval(500), config.WithScanBatches(10, 10, 50))

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	for i := 0; i < 5; i++ {
		_, err := a.SubmitLocal(messagePayload("msg", "device-a"))
		require.NoError(t, err)
	}

	for elapsed := int64(0); elapsed < 60_000; elapsed += 500 {
		tickAndWait(a, b)
		advanceAndWait(t, clock, 500, a, b)
	}

	count, err := b.store.Count()
	require.NoError(t, err)
	require.Equal(t, 5, count, "B should have all 5 of A's events after 60s despite 80%% loss")
}

func TestEngine_OfflineBurstCatchesUpAfterReturning(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{}, 1, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New(config.WithSyncInterval(1000))

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	b.SetLocalOnline(false)

	for i := 0; i < 3; i++ {
		_, err := a.SubmitLocal(messagePayload("burst", "device-a"))
		require.NoError(t, err)
		advanceAndWait(t, clock, 3000, a, b)
	}

	count, err := b.store.Count()
	require.NoError(t, err)
	require.Equal(t, 0, count, "B offline throughout the burst should have received nothing")

	b.SetLocalOnline(true)

	for elapsed := int64(0); elapsed < 4000; elapsed += 1000 {
		tickAndWait(a, b)
		advanceAndWait(t, clock, 1000, a, b)
	}

	count, err = b.store.Count()
	require.NoError(t, err)
	require.Equal(t, 3, count, "B should have caught up on all 3 messages shortly after returning online")
}

func TestEngine_BidirectionalOrderingByCreatedAt(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{}, 1, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New()

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	require.NoError(t, clock.Advance(1))
	id1, err := a.SubmitLocal(messagePayload("msg1", "device-a"))
	require.NoError(t, err)

	require.NoError(t, clock.Advance(1))
	id2, err := b.SubmitLocal(messagePayload("msg2", "device-b"))
	require.NoError(t, err)

	require.NoError(t, clock.Advance(1))
	id3, err := a.SubmitLocal(messagePayload("msg3", "device-a"))
	require.NoError(t, err)

	advanceAndWait(t, clock, 7, a, b)

	for _, eng := range []*Engine{a, b} {
		records, err := eng.store.IterByCreatedAt()
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, id1, records[0].EventID)
		require.Equal(t, id2, records[1].EventID)
		require.Equal(t, id3, records[2].EventID)
	}
}

func TestEngine_SyncStatusReflectsKnownAndEstimatedTotal(t *testing.T) {
	var key [32]byte
	clock := simclock.NewSimClock(0)
	net := simlink.NewNetwork(clock, simlink.LinkConfig{}, 1, nil)
	linkA, linkB := net.NewLink("device-a"), net.NewLink("device-b")
	cfg := config.New()

	a := newTestEngine(t, "device-a", clock, linkA, cfg, key)
	b := newTestEngine(t, "device-b", clock, linkB, cfg, key)
	a.AddPeer("device-b")
	b.AddPeer("device-a")

	for i := 0; i < 10; i++ {
		_, err := a.SubmitLocal(messagePayload("msg", "device-a"))
		require.NoError(t, err)
	}
	advanceAndWait(t, clock, 100, a, b)

	status := b.SyncStatus()
	require.Equal(t, 10, status.KnownEvents)
	require.Equal(t, 10, status.EstimatedTotalEvents)
	require.Equal(t, 100, status.Percent)
	require.True(t, status.IsSynced)
}
