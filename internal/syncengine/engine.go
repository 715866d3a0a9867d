// Package syncengine implements the per-device synchronization state
// machine: it reacts to local writes, sync timer ticks, and inbound
// datagrams, wiring together an event store, codec, Bloom filter/scan queue,
// and datagram transport. Every sync tick and inbound datagram is handled on
// its own goroutine via internal/taskrunner. The engine's in-memory state
// (filters, scan queue, peer tables) is read and written under a single
// mutex, and store writes rely on the store's own locking; whole tasks are
// not serialized, so two ticks or handlers can interleave between steps.
package syncengine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/jabolina/go-reticulum/internal/bloom"
	"github.com/jabolina/go-reticulum/internal/codec"
	"github.com/jabolina/go-reticulum/internal/config"
	"github.com/jabolina/go-reticulum/internal/logx"
	"github.com/jabolina/go-reticulum/internal/metrics"
	"github.com/jabolina/go-reticulum/internal/simclock"
	"github.com/jabolina/go-reticulum/internal/store"
	"github.com/jabolina/go-reticulum/internal/taskrunner"
	"github.com/jabolina/go-reticulum/internal/transport"
	"github.com/jabolina/go-reticulum/internal/wire"
)

// NewEventHandler is invoked for every event accepted from a peer (never for
// the local device's own submissions).
type NewEventHandler func(id store.EventID, payload codec.Payload)

type peerKnowledge struct {
	filter     *bloom.Filter
	receivedAt int64
}

// SyncStatus is a point-in-time snapshot of how caught-up this device is
// relative to its peers, returned by Engine.SyncStatus.
type SyncStatus struct {
	KnownEvents          int
	EstimatedTotalEvents int
	Percent              int
	IsSynced             bool
}

// Engine is one device's SyncEngine. Construct with New, then drive it with
// SubmitLocal, SyncTick, and inbound datagrams arriving through the Link
// passed at construction.
type Engine struct {
	deviceID      string
	deviceIDBytes [wire.DeviceIDSize]byte
	clock         simclock.Clock
	store         store.Store
	codec         *codec.Codec
	link          transport.Link
	cfg           *config.Config
	log           logx.Logger
	metrics       *metrics.Registry
	runner        *taskrunner.Runner
	trustedKeys   codec.TrustedPeerKeys

	mu               sync.Mutex
	localFilter      *bloom.Cumulative
	scanQueue        *bloom.Queue
	lastRefreshCount int
	peerFilters      map[string]peerKnowledge
	lastSyncTime     map[string]int64
	presence         map[string]int64
	peers            map[string]struct{}
	onlineSelf       bool
	maxEventCountSeen uint32
	subscribers      []NewEventHandler
}

// New creates an Engine for deviceID. trustedKeys may be nil/empty when
// signed transport is not in use. link.Subscribe is wired to the engine's
// datagram dispatch immediately.
func New(
	deviceID string,
	clock simclock.Clock,
	st store.Store,
	cdc *codec.Codec,
	link transport.Link,
	cfg *config.Config,
	log logx.Logger,
	metricsRegistry *metrics.Registry,
	trustedKeys codec.TrustedPeerKeys,
) *Engine {
	if log == nil {
		log = logx.Nop()
	}
	e := &Engine{
		deviceID:      deviceID,
		deviceIDBytes: deriveDeviceIDBytes(deviceID),
		clock:         clock,
		store:         st,
		codec:         cdc,
		link:          link,
		cfg:           cfg,
		log:           log,
		metrics:       metricsRegistry,
		runner:        taskrunner.New(),
		trustedKeys:   trustedKeys,
		localFilter:   bloom.NewCumulative(cfg.BloomTargetItems, cfg.BloomTargetFPR),
		scanQueue: bloom.NewQueue(bloom.Params{
			RecencyWindowMS: cfg.RecencyWindowMS,
			RecentBatch:     cfg.RecentBatch,
			OlderBatch:      cfg.OlderBatch,
			MaxPerRound:     cfg.MaxPerRound,
		}),
		peerFilters:  make(map[string]peerKnowledge),
		lastSyncTime: make(map[string]int64),
		presence:     make(map[string]int64),
		peers:        make(map[string]struct{}),
		onlineSelf:   true,
	}
	link.Subscribe(e.dispatchDatagram)
	return e
}

// deriveDeviceIDBytes maps an arbitrary device id string onto the 16-byte
// source_device_id field the wire framing fixes, the same truncated-hash
// approach codec.EventIDOf uses for content addressing.
func deriveDeviceIDBytes(deviceID string) [wire.DeviceIDSize]byte {
	sum := blake2b.Sum256([]byte(deviceID))
	var out [wire.DeviceIDSize]byte
	copy(out[:], sum[:wire.DeviceIDSize])
	return out
}

// AddPeer registers peerID as a device this engine exchanges BloomDatagrams
// with on its sync timer. The transport layer's own peer table (e.g.
// udplink's device_id -> host:port map) is configured separately.
func (e *Engine) AddPeer(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[peerID] = struct{}{}
}

// Subscribe registers handler to be called for every event accepted from a
// peer.
func (e *Engine) Subscribe(handler NewEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, handler)
}

// SetLocalOnline gates this device's outbound sends and inbound delivery at
// the transport layer.
func (e *Engine) SetLocalOnline(online bool) {
	e.mu.Lock()
	e.onlineSelf = online
	e.mu.Unlock()
	e.link.SetLocalOnline(online)
}

// Wait blocks until every spawned sync_tick/datagram task has returned.
func (e *Engine) Wait() {
	e.runner.Wait()
}

func createdAtOf(p codec.Payload) int64 {
	switch p.Kind {
	case codec.KindMessage:
		if p.Message != nil {
			return p.Message.Timestamp
		}
	case codec.KindReaction:
		if p.Reaction != nil {
			return p.Reaction.Timestamp
		}
	case codec.KindFileChunk:
		if p.FileChunk != nil {
			return p.FileChunk.Timestamp
		}
	}
	return 0
}

func stampTimestamp(p *codec.Payload, now int64) {
	switch p.Kind {
	case codec.KindMessage:
		if p.Message != nil {
			p.Message.Timestamp = now
		}
	case codec.KindReaction:
		if p.Reaction != nil {
			p.Reaction.Timestamp = now
		}
	case codec.KindFileChunk:
		if p.FileChunk != nil {
			p.FileChunk.Timestamp = now
		}
	}
}

// SubmitLocal encodes, signs and stores payload as a new event authored by
// this device, then (if online) broadcasts it as a MessageDatagram. This
// direct-broadcast-on-write path runs alongside the independent Bloom-sync
// path, not instead of it, so a peer that misses the broadcast still
// catches up on the next sync tick.
func (e *Engine) SubmitLocal(payload codec.Payload) (store.EventID, error) {
	now := e.clock.Now()
	stampTimestamp(&payload, now)

	id, ciphertext, signature, err := e.codec.Encode(payload)
	if err != nil {
		return store.EventID{}, fmt.Errorf("syncengine: encode: %w", err)
	}
	storeID := store.EventID(id)

	record := store.Record{
		EventID:        storeID,
		AuthorDeviceID: e.deviceID,
		CreatedAt:      createdAtOf(payload),
		ReceivedAt:     now,
		Ciphertext:     ciphertext,
		Signature:      signature,
	}

	result, err := e.store.Insert(record, func(ct []byte) store.EventID {
		return store.EventID(codec.EventIDOf(ct))
	})
	if err != nil {
		return store.EventID{}, fmt.Errorf("syncengine: store insert: %w", err)
	}

	e.mu.Lock()
	if result == store.Inserted {
		e.localFilter.Add(bloom.EventID(id))
	}
	online := e.onlineSelf
	e.mu.Unlock()

	if result == store.Inserted && online {
		datagram := wire.Encode(wire.TypeEvent, e.deviceIDBytes, wire.EncodeEventPayload(ciphertext, signature))
		if err := e.link.Broadcast(datagram); err != nil {
			e.log.Warnf("syncengine: broadcast failed for %x: %v", storeID, err)
			if e.metrics != nil {
				e.metrics.LinkSendFailures.Inc()
			}
		} else if e.metrics != nil {
			e.metrics.EventsSent.Inc()
		}
	}

	return storeID, nil
}

// dispatchDatagram is the transport.Handler bound at construction; it spawns
// one task per inbound datagram.
func (e *Engine) dispatchDatagram(fromDeviceID string, raw []byte) {
	e.runner.Spawn(func() {
		e.handleDatagram(fromDeviceID, raw)
	})
}

func (e *Engine) handleDatagram(fromDeviceID string, raw []byte) {
	frame, err := wire.Decode(raw)
	if err != nil {
		e.log.Debugf("syncengine: dropping undecodable frame from %s: %v", fromDeviceID, err)
		return
	}

	switch frame.Type {
	case wire.TypeEvent:
		e.handleMessageDatagram(fromDeviceID, frame)
	case wire.TypeBloom:
		e.handleBloomDatagram(fromDeviceID, frame)
	case wire.TypePresence:
		e.handlePresenceDatagram(fromDeviceID, frame)
	case wire.TypeFileChunkAnnounce:
		// An optional optimization; not required for correctness, so
		// there is nothing to act on here yet.
		e.log.Debugf("syncengine: ignoring file chunk announce from %s", fromDeviceID)
	}
}

func (e *Engine) handleMessageDatagram(fromDeviceID string, frame wire.Frame) {
	ciphertext, signature, err := wire.DecodeEventPayload(frame.Payload)
	if err != nil {
		e.countReject("frame_truncated")
		return
	}

	id := codec.EventIDOf(ciphertext)
	storeID := store.EventID(id)

	if exists, _ := e.store.Contains(storeID); exists {
		if e.metrics != nil {
			e.metrics.Duplicates.Inc()
		}
		return
	}

	authorDeviceID := hex.EncodeToString(frame.SourceID[:])
	for id := range e.trustedKeys {
		if deriveDeviceIDBytes(id) == frame.SourceID {
			authorDeviceID = id
			break
		}
	}
	payload, err := e.codec.Decode(ciphertext, signature, authorDeviceID, e.trustedKeys)
	if err != nil && !errors.Is(err, codec.ErrUnknownPayloadKind) {
		kind := "unknown"
		var rej *codec.RejectedError
		if asRejected(err, &rej) {
			kind = rej.Kind.String()
		}
		e.countReject(kind)
		return
	}
	// An ErrUnknownPayloadKind variant is still a validly decrypted,
	// signature-checked record, so it stays in the store for future readers
	// even though this build cannot interpret its body.

	now := e.clock.Now()
	record := store.Record{
		EventID:        storeID,
		AuthorDeviceID: authorDeviceID,
		CreatedAt:      createdAtOf(payload),
		ReceivedAt:     now,
		Ciphertext:     ciphertext,
		Signature:      signature,
	}

	result, err := e.store.Insert(record, func(ct []byte) store.EventID {
		return store.EventID(codec.EventIDOf(ct))
	})
	if err != nil {
		e.log.Warnf("syncengine: corrupt event id from %s: %v", fromDeviceID, err)
		return
	}
	if result == store.Duplicate {
		if e.metrics != nil {
			e.metrics.Duplicates.Inc()
		}
		return
	}

	e.mu.Lock()
	e.localFilter.Add(bloom.EventID(id))
	subs := append([]NewEventHandler(nil), e.subscribers...)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.EventsReceived.Inc()
	}
	for _, sub := range subs {
		sub(storeID, payload)
	}
}

func asRejected(err error, out **codec.RejectedError) bool {
	rej, ok := err.(*codec.RejectedError)
	if ok {
		*out = rej
	}
	return ok
}

func (e *Engine) countReject(kind string) {
	if e.metrics != nil {
		e.metrics.Rejects.WithLabelValues(kind).Inc()
	}
}

func (e *Engine) handleBloomDatagram(fromDeviceID string, frame wire.Frame) {
	eventCount, bloomBytes, err := wire.DecodeBloomPayload(frame.Payload)
	if err != nil {
		e.countReject("frame_truncated")
		return
	}
	peerFilter, err := bloom.Deserialize(bloomBytes)
	if err != nil {
		e.countReject("frame_truncated")
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.peerFilters[fromDeviceID] = peerKnowledge{filter: peerFilter, receivedAt: now}
	if eventCount > e.maxEventCountSeen {
		e.maxEventCountSeen = eventCount
	}
	e.peers[fromDeviceID] = struct{}{}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.BloomReceived.Inc()
	}

	e.refreshScanQueueIfGrown()

	e.mu.Lock()
	selected := e.scanQueue.SelectEventsToSend(fromDeviceID, peerFilter)
	e.mu.Unlock()

	for _, id := range selected {
		rec, err := e.store.Get(store.EventID(id))
		if err != nil {
			continue
		}
		datagram := wire.Encode(wire.TypeEvent, e.deviceIDBytes, wire.EncodeEventPayload(rec.Ciphertext, rec.Signature))
		if err := e.link.Send(fromDeviceID, datagram); err != nil {
			e.log.Warnf("syncengine: send to %s failed: %v", fromDeviceID, err)
			if e.metrics != nil {
				e.metrics.LinkSendFailures.Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.EventsSent.Inc()
		}
	}
}

func (e *Engine) handlePresenceDatagram(fromDeviceID string, frame wire.Frame) {
	lastSeenAt, err := wire.DecodePresencePayload(frame.Payload)
	if err != nil {
		e.countReject("frame_truncated")
		return
	}
	e.mu.Lock()
	e.presence[fromDeviceID] = lastSeenAt
	e.peers[fromDeviceID] = struct{}{}
	e.mu.Unlock()
}

// PeerKnowledgeReceivedAt returns the local sim-time at which peerID's most
// recently received Bloom filter arrived, and whether any filter has arrived
// from that peer yet.
func (e *Engine) PeerKnowledgeReceivedAt(peerID string) (receivedAt int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pk, ok := e.peerFilters[peerID]
	if !ok {
		return 0, false
	}
	return pk.receivedAt, true
}

// PresenceOf returns the last_seen_at this device last received from
// peerID's PRESENCE datagrams, and whether anything has been received yet.
func (e *Engine) PresenceOf(peerID string) (lastSeenAt int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lastSeenAt, ok = e.presence[peerID]
	return lastSeenAt, ok
}

func (e *Engine) refreshScanQueueIfGrown() {
	count, err := e.store.Count()
	if err != nil {
		return
	}
	e.mu.Lock()
	grown := count != e.lastRefreshCount
	e.mu.Unlock()
	if !grown {
		return
	}

	records, err := e.store.IterByCreatedAt()
	if err != nil {
		return
	}
	scanRecords := make([]bloom.ScanRecord, len(records))
	for i, r := range records {
		scanRecords[i] = bloom.ScanRecord{EventID: bloom.EventID(r.EventID), CreatedAt: r.CreatedAt}
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.scanQueue.Refresh(scanRecords, now)
	e.lastRefreshCount = count
	e.mu.Unlock()
}

// SyncTick runs one round of the engine's timer-driven behavior: refreshing
// the scan queue if the store has grown, then emitting a Bloom datagram (and
// a companion presence datagram) to every known peer whose last sync exceeds
// the configured sync interval.
func (e *Engine) SyncTick() {
	e.runner.Spawn(e.syncTick)
}

func (e *Engine) syncTick() {
	e.refreshScanQueueIfGrown()

	now := e.clock.Now()
	e.mu.Lock()
	online := e.onlineSelf
	due := make([]string, 0, len(e.peers))
	for peerID := range e.peers {
		if now-e.lastSyncTime[peerID] >= e.cfg.SyncIntervalMS {
			due = append(due, peerID)
		}
	}
	bloomPayload := wire.EncodeBloomPayload(e.localFilter.Count(), e.localFilter.Serialize())
	e.mu.Unlock()

	if !online {
		return
	}

	bloomDatagram := wire.Encode(wire.TypeBloom, e.deviceIDBytes, bloomPayload)
	presenceDatagram := wire.Encode(wire.TypePresence, e.deviceIDBytes, wire.EncodePresencePayload(now))

	for _, peerID := range due {
		if err := e.link.Send(peerID, bloomDatagram); err != nil {
			e.log.Warnf("syncengine: bloom send to %s failed: %v", peerID, err)
			if e.metrics != nil {
				e.metrics.LinkSendFailures.Inc()
			}
		} else if e.metrics != nil {
			e.metrics.BloomSent.Inc()
		}
		if err := e.link.Send(peerID, presenceDatagram); err != nil {
			e.log.Warnf("syncengine: presence send to %s failed: %v", peerID, err)
		}

		e.mu.Lock()
		e.lastSyncTime[peerID] = now
		e.mu.Unlock()
	}
}

// SyncStatus reports this device's view of overall sync progress.
func (e *Engine) SyncStatus() SyncStatus {
	known, _ := e.store.Count()

	e.mu.Lock()
	estimatedTotal := int(e.maxEventCountSeen)
	e.mu.Unlock()
	if known > estimatedTotal {
		estimatedTotal = known
	}
	if estimatedTotal < 1 {
		estimatedTotal = 1
	}

	percent := (100*known + estimatedTotal/2) / estimatedTotal
	return SyncStatus{
		KnownEvents:          known,
		EstimatedTotalEvents: estimatedTotal,
		Percent:              percent,
		IsSynced:             percent >= 95,
	}
}
