// Package reticulum composes the per-device pieces (clock, store, codec,
// transport, sync engine, file chunker) into the single handle an
// application holds. A Device never runs a background poll loop of its
// own: its SyncEngine already owns task spawning via taskrunner.Runner, so
// Device only wires construction and shutdown.
package reticulum

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jabolina/go-reticulum/internal/codec"
	"github.com/jabolina/go-reticulum/internal/config"
	"github.com/jabolina/go-reticulum/internal/filechunk"
	"github.com/jabolina/go-reticulum/internal/logx"
	"github.com/jabolina/go-reticulum/internal/metrics"
	"github.com/jabolina/go-reticulum/internal/simclock"
	"github.com/jabolina/go-reticulum/internal/store"
	"github.com/jabolina/go-reticulum/internal/syncengine"
	"github.com/jabolina/go-reticulum/internal/transport"
)

// Device is the public handle for one participant in the messaging
// substrate: its identity, its event log, and the engine that keeps the log
// in sync with its peers.
type Device struct {
	id      string
	clock   simclock.Clock
	store   store.Store
	codec   *codec.Codec
	link    transport.Link
	cfg     *config.Config
	log     logx.Logger
	metrics *metrics.Registry
	engine  *syncengine.Engine
	chunker *filechunk.Chunker

	shutdownOnce sync.Once
}

// Option configures a Device at construction, mirroring the functional
// options config.Option already uses elsewhere in this module.
type Option func(*deviceBuild)

type deviceBuild struct {
	st      store.Store
	log     logx.Logger
	reg     prometheus.Registerer
	signKey ed25519.PrivateKey
	trusted codec.TrustedPeerKeys
}

// WithStore overrides the default in-memory event log with a caller-provided
// one (e.g. store.OpenBolt for on-disk persistence).
func WithStore(st store.Store) Option { return func(b *deviceBuild) { b.st = st } }

// WithLogger overrides the default no-op logger.
func WithLogger(log logx.Logger) Option { return func(b *deviceBuild) { b.log = log } }

// WithRegisterer overrides the prometheus.Registerer a Device's metrics
// register against; defaults to a fresh, private prometheus.NewRegistry()
// so multiple Devices in one process never collide on DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option { return func(b *deviceBuild) { b.reg = reg } }

// WithSigningKey enables signed writes: every event this Device submits is
// signed, and the resulting signature is verified by peers holding this
// device's id in their trusted-peer key set.
func WithSigningKey(key ed25519.PrivateKey) Option { return func(b *deviceBuild) { b.signKey = key } }

// WithTrustedPeers sets the verification keys this Device checks inbound
// signatures against.
func WithTrustedPeers(keys codec.TrustedPeerKeys) Option {
	return func(b *deviceBuild) { b.trusted = keys }
}

// New constructs a Device bound to deviceID, clock, link, and cfg. cfg's
// CommunityKey must already be set (via config.WithCommunityKey or
// config.Load plus an option), since New never generates key material
// itself.
func New(deviceID string, clock simclock.Clock, link transport.Link, cfg *config.Config, opts ...Option) (*Device, error) {
	if cfg == nil {
		return nil, fmt.Errorf("reticulum: nil config")
	}

	b := &deviceBuild{
		log:     logx.Nop(),
		reg:     prometheus.NewRegistry(),
		trusted: codec.TrustedPeerKeys{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.st == nil {
		b.st = store.NewMemory()
	}

	cdc := codec.New(cfg.CommunityKey, b.signKey)
	reg := metrics.NewRegistry(b.reg, deviceID)
	engine := syncengine.New(deviceID, clock, b.st, cdc, link, cfg, b.log, reg, b.trusted)
	chunker := filechunk.New(cfg.ChunkSizeBytes, cfg.ParityGroupSize, b.log)
	engine.Subscribe(chunker.HandleNewEvent)

	return &Device{
		id:      deviceID,
		clock:   clock,
		store:   b.st,
		codec:   cdc,
		link:    link,
		cfg:     cfg,
		log:     b.log,
		metrics: reg,
		engine:  engine,
		chunker: chunker,
	}, nil
}

// ID returns this device's id.
func (d *Device) ID() string { return d.id }

// AddPeer registers peerID as a sync partner.
func (d *Device) AddPeer(peerID string) { d.engine.AddPeer(peerID) }

// SetOnline gates this device's participation in sync: while offline,
// outbound sends and inbound delivery are both suppressed at the transport.
func (d *Device) SetOnline(online bool) { d.engine.SetLocalOnline(online) }

// SendMessage submits a chat message authored by this device, returning its
// content-addressed event id.
func (d *Device) SendMessage(content string, attachments ...codec.FileAttachmentRef) (store.EventID, error) {
	return d.engine.SubmitLocal(codec.Payload{Kind: codec.KindMessage, Message: &codec.Message{
		Content:     content,
		Author:      d.id,
		Attachments: attachments,
	}})
}

// React submits a reaction targeting an existing event.
func (d *Device) React(target store.EventID, emoji string, remove bool) (store.EventID, error) {
	return d.engine.SubmitLocal(codec.Payload{Kind: codec.KindReaction, Reaction: &codec.Reaction{
		TargetEventID: target,
		Emoji:         emoji,
		Author:        d.id,
		Remove:        remove,
	}})
}

// UploadFile chunks content and submits it as a sequence of FileChunk
// events, returning the FileAttachmentRef to attach to a Message.
func (d *Device) UploadFile(content []byte, mimeType, fileName string) (codec.FileAttachmentRef, error) {
	return d.chunker.Upload(d.engine, content, mimeType, fileName)
}

// OnFileReady registers a callback fired once an incoming file's chunks are
// fully reassembled and hash-verified.
func (d *Device) OnFileReady(h filechunk.FileReadyHandler) { d.chunker.OnFileReady(h) }

// OnFileCorrupt registers a callback fired when a reassembled file's hash
// does not match its declared file_id.
func (d *Device) OnFileCorrupt(h filechunk.FileCorruptHandler) { d.chunker.OnFileCorrupt(h) }

// FileProgress reports reassembly progress for an in-flight download.
func (d *Device) FileProgress(fileID [16]byte) (filechunk.Progress, bool) {
	return d.chunker.Progress(fileID)
}

// SyncTick runs one synchronization round.
func (d *Device) SyncTick() { d.engine.SyncTick() }

// SyncStatus reports this device's estimated convergence against its peers.
func (d *Device) SyncStatus() syncengine.SyncStatus { return d.engine.SyncStatus() }

// Store exposes the underlying event log for read-path callers (history
// scrollback, search); Device itself never bypasses SyncEngine for writes.
func (d *Device) Store() store.Store { return d.store }

// Shutdown waits for every task the SyncEngine has in flight to finish, then
// closes the underlying store. Safe to call more than once.
func (d *Device) Shutdown() error {
	var closeErr error
	d.shutdownOnce.Do(func() {
		d.engine.Wait()
		closeErr = d.store.Close()
	})
	return closeErr
}
