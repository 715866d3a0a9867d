// Package simlink implements an in-process simulated datagram transport for
// deterministic tests: per-link packet loss, latency and jitter, and
// per-device online/offline gating, all driven by a shared simclock.Clock so
// an entire multi-device scenario advances on one thread.
package simlink

import (
	"math/rand"
	"sync"

	"github.com/jabolina/go-reticulum/internal/logx"
	"github.com/jabolina/go-reticulum/internal/simclock"
	"github.com/jabolina/go-reticulum/internal/transport"
)

// DropStatus classifies why a send attempt never reached its target. The
// simulator emits one of these for every send attempt so tests can assert
// on loss.
type DropStatus string

const (
	Delivered               DropStatus = "delivered"
	DroppedSourceOffline    DropStatus = "dropped_source_offline"
	DroppedLoss             DropStatus = "dropped_loss"
	DroppedTargetOffline    DropStatus = "dropped_target_offline"
)

// SendAttempt is one observability record, kept in Network.History for test
// assertions.
type SendAttempt struct {
	From, To string
	Status   DropStatus
	SentAt   int64
	// DeliverAt is set only on a Delivered record, which is written when
	// delivery is scheduled, and holds the scheduled deadline. A target that
	// is offline at that deadline adds a separate DroppedTargetOffline
	// record whose SentAt holds the deadline and whose DeliverAt is zero.
	DeliverAt int64
}

// LinkConfig is the per-link simulated network configuration: packet loss
// rate, min/max latency, and jitter.
type LinkConfig struct {
	PacketLossRate float64
	MinLatencyMS   int64
	MaxLatencyMS   int64
	JitterMS       int64
}

type pendingDelivery struct {
	from, to string
	datagram []byte
	deadline int64
}

// Network is the shared simulated medium every device's Link attaches to.
// It owns the clock-scheduled delivery queue and the per-device online
// state, so one Network instance represents "the network" for an entire
// simulated scenario.
type Network struct {
	mu      sync.Mutex
	clock   simclock.Clock
	config  LinkConfig
	rng     *rand.Rand
	online  map[string]bool
	links   map[string]*Link
	history []SendAttempt
	log     logx.Logger
}

// NewNetwork creates a simulated network driven by clock, with a single
// shared LinkConfig applied to every send.
func NewNetwork(clock simclock.Clock, config LinkConfig, seed int64, log logx.Logger) *Network {
	if log == nil {
		log = logx.Nop()
	}
	return &Network{
		clock:  clock,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
		online: make(map[string]bool),
		links:  make(map[string]*Link),
		log:    log,
	}
}

// NewLink registers and returns a Link for deviceID, defaulting it online.
func (n *Network) NewLink(deviceID string) *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online[deviceID] = true
	l := &Link{deviceID: deviceID, network: n}
	n.links[deviceID] = l
	return l
}

// SetOnline gates deviceID's outbound sends and inbound delivery.
func (n *Network) SetOnline(deviceID string, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online[deviceID] = online
}

func (n *Network) isOnline(deviceID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online[deviceID]
}

// History returns every send attempt recorded so far, in the order recorded.
func (n *Network) History() []SendAttempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SendAttempt, len(n.history))
	copy(out, n.history)
	return out
}

func (n *Network) record(a SendAttempt) {
	n.mu.Lock()
	n.history = append(n.history, a)
	n.mu.Unlock()
}

func (n *Network) uniform(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + n.rng.Int63n(hi-lo+1)
}

func (n *Network) sample() float64 {
	return n.rng.Float64()
}

// send checks source-online, samples packet loss, and then schedules
// delivery after a randomized latency; target-online is checked by deliver
// at the deadline.
func (n *Network) send(from, to string, datagram []byte) error {
	now := n.clock.Now()

	if !n.isOnline(from) {
		n.record(SendAttempt{From: from, To: to, Status: DroppedSourceOffline, SentAt: now})
		n.log.Debugf("dropped send %s->%s: source offline", from, to)
		return nil
	}

	if n.sample() < n.config.PacketLossRate {
		n.record(SendAttempt{From: from, To: to, Status: DroppedLoss, SentAt: now})
		n.log.Debugf("dropped send %s->%s: simulated loss", from, to)
		return nil
	}

	latency := n.uniform(n.config.MinLatencyMS, n.config.MaxLatencyMS)
	jitter := n.uniform(-n.config.JitterMS, n.config.JitterMS)
	total := latency + jitter
	if total < 0 {
		total = 0
	}
	deadline := now + total

	n.mu.Lock()
	n.history = append(n.history, SendAttempt{From: from, To: to, Status: Delivered, SentAt: now, DeliverAt: deadline})
	n.mu.Unlock()

	n.clock.ScheduleAt(deadline, func() {
		n.deliver(pendingDelivery{from: from, to: to, datagram: datagram, deadline: deadline})
	})
	return nil
}

func (n *Network) deliver(p pendingDelivery) {
	if !n.isOnline(p.to) {
		n.record(SendAttempt{From: p.from, To: p.to, Status: DroppedTargetOffline, SentAt: p.deadline})
		n.log.Debugf("dropped delivery %s->%s: target offline", p.from, p.to)
		return
	}
	n.mu.Lock()
	target, ok := n.links[p.to]
	n.mu.Unlock()
	if !ok {
		return
	}
	target.deliverInbound(p.from, p.datagram)
}

func (n *Network) peers(excluding string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for id := range n.links {
		if id != excluding {
			out = append(out, id)
		}
	}
	return out
}

// Link is a single device's attachment to a simulated Network. It satisfies
// transport.Link.
type Link struct {
	deviceID string
	network  *Network

	mu      sync.Mutex
	handler transport.Handler
}

// Send delivers datagram to a single peer via the shared Network.
func (l *Link) Send(toDeviceID string, datagram []byte) error {
	return l.network.send(l.deviceID, toDeviceID, datagram)
}

// Broadcast delivers datagram to every other device registered on the
// Network.
func (l *Link) Broadcast(datagram []byte) error {
	for _, peer := range l.network.peers(l.deviceID) {
		if err := l.network.send(l.deviceID, peer, datagram); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers the single inbound handler for this device's Link.
func (l *Link) Subscribe(handler transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// SetLocalOnline gates this device's online state on the shared Network.
func (l *Link) SetLocalOnline(online bool) {
	l.network.SetOnline(l.deviceID, online)
}

func (l *Link) deliverInbound(from string, datagram []byte) {
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler(from, datagram)
	}
}
