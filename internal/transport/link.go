// Package transport defines the abstract unreliable datagram transport every
// SyncEngine talks to. Two concrete implementations are provided: simlink,
// an in-process simulator driven by a logical clock, and udplink, a real UDP
// transport.
package transport

// Handler receives (from_device_id, datagram_bytes) for every inbound
// datagram a Link delivers to the local SyncEngine. A Link supports exactly
// one subscriber, so this is a plain callback rather than a fan-out channel.
type Handler func(fromDeviceID string, datagram []byte)

// Link is the abstract unreliable datagram transport every core component
// talks to peers through. Production code binds to udplink.Link; tests bind
// to simlink.Link and drive its clock-scheduled delivery by hand.
type Link interface {
	// Send delivers datagram to a single peer. Errors are transient; the
	// caller never retries at this layer.
	Send(toDeviceID string, datagram []byte) error

	// Broadcast delivers datagram to every configured peer.
	Broadcast(datagram []byte) error

	// Subscribe registers the single handler that receives inbound
	// datagrams. Only one subscriber is supported, matching one SyncEngine
	// per device.
	Subscribe(handler Handler)

	// SetLocalOnline gates both outbound sends and inbound delivery for the
	// local device: when false, sends are dropped and delivery is dropped.
	SetLocalOnline(online bool)
}
