// Package udplink implements a real UDP datagram transport: one socket per
// device, peers configured as device_id -> (host, port), payloads capped to
// a safe MTU, no acknowledgement, no retry. The socket is wrapped in a
// golang.org/x/net/ipv4 or ipv6 PacketConn; no socket options are set
// through these wrappers.
package udplink

import (
	"fmt"
	"net"
	"sync"

	"github.com/jabolina/go-reticulum/internal/logx"
	"github.com/jabolina/go-reticulum/internal/transport"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// DefaultMaxDatagramBytes is the safe MTU this transport defaults to.
const DefaultMaxDatagramBytes = 1200

// PeerAddr is a single peer's UDP endpoint.
type PeerAddr struct {
	Host string
	Port int
}

// Link is a production DatagramLink bound to one UDP socket. It satisfies
// transport.Link.
type Link struct {
	conn     *net.UDPConn
	pconn4   *ipv4.PacketConn
	pconn6   *ipv6.PacketConn
	maxBytes int
	log      logx.Logger

	mu      sync.RWMutex
	peers   map[string]PeerAddr
	online  bool
	handler transport.Handler

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds a UDP socket at localAddr (host:port) and returns a Link
// ready to Send/Broadcast/Subscribe once peers are configured with SetPeer.
func Listen(localAddr string, peers map[string]PeerAddr, maxDatagramBytes int, log logx.Logger) (*Link, error) {
	if log == nil {
		log = logx.Nop()
	}
	if maxDatagramBytes <= 0 {
		maxDatagramBytes = DefaultMaxDatagramBytes
	}

	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udplink: resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udplink: listen %s: %w", localAddr, err)
	}

	l := &Link{
		conn:     conn,
		maxBytes: maxDatagramBytes,
		log:      log,
		peers:    make(map[string]PeerAddr, len(peers)),
		online:   true,
		done:     make(chan struct{}),
	}
	for id, addr := range peers {
		l.peers[id] = addr
	}

	if udpAddr.IP.To4() != nil {
		l.pconn4 = ipv4.NewPacketConn(conn)
	} else {
		l.pconn6 = ipv6.NewPacketConn(conn)
	}

	go l.readLoop()
	return l, nil
}

// SetPeer adds or updates a peer's UDP endpoint.
func (l *Link) SetPeer(deviceID string, addr PeerAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[deviceID] = addr
}

func (l *Link) isOnline() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.online
}

// Send writes datagram to a single configured peer. A send failure is
// transient and never propagates past this layer in practice; the sync
// engine logs and moves on, relying on the next sync round.
func (l *Link) Send(toDeviceID string, datagram []byte) error {
	if !l.isOnline() {
		return nil
	}
	if len(datagram) > l.maxBytes {
		return fmt.Errorf("udplink: datagram exceeds max size %d", l.maxBytes)
	}

	l.mu.RLock()
	addr, ok := l.peers[toDeviceID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("udplink: unknown peer %q", toDeviceID)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr.Host, addr.Port))
	if err != nil {
		return fmt.Errorf("udplink: resolve peer %q: %w", toDeviceID, err)
	}
	if _, err := l.conn.WriteToUDP(datagram, udpAddr); err != nil {
		l.log.Warnf("udplink: send to %s failed: %v", toDeviceID, err)
		return err
	}
	return nil
}

// Broadcast sends datagram to every configured peer, continuing past
// individual send failures (they are transient) and returning the last
// error encountered, if any.
func (l *Link) Broadcast(datagram []byte) error {
	l.mu.RLock()
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := l.Send(id, datagram); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe registers the inbound handler.
func (l *Link) Subscribe(handler transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// SetLocalOnline gates sends and inbound delivery.
func (l *Link) SetLocalOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = online
}

func (l *Link) readLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.log.Warnf("udplink: read error: %v", err)
				continue
			}
		}

		if !l.isOnline() {
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		fromID := l.resolveDeviceID(from)

		l.mu.RLock()
		handler := l.handler
		l.mu.RUnlock()
		if handler != nil {
			handler(fromID, datagram)
		}
	}
}

// resolveDeviceID maps a UDP source address back to a configured peer's
// device id. The wire frame itself already carries the authoritative
// source device id; this is only used for logging/diagnostics when no match
// is found.
func (l *Link) resolveDeviceID(from *net.UDPAddr) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, addr := range l.peers {
		if addr.Host == from.IP.String() && addr.Port == from.Port {
			return id
		}
	}
	return from.String()
}

// Close releases the underlying UDP socket.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}
