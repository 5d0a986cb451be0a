package libsock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/libsock/sockapi"
)

// DatagramSocket is a UDP socket. It comes in three forms: unbound
// (NewDatagramSocket, descriptor created lazily from the first
// destination's family), locally bound (NewDatagramSocketBound) and
// peer-directed (NewDatagramSocketTo, descriptor created for the peer's
// family without connecting).
//
// IPv6 descriptors are always dual-stack, so IPv4 destinations remain
// reachable through their v4-mapped form and v4 senders show up in
// RecvFrom snapshots under their plain dotted form.
type DatagramSocket struct {
	mu       sync.Mutex
	api      sockapi.API
	resolver Resolver
	handle   sockapi.Handle
	family   sockapi.Family
	dual     bool
	label    string
	state    sockState
}

// NewDatagramSocket returns an unbound datagram socket. No descriptor
// exists until the first SendTo or Bind decides the address family.
func NewDatagramSocket() *DatagramSocket {
	return newDatagramSocket(sockapi.System(), SystemResolver)
}

func newDatagramSocket(api sockapi.API, resolver Resolver) *DatagramSocket {
	return &DatagramSocket{
		api:      api,
		resolver: resolver,
		handle:   sockapi.InvalidHandle,
		label:    "udp",
		state:    stateUnbound,
	}
}

// NewDatagramSocketBound returns a datagram socket bound to the given
// local port on all interfaces, with the same IPv6-preferring two-pass
// selection the TCP listener uses. Port 0 requests an ephemeral port.
func NewDatagramSocketBound(port uint16) (*DatagramSocket, error) {
	return newDatagramSocketBound(sockapi.System(), SystemResolver, port)
}

func newDatagramSocketBound(api sockapi.API, resolver Resolver, port uint16) (*DatagramSocket, error) {
	d := newDatagramSocket(api, resolver)
	if err := d.Bind(port); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDatagramSocketTo returns a datagram socket whose descriptor family
// matches the resolved peer, without connecting. Datagrams still carry an
// explicit destination through SendTo.
func NewDatagramSocketTo(host string, port uint16) (*DatagramSocket, error) {
	return newDatagramSocketTo(sockapi.System(), SystemResolver, host, port)
}

func newDatagramSocketTo(api sockapi.API, resolver Resolver, host string, port uint16) (*DatagramSocket, error) {
	d := newDatagramSocket(api, resolver)
	label := fmt.Sprintf("%s:%d", host, port)
	list, err := resolveCandidates(context.Background(), resolver, host, port, Hints{
		Type:     sockapi.TypeDatagram,
		Protocol: sockapi.ProtoUDP,
	}, label)
	if err != nil {
		return nil, err
	}
	h, err := chooseFirst(api, list, label)
	if err != nil {
		return nil, err
	}
	c, _ := list.selectedCandidate()
	list.release()
	if c.Family == sockapi.FamilyInet6 {
		if err := api.SetDualStack(h, true); err != nil {
			closeQuiet(api, h, "NewDatagramSocketTo")
			return nil, newError(OpConfigure, label, err)
		}
	}
	d.handle = h
	d.family = c.Family
	d.dual = c.Family == sockapi.FamilyInet6
	d.label = label
	logrus.WithFields(logrus.Fields{
		"function": "NewDatagramSocketTo",
		"address":  label,
		"family":   c.Family.String(),
	}).Debug("datagram socket created")
	return d, nil
}

// Bind assigns a local port. On a socket without a descriptor the
// wildcard is passive-resolved and the descriptor created with the
// two-pass family selection; a socket that already has a descriptor is
// bound to its family's wildcard. Port 0 requests an ephemeral port.
// Bind is valid once, before any implicit bind a SendTo may cause.
func (d *DatagramSocket) Bind(port uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateUnbound {
		return newError(OpBind, d.label, ErrInvalidState)
	}
	label := fmt.Sprintf(":%d", port)
	if !d.handle.Valid() {
		list, err := resolveCandidates(context.Background(), d.resolver, "", port, Hints{
			Type:     sockapi.TypeDatagram,
			Protocol: sockapi.ProtoUDP,
			Passive:  true,
		}, label)
		if err != nil {
			return err
		}
		h, err := chooseListening(d.api, list, label)
		if err != nil {
			return err
		}
		c, _ := list.selectedCandidate()
		if err := d.api.Bind(h, c.Addr); err != nil {
			closeQuiet(d.api, h, "DatagramSocket.Bind")
			list.release()
			return newError(OpBind, label, err)
		}
		list.release()
		d.handle = h
		d.family = c.Family
		d.dual = c.Family == sockapi.FamilyInet6
	} else {
		var addr sockapi.Sockaddr
		if d.family == sockapi.FamilyInet6 {
			addr = sockapi.Inet6Addr{Port: int(port)}
		} else {
			addr = sockapi.Inet4Addr{Port: int(port)}
		}
		if err := d.api.Bind(d.handle, addr); err != nil {
			return newError(OpBind, label, err)
		}
	}
	d.state = stateBound
	d.label = label
	logrus.WithFields(logrus.Fields{
		"function": "DatagramSocket.Bind",
		"port":     port,
		"family":   d.family.String(),
	}).Debug("datagram socket bound")
	return nil
}

// SendTo transmits p to host:port and returns the byte count the
// platform accepted. The destination is resolved on every call. On a
// socket without a descriptor the first destination's family decides the
// descriptor; on an existing descriptor the destination candidate is
// matched by family, with IPv4 destinations mapped into IPv6 when the
// descriptor is dual-stack.
func (d *DatagramSocket) SendTo(p []byte, host string, port uint16) (int, error) {
	label := fmt.Sprintf("%s:%d", host, port)
	candidates, err := d.resolver.Resolve(context.Background(), host, port, Hints{
		Type:     sockapi.TypeDatagram,
		Protocol: sockapi.ProtoUDP,
	})
	if err != nil {
		return 0, newError(OpResolve, label, err)
	}
	if len(candidates) == 0 {
		return 0, newError(OpResolve, label, ErrNoAddress)
	}

	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return 0, newError(OpSend, label, ErrInvalidState)
	}
	if !d.handle.Valid() {
		if err := d.createLocked(candidates[0], label); err != nil {
			d.mu.Unlock()
			return 0, err
		}
	}
	api, h := d.api, d.handle
	family, dual := d.family, d.dual
	d.mu.Unlock()

	target, ok := matchCandidate(candidates, family, dual)
	if !ok {
		return 0, newError(OpSend, label, ErrNoAddress)
	}
	n, err := api.SendTo(h, p, target)
	if err != nil {
		return 0, newError(OpSend, label, err)
	}
	return n, nil
}

// createLocked makes the descriptor for the given candidate's family.
// Caller holds d.mu.
func (d *DatagramSocket) createLocked(c Candidate, label string) error {
	h, err := d.api.Socket(c.Family, c.Type, c.Protocol)
	if err != nil {
		return newError(OpCreate, label, err)
	}
	if c.Family == sockapi.FamilyInet6 {
		if err := d.api.SetDualStack(h, true); err != nil {
			closeQuiet(d.api, h, "DatagramSocket.SendTo")
			return newError(OpConfigure, label, err)
		}
	}
	d.handle = h
	d.family = c.Family
	d.dual = c.Family == sockapi.FamilyInet6
	logrus.WithFields(logrus.Fields{
		"function": "DatagramSocket.SendTo",
		"family":   c.Family.String(),
	}).Debug("datagram descriptor created")
	return nil
}

// matchCandidate picks the first destination the descriptor can reach:
// same family first, then IPv4 mapped into IPv6 when the descriptor is
// dual-stack.
func matchCandidate(candidates []Candidate, family sockapi.Family, dual bool) (sockapi.Sockaddr, bool) {
	for _, c := range candidates {
		if c.Family == family {
			return c.Addr, true
		}
	}
	if family == sockapi.FamilyInet6 && dual {
		for _, c := range candidates {
			if a, ok := c.Addr.(sockapi.Inet4Addr); ok {
				return mapToInet6(a), true
			}
		}
	}
	return nil, false
}

// RecvFrom blocks for one datagram, fills p with its payload and returns
// the byte count and the sender snapshot, normalized at capture. With a
// receive timeout configured, expiry surfaces as a receive error for
// which IsTimeout reports true.
func (d *DatagramSocket) RecvFrom(p []byte) (int, SocketAddress, error) {
	d.mu.Lock()
	if d.state == stateClosed || !d.handle.Valid() {
		d.mu.Unlock()
		return 0, SocketAddress{}, newError(OpReceive, d.label, ErrInvalidState)
	}
	api, h, label := d.api, d.handle, d.label
	d.mu.Unlock()

	n, sa, err := api.RecvFrom(h, p)
	if err != nil {
		return 0, SocketAddress{}, newError(OpReceive, label, err)
	}
	return n, snapshotFromSockaddr(sa), nil
}

// SetOption sets a raw integer socket option using the sockapi level and
// name constants.
func (d *DatagramSocket) SetOption(level, name, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.handle.Valid() {
		return newError(OpOption, d.label, ErrInvalidState)
	}
	if err := d.api.SetsockoptInt(d.handle, level, name, value); err != nil {
		return newError(OpOption, d.label, err)
	}
	return nil
}

// GetOption reads a raw integer socket option.
func (d *DatagramSocket) GetOption(level, name int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.handle.Valid() {
		return 0, newError(OpOption, d.label, ErrInvalidState)
	}
	v, err := d.api.GetsockoptInt(d.handle, level, name)
	if err != nil {
		return 0, newError(OpOption, d.label, err)
	}
	return v, nil
}

// SetNonBlocking toggles non-blocking mode on the descriptor.
func (d *DatagramSocket) SetNonBlocking(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.handle.Valid() {
		return newError(OpOption, d.label, ErrInvalidState)
	}
	if err := d.api.SetNonblock(d.handle, enabled); err != nil {
		return newError(OpOption, d.label, err)
	}
	return nil
}

// SetTimeout bounds blocking sends and receives. A zero duration
// restores indefinite blocking.
func (d *DatagramSocket) SetTimeout(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.handle.Valid() {
		return newError(OpOption, d.label, ErrInvalidState)
	}
	if timeout < 0 {
		timeout = 0
	}
	if err := d.api.SetIOTimeout(d.handle, timeout); err != nil {
		return newError(OpOption, d.label, err)
	}
	return nil
}

// LocalAddress reports the locally bound address, or the zero
// SocketAddress when the socket has none yet.
func (d *DatagramSocket) LocalAddress() SocketAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.handle.Valid() {
		return SocketAddress{}
	}
	sa, err := d.api.LocalAddr(d.handle)
	if err != nil {
		return SocketAddress{}
	}
	return snapshotFromSockaddr(sa)
}

// IsValid reports whether the socket owns a live descriptor.
func (d *DatagramSocket) IsValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle.Valid()
}

// Close releases the descriptor. Datagram sockets have no shutdown
// phase. Close is idempotent.
func (d *DatagramSocket) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateClosed {
		return nil
	}
	d.state = stateClosed
	h := d.handle
	d.handle = sockapi.InvalidHandle
	if !h.Valid() {
		return nil
	}
	if err := d.api.Close(h); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DatagramSocket.Close",
			"address":  d.label,
			"error":    err,
		}).Warn("close failed")
		return newError(OpClose, d.label, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "DatagramSocket.Close",
		"address":  d.label,
	}).Debug("datagram socket closed")
	return nil
}
