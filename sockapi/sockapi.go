package sockapi

import (
	"fmt"
	"time"
)

// Handle identifies one OS-level socket resource. Exactly one live socket
// object owns a given handle at a time.
type Handle int

// InvalidHandle is the sentinel for a Handle that refers to no resource,
// either because the socket was never opened or because it has been closed.
const InvalidHandle Handle = -1

// Valid reports whether the handle refers to a live resource.
func (h Handle) Valid() bool {
	return h != InvalidHandle
}

// Family identifies an address family.
type Family uint8

const (
	// FamilyUnspec leaves the family unconstrained.
	FamilyUnspec Family = iota
	// FamilyInet is IPv4.
	FamilyInet
	// FamilyInet6 is IPv6.
	FamilyInet6
	// FamilyUnix is the local (filesystem-path) family.
	FamilyUnix
)

// String returns a human-readable representation of the Family.
func (f Family) String() string {
	switch f {
	case FamilyUnspec:
		return "unspec"
	case FamilyInet:
		return "IPv4"
	case FamilyInet6:
		return "IPv6"
	case FamilyUnix:
		return "unix"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// SockType identifies the socket's communication style.
type SockType uint8

const (
	// TypeStream is a connection-oriented byte stream (TCP, unix stream).
	TypeStream SockType = iota + 1
	// TypeDatagram is a connectionless message socket (UDP).
	TypeDatagram
)

// String returns a human-readable representation of the SockType.
func (t SockType) String() string {
	switch t {
	case TypeStream:
		return "stream"
	case TypeDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("SockType(%d)", uint8(t))
	}
}

// Protocol selects the transport protocol for socket creation.
type Protocol uint8

const (
	// ProtoDefault lets the platform pick the protocol for the type.
	ProtoDefault Protocol = iota
	// ProtoTCP forces TCP.
	ProtoTCP
	// ProtoUDP forces UDP.
	ProtoUDP
)

// String returns a human-readable representation of the Protocol.
func (p Protocol) String() string {
	switch p {
	case ProtoDefault:
		return "default"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// ShutdownHow selects which direction of a connected socket shutdown
// disables.
type ShutdownHow uint8

const (
	// ShutRead disables further receives.
	ShutRead ShutdownHow = iota
	// ShutWrite disables further sends.
	ShutWrite
	// ShutBoth disables both directions.
	ShutBoth
)

// String returns a human-readable representation of the ShutdownHow.
func (how ShutdownHow) String() string {
	switch how {
	case ShutRead:
		return "read"
	case ShutWrite:
		return "write"
	case ShutBoth:
		return "both"
	default:
		return fmt.Sprintf("ShutdownHow(%d)", uint8(how))
	}
}

// Sockaddr is the binary form of a socket address. Implementations are
// Inet4Addr, Inet6Addr and UnixAddr.
type Sockaddr interface {
	// Family returns the address family the address belongs to.
	Family() Family
}

// Inet4Addr is an IPv4 address and port in binary form.
type Inet4Addr struct {
	Addr [4]byte
	Port int
}

// Family returns FamilyInet.
func (Inet4Addr) Family() Family { return FamilyInet }

// Inet6Addr is an IPv6 address, port and scope zone in binary form.
type Inet6Addr struct {
	Addr   [16]byte
	Port   int
	ZoneID uint32
}

// Family returns FamilyInet6.
func (Inet6Addr) Family() Family { return FamilyInet6 }

// UnixAddr is a filesystem-path socket address.
type UnixAddr struct {
	Path string
}

// Family returns FamilyUnix.
func (UnixAddr) Family() Family { return FamilyUnix }

// API is the platform socket capability surface. The whole library is
// written against this interface; the build configuration selects exactly
// one implementation.
//
// Unless stated otherwise, errors returned by API methods carry the
// originating platform error value so that ErrnoOf can recover the
// numeric code.
type API interface {
	// Startup initializes the process-wide network subsystem where the
	// platform requires it (Winsock). A no-op success elsewhere.
	Startup() error

	// Cleanup releases the process-wide network subsystem acquired by
	// Startup. A no-op success where Startup was one.
	Cleanup() error

	// Socket creates a new socket resource.
	Socket(family Family, typ SockType, proto Protocol) (Handle, error)

	// Bind assigns a local address to the socket.
	Bind(h Handle, addr Sockaddr) error

	// Listen marks the socket passive with the given queue length hint.
	Listen(h Handle, backlog int) error

	// Accept blocks until an incoming connection is available and returns
	// the new connection's handle together with the peer address.
	Accept(h Handle) (Handle, Sockaddr, error)

	// Connect establishes a connection to the given address.
	Connect(h Handle, addr Sockaddr) error

	// Send transmits bytes on a connected socket and returns how many
	// were accepted by the platform, which may be fewer than requested.
	Send(h Handle, p []byte) (int, error)

	// Recv receives up to len(p) bytes from a connected socket. With peek
	// set the data is observed without being consumed.
	Recv(h Handle, p []byte, peek bool) (int, error)

	// SendTo transmits one datagram to the given address and returns the
	// byte count accepted by the platform.
	SendTo(h Handle, p []byte, addr Sockaddr) (int, error)

	// RecvFrom receives one datagram and reports the sender's address.
	RecvFrom(h Handle, p []byte) (int, Sockaddr, error)

	// SetsockoptInt is the raw integer option setter, parameterized by
	// platform level and name values.
	SetsockoptInt(h Handle, level, name, value int) error

	// GetsockoptInt is the raw integer option getter.
	GetsockoptInt(h Handle, level, name int) (int, error)

	// SetReuseAddress applies the platform-appropriate address-reuse
	// option: SO_REUSEADDR on POSIX, SO_EXCLUSIVEADDRUSE on Windows.
	SetReuseAddress(h Handle) error

	// SetDualStack toggles whether an IPv6 socket also carries IPv4
	// traffic (the inverse of IPV6_V6ONLY).
	SetDualStack(h Handle, enabled bool) error

	// SetNonblock toggles non-blocking mode.
	SetNonblock(h Handle, nonblocking bool) error

	// SetIOTimeout bounds blocking receive and send calls on the socket.
	// A zero duration restores indefinite blocking.
	SetIOTimeout(h Handle, d time.Duration) error

	// Shutdown disables further transfers in the given direction without
	// releasing the handle.
	Shutdown(h Handle, how ShutdownHow) error

	// Close releases the socket resource.
	Close(h Handle) error

	// Poll waits until the socket is ready for reading (or writing, with
	// forWrite set), the timeout elapses, or an error occurs. A negative
	// timeout waits indefinitely. It reports whether the socket became
	// ready.
	Poll(h Handle, forWrite bool, timeout time.Duration) (bool, error)

	// LocalAddr returns the socket's bound local address.
	LocalAddr(h Handle) (Sockaddr, error)

	// PeerAddr returns the connected socket's peer address.
	PeerAddr(h Handle) (Sockaddr, error)

	// ErrnoOf extracts the platform error code carried by err, or 0 when
	// err carries none.
	ErrnoOf(err error) int

	// ErrnoMessage renders a platform error code as human-readable text.
	// It never fails; an unknown code degrades to a generic rendering and
	// code 0 to the empty string.
	ErrnoMessage(code int) string

	// MaxBacklog returns the platform's maximum listen queue hint.
	MaxBacklog() int
}

// System returns the capability implementation selected for the current
// platform. The returned value is stateless and safe for concurrent use.
func System() API {
	return platformAPI{}
}
