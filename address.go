package libsock

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/opd-ai/libsock/sockapi"
)

// SocketAddress is a captured local or peer address. The zero value means
// "no address" and renders as "null".
type SocketAddress struct {
	IP   net.IP
	Port uint16
}

// IsZero reports whether the address is the "no address" zero value.
func (a SocketAddress) IsZero() bool {
	return a.IP == nil && a.Port == 0
}

// String renders the address as "ip:port". IPv6 addresses are rendered
// without brackets; StringToAddress splits on the last colon, so the two
// forms round-trip.
func (a SocketAddress) String() string {
	if a.IsZero() {
		return "null"
	}
	return a.IP.String() + ":" + strconv.Itoa(int(a.Port))
}

// snapshotFromSockaddr captures a binary address into a SocketAddress.
// IPv4-mapped IPv6 addresses are normalized down to plain IPv4 here, once
// at capture time; rendering afterward never mutates the snapshot.
func snapshotFromSockaddr(sa sockapi.Sockaddr) SocketAddress {
	switch a := sa.(type) {
	case sockapi.Inet4Addr:
		return SocketAddress{
			IP:   net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]),
			Port: uint16(a.Port),
		}
	case sockapi.Inet6Addr:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		return SocketAddress{IP: ip, Port: uint16(a.Port)}
	default:
		return SocketAddress{}
	}
}

// sockaddrFromIP builds the binary form for an IP and port, choosing the
// family from the IP's own shape.
func sockaddrFromIP(ip net.IP, port uint16) sockapi.Sockaddr {
	if v4 := ip.To4(); v4 != nil {
		var a sockapi.Inet4Addr
		copy(a.Addr[:], v4)
		a.Port = int(port)
		return a
	}
	var a sockapi.Inet6Addr
	copy(a.Addr[:], ip.To16())
	a.Port = int(port)
	return a
}

// mapToInet6 re-expresses an IPv4 address in its IPv4-mapped IPv6 form,
// for sending through dual-stack IPv6 sockets.
func mapToInet6(a sockapi.Inet4Addr) sockapi.Inet6Addr {
	var out sockapi.Inet6Addr
	out.Addr[10] = 0xff
	out.Addr[11] = 0xff
	copy(out.Addr[12:], a.Addr[:])
	out.Port = a.Port
	return out
}

// AddressToString renders a binary socket address as "ip:port". Addresses
// outside the internet families render as "unknown". It never fails.
func AddressToString(sa sockapi.Sockaddr) string {
	switch sa.(type) {
	case sockapi.Inet4Addr, sockapi.Inet6Addr:
		return snapshotFromSockaddr(sa).String()
	default:
		return "unknown"
	}
}

// StringToAddress parses a textual "host:port" address. The host part must
// already be a numeric IPv4 or IPv6 literal; no resolver lookup is
// performed. The split happens on the last colon so IPv6 literals keep
// their colons. Malformed input yields an error, with no platform code
// attached.
func StringToAddress(s string) (SocketAddress, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return SocketAddress{}, fmt.Errorf("address %q has no port separator", s)
	}
	host, portText := s[:idx], s[idx+1:]
	ip := net.ParseIP(host)
	if ip == nil {
		return SocketAddress{}, fmt.Errorf("address %q does not start with a numeric host", s)
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return SocketAddress{}, fmt.Errorf("address %q has an invalid port: %w", s, err)
	}
	if port == 0 {
		return SocketAddress{}, fmt.Errorf("address %q uses reserved port 0", s)
	}
	return SocketAddress{IP: ip, Port: uint16(port)}, nil
}
