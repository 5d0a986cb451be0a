//go:build unix

package sockapi

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// platformAPI is the POSIX capability implementation over
// golang.org/x/sys/unix.
type platformAPI struct{}

// Option level and name constants for the raw pass-through accessors.
// OptReuseAddr maps to SO_EXCLUSIVEADDRUSE on Windows.
const (
	LevelSocket = unix.SOL_SOCKET
	LevelTCP    = unix.IPPROTO_TCP
	LevelIPv6   = unix.IPPROTO_IPV6

	OptReuseAddr   = unix.SO_REUSEADDR
	OptKeepAlive   = unix.SO_KEEPALIVE
	OptNoDelay     = unix.TCP_NODELAY
	OptV6Only      = unix.IPV6_V6ONLY
	OptBroadcast   = unix.SO_BROADCAST
	OptRecvBuffer  = unix.SO_RCVBUF
	OptSendBuffer  = unix.SO_SNDBUF
	OptSocketError = unix.SO_ERROR
)

// ErrTimedOut is the platform error reported when a bounded operation's
// deadline expires without the operation completing.
var ErrTimedOut error = unix.ETIMEDOUT

func sysFamily(f Family) (int, error) {
	switch f {
	case FamilyInet:
		return unix.AF_INET, nil
	case FamilyInet6:
		return unix.AF_INET6, nil
	case FamilyUnix:
		return unix.AF_UNIX, nil
	default:
		return 0, unix.EAFNOSUPPORT
	}
}

func sysType(t SockType) (int, error) {
	switch t {
	case TypeStream:
		return unix.SOCK_STREAM, nil
	case TypeDatagram:
		return unix.SOCK_DGRAM, nil
	default:
		return 0, unix.EINVAL
	}
}

func sysProto(p Protocol) int {
	switch p {
	case ProtoTCP:
		return unix.IPPROTO_TCP
	case ProtoUDP:
		return unix.IPPROTO_UDP
	default:
		return 0
	}
}

func toSysSockaddr(addr Sockaddr) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case Inet4Addr:
		return &unix.SockaddrInet4{Port: a.Port, Addr: a.Addr}, nil
	case Inet6Addr:
		return &unix.SockaddrInet6{Port: a.Port, ZoneId: a.ZoneID, Addr: a.Addr}, nil
	case UnixAddr:
		return &unix.SockaddrUnix{Name: a.Path}, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}

func fromSysSockaddr(sa unix.Sockaddr) Sockaddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return Inet4Addr{Addr: a.Addr, Port: a.Port}
	case *unix.SockaddrInet6:
		return Inet6Addr{Addr: a.Addr, Port: a.Port, ZoneID: a.ZoneId}
	case *unix.SockaddrUnix:
		return UnixAddr{Path: a.Name}
	default:
		return nil
	}
}

// Startup is a no-op: POSIX needs no process-wide socket initialization.
func (platformAPI) Startup() error { return nil }

// Cleanup is a no-op on POSIX.
func (platformAPI) Cleanup() error { return nil }

func (platformAPI) Socket(family Family, typ SockType, proto Protocol) (Handle, error) {
	af, err := sysFamily(family)
	if err != nil {
		return InvalidHandle, err
	}
	st, err := sysType(typ)
	if err != nil {
		return InvalidHandle, err
	}
	fd, err := unix.Socket(af, st, sysProto(proto))
	if err != nil {
		return InvalidHandle, err
	}
	unix.CloseOnExec(fd)
	if err := setNoSigpipe(fd); err != nil {
		unix.Close(fd)
		return InvalidHandle, err
	}
	return Handle(fd), nil
}

func (platformAPI) Bind(h Handle, addr Sockaddr) error {
	sa, err := toSysSockaddr(addr)
	if err != nil {
		return err
	}
	return unix.Bind(int(h), sa)
}

func (platformAPI) Listen(h Handle, backlog int) error {
	return unix.Listen(int(h), backlog)
}

func (platformAPI) Accept(h Handle) (Handle, Sockaddr, error) {
	nfd, sa, err := unix.Accept(int(h))
	if err != nil {
		return InvalidHandle, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := setNoSigpipe(nfd); err != nil {
		unix.Close(nfd)
		return InvalidHandle, nil, err
	}
	return Handle(nfd), fromSysSockaddr(sa), nil
}

func (platformAPI) Connect(h Handle, addr Sockaddr) error {
	sa, err := toSysSockaddr(addr)
	if err != nil {
		return err
	}
	return unix.Connect(int(h), sa)
}

func (platformAPI) Send(h Handle, p []byte) (int, error) {
	return unix.SendmsgN(int(h), p, nil, nil, sendMsgFlags)
}

func (platformAPI) Recv(h Handle, p []byte, peek bool) (int, error) {
	flags := 0
	if peek {
		flags = unix.MSG_PEEK
	}
	n, _, err := unix.Recvfrom(int(h), p, flags)
	return n, err
}

func (platformAPI) SendTo(h Handle, p []byte, addr Sockaddr) (int, error) {
	sa, err := toSysSockaddr(addr)
	if err != nil {
		return 0, err
	}
	return unix.SendmsgN(int(h), p, nil, sa, sendMsgFlags)
}

func (platformAPI) RecvFrom(h Handle, p []byte) (int, Sockaddr, error) {
	n, sa, err := unix.Recvfrom(int(h), p, 0)
	if err != nil {
		return n, nil, err
	}
	return n, fromSysSockaddr(sa), nil
}

func (platformAPI) SetsockoptInt(h Handle, level, name, value int) error {
	return unix.SetsockoptInt(int(h), level, name, value)
}

func (platformAPI) GetsockoptInt(h Handle, level, name int) (int, error) {
	return unix.GetsockoptInt(int(h), level, name)
}

func (platformAPI) SetReuseAddress(h Handle) error {
	return unix.SetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func (platformAPI) SetDualStack(h Handle, enabled bool) error {
	v6only := 1
	if enabled {
		v6only = 0
	}
	return unix.SetsockoptInt(int(h), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only)
}

func (platformAPI) SetNonblock(h Handle, nonblocking bool) error {
	return unix.SetNonblock(int(h), nonblocking)
}

func (platformAPI) SetIOTimeout(h Handle, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(int(h), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}
	return unix.SetsockoptTimeval(int(h), unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}

func (platformAPI) Shutdown(h Handle, how ShutdownHow) error {
	var sysHow int
	switch how {
	case ShutRead:
		sysHow = unix.SHUT_RD
	case ShutWrite:
		sysHow = unix.SHUT_WR
	case ShutBoth:
		sysHow = unix.SHUT_RDWR
	default:
		return unix.EINVAL
	}
	return unix.Shutdown(int(h), sysHow)
}

func (platformAPI) Close(h Handle) error {
	return unix.Close(int(h))
}

func (platformAPI) Poll(h Handle, forWrite bool, timeout time.Duration) (bool, error) {
	events := int16(unix.POLLIN)
	if forWrite {
		events = unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(h), Events: events}}
	n, err := unix.Poll(fds, pollMillis(timeout))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// pollMillis converts a duration into the millisecond argument poll
// expects: negative waits indefinitely, sub-millisecond positive waits are
// rounded up so they do not degrade into an immediate return.
func pollMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}

func (platformAPI) LocalAddr(h Handle) (Sockaddr, error) {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return nil, err
	}
	return fromSysSockaddr(sa), nil
}

func (platformAPI) PeerAddr(h Handle) (Sockaddr, error) {
	sa, err := unix.Getpeername(int(h))
	if err != nil {
		return nil, err
	}
	return fromSysSockaddr(sa), nil
}

func (platformAPI) ErrnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

func (platformAPI) ErrnoMessage(code int) string {
	if code == 0 {
		return ""
	}
	return unix.Errno(code).Error()
}

func (platformAPI) MaxBacklog() int {
	return unix.SOMAXCONN
}

// ErrnoError converts a platform error code back into an error value, for
// codes recovered out-of-band such as SO_ERROR after a non-blocking
// connect.
func ErrnoError(code int) error {
	return unix.Errno(code)
}

// IsTimeout reports whether err is the expiry of a bounded operation: a
// receive or send timeout (which the platform reports as a would-block
// condition once SO_RCVTIMEO/SO_SNDTIMEO elapse) or a connect deadline.
func IsTimeout(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.ETIMEDOUT
}

// IsWouldBlock reports whether err is the immediate-return condition of an
// operation on a non-blocking socket that found no data or buffer space.
func IsWouldBlock(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EAGAIN || errno == unix.EWOULDBLOCK
}

// IsInProgress reports whether err is the platform's way of saying a
// non-blocking connect has started and completion must be observed via a
// writability poll.
func IsInProgress(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EINPROGRESS
}

// IsConnReset reports whether err is a connection-reset-by-peer failure.
func IsConnReset(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.ECONNRESET
}
