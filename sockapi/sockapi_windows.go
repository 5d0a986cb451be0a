//go:build windows

package sockapi

import (
	"errors"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// platformAPI is the Winsock capability implementation. Calls the standard
// library exports where they exist and goes through ws2_32.dll directly for
// the handful it does not export (accept, data transfer with flags,
// ioctlsocket, WSAPoll).
type platformAPI struct{}

var (
	modws2_32 = windows.NewLazySystemDLL("ws2_32.dll")

	procaccept      = modws2_32.NewProc("accept")
	procsend        = modws2_32.NewProc("send")
	procrecv        = modws2_32.NewProc("recv")
	procsendto      = modws2_32.NewProc("sendto")
	procrecvfrom    = modws2_32.NewProc("recvfrom")
	procioctlsocket = modws2_32.NewProc("ioctlsocket")
	procWSAPoll     = modws2_32.NewProc("WSAPoll")
)

// Winsock values not exported by the standard library (winsock2.h).
const (
	soExclusiveAddrUse = ^syscall.SO_REUSEADDR // SO_EXCLUSIVEADDRUSE
	soRcvTimeo         = 0x1006                // SO_RCVTIMEO, DWORD milliseconds
	soSndTimeo         = 0x1005                // SO_SNDTIMEO, DWORD milliseconds
	soError            = 0x1007                // SO_ERROR
	msgPeek            = 0x2                   // MSG_PEEK
	fionbio            = 0x8004667e            // FIONBIO ioctlsocket command
	pollRdNorm         = 0x0100                // POLLRDNORM
	pollWrNorm         = 0x0010                // POLLWRNORM
)

// Option level and name constants for the raw pass-through accessors.
// OptReuseAddr maps to SO_EXCLUSIVEADDRUSE here; plain SO_REUSEADDR on
// Windows would permit port hijacking.
const (
	LevelSocket = syscall.SOL_SOCKET
	LevelTCP    = syscall.IPPROTO_TCP
	LevelIPv6   = syscall.IPPROTO_IPV6

	OptReuseAddr   = soExclusiveAddrUse
	OptKeepAlive   = syscall.SO_KEEPALIVE
	OptNoDelay     = syscall.TCP_NODELAY
	OptV6Only      = syscall.IPV6_V6ONLY
	OptBroadcast   = syscall.SO_BROADCAST
	OptRecvBuffer  = syscall.SO_RCVBUF
	OptSendBuffer  = syscall.SO_SNDBUF
	OptSocketError = soError
)

// ErrTimedOut is the platform error reported when a bounded operation's
// deadline expires without the operation completing.
var ErrTimedOut error = syscall.WSAETIMEDOUT

func sysFamily(f Family) (int, error) {
	switch f {
	case FamilyInet:
		return syscall.AF_INET, nil
	case FamilyInet6:
		return syscall.AF_INET6, nil
	default:
		// The local-socket family is not wired on Windows builds.
		return 0, syscall.WSAEAFNOSUPPORT
	}
}

func sysType(t SockType) (int, error) {
	switch t {
	case TypeStream:
		return syscall.SOCK_STREAM, nil
	case TypeDatagram:
		return syscall.SOCK_DGRAM, nil
	default:
		return 0, syscall.WSAEINVAL
	}
}

func sysProto(p Protocol) int {
	switch p {
	case ProtoTCP:
		return syscall.IPPROTO_TCP
	case ProtoUDP:
		return syscall.IPPROTO_UDP
	default:
		return 0
	}
}

func toSysSockaddr(addr Sockaddr) (syscall.Sockaddr, error) {
	switch a := addr.(type) {
	case Inet4Addr:
		return &syscall.SockaddrInet4{Port: a.Port, Addr: a.Addr}, nil
	case Inet6Addr:
		return &syscall.SockaddrInet6{Port: a.Port, ZoneId: a.ZoneID, Addr: a.Addr}, nil
	default:
		return nil, syscall.WSAEAFNOSUPPORT
	}
}

// sockaddrToRaw marshals an address into the wire-layout sockaddr buffer
// the direct ws2_32 calls take.
func sockaddrToRaw(addr Sockaddr) (*syscall.RawSockaddrAny, int32, error) {
	raw := new(syscall.RawSockaddrAny)
	switch a := addr.(type) {
	case Inet4Addr:
		sa := (*syscall.RawSockaddrInet4)(unsafe.Pointer(raw))
		sa.Family = syscall.AF_INET
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		p[0] = byte(a.Port >> 8)
		p[1] = byte(a.Port)
		sa.Addr = a.Addr
		return raw, int32(unsafe.Sizeof(syscall.RawSockaddrInet4{})), nil
	case Inet6Addr:
		sa := (*syscall.RawSockaddrInet6)(unsafe.Pointer(raw))
		sa.Family = syscall.AF_INET6
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		p[0] = byte(a.Port >> 8)
		p[1] = byte(a.Port)
		sa.Addr = a.Addr
		sa.Scope_id = a.ZoneID
		return raw, int32(unsafe.Sizeof(syscall.RawSockaddrInet6{})), nil
	default:
		return nil, 0, syscall.WSAEAFNOSUPPORT
	}
}

func rawToSockaddr(raw *syscall.RawSockaddrAny) Sockaddr {
	switch raw.Addr.Family {
	case syscall.AF_INET:
		sa := (*syscall.RawSockaddrInet4)(unsafe.Pointer(raw))
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		return Inet4Addr{Addr: sa.Addr, Port: int(p[0])<<8 + int(p[1])}
	case syscall.AF_INET6:
		sa := (*syscall.RawSockaddrInet6)(unsafe.Pointer(raw))
		p := (*[2]byte)(unsafe.Pointer(&sa.Port))
		return Inet6Addr{Addr: sa.Addr, Port: int(p[0])<<8 + int(p[1]), ZoneID: sa.Scope_id}
	default:
		return nil
	}
}

func fromSysSockaddr(sa syscall.Sockaddr) Sockaddr {
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		return Inet4Addr{Addr: a.Addr, Port: a.Port}
	case *syscall.SockaddrInet6:
		return Inet6Addr{Addr: a.Addr, Port: a.Port, ZoneID: a.ZoneId}
	default:
		return nil
	}
}

// callErr turns a direct ws2_32 call's SOCKET_ERROR outcome into the
// carried Errno.
func callErr(e error) error {
	var errno syscall.Errno
	if errors.As(e, &errno) && errno != 0 {
		return errno
	}
	return syscall.WSAEINVAL
}

func dataPtr(p []byte) uintptr {
	if len(p) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&p[0]))
}

// Startup initializes Winsock 2.2 for the process.
func (platformAPI) Startup() error {
	var data windows.WSAData
	// MAKEWORD(2, 2)
	return windows.WSAStartup(uint32(0x202), &data)
}

// Cleanup releases the Winsock reference taken by Startup.
func (platformAPI) Cleanup() error {
	return windows.WSACleanup()
}

func (platformAPI) Socket(family Family, typ SockType, proto Protocol) (Handle, error) {
	af, err := sysFamily(family)
	if err != nil {
		return InvalidHandle, err
	}
	st, err := sysType(typ)
	if err != nil {
		return InvalidHandle, err
	}
	fd, err := syscall.Socket(af, st, sysProto(proto))
	if err != nil {
		return InvalidHandle, err
	}
	return Handle(fd), nil
}

func (platformAPI) Bind(h Handle, addr Sockaddr) error {
	sa, err := toSysSockaddr(addr)
	if err != nil {
		return err
	}
	return syscall.Bind(syscall.Handle(h), sa)
}

func (platformAPI) Listen(h Handle, backlog int) error {
	return syscall.Listen(syscall.Handle(h), backlog)
}

func (platformAPI) Accept(h Handle) (Handle, Sockaddr, error) {
	var raw syscall.RawSockaddrAny
	size := int32(unsafe.Sizeof(raw))
	r, _, e := procaccept.Call(uintptr(h),
		uintptr(unsafe.Pointer(&raw)), uintptr(unsafe.Pointer(&size)))
	if syscall.Handle(r) == syscall.InvalidHandle {
		return InvalidHandle, nil, callErr(e)
	}
	return Handle(r), rawToSockaddr(&raw), nil
}

func (platformAPI) Connect(h Handle, addr Sockaddr) error {
	sa, err := toSysSockaddr(addr)
	if err != nil {
		return err
	}
	return syscall.Connect(syscall.Handle(h), sa)
}

func (platformAPI) Send(h Handle, p []byte) (int, error) {
	r, _, e := procsend.Call(uintptr(h), dataPtr(p), uintptr(len(p)), 0)
	if int32(r) == -1 {
		return 0, callErr(e)
	}
	return int(int32(r)), nil
}

func (platformAPI) Recv(h Handle, p []byte, peek bool) (int, error) {
	flags := uintptr(0)
	if peek {
		flags = msgPeek
	}
	r, _, e := procrecv.Call(uintptr(h), dataPtr(p), uintptr(len(p)), flags)
	if int32(r) == -1 {
		return 0, callErr(e)
	}
	return int(int32(r)), nil
}

func (platformAPI) SendTo(h Handle, p []byte, addr Sockaddr) (int, error) {
	raw, rawLen, err := sockaddrToRaw(addr)
	if err != nil {
		return 0, err
	}
	r, _, e := procsendto.Call(uintptr(h), dataPtr(p), uintptr(len(p)), 0,
		uintptr(unsafe.Pointer(raw)), uintptr(rawLen))
	if int32(r) == -1 {
		return 0, callErr(e)
	}
	return int(int32(r)), nil
}

func (platformAPI) RecvFrom(h Handle, p []byte) (int, Sockaddr, error) {
	var raw syscall.RawSockaddrAny
	size := int32(unsafe.Sizeof(raw))
	r, _, e := procrecvfrom.Call(uintptr(h), dataPtr(p), uintptr(len(p)), 0,
		uintptr(unsafe.Pointer(&raw)), uintptr(unsafe.Pointer(&size)))
	if int32(r) == -1 {
		return 0, nil, callErr(e)
	}
	return int(int32(r)), rawToSockaddr(&raw), nil
}

func (platformAPI) SetsockoptInt(h Handle, level, name, value int) error {
	return syscall.SetsockoptInt(syscall.Handle(h), level, name, value)
}

func (platformAPI) GetsockoptInt(h Handle, level, name int) (int, error) {
	var value int32
	size := int32(unsafe.Sizeof(value))
	err := syscall.Getsockopt(syscall.Handle(h), int32(level), int32(name),
		(*byte)(unsafe.Pointer(&value)), &size)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

func (platformAPI) SetReuseAddress(h Handle) error {
	return syscall.SetsockoptInt(syscall.Handle(h), syscall.SOL_SOCKET, soExclusiveAddrUse, 1)
}

func (platformAPI) SetDualStack(h Handle, enabled bool) error {
	v6only := 1
	if enabled {
		v6only = 0
	}
	return syscall.SetsockoptInt(syscall.Handle(h), syscall.IPPROTO_IPV6, syscall.IPV6_V6ONLY, v6only)
}

func (platformAPI) SetNonblock(h Handle, nonblocking bool) error {
	var mode uint32
	if nonblocking {
		mode = 1
	}
	r, _, e := procioctlsocket.Call(uintptr(h), fionbio, uintptr(unsafe.Pointer(&mode)))
	if int32(r) == -1 {
		return callErr(e)
	}
	return nil
}

func (platformAPI) SetIOTimeout(h Handle, d time.Duration) error {
	millis := ioMillis(d)
	if err := syscall.SetsockoptInt(syscall.Handle(h), syscall.SOL_SOCKET, soRcvTimeo, millis); err != nil {
		return err
	}
	return syscall.SetsockoptInt(syscall.Handle(h), syscall.SOL_SOCKET, soSndTimeo, millis)
}

// ioMillis converts a duration into the DWORD-millisecond form Winsock
// timeouts take, rounding sub-millisecond waits up so they stay bounded
// rather than degrading to "no timeout".
func ioMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (platformAPI) Shutdown(h Handle, how ShutdownHow) error {
	var sysHow int
	switch how {
	case ShutRead:
		sysHow = syscall.SHUT_RD
	case ShutWrite:
		sysHow = syscall.SHUT_WR
	case ShutBoth:
		sysHow = syscall.SHUT_RDWR
	default:
		return syscall.WSAEINVAL
	}
	return syscall.Shutdown(syscall.Handle(h), sysHow)
}

func (platformAPI) Close(h Handle) error {
	return syscall.Closesocket(syscall.Handle(h))
}

type wsaPollFd struct {
	fd      uintptr
	events  int16
	revents int16
}

func (platformAPI) Poll(h Handle, forWrite bool, timeout time.Duration) (bool, error) {
	events := int16(pollRdNorm)
	if forWrite {
		events = pollWrNorm
	}
	fds := []wsaPollFd{{fd: uintptr(h), events: events}}
	millis := int32(-1)
	if timeout >= 0 {
		millis = int32(timeout / time.Millisecond)
		if millis == 0 && timeout > 0 {
			millis = 1
		}
	}
	r, _, e := procWSAPoll.Call(uintptr(unsafe.Pointer(&fds[0])), 1,
		uintptr(uint32(millis)))
	if int32(r) == -1 {
		return false, callErr(e)
	}
	return int32(r) > 0, nil
}

func (platformAPI) LocalAddr(h Handle) (Sockaddr, error) {
	sa, err := syscall.Getsockname(syscall.Handle(h))
	if err != nil {
		return nil, err
	}
	return fromSysSockaddr(sa), nil
}

func (platformAPI) PeerAddr(h Handle) (Sockaddr, error) {
	sa, err := syscall.Getpeername(syscall.Handle(h))
	if err != nil {
		return nil, err
	}
	return fromSysSockaddr(sa), nil
}

func (platformAPI) ErrnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

func (platformAPI) ErrnoMessage(code int) string {
	if code == 0 {
		return ""
	}
	return syscall.Errno(code).Error()
}

func (platformAPI) MaxBacklog() int {
	return syscall.SOMAXCONN
}

// ErrnoError converts a platform error code back into an error value, for
// codes recovered out-of-band such as SO_ERROR after a non-blocking
// connect.
func ErrnoError(code int) error {
	return syscall.Errno(code)
}

// IsTimeout reports whether err is the expiry of a bounded operation: a
// receive or send timeout or a connect deadline.
func IsTimeout(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.WSAETIMEDOUT || errno == syscall.WSAEWOULDBLOCK
}

// IsWouldBlock reports whether err is the immediate-return condition of an
// operation on a non-blocking socket that found no data or buffer space.
func IsWouldBlock(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.WSAEWOULDBLOCK
}

// IsInProgress reports whether err is the platform's way of saying a
// non-blocking connect has started; Winsock signals this with
// WSAEWOULDBLOCK rather than an in-progress code.
func IsInProgress(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.WSAEWOULDBLOCK || errno == syscall.WSAEINPROGRESS
}

// IsConnReset reports whether err is a connection-reset-by-peer failure.
func IsConnReset(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.WSAECONNRESET
}
