package libsock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/libsock/sockapi"
)

// DefaultBufferSize is the scratch receive buffer size for sockets
// created without an explicit size, including sockets returned by
// Accept.
const DefaultBufferSize = 512

// ShutdownHow selects which direction of a stream to shut down.
type ShutdownHow = sockapi.ShutdownHow

// Shutdown directions accepted by Socket.Shutdown and
// UnixSocket.Shutdown.
const (
	ShutRead  = sockapi.ShutRead
	ShutWrite = sockapi.ShutWrite
	ShutBoth  = sockapi.ShutBoth
)

// sockState tracks where a socket is in its lifecycle. Operations
// attempted outside the state they require fail with ErrInvalidState.
type sockState int

const (
	stateUnbound sockState = iota
	stateBound
	stateListening
	stateUnconnected
	stateConnected
	stateClosed
)

// String returns a human-readable state name.
func (s sockState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBound:
		return "bound"
	case stateListening:
		return "listening"
	case stateUnconnected:
		return "unconnected"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sockState(%d)", int(s))
	}
}

// Socket is a connected (or connectable) TCP stream socket. Client
// sockets are built by NewSocket and friends and become connected after
// Connect; server-side sockets arrive already connected from
// ServerSocket.Accept.
//
// A Socket is not safe for concurrent method calls, with one exception:
// Close may be called from another goroutine to interrupt a blocked
// Connect or read. A close racing an operation makes the operation fail
// with ErrInvalidState; the handle is released exactly once.
type Socket struct {
	mu             sync.Mutex
	api            sockapi.API
	handle         sockapi.Handle
	list           *addrList
	remote         SocketAddress
	buffer         []byte
	label          string
	state          sockState
	nonblocking    bool
	connectTimeout time.Duration
}

// NewSocket resolves host and prepares a stream socket for the first
// usable candidate. The connection itself is made by Connect.
func NewSocket(host string, port uint16) (*Socket, error) {
	return NewSocketContext(context.Background(), host, port)
}

// NewSocketContext is NewSocket with the resolution step bounded by ctx.
func NewSocketContext(ctx context.Context, host string, port uint16) (*Socket, error) {
	return newStreamSocket(ctx, sockapi.System(), SystemResolver, host, port, DefaultBufferSize)
}

// NewSocketSize is NewSocket with an explicit scratch buffer size for
// ReadString. Sizes below one fall back to DefaultBufferSize.
func NewSocketSize(host string, port uint16, bufferSize int) (*Socket, error) {
	return newStreamSocket(context.Background(), sockapi.System(), SystemResolver, host, port, bufferSize)
}

func newStreamSocket(ctx context.Context, api sockapi.API, resolver Resolver, host string, port uint16, bufferSize int) (*Socket, error) {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	label := fmt.Sprintf("%s:%d", host, port)
	list, err := resolveCandidates(ctx, resolver, host, port, Hints{
		Type:     sockapi.TypeStream,
		Protocol: sockapi.ProtoTCP,
	}, label)
	if err != nil {
		return nil, err
	}
	h, err := chooseFirst(api, list, label)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewSocket",
		"address":  label,
	}).Debug("stream socket created")
	return &Socket{
		api:    api,
		handle: h,
		list:   list,
		buffer: make([]byte, bufferSize),
		label:  label,
		state:  stateUnconnected,
	}, nil
}

// newAcceptedSocket wraps a handle returned by accept. The peer snapshot
// was normalized at capture and survives Close.
func newAcceptedSocket(api sockapi.API, h sockapi.Handle, remote SocketAddress) *Socket {
	return &Socket{
		api:    api,
		handle: h,
		remote: remote,
		buffer: make([]byte, DefaultBufferSize),
		label:  remote.String(),
		state:  stateConnected,
	}
}

// Connect establishes the stream connection, walking the resolved
// candidates in order. A failed candidate's handle is closed and the next
// candidate gets a fresh one; when every candidate refuses, the last
// failure is reported. On success the winning candidate's address becomes
// the remote snapshot and the candidate list is released.
//
// With a connect timeout set via SetTimeout the attempt is bounded: the
// handle connects in non-blocking mode, writability is awaited within the
// deadline and the outcome is read back from the socket error option. The
// configured blocking mode is restored either way.
func (s *Socket) Connect() error {
	s.mu.Lock()
	if s.state != stateUnconnected || !s.handle.Valid() {
		s.mu.Unlock()
		return newError(OpConnect, s.label, ErrInvalidState)
	}
	api := s.api
	timeout := s.connectTimeout
	nonblocking := s.nonblocking
	candidates := s.list.candidates
	start := s.list.selected
	h := s.handle
	s.mu.Unlock()

	if start < 0 || start >= len(candidates) {
		return newError(OpConnect, s.label, ErrNoAddress)
	}

	var lastErr error
	for i := start; i < len(candidates); i++ {
		c := candidates[i]
		if i > start {
			nh, err := api.Socket(c.Family, c.Type, c.Protocol)
			if err != nil {
				lastErr = err
				continue
			}
			h = nh
			if !s.adoptAttempt(h) {
				closeQuiet(api, h, "Socket.Connect")
				return newError(OpConnect, s.label, ErrInvalidState)
			}
		}
		err := connectOne(api, h, c, timeout, nonblocking)
		if err == nil {
			return s.commitConnect(h, c)
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "Socket.Connect",
			"address":  s.label,
			"family":   c.Family.String(),
			"error":    err,
		}).Debug("candidate refused")
		if !s.reclaimAttempt(h) {
			return newError(OpConnect, s.label, ErrInvalidState)
		}
		closeQuiet(api, h, "Socket.Connect")
		h = sockapi.InvalidHandle
	}
	if lastErr == nil {
		lastErr = ErrNoAddress
	}
	return newError(OpConnect, s.label, lastErr)
}

// connectOne runs a single connect attempt on h. The handle is switched
// to non-blocking so the deadline can be enforced with a bounded poll; a
// non-positive timeout polls indefinitely, matching a plain blocking
// connect. The caller's configured mode is reinstated before returning.
func connectOne(api sockapi.API, h sockapi.Handle, c Candidate, timeout time.Duration, nonblocking bool) error {
	if err := api.SetNonblock(h, true); err != nil {
		return err
	}
	err := api.Connect(h, c.Addr)
	if err != nil {
		if !sockapi.IsInProgress(err) && !sockapi.IsWouldBlock(err) {
			return err
		}
		wait := timeout
		if wait <= 0 {
			wait = -1
		}
		ready, perr := api.Poll(h, true, wait)
		if perr != nil {
			return perr
		}
		if !ready {
			return sockapi.ErrTimedOut
		}
		code, gerr := api.GetsockoptInt(h, sockapi.LevelSocket, sockapi.OptSocketError)
		if gerr != nil {
			return gerr
		}
		if code != 0 {
			return sockapi.ErrnoError(code)
		}
	}
	return api.SetNonblock(h, nonblocking)
}

// adoptAttempt publishes the current attempt's handle so a concurrent
// Close can find and close it, interrupting the blocked attempt. It
// reports false when the socket was closed meanwhile.
func (s *Socket) adoptAttempt(h sockapi.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnconnected {
		return false
	}
	s.handle = h
	return true
}

// reclaimAttempt takes a failed attempt's handle back so it is closed
// exactly once even when Close raced the attempt. It reports false when
// the socket was closed, in which case Close already owns the release.
func (s *Socket) reclaimAttempt(h sockapi.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnconnected {
		return false
	}
	if s.handle == h {
		s.handle = sockapi.InvalidHandle
	}
	return true
}

func (s *Socket) commitConnect(h sockapi.Handle, c Candidate) error {
	s.mu.Lock()
	if s.state != stateUnconnected {
		s.mu.Unlock()
		closeQuiet(s.api, h, "Socket.Connect")
		return newError(OpConnect, s.label, ErrInvalidState)
	}
	s.handle = h
	s.state = stateConnected
	s.remote = snapshotFromSockaddr(c.Addr)
	s.list.release()
	s.list = nil
	remote := s.remote
	s.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Socket.Connect",
		"address":  remote.String(),
	}).Debug("connection established")
	return nil
}

// ioArgs validates the connected state and snapshots what a blocking
// call needs, so the lock is not held across the call itself.
func (s *Socket) ioArgs(op Op) (sockapi.API, sockapi.Handle, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected || !s.handle.Valid() {
		return nil, sockapi.InvalidHandle, nil, newError(op, s.label, ErrInvalidState)
	}
	return s.api, s.handle, s.buffer, nil
}

// ReadString receives up to one scratch buffer's worth of data and
// returns it as a string. A zero-byte result means the peer shut the
// stream down and is reported as ErrClosedByPeer.
func (s *Socket) ReadString() (string, error) {
	api, h, buf, err := s.ioArgs(OpRead)
	if err != nil {
		return "", err
	}
	return recvString(api, h, s.label, buf)
}

// ReadExact receives exactly size bytes, looping over short reads. The
// peer closing the stream before size bytes arrive is reported as
// ErrClosedByPeer.
func (s *Socket) ReadExact(size int) ([]byte, error) {
	api, h, _, err := s.ioArgs(OpRead)
	if err != nil {
		return nil, err
	}
	return recvExact(api, h, s.label, size)
}

// ReadAvailable receives whatever is queued, up to max bytes, with a
// single receive.
func (s *Socket) ReadAvailable(max int) ([]byte, error) {
	api, h, _, err := s.ioArgs(OpRead)
	if err != nil {
		return nil, err
	}
	return recvAvailable(api, h, s.label, max)
}

// Write sends p with a single send call and returns the count the
// platform accepted, which may be short. Callers needing completeness
// loop themselves.
func (s *Socket) Write(p []byte) (int, error) {
	api, h, _, err := s.ioArgs(OpWrite)
	if err != nil {
		return 0, err
	}
	return sendBytes(api, h, s.label, p)
}

// WriteString sends the string with a single send call and returns the
// accepted count.
func (s *Socket) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Shutdown closes one or both directions of the stream without
// releasing the handle.
func (s *Socket) Shutdown(how ShutdownHow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected || !s.handle.Valid() {
		return newError(OpShutdown, s.label, ErrInvalidState)
	}
	if err := s.api.Shutdown(s.handle, how); err != nil {
		return newError(OpShutdown, s.label, err)
	}
	return nil
}

// SetNonBlocking switches the handle between blocking and non-blocking
// mode. The mode is tracked so Connect and IsConnected can restore it
// after their internal toggling.
func (s *Socket) SetNonBlocking(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed || !s.handle.Valid() {
		return newError(OpOption, s.label, ErrInvalidState)
	}
	if err := s.api.SetNonblock(s.handle, enabled); err != nil {
		return newError(OpOption, s.label, err)
	}
	s.nonblocking = enabled
	return nil
}

// SetTimeout bounds blocking calls. With forConnect the duration bounds
// the next Connect; otherwise it bounds reads and writes through the
// platform I/O timeout options. A zero duration restores indefinite
// blocking.
func (s *Socket) SetTimeout(d time.Duration, forConnect bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed || !s.handle.Valid() {
		return newError(OpOption, s.label, ErrInvalidState)
	}
	if d < 0 {
		d = 0
	}
	if forConnect {
		s.connectTimeout = d
		return nil
	}
	if err := s.api.SetIOTimeout(s.handle, d); err != nil {
		return newError(OpOption, s.label, err)
	}
	return nil
}

// EnableNoDelay toggles Nagle coalescing on the connection.
func (s *Socket) EnableNoDelay(enabled bool) error {
	return s.setBoolOption(sockapi.LevelTCP, sockapi.OptNoDelay, enabled)
}

// EnableKeepAlive toggles TCP keep-alive probing on the connection.
func (s *Socket) EnableKeepAlive(enabled bool) error {
	return s.setBoolOption(sockapi.LevelSocket, sockapi.OptKeepAlive, enabled)
}

func (s *Socket) setBoolOption(level, name int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed || !s.handle.Valid() {
		return newError(OpOption, s.label, ErrInvalidState)
	}
	value := 0
	if enabled {
		value = 1
	}
	if err := s.api.SetsockoptInt(s.handle, level, name, value); err != nil {
		return newError(OpOption, s.label, err)
	}
	return nil
}

// SetBufferSize resizes the scratch buffer used by ReadString. Data is
// not carried over; callers resize between reads.
func (s *Socket) SetBufferSize(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		return newError(OpOption, s.label, fmt.Errorf("buffer size %d out of range", n))
	}
	s.buffer = make([]byte, n)
	return nil
}

// WaitReady polls the handle for readability or writability, waiting at
// most d. A negative d waits indefinitely. It reports whether the handle
// became ready within the wait.
func (s *Socket) WaitReady(forWrite bool, d time.Duration) (bool, error) {
	s.mu.Lock()
	if s.state == stateClosed || !s.handle.Valid() {
		s.mu.Unlock()
		return false, newError(OpPoll, s.label, ErrInvalidState)
	}
	api, h := s.api, s.handle
	s.mu.Unlock()
	ready, err := api.Poll(h, forWrite, d)
	if err != nil {
		return false, newError(OpPoll, s.label, err)
	}
	return ready, nil
}

// IsConnected probes the connection without consuming data: a one-byte
// peek in non-blocking mode distinguishes live connections (data queued
// or would-block) from ones the peer has shut down or reset. The
// configured blocking mode is restored afterwards.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	if s.state != stateConnected || !s.handle.Valid() {
		s.mu.Unlock()
		return false
	}
	api, h, nonblocking := s.api, s.handle, s.nonblocking
	s.mu.Unlock()

	if !nonblocking {
		if err := api.SetNonblock(h, true); err != nil {
			return false
		}
		defer func() {
			if err := api.SetNonblock(h, false); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Socket.IsConnected",
					"error":    err,
				}).Warn("restoring blocking mode failed")
			}
		}()
	}
	var probe [1]byte
	n, err := api.Recv(h, probe[:], true)
	switch {
	case err == nil:
		return n > 0
	case sockapi.IsWouldBlock(err):
		return true
	default:
		return false
	}
}

// RemoteAddress returns the peer snapshot captured when the connection
// was established or accepted. The snapshot survives Close; before a
// connection exists the zero SocketAddress is returned.
func (s *Socket) RemoteAddress() SocketAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// LocalAddress reports the local address the platform assigned, or the
// zero SocketAddress when the socket has none.
func (s *Socket) LocalAddress() SocketAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handle.Valid() {
		return SocketAddress{}
	}
	sa, err := s.api.LocalAddr(s.handle)
	if err != nil {
		return SocketAddress{}
	}
	return snapshotFromSockaddr(sa)
}

// IsValid reports whether the socket still owns a live handle.
func (s *Socket) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Valid()
}

// Close releases the handle and any unreleased candidate list. A
// best-effort shutdown precedes the close on connected sockets; its
// refusal is logged and swallowed. Close is idempotent and may be called
// from another goroutine to interrupt a blocked call on the socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	connected := s.state == stateConnected
	s.state = stateClosed
	h := s.handle
	s.handle = sockapi.InvalidHandle
	s.list.release()
	s.list = nil
	if !h.Valid() {
		return nil
	}
	if connected {
		if err := s.api.Shutdown(h, sockapi.ShutBoth); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Socket.Close",
				"address":  s.label,
				"error":    err,
			}).Debug("shutdown before close refused")
		}
	}
	if err := s.api.Close(h); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Socket.Close",
			"address":  s.label,
			"error":    err,
		}).Warn("close failed")
		return newError(OpClose, s.label, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Socket.Close",
		"address":  s.label,
	}).Debug("socket closed")
	return nil
}

// sendBytes writes p once and reports the count the platform accepted.
func sendBytes(api sockapi.API, h sockapi.Handle, label string, p []byte) (int, error) {
	n, err := api.Send(h, p)
	if err != nil {
		return 0, newError(OpWrite, label, err)
	}
	return n, nil
}

// recvString receives once into buf and returns the bytes as a string.
func recvString(api sockapi.API, h sockapi.Handle, label string, buf []byte) (string, error) {
	n, err := api.Recv(h, buf, false)
	if err != nil {
		return "", newError(OpRead, label, err)
	}
	if n == 0 {
		return "", newError(OpRead, label, ErrClosedByPeer)
	}
	return string(buf[:n]), nil
}

// recvExact loops until exactly size bytes have been received.
func recvExact(api sockapi.API, h sockapi.Handle, label string, size int) ([]byte, error) {
	if size < 0 {
		return nil, newError(OpRead, label, fmt.Errorf("read size %d out of range", size))
	}
	out := make([]byte, size)
	read := 0
	for read < size {
		n, err := api.Recv(h, out[read:], false)
		if err != nil {
			return nil, newError(OpRead, label, err)
		}
		if n == 0 {
			return nil, newError(OpRead, label, ErrClosedByPeer)
		}
		read += n
	}
	return out, nil
}

// recvAvailable receives once, returning up to max bytes.
func recvAvailable(api sockapi.API, h sockapi.Handle, label string, max int) ([]byte, error) {
	if max < 1 {
		return nil, newError(OpRead, label, fmt.Errorf("read size %d out of range", max))
	}
	out := make([]byte, max)
	n, err := api.Recv(h, out, false)
	if err != nil {
		return nil, newError(OpRead, label, err)
	}
	if n == 0 {
		return nil, newError(OpRead, label, ErrClosedByPeer)
	}
	return out[:n], nil
}
