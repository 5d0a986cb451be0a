package libsock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/libsock/sockapi"
)

// errPortReserved rejects listening on port 0 before the OS is consulted.
var errPortReserved = errors.New("port 0 is reserved")

// ServerSocket is a listening TCP socket. Construction resolves the
// wildcard address and creates the handle; Bind, Listen and Accept then
// walk the lifecycle. The state sequence is unbound, bound, listening,
// closed; operations attempted out of sequence fail with ErrInvalidState,
// and close on an already-closed socket is a no-op.
//
// A ServerSocket owns exactly one OS handle and is not safe for
// concurrent method calls beyond Close, which may be used from another
// goroutine to interrupt a blocked Accept.
type ServerSocket struct {
	mu     sync.Mutex
	api    sockapi.API
	handle sockapi.Handle
	port   uint16
	list   *addrList
	state  sockState
}

// NewServerSocket prepares a listening socket for the given local port on
// all interfaces. IPv6 with the dual-stack option is preferred; IPv4 is
// the fallback when no IPv6 candidate yields a socket. The
// platform-appropriate address-reuse option is applied unconditionally.
func NewServerSocket(port uint16) (*ServerSocket, error) {
	return NewServerSocketContext(context.Background(), port)
}

// NewServerSocketContext is NewServerSocket with the resolution step
// bounded by ctx.
func NewServerSocketContext(ctx context.Context, port uint16) (*ServerSocket, error) {
	return newServerSocket(ctx, sockapi.System(), SystemResolver, port)
}

func newServerSocket(ctx context.Context, api sockapi.API, resolver Resolver, port uint16) (*ServerSocket, error) {
	label := fmt.Sprintf(":%d", port)
	list, err := resolveCandidates(ctx, resolver, "", port, Hints{
		Type:     sockapi.TypeStream,
		Protocol: sockapi.ProtoTCP,
		Passive:  true,
	}, label)
	if err != nil {
		return nil, err
	}
	h, err := chooseListening(api, list, label)
	if err != nil {
		return nil, err
	}
	if err := api.SetReuseAddress(h); err != nil {
		closeQuiet(api, h, "newServerSocket")
		list.release()
		return nil, newError(OpConfigure, label, err)
	}
	c, _ := list.selectedCandidate()
	logrus.WithFields(logrus.Fields{
		"function": "NewServerSocket",
		"port":     port,
		"family":   c.Family.String(),
	}).Debug("listening socket created")
	return &ServerSocket{
		api:    api,
		handle: h,
		port:   port,
		list:   list,
		state:  stateUnbound,
	}, nil
}

func (s *ServerSocket) label() string {
	return fmt.Sprintf(":%d", s.port)
}

// Bind assigns the selected wildcard address to the handle. Port 0 is
// rejected as reserved before the OS call; the failure is recoverable and
// a fresh socket for a valid port is unaffected by it.
func (s *ServerSocket) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnbound || !s.handle.Valid() {
		return newError(OpBind, s.label(), ErrInvalidState)
	}
	c, ok := s.list.selectedCandidate()
	if !ok {
		return newError(OpBind, s.label(), ErrNoAddress)
	}
	if s.port == 0 {
		return newError(OpBind, s.label(), errPortReserved)
	}
	if err := s.api.Bind(s.handle, c.Addr); err != nil {
		return newError(OpBind, s.label(), err)
	}
	s.state = stateBound
	logrus.WithFields(logrus.Fields{
		"function": "ServerSocket.Bind",
		"port":     s.port,
	}).Debug("socket bound")
	return nil
}

// Listen marks the socket passive. A backlog of zero or less uses the
// platform maximum queue hint.
func (s *ServerSocket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBound || !s.handle.Valid() {
		return newError(OpListen, s.label(), ErrInvalidState)
	}
	if backlog <= 0 {
		backlog = s.api.MaxBacklog()
	}
	if err := s.api.Listen(s.handle, backlog); err != nil {
		return newError(OpListen, s.label(), err)
	}
	s.state = stateListening
	logrus.WithFields(logrus.Fields{
		"function": "ServerSocket.Listen",
		"port":     s.port,
		"backlog":  backlog,
	}).Debug("socket listening")
	return nil
}

// Accept blocks until an incoming connection arrives and returns a
// connected socket that independently owns the new handle. The peer
// address is captured, normalized and carried by the returned socket.
// Closing the ServerSocket from another goroutine is the way to interrupt
// a blocked Accept; whether that unblocks promptly is platform-dependent.
func (s *ServerSocket) Accept() (*Socket, error) {
	s.mu.Lock()
	if s.state != stateListening || !s.handle.Valid() {
		s.mu.Unlock()
		return nil, newError(OpAccept, s.label(), ErrInvalidState)
	}
	api, h := s.api, s.handle
	s.mu.Unlock()

	nh, peer, err := api.Accept(h)
	if err != nil {
		return nil, newError(OpAccept, s.label(), err)
	}
	remote := snapshotFromSockaddr(peer)
	logrus.WithFields(logrus.Fields{
		"function": "ServerSocket.Accept",
		"port":     s.port,
		"remote":   remote.String(),
	}).Debug("connection accepted")
	return newAcceptedSocket(api, nh, remote), nil
}

// LocalAddress reports the bound local address, or the zero SocketAddress
// when the socket has none.
func (s *ServerSocket) LocalAddress() SocketAddress {
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

// Port returns the port the socket was constructed for.
func (s *ServerSocket) Port() uint16 {
	return s.port
}

// SetNonBlocking toggles non-blocking mode on the listening handle.
func (s *ServerSocket) SetNonBlocking(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handle.Valid() {
		return newError(OpOption, s.label(), ErrInvalidState)
	}
	if err := s.api.SetNonblock(s.handle, enabled); err != nil {
		return newError(OpOption, s.label(), err)
	}
	return nil
}

// SetTimeout bounds blocking Accept calls. A zero duration restores
// indefinite blocking.
func (s *ServerSocket) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.handle.Valid() {
		return newError(OpOption, s.label(), ErrInvalidState)
	}
	if d < 0 {
		d = 0
	}
	if err := s.api.SetIOTimeout(s.handle, d); err != nil {
		return newError(OpOption, s.label(), err)
	}
	return nil
}

// IsValid reports whether the socket still owns a live handle.
func (s *ServerSocket) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Valid()
}

// Close releases the handle and the candidate list. A best-effort
// shutdown precedes the close; its refusal is logged and swallowed. Close
// is idempotent: the second and later calls are no-ops.
func (s *ServerSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	h := s.handle
	s.handle = sockapi.InvalidHandle
	s.list.release()
	s.list = nil
	if !h.Valid() {
		return nil
	}
	if err := s.api.Shutdown(h, sockapi.ShutBoth); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServerSocket.Close",
			"port":     s.port,
			"error":    err,
		}).Debug("shutdown before close refused")
	}
	if err := s.api.Close(h); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServerSocket.Close",
			"port":     s.port,
			"error":    err,
		}).Warn("close failed")
		return newError(OpClose, s.label(), err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ServerSocket.Close",
		"port":     s.port,
	}).Debug("listening socket closed")
	return nil
}
