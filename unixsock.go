//go:build unix

package libsock

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/libsock/sockapi"
)

// errEmptyPath rejects Unix socket construction without a filesystem path.
var errEmptyPath = errors.New("socket path is empty")

// UnixSocket is a Unix-domain stream socket addressed by a filesystem
// path. One UnixSocket serves either role: Bind, Listen and Accept make
// it a listener, Connect makes it a client. Sockets returned by Accept
// carry the listener's path for display but do not own the path on the
// filesystem; only the bound listener unlinks it on Close.
//
// Read and write semantics match the TCP Socket, including
// ErrClosedByPeer on a zero-byte stream read.
type UnixSocket struct {
	mu     sync.Mutex
	api    sockapi.API
	handle sockapi.Handle
	path   string
	bound  bool
	buffer []byte
	state  sockState
}

// NewUnixSocket creates a Unix-domain stream socket for the given path.
// The path is recorded; nothing touches the filesystem until Bind or
// Connect.
func NewUnixSocket(path string) (*UnixSocket, error) {
	return newUnixSocket(sockapi.System(), path)
}

func newUnixSocket(api sockapi.API, path string) (*UnixSocket, error) {
	if path == "" {
		return nil, newError(OpCreate, path, errEmptyPath)
	}
	h, err := api.Socket(sockapi.FamilyUnix, sockapi.TypeStream, sockapi.ProtoDefault)
	if err != nil {
		return nil, newError(OpCreate, path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewUnixSocket",
		"path":     path,
	}).Debug("unix socket created")
	return &UnixSocket{
		api:    api,
		handle: h,
		path:   path,
		buffer: make([]byte, DefaultBufferSize),
		state:  stateUnbound,
	}, nil
}

func newAcceptedUnixSocket(api sockapi.API, h sockapi.Handle, path string) *UnixSocket {
	return &UnixSocket{
		api:    api,
		handle: h,
		path:   path,
		buffer: make([]byte, DefaultBufferSize),
		state:  stateConnected,
	}
}

// Bind attaches the socket to its path. A stale file at the path is
// removed first so a listener restarted after a crash can reclaim its
// address; removal failures are left for bind itself to report.
func (u *UnixSocket) Bind() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != stateUnbound || !u.handle.Valid() {
		return newError(OpBind, u.path, ErrInvalidState)
	}
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "UnixSocket.Bind",
			"path":     u.path,
			"error":    err,
		}).Debug("stale path not removed")
	}
	if err := u.api.Bind(u.handle, sockapi.UnixAddr{Path: u.path}); err != nil {
		return newError(OpBind, u.path, err)
	}
	u.bound = true
	u.state = stateBound
	logrus.WithFields(logrus.Fields{
		"function": "UnixSocket.Bind",
		"path":     u.path,
	}).Debug("unix socket bound")
	return nil
}

// Listen marks the bound socket passive. A backlog of zero or less uses
// the platform maximum queue hint.
func (u *UnixSocket) Listen(backlog int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != stateBound || !u.handle.Valid() {
		return newError(OpListen, u.path, ErrInvalidState)
	}
	if backlog <= 0 {
		backlog = u.api.MaxBacklog()
	}
	if err := u.api.Listen(u.handle, backlog); err != nil {
		return newError(OpListen, u.path, err)
	}
	u.state = stateListening
	return nil
}

// Accept blocks until a client connects and returns a connected socket
// owning the new handle. Closing the listener from another goroutine is
// the way to interrupt a blocked Accept.
func (u *UnixSocket) Accept() (*UnixSocket, error) {
	u.mu.Lock()
	if u.state != stateListening || !u.handle.Valid() {
		u.mu.Unlock()
		return nil, newError(OpAccept, u.path, ErrInvalidState)
	}
	api, h, path := u.api, u.handle, u.path
	u.mu.Unlock()

	nh, _, err := api.Accept(h)
	if err != nil {
		return nil, newError(OpAccept, path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "UnixSocket.Accept",
		"path":     path,
	}).Debug("connection accepted")
	return newAcceptedUnixSocket(api, nh, path), nil
}

// Connect establishes the stream connection to the path's listener.
func (u *UnixSocket) Connect() error {
	u.mu.Lock()
	if u.state != stateUnbound || !u.handle.Valid() {
		u.mu.Unlock()
		return newError(OpConnect, u.path, ErrInvalidState)
	}
	api, h, path := u.api, u.handle, u.path
	u.mu.Unlock()

	if err := api.Connect(h, sockapi.UnixAddr{Path: path}); err != nil {
		return newError(OpConnect, path, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != stateUnbound {
		return newError(OpConnect, path, ErrInvalidState)
	}
	u.state = stateConnected
	logrus.WithFields(logrus.Fields{
		"function": "UnixSocket.Connect",
		"path":     path,
	}).Debug("connection established")
	return nil
}

func (u *UnixSocket) ioArgs(op Op) (sockapi.API, sockapi.Handle, []byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != stateConnected || !u.handle.Valid() {
		return nil, sockapi.InvalidHandle, nil, newError(op, u.path, ErrInvalidState)
	}
	return u.api, u.handle, u.buffer, nil
}

// ReadString receives up to one scratch buffer's worth of data and
// returns it as a string.
func (u *UnixSocket) ReadString() (string, error) {
	api, h, buf, err := u.ioArgs(OpRead)
	if err != nil {
		return "", err
	}
	return recvString(api, h, u.path, buf)
}

// ReadExact receives exactly size bytes, looping over short reads.
func (u *UnixSocket) ReadExact(size int) ([]byte, error) {
	api, h, _, err := u.ioArgs(OpRead)
	if err != nil {
		return nil, err
	}
	return recvExact(api, h, u.path, size)
}

// ReadAvailable receives whatever is queued, up to max bytes, with a
// single receive.
func (u *UnixSocket) ReadAvailable(max int) ([]byte, error) {
	api, h, _, err := u.ioArgs(OpRead)
	if err != nil {
		return nil, err
	}
	return recvAvailable(api, h, u.path, max)
}

// Write sends p with a single send call and returns the count the
// platform accepted.
func (u *UnixSocket) Write(p []byte) (int, error) {
	api, h, _, err := u.ioArgs(OpWrite)
	if err != nil {
		return 0, err
	}
	return sendBytes(api, h, u.path, p)
}

// WriteString sends the string with a single send call and returns the
// accepted count.
func (u *UnixSocket) WriteString(str string) (int, error) {
	return u.Write([]byte(str))
}

// SetNonBlocking toggles non-blocking mode on the handle.
func (u *UnixSocket) SetNonBlocking(enabled bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == stateClosed || !u.handle.Valid() {
		return newError(OpOption, u.path, ErrInvalidState)
	}
	if err := u.api.SetNonblock(u.handle, enabled); err != nil {
		return newError(OpOption, u.path, err)
	}
	return nil
}

// SetTimeout bounds blocking reads, writes and accepts. A zero duration
// restores indefinite blocking.
func (u *UnixSocket) SetTimeout(d time.Duration) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == stateClosed || !u.handle.Valid() {
		return newError(OpOption, u.path, ErrInvalidState)
	}
	if d < 0 {
		d = 0
	}
	if err := u.api.SetIOTimeout(u.handle, d); err != nil {
		return newError(OpOption, u.path, err)
	}
	return nil
}

// Path returns the filesystem path the socket was created for.
func (u *UnixSocket) Path() string {
	return u.path
}

// IsValid reports whether the socket still owns a live handle.
func (u *UnixSocket) IsValid() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handle.Valid()
}

// Close releases the handle and, on the bound listener, unlinks the
// socket path. A best-effort shutdown precedes the close on connected
// sockets; its refusal is logged and swallowed. Close is idempotent.
func (u *UnixSocket) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == stateClosed {
		return nil
	}
	connected := u.state == stateConnected
	u.state = stateClosed
	h := u.handle
	u.handle = sockapi.InvalidHandle
	if h.Valid() {
		if connected {
			if err := u.api.Shutdown(h, sockapi.ShutBoth); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "UnixSocket.Close",
					"path":     u.path,
					"error":    err,
				}).Debug("shutdown before close refused")
			}
		}
		if err := u.api.Close(h); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UnixSocket.Close",
				"path":     u.path,
				"error":    err,
			}).Warn("close failed")
			return newError(OpClose, u.path, err)
		}
	}
	if u.bound {
		u.bound = false
		if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "UnixSocket.Close",
				"path":     u.path,
				"error":    err,
			}).Warn("socket path not removed")
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "UnixSocket.Close",
		"path":     u.path,
	}).Debug("unix socket closed")
	return nil
}
