package libsock

import (
	"errors"
	"fmt"

	"github.com/opd-ai/libsock/sockapi"
)

// Common error conditions callers branch on
var (
	// ErrClosedByPeer indicates the peer closed the connection cleanly
	// (a zero-byte read), distinguished from a true I/O failure
	ErrClosedByPeer = errors.New("connection closed by peer")

	// ErrInvalidState indicates an operation on a socket lacking the
	// required prior state (closed handle, bind before address selection)
	ErrInvalidState = errors.New("socket is not in a valid state")

	// ErrNoAddress indicates resolution produced no usable candidate
	ErrNoAddress = errors.New("no usable address candidate")
)

// Op identifies the socket operation a failure originated from. The set of
// values is the library's whole error taxonomy: callers that need to react
// to a class of failure switch on Op, callers that need a specific
// condition use errors.Is with the sentinel values.
type Op string

const (
	OpResolve   Op = "resolve"
	OpCreate    Op = "create"
	OpConfigure Op = "configure"
	OpBind      Op = "bind"
	OpListen    Op = "listen"
	OpAccept    Op = "accept"
	OpConnect   Op = "connect"
	OpRead      Op = "read"
	OpWrite     Op = "write"
	OpSend      Op = "send"
	OpReceive   Op = "receive"
	OpShutdown  Op = "shutdown"
	OpOption    Op = "option"
	OpPoll      Op = "poll"
	OpClose     Op = "close"
)

// Error is a socket failure with operation context. It carries the
// originating platform error code alongside the resolved message so that
// diagnostics survive translation boundaries.
type Error struct {
	Op   Op     // operation that failed
	Addr string // address involved, if relevant
	Code int    // platform error code, 0 when none applies
	Err  error  // underlying error
}

func (e *Error) Error() string {
	what := string(e.Op)
	if e.Addr != "" {
		what += " " + e.Addr
	}
	if e.Code != 0 {
		return fmt.Sprintf("sock %s: %v (%d)", what, e.Err, e.Code)
	}
	return fmt.Sprintf("sock %s: %v", what, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was the expiry of a bounded wait.
func (e *Error) Timeout() bool {
	return sockapi.IsTimeout(e.Err)
}

// newError wraps err with operation context, recovering the platform code
// when err carries one.
func newError(op Op, addr string, err error) *Error {
	return &Error{
		Op:   op,
		Addr: addr,
		Code: sockapi.System().ErrnoOf(err),
		Err:  err,
	}
}

// IsTimeout reports whether err, anywhere in its chain, is the expiry of a
// bounded wait: a receive or send timeout or a connect deadline.
func IsTimeout(err error) bool {
	return sockapi.IsTimeout(err)
}
