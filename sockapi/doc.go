// Package sockapi defines the platform socket capability surface used by
// the rest of the library.
//
// Every operating-system divergence lives behind the API interface: there
// are exactly two implementations, one for POSIX platforms built on
// golang.org/x/sys/unix and one for Windows built on Winsock, and the
// build configuration selects which one compiles. Code above this package
// is written against the interface only and never branches on the
// platform.
//
// # Capability Surface
//
// The interface mirrors the classic socket call set: create, bind, listen,
// accept, connect, send, receive, option access, shutdown, close, a
// readiness poll with a bounded timeout, and a non-blocking mode toggle.
// Two translation helpers round it out: ErrnoOf extracts the originating
// platform error code from an error value, and ErrnoMessage renders a code
// as human-readable text without ever failing itself, so error reporting
// stays usable from cleanup paths.
//
// # Deliberate Asymmetries
//
// SetReuseAddress applies SO_REUSEADDR on POSIX but SO_EXCLUSIVEADDRUSE on
// Windows, where plain reuse semantics would permit port hijacking.
// SetIOTimeout takes a duration and hides the struct-timeval versus
// DWORD-milliseconds representation difference. Send suppresses
// SIGPIPE-style signal delivery on the platforms that support doing so per
// call or per socket.
package sockapi
