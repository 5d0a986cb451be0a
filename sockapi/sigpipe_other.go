//go:build unix && !linux && !freebsd && !netbsd && !openbsd && !dragonfly && !darwin

package sockapi

// No portable per-call or per-socket SIGPIPE suppression on the remaining
// POSIX targets; callers there should ignore SIGPIPE process-wide.
const sendMsgFlags = 0

func setNoSigpipe(fd int) error {
	return nil
}
