//go:build darwin

package sockapi

import "golang.org/x/sys/unix"

// Darwin has no MSG_NOSIGNAL; SIGPIPE suppression is configured per
// socket with SO_NOSIGPIPE instead.
const sendMsgFlags = 0

func setNoSigpipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}
