//go:build linux || freebsd || netbsd || openbsd || dragonfly

package sockapi

import "golang.org/x/sys/unix"

// sendMsgFlags suppresses SIGPIPE delivery per send call on platforms
// that support the MSG_NOSIGNAL flag.
const sendMsgFlags = unix.MSG_NOSIGNAL

func setNoSigpipe(fd int) error {
	return nil
}
