//go:build unix

package libsock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opd-ai/libsock/sockapi"
)

func TestSocketConnectDeadline(t *testing.T) {
	fa := newFakeAPI()
	fa.onConnect = func(sockapi.Handle, sockapi.Sockaddr) error { return unix.EINPROGRESS }
	var polledWrite bool
	var polledTimeout time.Duration
	fa.onPoll = func(forWrite bool, timeout time.Duration) (bool, error) {
		polledWrite = forWrite
		polledTimeout = timeout
		return false, nil
	}
	resolver := fakeResolver{candidates: []Candidate{v4Candidate(9)}}

	sock, err := newStreamSocket(context.Background(), fa, resolver, "192.0.2.1", 9, 0)
	require.NoError(t, err)
	require.NoError(t, sock.SetTimeout(50*time.Millisecond, true))

	err = sock.Connect()
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "deadline expiry must be a timeout: %v", err)
	assert.True(t, polledWrite, "completion is awaited as writability")
	assert.Equal(t, 50*time.Millisecond, polledTimeout)
	assert.Equal(t, 0, fa.openCount(), "the timed-out handle must be closed")
}

func TestSocketConnectReportsSocketError(t *testing.T) {
	fa := newFakeAPI()
	fa.onConnect = func(sockapi.Handle, sockapi.Sockaddr) error { return unix.EINPROGRESS }
	fa.onSockErr = func() int { return int(unix.ECONNREFUSED) }
	resolver := fakeResolver{candidates: []Candidate{v4Candidate(9)}}

	sock, err := newStreamSocket(context.Background(), fa, resolver, "192.0.2.1", 9, 0)
	require.NoError(t, err)
	require.NoError(t, sock.SetTimeout(50*time.Millisecond, true))

	err = sock.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ECONNREFUSED,
		"the refusal read back from the socket error option must surface")
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, OpConnect, serr.Op)
}

func TestSocketConnectInProgressWithoutDeadline(t *testing.T) {
	fa := newFakeAPI()
	fa.onConnect = func(sockapi.Handle, sockapi.Sockaddr) error { return unix.EINPROGRESS }
	var polledTimeout time.Duration
	fa.onPoll = func(forWrite bool, timeout time.Duration) (bool, error) {
		polledTimeout = timeout
		return true, nil
	}
	resolver := fakeResolver{candidates: []Candidate{v4Candidate(9)}}

	sock, err := newStreamSocket(context.Background(), fa, resolver, "192.0.2.1", 9, 0)
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, sock.Connect())
	assert.Negative(t, polledTimeout, "no deadline means an indefinite wait")
}
