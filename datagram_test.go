package libsock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/libsock/sockapi"
)

func TestDatagramLoopback(t *testing.T) {
	receiver, err := NewDatagramSocketBound(0)
	require.NoError(t, err)
	defer receiver.Close()

	local := receiver.LocalAddress()
	require.False(t, local.IsZero(), "an ephemeral bind must report its port")
	require.NotZero(t, local.Port)

	sender := NewDatagramSocket()
	defer sender.Close()

	payload := []byte("gtest-udp")
	n, err := sender.SendTo(payload, "127.0.0.1", local.Port)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.NoError(t, receiver.SetTimeout(5*time.Second))
	buf := make([]byte, DefaultBufferSize)
	n, from, err := receiver.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf[:n])

	// the sender snapshot is normalized: plain dotted IPv4 even when the
	// datagram arrived through a dual-stack IPv6 descriptor
	assert.Equal(t, "127.0.0.1", from.IP.String())
	assert.NotZero(t, from.Port)
}

func TestDatagramReceiveTimeout(t *testing.T) {
	receiver, err := NewDatagramSocketBound(0)
	require.NoError(t, err)
	defer receiver.Close()
	require.NoError(t, receiver.SetTimeout(100*time.Millisecond))

	start := time.Now()
	buf := make([]byte, 64)
	_, _, err = receiver.RecvFrom(buf)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expiry must be a timeout: %v", err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, OpReceive, serr.Op)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDatagramLazyDescriptor(t *testing.T) {
	fa := newFakeAPI()
	resolver := fakeResolver{candidates: []Candidate{{
		Family:   sockapi.FamilyInet6,
		Type:     sockapi.TypeDatagram,
		Protocol: sockapi.ProtoUDP,
		Addr:     sockapi.Inet6Addr{Port: 5000},
	}}}
	d := newDatagramSocket(fa, resolver)
	defer d.Close()

	assert.False(t, d.IsValid(), "no descriptor before the first send")

	_, err := d.SendTo([]byte("x"), "host.test", 5000)
	require.NoError(t, err)
	assert.True(t, d.IsValid(), "the first send creates the descriptor")

	h := sockapi.Handle(1)
	assert.Equal(t, sockapi.FamilyInet6, fa.families[h], "descriptor family follows the destination")
	assert.True(t, fa.dual[h], "IPv6 datagram descriptors are always dual-stack")
}

func TestDatagramMapsIPv4DestinationOnDualStack(t *testing.T) {
	fa := newFakeAPI()
	v6 := Candidate{
		Family:   sockapi.FamilyInet6,
		Type:     sockapi.TypeDatagram,
		Protocol: sockapi.ProtoUDP,
		Addr:     sockapi.Inet6Addr{Port: 5000},
	}
	v4 := Candidate{
		Family:   sockapi.FamilyInet,
		Type:     sockapi.TypeDatagram,
		Protocol: sockapi.ProtoUDP,
		Addr:     sockapi.Inet4Addr{Addr: [4]byte{192, 0, 2, 7}, Port: 5001},
	}

	d := newDatagramSocket(fa, fakeResolver{candidates: []Candidate{v6}})
	defer d.Close()
	_, err := d.SendTo([]byte("x"), "host.test", 5000)
	require.NoError(t, err)

	// second send resolves to IPv4 only; the dual-stack descriptor
	// reaches it through the v4-mapped form
	d.resolver = fakeResolver{candidates: []Candidate{v4}}
	_, err = d.SendTo([]byte("y"), "other.test", 5001)
	require.NoError(t, err)

	require.Len(t, fa.sent, 2)
	mapped, ok := fa.sent[1].(sockapi.Inet6Addr)
	require.True(t, ok, "the IPv4 destination must be sent as an IPv6 sockaddr")
	assert.Equal(t, byte(0xff), mapped.Addr[10])
	assert.Equal(t, byte(0xff), mapped.Addr[11])
	assert.Equal(t, [4]byte{192, 0, 2, 7}, [4]byte(mapped.Addr[12:16]))
	assert.Equal(t, 5001, mapped.Port)
}

func TestDatagramSendToResolveFailure(t *testing.T) {
	fa := newFakeAPI()
	boom := errors.New("lookup refused")
	d := newDatagramSocket(fa, fakeResolver{err: boom})
	defer d.Close()

	_, err := d.SendTo([]byte("x"), "nowhere.test", 1)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, OpResolve, serr.Op)
	assert.ErrorIs(t, err, boom)
	assert.False(t, d.IsValid(), "a failed resolution must not create a descriptor")
}

func TestDatagramBindOnce(t *testing.T) {
	receiver, err := NewDatagramSocketBound(0)
	require.NoError(t, err)
	defer receiver.Close()

	err = receiver.Bind(0)
	assert.ErrorIs(t, err, ErrInvalidState, "bind is valid once")
}

func TestDatagramCloseSemantics(t *testing.T) {
	d := NewDatagramSocket()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "second close must be a no-op")

	buf := make([]byte, 8)
	_, _, err := d.RecvFrom(buf)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = d.SendTo([]byte("x"), "127.0.0.1", 9)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDatagramDirectedForm(t *testing.T) {
	fa := newFakeAPI()
	resolver := fakeResolver{candidates: []Candidate{{
		Family:   sockapi.FamilyInet,
		Type:     sockapi.TypeDatagram,
		Protocol: sockapi.ProtoUDP,
		Addr:     sockapi.Inet4Addr{Addr: [4]byte{127, 0, 0, 1}, Port: 7000},
	}}}

	d, err := newDatagramSocketTo(fa, resolver, "127.0.0.1", 7000)
	require.NoError(t, err)
	defer d.Close()

	assert.True(t, d.IsValid(), "the directed form creates its descriptor eagerly")
	assert.Empty(t, fa.connects, "the directed form must not connect")
	assert.Equal(t, sockapi.FamilyInet, fa.families[sockapi.Handle(1)])
}

func TestDatagramOptionPassthrough(t *testing.T) {
	receiver, err := NewDatagramSocketBound(0)
	require.NoError(t, err)
	defer receiver.Close()

	require.NoError(t, receiver.SetOption(sockapi.LevelSocket, sockapi.OptRecvBuffer, 65536))
	got, err := receiver.GetOption(sockapi.LevelSocket, sockapi.OptRecvBuffer)
	require.NoError(t, err)
	assert.NotZero(t, got)
}
