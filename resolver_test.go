package libsock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/libsock/sockapi"
)

// fakeAPI is a scriptable in-memory capability implementation for
// selection-policy and lifecycle tests. Handles are counted up from 1 and
// tracked, so a double close or a leaked handle shows up as a test
// failure. Behavior is overridden per test through the on* hooks; the
// defaults succeed.
type fakeAPI struct {
	mu       sync.Mutex
	handles  sockapi.Handle
	open     map[sockapi.Handle]bool
	families map[sockapi.Handle]sockapi.Family
	dual     map[sockapi.Handle]bool
	binds    map[sockapi.Handle]sockapi.Sockaddr
	connects []sockapi.Sockaddr
	sent     []sockapi.Sockaddr
	reuse    int
	closes   int

	onSocket  func(family sockapi.Family) error
	onDual    func(h sockapi.Handle) error
	onBind    func(h sockapi.Handle, addr sockapi.Sockaddr) error
	onConnect func(h sockapi.Handle, addr sockapi.Sockaddr) error
	onAccept  func(h sockapi.Handle) (sockapi.Handle, sockapi.Sockaddr, error)
	onRecv    func(p []byte, peek bool) (int, error)
	onPoll    func(forWrite bool, timeout time.Duration) (bool, error)
	onSockErr func() int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		open:     make(map[sockapi.Handle]bool),
		families: make(map[sockapi.Handle]sockapi.Family),
		dual:     make(map[sockapi.Handle]bool),
		binds:    make(map[sockapi.Handle]sockapi.Sockaddr),
	}
}

func (f *fakeAPI) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, live := range f.open {
		if live {
			n++
		}
	}
	return n
}

func (f *fakeAPI) Startup() error { return nil }

func (f *fakeAPI) Cleanup() error { return nil }

func (f *fakeAPI) Socket(family sockapi.Family, typ sockapi.SockType, proto sockapi.Protocol) (sockapi.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSocket != nil {
		if err := f.onSocket(family); err != nil {
			return sockapi.InvalidHandle, err
		}
	}
	f.handles++
	h := f.handles
	f.open[h] = true
	f.families[h] = family
	return h, nil
}

func (f *fakeAPI) Bind(h sockapi.Handle, addr sockapi.Sockaddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onBind != nil {
		if err := f.onBind(h, addr); err != nil {
			return err
		}
	}
	f.binds[h] = addr
	return nil
}

func (f *fakeAPI) Listen(h sockapi.Handle, backlog int) error { return nil }

func (f *fakeAPI) Accept(h sockapi.Handle) (sockapi.Handle, sockapi.Sockaddr, error) {
	if f.onAccept != nil {
		return f.onAccept(h)
	}
	return sockapi.InvalidHandle, nil, errors.New("accept not scripted")
}

func (f *fakeAPI) Connect(h sockapi.Handle, addr sockapi.Sockaddr) error {
	f.mu.Lock()
	f.connects = append(f.connects, addr)
	f.mu.Unlock()
	if f.onConnect != nil {
		return f.onConnect(h, addr)
	}
	return nil
}

func (f *fakeAPI) Send(h sockapi.Handle, p []byte) (int, error) { return len(p), nil }

func (f *fakeAPI) Recv(h sockapi.Handle, p []byte, peek bool) (int, error) {
	if f.onRecv != nil {
		return f.onRecv(p, peek)
	}
	return 0, nil
}

func (f *fakeAPI) SendTo(h sockapi.Handle, p []byte, addr sockapi.Sockaddr) (int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, addr)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeAPI) RecvFrom(h sockapi.Handle, p []byte) (int, sockapi.Sockaddr, error) {
	return 0, sockapi.Inet4Addr{}, nil
}

func (f *fakeAPI) SetsockoptInt(h sockapi.Handle, level, name, value int) error { return nil }

func (f *fakeAPI) GetsockoptInt(h sockapi.Handle, level, name int) (int, error) {
	if name == sockapi.OptSocketError && f.onSockErr != nil {
		return f.onSockErr(), nil
	}
	return 0, nil
}

func (f *fakeAPI) SetReuseAddress(h sockapi.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reuse++
	return nil
}

func (f *fakeAPI) SetDualStack(h sockapi.Handle, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onDual != nil {
		if err := f.onDual(h); err != nil {
			return err
		}
	}
	f.dual[h] = enabled
	return nil
}

func (f *fakeAPI) SetNonblock(h sockapi.Handle, nonblocking bool) error { return nil }

func (f *fakeAPI) SetIOTimeout(h sockapi.Handle, d time.Duration) error { return nil }

func (f *fakeAPI) Shutdown(h sockapi.Handle, how sockapi.ShutdownHow) error { return nil }

func (f *fakeAPI) Close(h sockapi.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[h] {
		return errors.New("close of a handle that is not open")
	}
	f.open[h] = false
	f.closes++
	return nil
}

func (f *fakeAPI) Poll(h sockapi.Handle, forWrite bool, timeout time.Duration) (bool, error) {
	if f.onPoll != nil {
		return f.onPoll(forWrite, timeout)
	}
	return true, nil
}

func (f *fakeAPI) LocalAddr(h sockapi.Handle) (sockapi.Sockaddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr, ok := f.binds[h]; ok {
		return addr, nil
	}
	return sockapi.Inet4Addr{Addr: [4]byte{127, 0, 0, 1}}, nil
}

func (f *fakeAPI) PeerAddr(h sockapi.Handle) (sockapi.Sockaddr, error) {
	return sockapi.Inet4Addr{Addr: [4]byte{127, 0, 0, 1}}, nil
}

func (f *fakeAPI) ErrnoOf(err error) int { return 0 }

func (f *fakeAPI) ErrnoMessage(code int) string { return "" }

func (f *fakeAPI) MaxBacklog() int { return 128 }

// fakeResolver returns a fixed candidate slice or error.
type fakeResolver struct {
	candidates []Candidate
	err        error
}

func (r fakeResolver) Resolve(ctx context.Context, host string, port uint16, hints Hints) ([]Candidate, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.candidates, nil
}

func v6Candidate(port int) Candidate {
	return Candidate{
		Family:   sockapi.FamilyInet6,
		Type:     sockapi.TypeStream,
		Protocol: sockapi.ProtoTCP,
		Addr:     sockapi.Inet6Addr{Port: port},
	}
}

func v4Candidate(port int) Candidate {
	return Candidate{
		Family:   sockapi.FamilyInet,
		Type:     sockapi.TypeStream,
		Protocol: sockapi.ProtoTCP,
		Addr:     sockapi.Inet4Addr{Addr: [4]byte{127, 0, 0, 1}, Port: port},
	}
}

func TestWildcardCandidates(t *testing.T) {
	t.Run("unspecified family yields IPv6 first", func(t *testing.T) {
		out := wildcardCandidates(80, Hints{Type: sockapi.TypeStream, Protocol: sockapi.ProtoTCP})
		if len(out) != 2 {
			t.Fatalf("candidate count = %d, want 2", len(out))
		}
		if out[0].Family != sockapi.FamilyInet6 {
			t.Errorf("first family = %v, want IPv6", out[0].Family)
		}
		if out[1].Family != sockapi.FamilyInet {
			t.Errorf("second family = %v, want IPv4", out[1].Family)
		}
	})

	t.Run("family restriction is honored", func(t *testing.T) {
		out := wildcardCandidates(80, Hints{Family: sockapi.FamilyInet})
		if len(out) != 1 || out[0].Family != sockapi.FamilyInet {
			t.Errorf("candidates = %+v, want single IPv4", out)
		}
	})

	t.Run("port is carried into the addresses", func(t *testing.T) {
		out := wildcardCandidates(33445, Hints{})
		a, ok := out[0].Addr.(sockapi.Inet6Addr)
		if !ok || a.Port != 33445 {
			t.Errorf("wildcard v6 address = %+v, want port 33445", out[0].Addr)
		}
	})
}

func TestSystemResolverNumericHost(t *testing.T) {
	candidates, err := SystemResolver.Resolve(context.Background(), "127.0.0.1", 8080, Hints{
		Type:     sockapi.TypeStream,
		Protocol: sockapi.ProtoTCP,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("Resolve returned no candidates")
	}
	c := candidates[0]
	if c.Family != sockapi.FamilyInet {
		t.Errorf("family = %v, want IPv4", c.Family)
	}
	a, ok := c.Addr.(sockapi.Inet4Addr)
	if !ok {
		t.Fatalf("address type = %T, want Inet4Addr", c.Addr)
	}
	if a.Addr != [4]byte{127, 0, 0, 1} || a.Port != 8080 {
		t.Errorf("address = %+v", a)
	}
}

func TestSystemResolverFamilyFilter(t *testing.T) {
	candidates, err := SystemResolver.Resolve(context.Background(), "::1", 80, Hints{
		Family: sockapi.FamilyInet,
	})
	if err == nil {
		t.Errorf("resolving ::1 with an IPv4 restriction should fail, got %+v", candidates)
	}
	if !errors.Is(err, ErrNoAddress) {
		t.Errorf("error = %v, want ErrNoAddress", err)
	}
}

func TestResolveCandidates(t *testing.T) {
	t.Run("resolver failure wraps as resolve", func(t *testing.T) {
		boom := errors.New("lookup refused")
		_, err := resolveCandidates(context.Background(), fakeResolver{err: boom}, "x", 1, Hints{}, "x:1")
		var serr *Error
		if !errors.As(err, &serr) || serr.Op != OpResolve {
			t.Fatalf("error = %v, want resolve operation", err)
		}
		if !errors.Is(err, boom) {
			t.Error("underlying resolver error should be reachable")
		}
	})

	t.Run("empty result wraps ErrNoAddress", func(t *testing.T) {
		_, err := resolveCandidates(context.Background(), fakeResolver{}, "x", 1, Hints{}, "x:1")
		if !errors.Is(err, ErrNoAddress) {
			t.Fatalf("error = %v, want ErrNoAddress", err)
		}
	})
}

func TestChooseListeningPrefersDualStack(t *testing.T) {
	fa := newFakeAPI()
	list := newAddrList([]Candidate{v6Candidate(9000), v4Candidate(9000)})

	h, err := chooseListening(fa, list, ":9000")
	if err != nil {
		t.Fatalf("chooseListening failed: %v", err)
	}
	if !h.Valid() {
		t.Fatal("returned handle should be valid")
	}
	if fa.families[h] != sockapi.FamilyInet6 {
		t.Errorf("selected family = %v, want IPv6", fa.families[h])
	}
	if !fa.dual[h] {
		t.Error("dual-stack option should be enabled on the IPv6 socket")
	}
	c, ok := list.selectedCandidate()
	if !ok || c.Family != sockapi.FamilyInet6 {
		t.Errorf("selected candidate = %+v, ok=%v", c, ok)
	}
}

func TestChooseListeningFallsBackToIPv4(t *testing.T) {
	fa := newFakeAPI()
	fa.onSocket = func(family sockapi.Family) error {
		if family == sockapi.FamilyInet6 {
			return errors.New("address family not supported")
		}
		return nil
	}
	list := newAddrList([]Candidate{v6Candidate(9000), v4Candidate(9000)})

	h, err := chooseListening(fa, list, ":9000")
	if err != nil {
		t.Fatalf("chooseListening failed: %v", err)
	}
	if fa.families[h] != sockapi.FamilyInet {
		t.Errorf("selected family = %v, want IPv4 fallback", fa.families[h])
	}
	c, _ := list.selectedCandidate()
	if c.Family != sockapi.FamilyInet {
		t.Errorf("selected candidate family = %v, want IPv4", c.Family)
	}
}

func TestChooseListeningDualStackFailureIsFatal(t *testing.T) {
	fa := newFakeAPI()
	fa.onDual = func(h sockapi.Handle) error {
		return errors.New("option refused")
	}
	list := newAddrList([]Candidate{v6Candidate(9000), v4Candidate(9000)})

	_, err := chooseListening(fa, list, ":9000")
	var serr *Error
	if !errors.As(err, &serr) || serr.Op != OpConfigure {
		t.Fatalf("error = %v, want configure operation", err)
	}
	if fa.openCount() != 0 {
		t.Errorf("open handles after fatal failure = %d, want 0", fa.openCount())
	}
	if len(list.candidates) != 0 {
		t.Error("candidate list should be released on the fatal path")
	}
}

func TestChooseListeningAllCreationFails(t *testing.T) {
	fa := newFakeAPI()
	boom := errors.New("no sockets today")
	fa.onSocket = func(sockapi.Family) error { return boom }
	list := newAddrList([]Candidate{v6Candidate(1), v4Candidate(1)})

	_, err := chooseListening(fa, list, ":1")
	var serr *Error
	if !errors.As(err, &serr) || serr.Op != OpCreate {
		t.Fatalf("error = %v, want create operation", err)
	}
	if !errors.Is(err, boom) {
		t.Error("last creation failure should be reachable")
	}
	if len(list.candidates) != 0 {
		t.Error("candidate list should be released when nothing is usable")
	}
}

func TestChooseFirstSkipsUncreatable(t *testing.T) {
	fa := newFakeAPI()
	fa.onSocket = func(family sockapi.Family) error {
		if family == sockapi.FamilyInet6 {
			return errors.New("no IPv6 here")
		}
		return nil
	}
	list := newAddrList([]Candidate{v6Candidate(80), v4Candidate(80)})

	h, err := chooseFirst(fa, list, "example:80")
	if err != nil {
		t.Fatalf("chooseFirst failed: %v", err)
	}
	if fa.families[h] != sockapi.FamilyInet {
		t.Errorf("selected family = %v, want IPv4", fa.families[h])
	}
	if list.selected != 1 {
		t.Errorf("selected index = %d, want 1", list.selected)
	}
}

func TestAddrListRelease(t *testing.T) {
	list := newAddrList([]Candidate{v4Candidate(1)})
	list.selected = 0
	list.release()
	if _, ok := list.selectedCandidate(); ok {
		t.Error("selection should not survive release")
	}
	// released and nil lists tolerate another release
	list.release()
	var nilList *addrList
	nilList.release()
}
