package libsock

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/libsock/sockapi"
)

// Candidate is one resolver-produced record describing a usable
// combination of address family, socket type, protocol and binary address.
type Candidate struct {
	Family   sockapi.Family
	Type     sockapi.SockType
	Protocol sockapi.Protocol
	Addr     sockapi.Sockaddr
}

// Hints constrain a resolution request.
type Hints struct {
	// Family restricts candidates to one family; FamilyUnspec allows any.
	Family sockapi.Family
	// Type is the socket type the candidates will be used with.
	Type sockapi.SockType
	// Protocol is the transport protocol the candidates will be used with.
	Protocol sockapi.Protocol
	// Passive marks wildcard (bind) resolution rather than active
	// (connect) resolution.
	Passive bool
}

// Resolver produces candidate socket addresses for a host and port. This
// abstraction keeps the system resolver replaceable, which the
// selection-policy tests rely on.
type Resolver interface {
	// Resolve returns the candidates for host and port in preference
	// order. An empty host with passive hints means "all interfaces".
	Resolve(ctx context.Context, host string, port uint16, hints Hints) ([]Candidate, error)
}

// SystemResolver resolves through the operating system's resolver.
var SystemResolver Resolver = systemResolver{}

type systemResolver struct{}

func (systemResolver) Resolve(ctx context.Context, host string, port uint16, hints Hints) ([]Candidate, error) {
	if hints.Passive && host == "" {
		return wildcardCandidates(port, hints), nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(ips))
	for _, ia := range ips {
		family := sockapi.FamilyInet6
		if ia.IP.To4() != nil {
			family = sockapi.FamilyInet
		}
		if hints.Family != sockapi.FamilyUnspec && hints.Family != family {
			continue
		}
		addr := sockaddrFromIP(ia.IP, port)
		if a, ok := addr.(sockapi.Inet6Addr); ok && ia.Zone != "" {
			if ifi, err := net.InterfaceByName(ia.Zone); err == nil {
				a.ZoneID = uint32(ifi.Index)
				addr = a
			}
		}
		out = append(out, Candidate{
			Family:   family,
			Type:     hints.Type,
			Protocol: hints.Protocol,
			Addr:     addr,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoAddress
	}
	return out, nil
}

// wildcardCandidates synthesizes the passive "all interfaces" pair, IPv6
// first so the two-pass listener selection can prefer a dual-stack socket.
func wildcardCandidates(port uint16, hints Hints) []Candidate {
	out := make([]Candidate, 0, 2)
	if hints.Family == sockapi.FamilyUnspec || hints.Family == sockapi.FamilyInet6 {
		out = append(out, Candidate{
			Family:   sockapi.FamilyInet6,
			Type:     hints.Type,
			Protocol: hints.Protocol,
			Addr:     sockapi.Inet6Addr{Port: int(port)},
		})
	}
	if hints.Family == sockapi.FamilyUnspec || hints.Family == sockapi.FamilyInet {
		out = append(out, Candidate{
			Family:   sockapi.FamilyInet,
			Type:     hints.Type,
			Protocol: hints.Protocol,
			Addr:     sockapi.Inet4Addr{Port: int(port)},
		})
	}
	return out
}

// addrList owns one resolution result together with the index of the
// candidate that produced a usable socket. List and selection are released
// as a unit, so a selected reference can never outlive its list.
type addrList struct {
	candidates []Candidate
	selected   int
}

func newAddrList(candidates []Candidate) *addrList {
	return &addrList{candidates: candidates, selected: -1}
}

// selectedCandidate returns the chosen candidate; ok is false when the
// list was released or nothing has been selected yet.
func (l *addrList) selectedCandidate() (Candidate, bool) {
	if l == nil || l.selected < 0 || l.selected >= len(l.candidates) {
		return Candidate{}, false
	}
	return l.candidates[l.selected], true
}

// release drops the candidates and clears the selection in one step.
// Safe to call repeatedly.
func (l *addrList) release() {
	if l == nil {
		return
	}
	l.candidates = nil
	l.selected = -1
}

// resolveCandidates runs one resolution and wraps the result in its owner.
func resolveCandidates(ctx context.Context, r Resolver, host string, port uint16, hints Hints, label string) (*addrList, error) {
	candidates, err := r.Resolve(ctx, host, port, hints)
	if err != nil {
		return nil, newError(OpResolve, label, err)
	}
	if len(candidates) == 0 {
		return nil, newError(OpResolve, label, ErrNoAddress)
	}
	return newAddrList(candidates), nil
}

// chooseListening selects the candidate a passive socket will bind,
// preferring dual-stack IPv6: the first IPv6 candidate whose creation
// succeeds is configured to carry IPv4 traffic too, and a refusal of that
// option is fatal rather than silently degrading to single-stack. Only
// when no IPv6 candidate yields a socket does the walk fall back to IPv4.
func chooseListening(api sockapi.API, list *addrList, label string) (sockapi.Handle, error) {
	var lastErr error
	for i, c := range list.candidates {
		if c.Family != sockapi.FamilyInet6 {
			continue
		}
		h, err := api.Socket(c.Family, c.Type, c.Protocol)
		if err != nil {
			lastErr = err
			continue
		}
		if err := api.SetDualStack(h, true); err != nil {
			closeQuiet(api, h, "chooseListening")
			list.release()
			return sockapi.InvalidHandle, newError(OpConfigure, label, err)
		}
		list.selected = i
		logrus.WithFields(logrus.Fields{
			"function": "chooseListening",
			"address":  label,
			"family":   c.Family.String(),
		}).Debug("selected dual-stack candidate")
		return h, nil
	}
	for i, c := range list.candidates {
		if c.Family != sockapi.FamilyInet {
			continue
		}
		h, err := api.Socket(c.Family, c.Type, c.Protocol)
		if err != nil {
			lastErr = err
			continue
		}
		list.selected = i
		logrus.WithFields(logrus.Fields{
			"function": "chooseListening",
			"address":  label,
			"family":   c.Family.String(),
		}).Debug("selected IPv4 fallback candidate")
		return h, nil
	}
	list.release()
	if lastErr == nil {
		lastErr = ErrNoAddress
	}
	return sockapi.InvalidHandle, newError(OpCreate, label, lastErr)
}

// chooseFirst selects the first candidate in resolver order for which
// socket creation succeeds; connecting stays the caller's step.
func chooseFirst(api sockapi.API, list *addrList, label string) (sockapi.Handle, error) {
	var lastErr error
	for i, c := range list.candidates {
		h, err := api.Socket(c.Family, c.Type, c.Protocol)
		if err != nil {
			lastErr = err
			continue
		}
		list.selected = i
		return h, nil
	}
	list.release()
	if lastErr == nil {
		lastErr = ErrNoAddress
	}
	return sockapi.InvalidHandle, newError(OpCreate, label, lastErr)
}

// closeQuiet releases a handle on a failure or cleanup path, reporting a
// close failure to the diagnostic log only.
func closeQuiet(api sockapi.API, h sockapi.Handle, function string) {
	if !h.Valid() {
		return
	}
	if err := api.Close(h); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": function,
			"error":    err,
		}).Warn("close failed during cleanup")
	}
}
