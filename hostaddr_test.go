package libsock

import (
	"testing"
)

func TestInterfaceAddressString(t *testing.T) {
	entry := InterfaceAddress{Name: "lo", Family: "IPv4", Address: "127.0.0.1"}
	expected := "lo IPv4 Address 127.0.0.1"
	if got := entry.String(); got != expected {
		t.Errorf("String() = %q, want %q", got, expected)
	}
}

func TestHostAddresses(t *testing.T) {
	addrs, err := HostAddresses()
	if err != nil {
		t.Fatalf("HostAddresses failed: %v", err)
	}
	if len(addrs) == 0 {
		t.Fatal("expected at least one interface address")
	}

	foundLoopback := false
	for _, a := range addrs {
		if a.Name == "" {
			t.Errorf("entry with empty interface name: %+v", a)
		}
		if a.Family != "IPv4" && a.Family != "IPv6" {
			t.Errorf("entry with unexpected family %q", a.Family)
		}
		if a.Address == "127.0.0.1" || a.Address == "::1" {
			foundLoopback = true
		}
	}
	if !foundLoopback {
		t.Error("enumeration should include a loopback address")
	}
}
