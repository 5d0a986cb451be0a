package libsock

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// InterfaceAddress is one address of one local network interface.
type InterfaceAddress struct {
	Name    string
	Family  string
	Address string
}

// String renders the entry as "<name> <family> Address <address>".
func (a InterfaceAddress) String() string {
	return fmt.Sprintf("%s %s Address %s", a.Name, a.Family, a.Address)
}

// HostAddresses enumerates the addresses of every local interface,
// loopback included, one entry per address. Interfaces whose address
// list cannot be read are skipped so a single broken interface does not
// hide the rest.
func HostAddresses() ([]InterfaceAddress, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, newError(OpResolve, "interfaces", err)
	}
	out := make([]InterfaceAddress, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "HostAddresses",
				"interface": iface.Name,
				"error":     err,
			}).Warn("interface addresses unavailable")
			continue
		}
		for _, addr := range addrs {
			ip := ipOf(addr)
			if ip == nil {
				continue
			}
			family := "IPv6"
			if ip.To4() != nil {
				family = "IPv4"
			}
			out = append(out, InterfaceAddress{
				Name:    iface.Name,
				Family:  family,
				Address: ip.String(),
			})
		}
	}
	return out, nil
}

// ipOf extracts the IP from the address forms interface enumeration
// returns.
func ipOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPNet:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}
