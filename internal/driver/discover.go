package driver

import (
	"fmt"
	"net"

	"github.com/lvoege/lvrouted/internal/addrutil"
	"github.com/lvoege/lvrouted/internal/ifacemon"
	"github.com/lvoege/lvrouted/internal/neighbor"
	"github.com/lvoege/lvrouted/internal/routetab"
)

// discovered bundles the startup interface/neighbor enumeration step of
// spec §3 "Lifecycle": every directly-attached subnet whose prefix length
// is >= interlinkNetmask and < 32 contributes a Neighbor for every other
// host address in that subnet's host range.
type discovered struct {
	neighbors     neighbor.Set
	directNets    routetab.RouteSet
	zeroHopIfaces map[string]bool
	ifaceNames    []string
}

func discoverNeighbors(interlinkNetmask int, routable addrutil.Range) (*discovered, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	d := &discovered{zeroHopIfaces: make(map[string]bool)}

	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}

		var hasInterlink bool
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			ones, bits := ipNet.Mask.Size()
			if ones >= 32 || ones < interlinkNetmask || bits != 32 {
				continue
			}

			self := addrutil.FromBytes(ip4[0], ip4[1], ip4[2], ip4[3])
			netMask, err := addrutil.Bitmask(ones)
			if err != nil {
				continue
			}
			network := addrutil.Addr(uint32(self) & netMask)

			hasInterlink = true
			d.directNets.Add(routetab.Route{Addr: network, Netmask: ones, Gateway: network})

			hostCount := uint32(1) << (32 - uint(ones))
			for h := uint32(1); h < hostCount-1; h++ {
				host := addrutil.Addr(uint32(network) | h)
				if host == self || !routable.InRange(host) {
					continue
				}
				d.neighbors.Add(&neighbor.Neighbor{Iface: ifc.Name, Addr: host})
			}
		}

		if !hasInterlink {
			continue
		}
		d.ifaceNames = append(d.ifaceNames, ifc.Name)

		mon, err := ifacemon.New(ifc.Name)
		if err != nil {
			return nil, fmt.Errorf("probing interface %s: %w", ifc.Name, err)
		}
		if mon.Kind == ifacemon.Wired {
			d.zeroHopIfaces[ifc.Name] = true
		}
	}

	return d, nil
}
