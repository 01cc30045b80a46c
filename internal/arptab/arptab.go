// Package arptab queries the kernel's neighbor (ARP) cache over Linux
// netlink, grounded on the raw NETLINK_ROUTE message construction in the
// teacher's internal/tunnel/netlink.go.
package arptab

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lvoege/lvrouted/internal/addrutil"
)

const (
	nlmsgHdrLen  = 16 // sizeof(nlmsghdr)
	ndmsgLen     = 12 // sizeof(ndmsg)
	rtaHdrLen    = 4  // sizeof(rtattr)
	ndaDst       = 1  // NDA_DST
	ndaLladdr    = 2  // NDA_LLADDR
	ndReachable  = 0x02
	ndStale      = 0x04
	ndDelay      = 0x08
	ndProbe      = 0x10
	ndPermanent  = 0x80
	recvBufBytes = 1 << 16
)

// usableStates are the neighbor-cache states whose lladdr is trustworthy
// enough to advertise as reachable (spec §4.6 "look it up in the current
// ARP snapshot").
const usableStates = ndReachable | ndStale | ndDelay | ndProbe | ndPermanent

// Get queries the kernel's neighbor cache for every IPv4 entry attached to
// iface and returns the address-to-MAC mapping for entries in a usable
// state.
func Get(iface string) (map[addrutil.Addr]net.HardwareAddr, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("binding netlink socket: %w", err)
	}

	msg := buildGetNeighMsg()
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, fmt.Errorf("sending RTM_GETNEIGH: %w", err)
	}

	entries, err := readNeighbors(fd)
	if err != nil {
		return nil, fmt.Errorf("reading neighbor dump: %w", err)
	}

	out := make(map[addrutil.Addr]net.HardwareAddr)
	for _, e := range entries {
		if e.ifIndex != int32(ifi.Index) {
			continue
		}
		if e.state&usableStates == 0 {
			continue
		}
		out[e.addr] = e.mac
	}
	return out, nil
}

type neighEntry struct {
	ifIndex int32
	state   uint16
	addr    addrutil.Addr
	mac     net.HardwareAddr
}

func buildGetNeighMsg() []byte {
	totalLen := nlmsgHdrLen + ndmsgLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_GETNEIGH)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_DUMP)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_INET // ndm_family
	return buf
}

// readNeighbors drains RTM_NEWNEIGH messages from fd until NLMSG_DONE or
// NLMSG_ERROR, parsing NDA_DST/NDA_LLADDR attributes out of each.
func readNeighbors(fd int) ([]neighEntry, error) {
	var entries []neighEntry
	buf := make([]byte, recvBufBytes)

	deadline := time.Now().Add(2 * time.Second)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 2})

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for neighbor dump")
		}
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return nil, fmt.Errorf("recvfrom: %w", err)
		}
		msgs, done, err := parseNlMessages(buf[:n])
		if err != nil {
			return nil, err
		}
		entries = append(entries, msgs...)
		if done {
			return entries, nil
		}
	}
}

func parseNlMessages(buf []byte) (entries []neighEntry, done bool, err error) {
	for len(buf) >= nlmsgHdrLen {
		length := binary.LittleEndian.Uint32(buf[0:4])
		msgType := binary.LittleEndian.Uint16(buf[4:6])
		if int(length) > len(buf) || length < nlmsgHdrLen {
			return entries, false, fmt.Errorf("malformed netlink message length %d", length)
		}

		switch msgType {
		case unix.NLMSG_DONE:
			return entries, true, nil
		case unix.NLMSG_ERROR:
			if len(buf) < nlmsgHdrLen+4 {
				return entries, false, fmt.Errorf("truncated NLMSG_ERROR")
			}
			errno := int32(binary.LittleEndian.Uint32(buf[nlmsgHdrLen : nlmsgHdrLen+4]))
			if errno == 0 {
				return entries, true, nil
			}
			return entries, false, fmt.Errorf("netlink error: %s", unix.Errno(-errno))
		case unix.RTM_NEWNEIGH:
			if e, ok := parseNeighMsg(buf[nlmsgHdrLen:length]); ok {
				entries = append(entries, e)
			}
		}

		buf = buf[rtaAlignLen(int(length)):]
	}
	return entries, false, nil
}

func parseNeighMsg(msg []byte) (neighEntry, bool) {
	if len(msg) < ndmsgLen {
		return neighEntry{}, false
	}
	family := msg[0]
	ifIndex := int32(binary.LittleEndian.Uint32(msg[4:8]))
	state := binary.LittleEndian.Uint16(msg[8:10])

	if family != unix.AF_INET {
		return neighEntry{}, false
	}

	e := neighEntry{ifIndex: ifIndex, state: state}
	off := ndmsgLen
	for off+rtaHdrLen <= len(msg) {
		attrLen := int(binary.LittleEndian.Uint16(msg[off : off+2]))
		attrType := binary.LittleEndian.Uint16(msg[off+2 : off+4])
		if attrLen < rtaHdrLen || off+attrLen > len(msg) {
			break
		}
		data := msg[off+rtaHdrLen : off+attrLen]
		switch attrType {
		case ndaDst:
			if len(data) == 4 {
				e.addr = addrutil.FromBytes(data[0], data[1], data[2], data[3])
			}
		case ndaLladdr:
			if len(data) == 6 {
				e.mac = net.HardwareAddr(append([]byte(nil), data...))
			}
		}
		off += rtaAlignLen(attrLen)
	}

	if e.mac == nil {
		return neighEntry{}, false
	}
	return e, true
}

func rtaAlignLen(l int) int {
	return (l + 3) &^ 3
}

// refreshInterval mirrors interface_arptable_update_interval in
// original_source's common.hpp.
const refreshInterval = 30 * time.Second

// Cache adapts Get's point-in-time snapshot to neighbor.ARPSource,
// re-querying the kernel at most once per refreshInterval per interface.
type Cache struct {
	lastRefresh map[string]time.Time
	entries     map[string]map[addrutil.Addr]net.HardwareAddr
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		lastRefresh: make(map[string]time.Time),
		entries:     make(map[string]map[addrutil.Addr]net.HardwareAddr),
	}
}

// Lookup implements neighbor.ARPSource: it refreshes iface's cached
// neighbor table if stale, then returns addr's MAC if present.
func (c *Cache) Lookup(iface string, addr addrutil.Addr) (net.HardwareAddr, bool) {
	if last, ok := c.lastRefresh[iface]; !ok || time.Since(last) >= refreshInterval {
		entries, err := Get(iface)
		if err != nil {
			// Leave the stale entries in place; a transient netlink
			// failure shouldn't flap every neighbor on the interface.
			mac, ok := c.entries[iface][addr]
			return mac, ok
		}
		c.entries[iface] = entries
		c.lastRefresh[iface] = time.Now()
	}
	mac, ok := c.entries[iface][addr]
	return mac, ok
}
