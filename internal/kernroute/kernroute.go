// Package kernroute fetches and commits the kernel IPv4 routing table over
// Linux netlink, the per-OS adapter spec §9 calls for around the portable
// (deletes, adds, changes) contract. Message construction is grounded on
// the teacher's internal/tunnel/netlink.go buildRouteMsg/readNetlinkAck.
package kernroute

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lvoege/lvrouted/internal/addrutil"
	"github.com/lvoege/lvrouted/internal/routetab"
)

const (
	nlmsgHdrLen = 16
	rtmsgLen    = 12
	rtaHdrLen   = 4

	rtaDst     = unix.RTA_DST
	rtaGateway = unix.RTA_GATEWAY

	// lvroutedProto marks every route this daemon installs with a private
	// rtm_protocol value, so Fetch can tell its own routes apart from
	// ones the kernel or another routing process installed. Linux
	// reserves protocol IDs below 256 for this kind of static
	// assignment; 189 is unused by any daemon in this pack.
	lvroutedProto = 189
)

// Fetch dumps every IPv4 route in the main table carrying lvroutedProto —
// the routes this daemon previously committed.
func Fetch() (routetab.RouteSet, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return routetab.RouteSet{}, fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return routetab.RouteSet{}, fmt.Errorf("binding netlink socket: %w", err)
	}

	msg := buildGetRouteMsg()
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return routetab.RouteSet{}, fmt.Errorf("sending RTM_GETROUTE: %w", err)
	}

	raw, err := readRoutes(fd)
	if err != nil {
		return routetab.RouteSet{}, fmt.Errorf("reading route dump: %w", err)
	}

	var rs routetab.RouteSet
	for _, r := range raw {
		if r.protocol != lvroutedProto {
			continue
		}
		rs.Add(routetab.Route{Addr: r.dst, Netmask: r.prefixLen, Gateway: r.gateway})
	}
	return rs, nil
}

// Commit applies deletes then adds then changes (deleting the old route of
// a change before adding its replacement) to the kernel table. It stops at
// the first netlink operation that fails and returns its error; Commit
// itself does not retry. The driver retries up to 5 more times, each time
// re-fetching the kernel table and committing a fresh diff.
func Commit(deletes, adds, changes routetab.RouteSet) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("creating netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("binding netlink socket: %w", err)
	}

	for _, r := range deletes.All() {
		if err := sendRoute(fd, unix.RTM_DELROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK, r); err != nil {
			return fmt.Errorf("deleting route %s: %w", r, err)
		}
	}
	for _, r := range changes.All() {
		if err := sendRoute(fd, unix.RTM_DELROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK, r); err != nil {
			return fmt.Errorf("deleting changed route %s: %w", r, err)
		}
	}
	toAdd := append(append([]routetab.Route(nil), adds.All()...), changes.All()...)
	for _, r := range toAdd {
		if err := sendRoute(fd, unix.RTM_NEWROUTE, unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, r); err != nil {
			return fmt.Errorf("adding route %s: %w", r, err)
		}
	}
	return nil
}

func sendRoute(fd int, msgType uint16, flags uint16, r routetab.Route) error {
	msg := buildRouteMsg(msgType, flags, r)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return err
	}
	return readAck(fd)
}

func buildGetRouteMsg() []byte {
	totalLen := nlmsgHdrLen + rtmsgLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_GETROUTE)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_DUMP)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_INET // rtm_family
	return buf
}

func buildRouteMsg(msgType uint16, flags uint16, r routetab.Route) []byte {
	dst := addrBytes(r.Addr)
	gw := addrBytes(r.Gateway)

	dstAttrLen := rtaAlignLen(rtaHdrLen + len(dst))
	gwAttrLen := rtaAlignLen(rtaHdrLen + len(gw))

	totalLen := nlmsgHdrLen + rtmsgLen + dstAttrLen + gwAttrLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	off := nlmsgHdrLen
	buf[off] = unix.AF_INET       // rtm_family
	buf[off+1] = uint8(r.Netmask) // rtm_dst_len
	buf[off+2] = 0                // rtm_src_len
	buf[off+3] = 0                // rtm_tos
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+5] = lvroutedProto // rtm_protocol
	buf[off+6] = unix.RT_SCOPE_UNIVERSE
	buf[off+7] = unix.RTN_UNICAST
	binary.LittleEndian.PutUint32(buf[off+8:off+12], 0) // rtm_flags

	off = nlmsgHdrLen + rtmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(dst)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], rtaDst)
	copy(buf[off+rtaHdrLen:], dst)

	off += dstAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(gw)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], rtaGateway)
	copy(buf[off+rtaHdrLen:], gw)

	return buf
}

func addrBytes(a addrutil.Addr) []byte {
	return []byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)}
}

func rtaAlignLen(l int) int {
	return (l + 3) &^ 3
}

func readAck(fd int) error {
	buf := make([]byte, 4096)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 2})
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink response: %w", err)
	}
	if n < nlmsgHdrLen {
		return fmt.Errorf("netlink response too short: %d bytes", n)
	}
	msgType := binary.LittleEndian.Uint16(buf[4:6])
	if msgType != unix.NLMSG_ERROR {
		return nil
	}
	if n < nlmsgHdrLen+4 {
		return fmt.Errorf("truncated NLMSG_ERROR response")
	}
	errno := int32(binary.LittleEndian.Uint32(buf[nlmsgHdrLen : nlmsgHdrLen+4]))
	if errno == 0 {
		return nil
	}
	return fmt.Errorf("netlink error: %s", unix.Errno(-errno))
}

type rawRoute struct {
	protocol  uint8
	prefixLen int
	dst       addrutil.Addr
	gateway   addrutil.Addr
}

func readRoutes(fd int) ([]rawRoute, error) {
	var out []rawRoute
	buf := make([]byte, 1<<16)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 2})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for route dump")
		}
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return nil, fmt.Errorf("recvfrom: %w", err)
		}
		routes, done, err := parseRouteMessages(buf[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, routes...)
		if done {
			return out, nil
		}
	}
}

func parseRouteMessages(buf []byte) (routes []rawRoute, done bool, err error) {
	for len(buf) >= nlmsgHdrLen {
		length := binary.LittleEndian.Uint32(buf[0:4])
		msgType := binary.LittleEndian.Uint16(buf[4:6])
		if int(length) > len(buf) || length < nlmsgHdrLen {
			return routes, false, fmt.Errorf("malformed netlink message length %d", length)
		}

		switch msgType {
		case unix.NLMSG_DONE:
			return routes, true, nil
		case unix.NLMSG_ERROR:
			if len(buf) < nlmsgHdrLen+4 {
				return routes, false, fmt.Errorf("truncated NLMSG_ERROR")
			}
			errno := int32(binary.LittleEndian.Uint32(buf[nlmsgHdrLen : nlmsgHdrLen+4]))
			if errno == 0 {
				return routes, true, nil
			}
			return routes, false, fmt.Errorf("netlink error: %s", unix.Errno(-errno))
		case unix.RTM_NEWROUTE:
			if r, ok := parseRouteMsg(buf[nlmsgHdrLen:length]); ok {
				routes = append(routes, r)
			}
		}

		buf = buf[rtaAlignLen(int(length)):]
	}
	return routes, false, nil
}

func parseRouteMsg(msg []byte) (rawRoute, bool) {
	if len(msg) < rtmsgLen {
		return rawRoute{}, false
	}
	family := msg[0]
	if family != unix.AF_INET {
		return rawRoute{}, false
	}
	r := rawRoute{prefixLen: int(msg[1]), protocol: msg[5]}

	off := rtmsgLen
	for off+rtaHdrLen <= len(msg) {
		attrLen := int(binary.LittleEndian.Uint16(msg[off : off+2]))
		attrType := binary.LittleEndian.Uint16(msg[off+2 : off+4])
		if attrLen < rtaHdrLen || off+attrLen > len(msg) {
			break
		}
		data := msg[off+rtaHdrLen : off+attrLen]
		switch attrType {
		case rtaDst:
			if len(data) == 4 {
				r.dst = addrutil.FromBytes(data[0], data[1], data[2], data[3])
			}
		case rtaGateway:
			if len(data) == 4 {
				r.gateway = addrutil.FromBytes(data[0], data[1], data[2], data[3])
			}
		}
		off += rtaAlignLen(attrLen)
	}
	return r, true
}
