// Package neighbor implements the Neighbor record, the ordered NeighborSet,
// and the signed-broadcast protocol that ties neighbor reachability,
// advertised trees, and interface status together.
package neighbor

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/gaissmai/bart"

	"github.com/lvoege/lvrouted/internal/addrutil"
	"github.com/lvoege/lvrouted/internal/merge"
	"github.com/lvoege/lvrouted/internal/routetab"
	"github.com/lvoege/lvrouted/internal/tree"
)

const (
	sigLen       = sha1.Size // 20-byte SHA-1 signature
	timestampLen = 8         // seconds-since-epoch, host byte order
	headerLen    = sigLen + timestampLen
	maxPacket    = 65536
)

// Packet-level errors. These are recovered locally: the packet is dropped
// and the neighbor's state is left untouched.
var (
	ErrShortPacket    = errors.New("short packet")
	ErrUnknownNeighbor = errors.New("packet from unknown neighbor")
	ErrBadSignature   = errors.New("bad signature")
)

// Neighbor is a peer discovered on a directly-attached interlink subnet.
// Iface and Addr are fixed at creation; MACAddr, LastSeen, and Tree mutate
// through the neighbor's lifetime.
type Neighbor struct {
	Iface    string
	Addr     addrutil.Addr
	MACAddr  net.HardwareAddr
	LastSeen time.Time
	Seqno    uint32
	Tree     *tree.Node
}

// Set is an ordered set of Neighbors, keyed and ordered by Addr.
type Set struct {
	neighbors []*Neighbor
}

func (s *Set) search(addr addrutil.Addr) int {
	return sort.Search(len(s.neighbors), func(i int) bool { return s.neighbors[i].Addr >= addr })
}

// Add inserts a new neighbor. It reports false without modifying the set
// if a neighbor with that address is already present.
func (s *Set) Add(n *Neighbor) bool {
	i := s.search(n.Addr)
	if i < len(s.neighbors) && s.neighbors[i].Addr == n.Addr {
		return false
	}
	s.neighbors = append(s.neighbors, nil)
	copy(s.neighbors[i+1:], s.neighbors[i:])
	s.neighbors[i] = n
	return true
}

// Find returns the neighbor with the given address, if any.
func (s *Set) Find(addr addrutil.Addr) (*Neighbor, bool) {
	i := s.search(addr)
	if i < len(s.neighbors) && s.neighbors[i].Addr == addr {
		return s.neighbors[i], true
	}
	return nil, false
}

// Remove deletes the neighbor with the given address, if present.
func (s *Set) Remove(addr addrutil.Addr) bool {
	i := s.search(addr)
	if i < len(s.neighbors) && s.neighbors[i].Addr == addr {
		s.neighbors = append(s.neighbors[:i], s.neighbors[i+1:]...)
		return true
	}
	return false
}

// All returns the neighbors in ascending address order. Broadcast sends in
// this order (spec §5, "Ordering guarantees").
func (s *Set) All() []*Neighbor { return s.neighbors }

// Len returns the number of neighbors in the set.
func (s *Set) Len() int { return len(s.neighbors) }

func sign(secret []byte, data []byte) [sigLen]byte {
	h := sha1.New()
	if len(secret) > 0 {
		h.Write(secret)
	}
	h.Write(data)
	var out [sigLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// buildPacket serializes children under a synthetic addr=0 top node,
// prepends the timestamp, and signs timestamp||tree with secret, per
// spec §4.5.
func buildPacket(children []*tree.Node, secret []byte, now time.Time) ([]byte, error) {
	top := &tree.Node{Addr: 0, Children: children}

	buf := make([]byte, maxPacket)
	n, err := tree.Serialize(top, buf[headerLen:])
	if err != nil {
		return nil, err
	}
	body := buf[:headerLen+n]
	// Host byte order per spec §4.5 (the original casts a time_t straight
	// into the buffer); little-endian matches every architecture this
	// daemon actually targets.
	binary.LittleEndian.PutUint64(body[sigLen:headerLen], uint64(now.Unix()))

	sig := sign(secret, body[sigLen:])
	copy(body[:sigLen], sig[:])
	return body, nil
}

// Sender abstracts the UDP endpoint broadcast writes to, so the transport
// can be faked in tests. SendTo must classify a "neighbor is gone" failure
// by returning one of the syscall errnos the caller checks for, bare or
// wrapped (e.g. in a net.OpError; see isHostGone); any other error is
// treated as fatal.
type Sender interface {
	SendTo(addr addrutil.Addr, buf []byte) error
}

// Broadcast sends the signed encoding of children to every neighbor in
// set, in ascending address order. Neighbors whose send fails with a
// "host gone" class of error (see isHostGone) are silently dropped from
// set; any other send error is returned and aborts the remaining sends.
func Broadcast(sender Sender, children []*tree.Node, set *Set, secret []byte, now time.Time) error {
	buf, err := buildPacket(children, secret, now)
	if err != nil {
		return err
	}

	var gone []addrutil.Addr
	for _, n := range set.All() {
		if err := sender.SendTo(n.Addr, buf); err != nil {
			if isHostGone(err) {
				gone = append(gone, n.Addr)
				continue
			}
			return fmt.Errorf("broadcasting to %s: %w", n.Addr, err)
		}
	}
	for _, addr := range gone {
		set.Remove(addr)
	}
	return nil
}

// HandleData verifies and installs an inbound signed tree snapshot. On
// success it updates the originating neighbor's Tree and LastSeen. On
// failure (ErrShortPacket, ErrUnknownNeighbor, ErrBadSignature, or a
// malformed tree) the neighbor's state is left exactly as it was.
func HandleData(set *Set, buf []byte, from addrutil.Addr, secret []byte, now time.Time) error {
	if len(buf) <= sigLen {
		return ErrShortPacket
	}
	n, ok := set.Find(from)
	if !ok {
		return ErrUnknownNeighbor
	}

	want := sign(secret, buf[sigLen:])
	if subtle.ConstantTimeCompare(buf[:sigLen], want[:]) != 1 {
		return ErrBadSignature
	}

	// Timestamp at buf[sigLen:headerLen] is covered by the signature but
	// not read (see spec §9 on a possible future replay window).
	if len(buf) < headerLen {
		return ErrShortPacket
	}

	node, err := tree.Deserialize(buf[headerLen:])
	if err != nil {
		return err
	}
	node.Addr = from
	n.Tree = node
	n.LastSeen = now
	return nil
}

// NukeTreesForIface clears Tree on every neighbor attached to iface.
func NukeTreesForIface(set *Set, iface string) {
	for _, n := range set.All() {
		if n.Iface == iface {
			n.Tree = nil
		}
	}
}

// NukeOldTrees clears Tree on every neighbor whose LastSeen is older than
// numSeconds. It reports whether any neighbor was affected.
func NukeOldTrees(set *Set, numSeconds int, now time.Time) bool {
	cutoff := now.Add(-time.Duration(numSeconds) * time.Second)
	affected := false
	for _, n := range set.All() {
		if n.LastSeen.Before(cutoff) {
			n.Tree = nil
			affected = true
		}
	}
	return affected
}

// DeriveRoutesAndMyTree assembles each reachable neighbor's advertised
// tree into a forest (rooted at that neighbor's address, flagged wired iff
// its interface is in zeroHopIfaces and upstream-gateway iff its address
// is in defaultGateways), merges the forest, aggregates the resulting
// routes, adds a 0.0.0.0/0 route for the chosen default gateway if any,
// and finally drops any route already covered by a directly-attached net
// — the kernel already carries those.
func DeriveRoutesAndMyTree(directNets routetab.RouteSet, set *Set, defaultGateways map[addrutil.Addr]bool, zeroHopIfaces map[string]bool, minimumNetmask int) (routetab.RouteSet, []*tree.Node, error) {
	var forest []*tree.Node
	for _, n := range set.All() {
		if n.Tree == nil {
			continue
		}
		forest = append(forest, &tree.Node{
			Addr:     n.Addr,
			Ethernet: zeroHopIfaces[n.Iface],
			Gateway:  defaultGateways[n.Addr],
			Children: n.Tree.Children,
		})
	}

	mergedTree, routes, defaultGateway, err := merge.Merge(forest)
	if err != nil {
		return routetab.RouteSet{}, nil, err
	}
	routes = routetab.Aggregate(routes, minimumNetmask)

	if defaultGateway != 0 {
		routes.Add(routetab.Route{Addr: 0, Netmask: 0, Gateway: defaultGateway})
	}

	// directNets is small and rebuilt on every call, but a linear scan per
	// route against it is still an O(n*m) double loop; a longest-prefix-match
	// trie turns "is r.Addr covered by some direct net" into one lookup.
	var directTrie bart.Table[struct{}]
	for _, direct := range directNets.All() {
		directTrie.Insert(netipPrefix(direct.Addr, direct.Netmask), struct{}{})
	}

	var filtered routetab.RouteSet
	for _, r := range routes.All() {
		if directTrie.Contains(netipAddr(r.Addr)) {
			continue
		}
		filtered.Add(r)
	}

	return filtered, mergedTree.Children, nil
}

func netipAddr(a addrutil.Addr) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)})
}

func netipPrefix(a addrutil.Addr, netmask int) netip.Prefix {
	return netip.PrefixFrom(netipAddr(a), netmask)
}

// ARPSource looks up the Ethernet address cached for addr on iface.
type ARPSource interface {
	Lookup(iface string, addr addrutil.Addr) (net.HardwareAddr, bool)
}

// ReachabilityChecker reports whether mac is currently reachable over
// iface (§4.6).
type ReachabilityChecker interface {
	IsReachable(iface string, mac net.HardwareAddr) bool
}

// CheckReachable resolves n's MAC address from arp if not already cached,
// then asks checker whether that MAC is reachable over n's interface. If
// unreachable, n's Tree is cleared and LastSeen reset to the zero time
// before CheckReachable returns.
func CheckReachable(n *Neighbor, checker ReachabilityChecker, arp ARPSource) bool {
	if n.MACAddr == nil {
		if mac, ok := arp.Lookup(n.Iface, n.Addr); ok {
			n.MACAddr = mac
		}
	}
	reachable := n.MACAddr != nil && checker.IsReachable(n.Iface, n.MACAddr)
	if !reachable {
		n.Tree = nil
		n.LastSeen = time.Time{}
	}
	return reachable
}
