package neighbor

import (
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/lvoege/lvrouted/internal/addrutil"
	"github.com/lvoege/lvrouted/internal/routetab"
	"github.com/lvoege/lvrouted/internal/tree"
)

var secret = []byte("s00p3rs3kr3t")

func mustAddr(t *testing.T, s string) addrutil.Addr {
	t.Helper()
	a, err := addrutil.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestSetOrderingAndLookup(t *testing.T) {
	t.Parallel()

	var s Set
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.3")})
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.1")})
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.2")})

	var order []addrutil.Addr
	for _, n := range s.All() {
		order = append(order, n.Addr)
	}
	want := []addrutil.Addr{mustAddr(t, "172.16.0.1"), mustAddr(t, "172.16.0.2"), mustAddr(t, "172.16.0.3")}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if _, ok := s.Find(mustAddr(t, "172.16.0.9")); ok {
		t.Error("Find for absent addr returned ok=true")
	}
	n, ok := s.Find(mustAddr(t, "172.16.0.2"))
	if !ok || n.Addr != mustAddr(t, "172.16.0.2") {
		t.Errorf("Find(172.16.0.2) = %v, %v", n, ok)
	}
}

func TestHandleDataRejectsShortPacket(t *testing.T) {
	t.Parallel()

	var s Set
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.2")})
	err := HandleData(&s, make([]byte, 10), mustAddr(t, "172.16.0.2"), secret, time.Now())
	if !errors.Is(err, ErrShortPacket) {
		t.Errorf("got %v, want ErrShortPacket", err)
	}
}

func TestHandleDataRejectsUnknownNeighbor(t *testing.T) {
	t.Parallel()

	var s Set
	buf, err := buildPacket(nil, secret, time.Now())
	if err != nil {
		t.Fatalf("buildPacket: %v", err)
	}
	err = HandleData(&s, buf, mustAddr(t, "172.16.0.9"), secret, time.Now())
	if !errors.Is(err, ErrUnknownNeighbor) {
		t.Errorf("got %v, want ErrUnknownNeighbor", err)
	}
}

func TestHandleDataAcceptsValidPacketAndRejectsTamperedOne(t *testing.T) {
	t.Parallel()

	from := mustAddr(t, "172.16.0.2")
	children := []*tree.Node{{Addr: mustAddr(t, "172.16.0.3"), Ethernet: true}}
	buf, err := buildPacket(children, secret, time.Now())
	if err != nil {
		t.Fatalf("buildPacket: %v", err)
	}

	var s Set
	s.Add(&Neighbor{Addr: from})

	now := time.Now()
	if err := HandleData(&s, buf, from, secret, now); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	n, _ := s.Find(from)
	if n.Tree == nil {
		t.Fatal("expected Tree to be set")
	}
	if n.Tree.Addr != from {
		t.Errorf("Tree.Addr = %s, want %s", n.Tree.Addr, from)
	}
	if !n.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", n.LastSeen, now)
	}

	// Flip a single bit after the signature and confirm rejection leaves
	// state untouched.
	var s2 Set
	s2.Add(&Neighbor{Addr: from})
	tampered := append([]byte(nil), buf...)
	tampered[len(tampered)-1] ^= 0x01

	err = HandleData(&s2, tampered, from, secret, now)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
	n2, _ := s2.Find(from)
	if n2.Tree != nil {
		t.Error("Tree was set despite bad signature")
	}
	if !n2.LastSeen.IsZero() {
		t.Error("LastSeen was updated despite bad signature")
	}
}

type fakeSender struct {
	sent    map[addrutil.Addr][]byte
	failWith map[addrutil.Addr]error
}

func (f *fakeSender) SendTo(addr addrutil.Addr, buf []byte) error {
	if err, ok := f.failWith[addr]; ok {
		return err
	}
	if f.sent == nil {
		f.sent = make(map[addrutil.Addr][]byte)
	}
	f.sent[addr] = buf
	return nil
}

func TestBroadcastRemovesHostGoneNeighbors(t *testing.T) {
	t.Parallel()

	gone := mustAddr(t, "172.16.0.2")
	stay := mustAddr(t, "172.16.0.3")

	var s Set
	s.Add(&Neighbor{Addr: gone})
	s.Add(&Neighbor{Addr: stay})

	sender := &fakeSender{failWith: map[addrutil.Addr]error{
		gone: &net.OpError{Err: syscall.EHOSTUNREACH},
	}}

	if err := Broadcast(sender, nil, &s, secret, time.Now()); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if _, ok := s.Find(gone); ok {
		t.Error("expected gone neighbor to be removed")
	}
	if _, ok := s.Find(stay); !ok {
		t.Error("expected surviving neighbor to remain")
	}
	if _, ok := sender.sent[stay]; !ok {
		t.Error("expected a send to the surviving neighbor")
	}
}

func TestBroadcastPropagatesFatalError(t *testing.T) {
	t.Parallel()

	addr := mustAddr(t, "172.16.0.2")
	var s Set
	s.Add(&Neighbor{Addr: addr})
	sender := &fakeSender{failWith: map[addrutil.Addr]error{
		addr: &net.OpError{Err: syscall.EACCES},
	}}
	if err := Broadcast(sender, nil, &s, secret, time.Now()); err == nil {
		t.Error("expected a fatal error to propagate")
	}
	if _, ok := s.Find(addr); !ok {
		t.Error("neighbor should not be removed on a fatal error")
	}
}

func TestNukeTreesForIface(t *testing.T) {
	t.Parallel()

	var s Set
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.2"), Iface: "em0", Tree: &tree.Node{}})
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.3"), Iface: "em1", Tree: &tree.Node{}})

	NukeTreesForIface(&s, "em0")

	n0, _ := s.Find(mustAddr(t, "172.16.0.2"))
	n1, _ := s.Find(mustAddr(t, "172.16.0.3"))
	if n0.Tree != nil {
		t.Error("em0 neighbor's tree should be cleared")
	}
	if n1.Tree == nil {
		t.Error("em1 neighbor's tree should be untouched")
	}
}

func TestNukeOldTrees(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var s Set
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.2"), LastSeen: now.Add(-300 * time.Second), Tree: &tree.Node{}})
	s.Add(&Neighbor{Addr: mustAddr(t, "172.16.0.3"), LastSeen: now, Tree: &tree.Node{}})

	affected := NukeOldTrees(&s, 240, now)
	if !affected {
		t.Error("expected NukeOldTrees to report a change")
	}
	stale, _ := s.Find(mustAddr(t, "172.16.0.2"))
	fresh, _ := s.Find(mustAddr(t, "172.16.0.3"))
	if stale.Tree != nil {
		t.Error("stale neighbor's tree should be cleared")
	}
	if fresh.Tree == nil {
		t.Error("fresh neighbor's tree should be untouched")
	}
}

type fakeARP struct {
	macs map[addrutil.Addr]net.HardwareAddr
}

func (f fakeARP) Lookup(iface string, addr addrutil.Addr) (net.HardwareAddr, bool) {
	mac, ok := f.macs[addr]
	return mac, ok
}

type fakeChecker struct{ reachable bool }

func (f fakeChecker) IsReachable(iface string, mac net.HardwareAddr) bool { return f.reachable }

func TestCheckReachableClearsTreeWhenUnreachable(t *testing.T) {
	t.Parallel()

	addr := mustAddr(t, "172.16.0.2")
	n := &Neighbor{Addr: addr, Iface: "em0", Tree: &tree.Node{}, LastSeen: time.Now()}
	arp := fakeARP{macs: map[addrutil.Addr]net.HardwareAddr{addr: {1, 2, 3, 4, 5, 6}}}

	if CheckReachable(n, fakeChecker{reachable: false}, arp) {
		t.Error("expected unreachable")
	}
	if n.Tree != nil {
		t.Error("Tree should be cleared")
	}
	if !n.LastSeen.IsZero() {
		t.Error("LastSeen should be reset to zero")
	}
}

func TestCheckReachableNoMAC(t *testing.T) {
	t.Parallel()

	addr := mustAddr(t, "172.16.0.2")
	n := &Neighbor{Addr: addr, Iface: "em0"}
	arp := fakeARP{macs: map[addrutil.Addr]net.HardwareAddr{}}

	if CheckReachable(n, fakeChecker{reachable: true}, arp) {
		t.Error("expected unreachable with no MAC on file")
	}
}

func TestDeriveRoutesAndMyTreeDropsDirectNets(t *testing.T) {
	t.Parallel()

	var s Set
	n := &Neighbor{
		Addr:  mustAddr(t, "172.16.0.2"),
		Iface: "em0",
		Tree: &tree.Node{
			Children: []*tree.Node{{Addr: mustAddr(t, "172.16.0.3")}},
		},
	}
	s.Add(n)

	directNets := routetab.NewRouteSet(routetab.Route{
		Addr: mustAddr(t, "172.16.0.0"), Netmask: 24, Gateway: mustAddr(t, "172.16.0.0"),
	})

	routes, children, err := DeriveRoutesAndMyTree(directNets, &s, map[addrutil.Addr]bool{}, map[string]bool{"em0": true}, 24)
	if err != nil {
		t.Fatalf("DeriveRoutesAndMyTree: %v", err)
	}
	for _, r := range routes.All() {
		if r.Addr == mustAddr(t, "172.16.0.2") || r.Addr == mustAddr(t, "172.16.0.3") {
			t.Errorf("route %v should have been dropped as a direct net", r)
		}
	}
	if len(children) != 1 {
		t.Fatalf("expected one first-level child, got %d", len(children))
	}
}
