package tree

import (
	"errors"
	"reflect"
	"testing"

	"github.com/lvoege/lvrouted/internal/addrutil"
)

func mustAddr(t *testing.T, s string) addrutil.Addr {
	t.Helper()
	a, err := addrutil.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	t.Parallel()

	root := &Node{
		Addr:     mustAddr(t, "172.16.0.1"),
		Ethernet: true,
		Children: []*Node{
			{Addr: mustAddr(t, "172.16.0.2"), Ethernet: true},
			{
				Addr:    mustAddr(t, "172.16.0.3"),
				Gateway: true,
				Children: []*Node{
					{Addr: mustAddr(t, "172.16.0.4")},
				},
			},
		},
	}

	buf := make([]byte, 65536)
	n, err := Serialize(root, buf)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(buf[:n])
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !reflect.DeepEqual(got, root) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, root)
	}
}

func TestSerializeBufferTooSmall(t *testing.T) {
	t.Parallel()

	n := &Node{Addr: mustAddr(t, "172.16.0.1"), Children: []*Node{{Addr: mustAddr(t, "172.16.0.2")}}}
	buf := make([]byte, 4) // room for the root header only
	if _, err := Serialize(n, buf); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("Serialize: got %v, want ErrBufferTooSmall", err)
	}
}

func TestDeserializeFaultyPacket(t *testing.T) {
	t.Parallel()

	if _, err := Deserialize([]byte{1, 2, 3}); !errors.Is(err, ErrFaultyPacket) {
		t.Errorf("Deserialize: got %v, want ErrFaultyPacket", err)
	}
}

func TestDeserializeTrailingBytes(t *testing.T) {
	t.Parallel()

	root := &Node{Addr: mustAddr(t, "172.16.0.1")}
	buf := make([]byte, 16)
	n, err := Serialize(root, buf)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := Deserialize(buf[:n+4]); !errors.Is(err, ErrTrailingBytes) {
		t.Errorf("Deserialize: got %v, want ErrTrailingBytes", err)
	}
}

func TestAddressCanonicalization(t *testing.T) {
	t.Parallel()

	// Arbitrary top-4 reserved bits must be ignored and the top 12 bits of
	// the decoded address forced to 0xAC1, regardless of what was on the
	// wire there.
	var word uint32 = 0xf0000005 // reserved bits set, low 20 bits = 5
	buf := []byte{byte(word >> 24), byte(word >> 16), byte(word >> 8), byte(word)}

	n, err := Deserialize(buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n.Addr>>20 != 0xac1 {
		t.Errorf("top 12 bits = %#x, want 0xac1", n.Addr>>20)
	}
	if n.Addr&0xfffff != 5 {
		t.Errorf("low 20 bits = %#x, want 5", n.Addr&0xfffff)
	}
}

func TestBFSVisitsLevelOrderAndStopsEarly(t *testing.T) {
	t.Parallel()

	root := &Node{
		Addr: mustAddr(t, "172.16.0.1"),
		Children: []*Node{
			{Addr: mustAddr(t, "172.16.0.2")},
			{Addr: mustAddr(t, "172.16.0.3"), Children: []*Node{
				{Addr: mustAddr(t, "172.16.0.4")},
			}},
		},
	}

	var visited []addrutil.Addr
	BFS(root, func(n *Node) bool {
		visited = append(visited, n.Addr)
		return true
	})
	want := []addrutil.Addr{
		mustAddr(t, "172.16.0.1"),
		mustAddr(t, "172.16.0.2"),
		mustAddr(t, "172.16.0.3"),
		mustAddr(t, "172.16.0.4"),
	}
	if !reflect.DeepEqual(visited, want) {
		t.Errorf("BFS order = %v, want %v", visited, want)
	}

	var stopAfterRoot []addrutil.Addr
	BFS(root, func(n *Node) bool {
		stopAfterRoot = append(stopAfterRoot, n.Addr)
		return false
	})
	if len(stopAfterRoot) != 1 {
		t.Errorf("expected BFS to stop after first visit, got %v", stopAfterRoot)
	}
}
