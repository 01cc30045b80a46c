// Package tree implements the spanning-tree Node record, its compact
// 4-byte-per-node wire encoding, and breadth-first traversal.
package tree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lvoege/lvrouted/internal/addrutil"
)

// highBits is the implied top 12 bits of every address carried over the
// wire: every Node address is 0xac100000 | (20-bit payload).
const highBits = 0xac100000

// maxChildren is the largest child count the 6-bit field can carry.
const maxChildren = 63

// ErrBufferTooSmall is returned by Serialize when the destination buffer
// would be overrun.
var ErrBufferTooSmall = errors.New("buffer too small for tree")

// ErrFaultyPacket is returned by Deserialize when fewer than 4 bytes remain
// for a node header.
var ErrFaultyPacket = errors.New("faulty packet")

// ErrTrailingBytes is returned by Deserialize when the buffer is not
// exactly consumed by the outermost node and its descendants.
var ErrTrailingBytes = errors.New("trailing bytes after tree")

// ErrTooManyChildren is returned by Serialize when a node has more
// children than the wire format's 6-bit count field can represent.
var ErrTooManyChildren = errors.New("node has more than 63 children")

// Node is one vertex of a spanning tree: an address, whether the link from
// its parent is wired, whether it is an upstream default-gateway
// candidate, and its children in order. Ownership is exclusive — a Node
// has no back-pointer to its parent.
type Node struct {
	Addr     addrutil.Addr
	Ethernet bool
	Gateway  bool
	Children []*Node
}

// Serialize writes the depth-first preorder encoding of n into buf,
// returning the number of bytes written. Each node occupies exactly 4
// bytes (network byte order):
//
//	bit 31..28: reserved, written as 0
//	bit 27:     gateway flag
//	bit 26:     ethernet flag
//	bit 25..20: child count (0..63)
//	bit 19..0:  low 20 bits of addr
func Serialize(n *Node, buf []byte) (int, error) {
	off, err := serializeRec(n, buf, 0)
	if err != nil {
		return 0, err
	}
	return off, nil
}

func serializeRec(n *Node, buf []byte, off int) (int, error) {
	if off+4 > len(buf) {
		return 0, ErrBufferTooSmall
	}
	if len(n.Children) > maxChildren {
		return 0, fmt.Errorf("%w: %d", ErrTooManyChildren, len(n.Children))
	}

	word := uint32(len(n.Children)) << 20
	if n.Ethernet {
		word |= 1 << 26
	}
	if n.Gateway {
		word |= 1 << 27
	}
	word |= uint32(n.Addr) & 0xfffff

	binary.BigEndian.PutUint32(buf[off:], word)
	off += 4

	var err error
	for _, c := range n.Children {
		off, err = serializeRec(c, buf, off)
		if err != nil {
			return 0, err
		}
	}
	return off, nil
}

// Deserialize parses the depth-first preorder encoding produced by
// Serialize. It fails with ErrTrailingBytes if buf is not exactly consumed.
func Deserialize(buf []byte) (*Node, error) {
	n, off, err := deserializeRec(buf, 0)
	if err != nil {
		return nil, err
	}
	if off != len(buf) {
		return nil, ErrTrailingBytes
	}
	return n, nil
}

func deserializeRec(buf []byte, off int) (*Node, int, error) {
	if off+4 > len(buf) {
		return nil, 0, ErrFaultyPacket
	}
	word := binary.BigEndian.Uint32(buf[off:])
	off += 4

	n := &Node{
		Addr:     addrutil.Addr(highBits | (word & 0xfffff)),
		Ethernet: word&(1<<26) != 0,
		Gateway:  word&(1<<27) != 0,
	}
	nchildren := int((word >> 20) & 0x3f)
	if nchildren > 0 {
		n.Children = make([]*Node, 0, nchildren)
	}
	for i := 0; i < nchildren; i++ {
		var (
			child *Node
			err   error
		)
		child, off, err = deserializeRec(buf, off)
		if err != nil {
			return nil, 0, err
		}
		n.Children = append(n.Children, child)
	}
	return n, off, nil
}

// BFS walks the tree rooted at n in level order, calling visit on each
// node. Traversal stops early if visit returns false.
func BFS(n *Node, visit func(*Node) bool) {
	queue := []*Node{n}
	for len(queue) > 0 {
		top := queue[0]
		queue = queue[1:]
		if !visit(top) {
			return
		}
		queue = append(queue, top.Children...)
	}
}

// Dump writes a human-readable, indented rendering of nodes to w, one line
// per node, annotated with "(eth)"/"(gw)" flags.
func Dump(w io.Writer, nodes []*Node) error {
	return dumpRec(w, 0, nodes)
}

func dumpRec(w io.Writer, indent int, nodes []*Node) error {
	tabs := strings.Repeat("\t", indent)
	for _, n := range nodes {
		line := tabs + n.Addr.String()
		if n.Ethernet {
			line += " (eth)"
		}
		if n.Gateway {
			line += " (gw)"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		if err := dumpRec(w, indent+1, n.Children); err != nil {
			return err
		}
	}
	return nil
}

// String renders nodes the same way Dump does, for logging and tests.
func String(nodes []*Node) string {
	var b strings.Builder
	_ = dumpRec(&b, 0, nodes)
	return b.String()
}
