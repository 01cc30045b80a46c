// Package merge implements the priority-queue tree merge that turns a
// forest of neighbor-rooted spanning trees into this node's own tree, its
// routing table, and its chosen default gateway.
package merge

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/lvoege/lvrouted/internal/addrutil"
	"github.com/lvoege/lvrouted/internal/routetab"
	"github.com/lvoege/lvrouted/internal/tree"
)

// ErrInternalOrderingViolation indicates the priority queue popped a node
// whose cost is strictly lower than a cost already recorded for that
// address — a correct priority queue can never produce this, so seeing it
// means the heap invariant itself is broken.
var ErrInternalOrderingViolation = errors.New("merge: internal ordering violation")

// wiredCost and wirelessCost are the per-hop costs of §4.4: the children of
// an ethernet-marked node cost 1 more than that node, the children of any
// other node cost 10 more, so up to nine wired hops still cost less than a
// single wireless hop.
const (
	wiredCost    = 1
	wirelessCost = 10
)

type routeEntry struct {
	gateway addrutil.Addr
	cost    int
}

type queueItem struct {
	cost    int
	seq     int // insertion order, for a deterministic heap across equal costs
	node    *tree.Node
	parent  *tree.Node
	gateway addrutil.Addr
}

type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int)      { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)        { *pq = append(*pq, x.(*queueItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// Merge runs the Dijkstra-style forest merge of spec §4.4. forest holds one
// tree per neighbor, rooted at that neighbor's address. It returns the
// node's own merged spanning tree (as first-level children, per the
// caller's transmission convention — the returned mergedTree's own Addr is
// always 0 and is not meaningful), the derived /32 routing table, and the
// chosen default gateway (zero if none of the input trees carried a
// gateway-flagged node).
func Merge(forest []*tree.Node) (mergedTree *tree.Node, routes routetab.RouteSet, defaultGateway addrutil.Addr, err error) {
	newTree := &tree.Node{Addr: 0}
	routesWithCost := make(map[addrutil.Addr]routeEntry)

	pq := make(priorityQueue, 0, len(forest))
	seq := 0
	for _, t := range forest {
		heap.Push(&pq, &queueItem{cost: 0, seq: seq, node: t, parent: newTree, gateway: t.Addr})
		seq++
	}
	heap.Init(&pq)

	for pq.Len() > 0 {
		item := heap.Pop(&pq).(*queueItem)

		if defaultGateway == 0 && item.node.Gateway {
			defaultGateway = item.node.Addr
		}

		existing, ok := routesWithCost[item.node.Addr]
		if !ok {
			copyNode := &tree.Node{
				Addr:     item.node.Addr,
				Ethernet: item.node.Ethernet,
				Gateway:  item.node.Gateway,
				Children: make([]*tree.Node, 0, len(item.node.Children)),
			}
			item.parent.Children = append(item.parent.Children, copyNode)
			routesWithCost[item.node.Addr] = routeEntry{gateway: item.gateway, cost: item.cost}

			childCost := item.cost + wirelessCost
			if item.node.Ethernet {
				childCost = item.cost + wiredCost
			}
			for _, child := range item.node.Children {
				heap.Push(&pq, &queueItem{cost: childCost, seq: seq, node: child, parent: copyNode, gateway: item.gateway})
				seq++
			}
			continue
		}

		switch {
		case existing.cost == item.cost:
			if item.gateway < existing.gateway {
				routesWithCost[item.node.Addr] = routeEntry{gateway: item.gateway, cost: existing.cost}
			}
		case item.cost < existing.cost:
			return nil, routetab.RouteSet{}, 0, fmt.Errorf("%w: addr %s existing cost %d, popped cost %d",
				ErrInternalOrderingViolation, item.node.Addr, existing.cost, item.cost)
		default:
			// existing cost is lower; this path is strictly worse, ignore.
		}
	}

	var rs routetab.RouteSet
	for addr, entry := range routesWithCost {
		rs.Add(routetab.Route{Addr: addr, Netmask: 32, Gateway: entry.gateway})
	}

	return newTree, rs, defaultGateway, nil
}
