// Package routetab implements the Route record, the ordered RouteSet, and
// the aggregation and diff operations that reconcile a derived routing
// table against the kernel's.
package routetab

import (
	"fmt"
	"sort"

	"github.com/lvoege/lvrouted/internal/addrutil"
)

// Route is a single destination/netmask pair and the gateway to reach it.
// It is ordered lexicographically by (Addr, Netmask). RouteSet does not
// enforce that Addr is already masked to Netmask — raw host routes are
// accepted as-is; Aggregate normalizes.
type Route struct {
	Addr    addrutil.Addr
	Netmask int
	Gateway addrutil.Addr
}

func (r Route) String() string {
	return fmt.Sprintf("%s/%d -> %s", r.Addr, r.Netmask, r.Gateway)
}

// less orders by (Addr, Netmask), matching the teacher domain's ordered-set
// convention and Route.cpp's RouteLess.
func less(a, b Route) bool {
	if a.Addr != b.Addr {
		return a.Addr < b.Addr
	}
	return a.Netmask < b.Netmask
}

// RouteSet is an ordered set of Route keyed on (Addr, Netmask): no two
// entries share a key, and iteration is always in ascending order.
type RouteSet struct {
	routes []Route
}

// NewRouteSet builds a RouteSet from a (possibly unsorted, possibly
// duplicate-keyed) slice of routes. On a duplicate key the first route
// seen wins, matching the insert-once semantics of an ordered set.
func NewRouteSet(routes ...Route) RouteSet {
	var rs RouteSet
	for _, r := range routes {
		rs.Add(r)
	}
	return rs
}

func (rs *RouteSet) search(addr addrutil.Addr, netmask int) int {
	return sort.Search(len(rs.routes), func(i int) bool {
		r := rs.routes[i]
		if r.Addr != addr {
			return r.Addr >= addr
		}
		return r.Netmask >= netmask
	})
}

// Add inserts r into the set. If an entry with the same (Addr, Netmask)
// already exists, Add is a no-op and reports false.
func (rs *RouteSet) Add(r Route) bool {
	i := rs.search(r.Addr, r.Netmask)
	if i < len(rs.routes) && rs.routes[i].Addr == r.Addr && rs.routes[i].Netmask == r.Netmask {
		return false
	}
	rs.routes = append(rs.routes, Route{})
	copy(rs.routes[i+1:], rs.routes[i:])
	rs.routes[i] = r
	return true
}

// Put inserts r, overwriting any existing entry with the same key. Unlike
// Add (ordered-set insert-once semantics), Put is used where a route's
// gateway legitimately needs updating in place.
func (rs *RouteSet) Put(r Route) {
	i := rs.search(r.Addr, r.Netmask)
	if i < len(rs.routes) && rs.routes[i].Addr == r.Addr && rs.routes[i].Netmask == r.Netmask {
		rs.routes[i] = r
		return
	}
	rs.routes = append(rs.routes, Route{})
	copy(rs.routes[i+1:], rs.routes[i:])
	rs.routes[i] = r
}

// Remove deletes the entry with the given key, if present.
func (rs *RouteSet) Remove(addr addrutil.Addr, netmask int) bool {
	i := rs.search(addr, netmask)
	if i < len(rs.routes) && rs.routes[i].Addr == addr && rs.routes[i].Netmask == netmask {
		rs.routes = append(rs.routes[:i], rs.routes[i+1:]...)
		return true
	}
	return false
}

// Len returns the number of routes in the set.
func (rs RouteSet) Len() int { return len(rs.routes) }

// All returns the routes in ascending (Addr, Netmask) order. The returned
// slice must not be mutated by the caller.
func (rs RouteSet) All() []Route { return rs.routes }

func (rs RouteSet) String() string {
	s := "Route table:\n"
	for _, r := range rs.routes {
		s += "\t" + r.String() + "\n"
	}
	return s
}

// Includes reports whether route a completely includes route b: a's prefix
// is no longer than b's, and b's network (under a's mask) equals a's.
func Includes(a, b Route) bool {
	if a.Netmask > b.Netmask {
		return false
	}
	m, err := addrutil.Bitmask(a.Netmask)
	if err != nil {
		return false
	}
	return uint32(a.Addr)&m == uint32(b.Addr)&m
}

// Matches reports whether addr falls within route's prefix.
func Matches(route Route, addr addrutil.Addr) bool {
	m, err := addrutil.Bitmask(route.Netmask)
	if err != nil {
		return false
	}
	return uint32(route.Addr)&m == uint32(addr)&m
}

// Aggregate merges host-specific routes into the shortest safe covering
// prefixes, never shorter than minimumNetmask. Expressed as a fixed point
// over candidate prefix lengths (per the design note in spec §9, rather
// than the original C++'s inconsistent index arithmetic):
//
// For each route in ascending order:
//  1. if its netmask is already the floor, emit as-is;
//  2. if it's a host route pointing at itself (addr == gateway, /32), it's
//     a self-route artifact from the merge step — drop it;
//  3. otherwise, repeatedly try to widen the prefix by one bit so long as
//     doing so would not also cover some other pending or already-emitted
//     route that has a different gateway. The first width that would swallow a
//     conflicting route is one too far: emit the prefix one bit narrower
//     than that, and drop every pending route it now covers.
func Aggregate(rs RouteSet, minimumNetmask int) RouteSet {
	pending := append([]Route(nil), rs.routes...)
	var out RouteSet

	for len(pending) > 0 {
		route := pending[0]
		pending = pending[1:]

		if route.Netmask <= minimumNetmask {
			route.Netmask = minimumNetmask
			m, _ := addrutil.Bitmask(route.Netmask)
			route.Addr = addrutil.Addr(uint32(route.Addr) & m)
			out.Add(route)
			continue
		}
		if route.Netmask == 32 && route.Addr == route.Gateway {
			continue
		}

		widened := route
		for widened.Netmask > minimumNetmask {
			candidate := widened
			candidate.Netmask--
			conflict := false
			for _, other := range pending {
				if other.Gateway != candidate.Gateway && Includes(candidate, other) {
					conflict = true
					break
				}
			}
			for _, other := range out.All() {
				if other.Gateway != candidate.Gateway && Includes(candidate, other) {
					conflict = true
					break
				}
			}
			if conflict {
				break
			}
			widened = candidate
		}

		m, _ := addrutil.Bitmask(widened.Netmask)
		widened.Addr = addrutil.Addr(uint32(widened.Addr) & m)

		var remaining []Route
		for _, other := range pending {
			if Includes(widened, other) {
				continue
			}
			remaining = append(remaining, other)
		}
		pending = remaining

		out.Add(widened)
	}
	return out
}

// Diff produces the set-theoretic delete/add/change triple needed to bring
// a kernel table holding old up to date with new, keyed on (Addr,
// Netmask): entries only in old are deletes, only in new are adds, and
// entries present in both with a different gateway are changes (carrying
// new's gateway).
func Diff(oldRS, newRS RouteSet) (deletes, adds, changes RouteSet) {
	o, n := oldRS.All(), newRS.All()
	i, j := 0, 0
	for i < len(o) && j < len(n) {
		a, b := o[i], n[j]
		switch {
		case less(a, b):
			deletes.Add(a)
			i++
		case less(b, a):
			adds.Add(b)
			j++
		default:
			if a.Gateway != b.Gateway {
				changes.Add(b)
			}
			i++
			j++
		}
	}
	for ; i < len(o); i++ {
		deletes.Add(o[i])
	}
	for ; j < len(n); j++ {
		adds.Add(n[j])
	}
	return deletes, adds, changes
}
