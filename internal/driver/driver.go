// Package driver implements the periodic orchestration loop of spec §4.7:
// check_reachable, nuke_old_trees, conditional broadcast_run, and kernel
// table diff/commit, multiplexed over one UDP socket via the level-triggered
// epoll readiness primitive of §5. Grounded on the teacher's
// internal/agent.Agent Run(ctx) shape and its raw golang.org/x/sys/unix use
// in internal/tunnel/netlink.go.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lvoege/lvrouted/internal/addrutil"
	"github.com/lvoege/lvrouted/internal/arptab"
	"github.com/lvoege/lvrouted/internal/config"
	"github.com/lvoege/lvrouted/internal/ifacemon"
	"github.com/lvoege/lvrouted/internal/kernroute"
	"github.com/lvoege/lvrouted/internal/neighbor"
	"github.com/lvoege/lvrouted/internal/routetab"
	"github.com/lvoege/lvrouted/internal/tree"
)

// maxCommitRetries is the number of *additional* passes a kernel commit
// gets after its first attempt (6 total), each re-fetching the kernel table
// and reissuing only the still-outstanding adds/deletes, per §5/§7.
const maxCommitRetries = 5

// Driver owns the sockets, discovered topology, and cached state of one
// running daemon instance.
type Driver struct {
	cfg *config.Config
	log *slog.Logger

	fd    int // bound UDP socket
	epfd  int
	wakeR int
	wakeW int

	neighbors       neighbor.Set
	directNets      routetab.RouteSet
	zeroHopIfaces   map[string]bool
	defaultGateways map[addrutil.Addr]bool
	monitor         *ifacemon.Monitor
	arp             *arptab.Cache

	sender neighbor.Sender
	fetch  func() (routetab.RouteSet, error)
	commit func(deletes, adds, changes routetab.RouteSet) error

	lastBroadcast   time.Time
	lastCommitted   routetab.RouteSet
	reachableByAddr map[addrutil.Addr]bool
}

// New discovers local interfaces/neighbors and opens the broadcast socket.
// Per §5 "Supplemented Features", discovery runs once here; a live
// interface address change is not reconciled — the process is expected to
// be restarted by its supervisor.
func New(cfg *config.Config, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "driver")

	routable, err := cfg.Range()
	if err != nil {
		return nil, err
	}
	disc, err := discoverNeighbors(cfg.InterlinkNetmask, routable)
	if err != nil {
		return nil, fmt.Errorf("discovering neighbors: %w", err)
	}
	monitor, err := ifacemon.NewMonitor(disc.ifaceNames)
	if err != nil {
		return nil, fmt.Errorf("building interface monitor: %w", err)
	}
	defaultGateways, err := cfg.DefaultGatewaySet()
	if err != nil {
		return nil, err
	}

	fd, err := bindUDP(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("binding broadcast socket: %w", err)
	}

	d := &Driver{
		cfg:             cfg,
		log:             log,
		fd:              fd,
		neighbors:       disc.neighbors,
		directNets:      disc.directNets,
		zeroHopIfaces:   disc.zeroHopIfaces,
		defaultGateways: defaultGateways,
		monitor:         monitor,
		arp:             arptab.NewCache(),
		fetch:           kernroute.Fetch,
		commit:          kernroute.Commit,
		reachableByAddr: make(map[addrutil.Addr]bool),
	}
	d.sender = &udpSender{fd: d.fd, port: cfg.Port}
	log.Info("discovered topology", "neighbors", disc.neighbors.Len(), "direct_nets", disc.directNets.Len())
	return d, nil
}

func bindUDP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("creating UDP socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("enabling SO_BROADCAST: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("enabling SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("binding to port %d: %w", port, err)
	}
	return fd, nil
}

// Close releases the driver's sockets.
func (d *Driver) Close() error {
	if d.epfd != 0 {
		unix.Close(d.epfd)
	}
	if d.wakeR != 0 {
		unix.Close(d.wakeR)
	}
	if d.wakeW != 0 {
		unix.Close(d.wakeW)
	}
	return unix.Close(d.fd)
}

// Run enters the cooperative event loop of §4.7/§5: one epoll instance
// multiplexes the UDP socket and a wake pipe used to unblock EpollWait
// promptly on ctx cancellation. The periodic tick runs every AlarmTimeout
// seconds whether or not packets arrive in between.
func (d *Driver) Run(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("creating epoll instance: %w", err)
	}
	d.epfd = epfd

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("creating wake pipe: %w", err)
	}
	d.wakeR, d.wakeW = pipeFDs[0], pipeFDs[1]

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, d.fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(d.fd)}); err != nil {
		return fmt.Errorf("registering UDP socket with epoll: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, d.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(d.wakeR)}); err != nil {
		return fmt.Errorf("registering wake pipe with epoll: %w", err)
	}

	go func() {
		<-ctx.Done()
		_, _ = unix.Write(d.wakeW, []byte{0})
	}()

	nextTick := time.Now().Add(time.Duration(d.cfg.AlarmTimeout) * time.Second)
	events := make([]unix.EpollEvent, 8)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if now := time.Now(); !now.Before(nextTick) {
			if err := d.tick(now); err != nil {
				return fmt.Errorf("periodic tick: %w", err)
			}
			nextTick = now.Add(time.Duration(d.cfg.AlarmTimeout) * time.Second)
		}

		n, err := unix.EpollWait(epfd, events, int(time.Until(nextTick).Milliseconds())+1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for _, ev := range events[:n] {
			switch int(ev.Fd) {
			case d.fd:
				if err := d.drainPackets(); err != nil {
					d.log.Warn("draining UDP socket", "error", err)
				}
			case d.wakeR:
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// drainPackets reads every pending datagram off the socket (level-triggered
// readiness may deliver several before the next EpollWait) and feeds each to
// neighbor.HandleData.
func (d *Driver) drainPackets() error {
	buf := make([]byte, 65536)
	for {
		n, from, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return fmt.Errorf("recvfrom: %w", err)
		}
		sa4, ok := from.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		src := addrutil.FromBytes(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])

		now := time.Now()
		if err := neighbor.HandleData(&d.neighbors, buf[:n], src, []byte(d.cfg.SecretKey), now); err != nil {
			d.log.Debug("rejected inbound packet", "from", src, "error", err)
			continue
		}
		if d.cfg.Debug.DumpPackets {
			dumpPacket(src, buf[:n])
		}
	}
}

// tick runs one §4.7 periodic cycle.
func (d *Driver) tick(now time.Time) error {
	if err := d.monitor.RefreshAll(now); err != nil {
		return fmt.Errorf("refreshing interface state: %w", err)
	}

	reachabilityChanged := false
	for _, n := range d.neighbors.All() {
		was := d.reachableByAddr[n.Addr]
		is := neighbor.CheckReachable(n, d.monitor, d.arp)
		d.reachableByAddr[n.Addr] = is
		if was != is {
			reachabilityChanged = true
		}
	}

	treesExpired := neighbor.NukeOldTrees(&d.neighbors, d.cfg.Timeout, now)

	due := now.Sub(d.lastBroadcast) >= time.Duration(d.cfg.BroadcastInterval)*time.Second
	if reachabilityChanged || treesExpired || due {
		if err := d.broadcastRun(now); err != nil {
			return err
		}
	}
	return nil
}

// broadcastRun derives this node's routes and spanning tree, commits the
// route diff to the kernel (subject to RealRouteUpdates), and broadcasts
// the tree to every neighbor.
func (d *Driver) broadcastRun(now time.Time) error {
	routes, children, err := d.DeriveRoutes()
	if err != nil {
		return err
	}

	if d.cfg.RealRouteUpdates {
		// A commit that exhausts its retries is not fatal: per §7, a
		// KernelIOError on commit is logged and the surviving differences
		// are picked up again on the next cycle's fetch/diff, rather than
		// crashing the daemon.
		if err := d.commitWithRetry(routes); err != nil {
			d.log.Error("route commit did not converge, deferring to next cycle", "error", err)
		}
	}
	d.lastCommitted = routes

	if err := neighbor.Broadcast(d.sender, children, &d.neighbors, []byte(d.cfg.SecretKey), now); err != nil {
		return fmt.Errorf("broadcasting: %w", err)
	}
	d.lastBroadcast = now
	return nil
}

// DeriveRoutes runs the route/tree derivation step of broadcastRun, without
// committing to the kernel or broadcasting — used by the `routes` CLI
// subcommand as a read-only diagnostic, and by broadcastRun itself.
func (d *Driver) DeriveRoutes() (routetab.RouteSet, []*tree.Node, error) {
	routes, children, err := neighbor.DeriveRoutesAndMyTree(d.directNets, &d.neighbors, d.defaultGateways, d.zeroHopIfaces, d.cfg.MinimumNetmask)
	if err != nil {
		return routetab.RouteSet{}, nil, fmt.Errorf("deriving routes: %w", err)
	}
	if d.cfg.ThisIsAGateway {
		// This node is itself an upstream gateway (it has its own route to
		// the internet); it has no business also routing its own default
		// traffic through a neighbor's advertised 0/0.
		routes.Remove(addrutil.Addr(0), 0)
	}
	return routes, children, nil
}

// commitWithRetry reconciles want against the kernel's actual route table,
// up to 1+maxCommitRetries times total. Each pass re-fetches the kernel
// table and re-diffs against want, so a retry after a partial failure only
// reissues the adds/deletes that didn't already take — never resending an
// add that already landed on an earlier pass (which would otherwise fail
// with EEXIST against Commit's NLM_F_EXCL).
func (d *Driver) commitWithRetry(want routetab.RouteSet) error {
	var err error
	for attempt := 0; attempt <= maxCommitRetries; attempt++ {
		var current routetab.RouteSet
		current, err = d.fetch()
		if err != nil {
			d.log.Warn("route commit: fetching kernel table failed, retrying", "attempt", attempt+1, "error", err)
			continue
		}

		deletes, adds, changes := routetab.Diff(current, want)
		if deletes.Len() == 0 && adds.Len() == 0 && changes.Len() == 0 {
			return nil
		}

		if err = d.commit(deletes, adds, changes); err == nil {
			return nil
		}
		d.log.Warn("route commit failed, retrying", "attempt", attempt+1, "error", err)
	}
	return err
}

// dumpPacket writes a verified inbound packet to /tmp, gated behind
// Config.Debug.DumpPackets (§5 "Supplemented Features"). Best-effort: a
// failed dump must never interrupt packet processing.
func dumpPacket(from addrutil.Addr, data []byte) {
	path := fmt.Sprintf("/tmp/packet-%s", from)
	_ = os.WriteFile(path, data, 0644)
}

type udpSender struct {
	fd   int
	port int
}

func (s *udpSender) SendTo(addr addrutil.Addr, buf []byte) error {
	dst := unix.SockaddrInet4{Port: s.port}
	dst.Addr[0] = byte(addr >> 24)
	dst.Addr[1] = byte(addr >> 16)
	dst.Addr[2] = byte(addr >> 8)
	dst.Addr[3] = byte(addr)
	return unix.Sendto(s.fd, buf, 0, &dst)
}
