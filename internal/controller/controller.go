// Package controller implements the Controller coordinator: the connection
// acceptor, the admission gate, placement, and the
// STORE/LIST/LOAD/RELOAD/REMOVE command handlers, built on top of the
// membership table, the file index, and the pending-op state machines.
package controller

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nvanstrum/distfs/internal/backend"
	"github.com/nvanstrum/distfs/internal/cmn/cmnerr"
	"github.com/nvanstrum/distfs/internal/cmn/nlog"
	"github.com/nvanstrum/distfs/internal/index"
	"github.com/nvanstrum/distfs/internal/membership"
	"github.com/nvanstrum/distfs/internal/metrics"
	"github.com/nvanstrum/distfs/internal/proto"
	"github.com/nvanstrum/distfs/internal/xact"
)

// Config bundles the Controller's four startup parameters.
type Config struct {
	Port            int
	R               int
	Timeout         time.Duration
	RebalancePeriod time.Duration // reserved, unused by the core
}

type storeOp struct {
	op        *xact.Op
	targets   []int
	done      chan struct{}
	completed bool
}

type removeOp struct {
	op        *xact.Op
	done      chan struct{}
	completed bool
}

// Controller is the single coordinator.
type Controller struct {
	cfg     Config
	mem     *membership.Table
	idx     *index.Index
	metrics *metrics.Controller
	mirror  *backend.Mirror // optional; nil disables the durability mirror

	sf singleflight.Group

	mu         sync.Mutex
	storeOps   map[string]*storeOp
	removeOps  map[string]*removeOp
}

// New builds a Controller. metrics and mirror may be nil.
func New(cfg Config, m *metrics.Controller, mirror *backend.Mirror) (*Controller, error) {
	idx, err := index.New()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewController()
	}
	return &Controller{
		cfg:       cfg,
		mem:       membership.NewTable(),
		idx:       idx,
		metrics:   m,
		mirror:    mirror,
		storeOps:  make(map[string]*storeOp),
		removeOps: make(map[string]*removeOp),
	}, nil
}

// Membership exposes the membership table for the admin/status surface.
func (c *Controller) Membership() *membership.Table { return c.mem }

// Index exposes the file index for the admin/status surface.
func (c *Controller) Index() *index.Index { return c.idx }

// PendingCounts reports the current number of in-flight store/remove ops.
func (c *Controller) PendingCounts() (stores, removes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.storeOps), len(c.removeOps)
}

// Serve accepts connections on ln until it returns an error (ln closed).
// Each connection becomes "Store" (on JOIN) or "client" (any other first
// line) for its lifetime.
func (c *Controller) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go c.handleConn(conn)
	}
}

func (c *Controller) handleConn(conn net.Conn) {
	r := proto.NewReader(conn)
	msg, err := r.ReadMsg()
	if err != nil {
		conn.Close()
		return
	}
	if msg.Verb == proto.Join {
		port, perr := msg.ArgInt(0)
		if perr != nil || port <= 0 {
			nlog.Warningf("controller: malformed JOIN %v", msg.Args)
			conn.Close()
			return
		}
		c.acceptStore(port, conn, r)
		return
	}
	c.handleClient(conn, msg)
}

func (c *Controller) acceptStore(port int, conn net.Conn, r *proto.Reader) {
	h := membership.NewHandle(port, conn, r)
	c.mem.Join(h)
	c.metrics.Members.Set(float64(c.mem.Len()))
	nlog.Infof("controller: store %d joined", port)

	c.serveStore(h)

	c.mem.Leave(port)
	c.metrics.Members.Set(float64(c.mem.Len()))
	conn.Close()
	nlog.Infof("controller: store %d left", port)
	// Pending ops are not proactively failed when a Store departs; their
	// timers expire naturally because the departed Store can no longer ack.
}

// serveStore reads acks (and, for REMOVE, the Store-side miss reply) from a
// joined Store's control channel until it closes or errors.
func (c *Controller) serveStore(h *membership.Handle) {
	for {
		msg, err := h.ReadMsg()
		if err != nil {
			return
		}
		switch msg.Verb {
		case proto.StoreAck:
			c.onStoreAck(h.Port, msg.Arg(0))
		case proto.RemoveAck:
			c.onRemoveAck(h.Port, msg.Arg(0))
		case proto.ErrFileNotFound:
			// Store had nothing to remove for this name; not counted as an
			// ack, so the pending remove op hangs until timeout.
			nlog.Warningf("controller: store %d: remove miss for %s", h.Port, msg.Arg(0))
		case proto.List:
			nlog.Infof("controller: store %d reports %d local files", h.Port, len(msg.Args))
		case "":
		default:
			nlog.Warningf("controller: store %d: unexpected %q", h.Port, msg.Verb)
		}
	}
}

func (c *Controller) gateOK() bool { return c.mem.Len() >= c.cfg.R }

// handleClient dispatches one client command. Every branch except STORE and
// REMOVE replies immediately (an unknown command gets no reply) and the
// connection is closed here; STORE and
// REMOVE keep the connection open until their own pending op resolves, and
// close it themselves.
func (c *Controller) handleClient(conn net.Conn, msg proto.Msg) {
	w := proto.NewWriter(conn)

	if !c.gateOK() {
		_ = w.WriteMsg(proto.ErrNotEnough)
		conn.Close()
		return
	}

	switch msg.Verb {
	case proto.Store:
		c.handleStore(conn, w, msg)
	case proto.Remove:
		c.handleRemove(conn, w, msg)
	case proto.List:
		c.handleList(w)
		conn.Close()
	case proto.Load:
		c.handleLoadOrReload(w, msg.Arg(0), false)
		conn.Close()
	case proto.Reload:
		c.handleLoadOrReload(w, msg.Arg(0), true)
		conn.Close()
	default:
		nlog.Warningf("controller: unknown client command %q", msg.Verb)
		conn.Close()
	}
}

func (c *Controller) handleList(w *proto.Writer) {
	names, err := c.idx.List()
	if err != nil {
		nlog.Errorf("controller: list: %v", err)
		names = nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_ = w.WriteMsg(proto.List, args...)
}

func (c *Controller) handleLoadOrReload(w *proto.Writer, name string, reload bool) {
	missVerb := proto.Verb(proto.ErrFileNotFound)
	if reload {
		missVerb = proto.ErrLoad
	}
	entry, found, err := c.idx.Get(name)
	if err != nil {
		nlog.Errorf("controller: load %s: %v", name, err)
		_ = w.WriteMsg(missVerb)
		return
	}
	if !found || entry.State != index.StoreComplete {
		_ = w.WriteMsg(missVerb)
		return
	}
	candidates := c.mem.Intersect(entry.Replicas)
	if len(candidates) == 0 {
		_ = w.WriteMsg(missVerb)
		return
	}
	// RELOAD does not exclude the previously-served port (DESIGN.md Open
	// Question 1): uniform random over all current candidates, matching
	// the reference behaviour.
	port := candidates[rand.Intn(len(candidates))]
	_ = w.WriteMsg(proto.LoadFrom, port, entry.Size)
}

func (c *Controller) handleStore(conn net.Conn, w *proto.Writer, msg proto.Msg) {
	name := msg.Arg(0)
	size, serr := msg.ArgInt(1)
	if name == "" || serr != nil {
		nlog.Warningf("controller: malformed STORE %v", msg.Args)
		conn.Close()
		return
	}

	// Collapse concurrent admission attempts for the same brand-new name onto
	// one winner. A follower call never runs BeginStore itself — singleflight
	// just hands it the leader's result — so it must not treat that shared
	// result as its own admission; any follower is rejected outright, even
	// when the leader succeeded.
	// singleflight reports shared=true to the leader as well whenever
	// followers joined, so the leader is identified by having run fn.
	leader := false
	_, err, _ := c.sf.Do(name, func() (any, error) {
		leader = true
		return nil, c.idx.BeginStore(name, int64(size))
	})
	if !leader {
		_ = w.WriteMsg(proto.ErrFileExists)
		conn.Close()
		return
	}
	if err != nil {
		if err == cmnerr.ErrFileExists {
			_ = w.WriteMsg(proto.ErrFileExists)
		} else {
			nlog.Errorf("controller: begin store %s: %v", name, err)
		}
		conn.Close()
		return
	}

	targets := c.mem.Ports()
	if len(targets) < c.cfg.R {
		// Membership shrank between the admission gate check and
		// placement; undo the admission and fail closed.
		_ = c.idx.AbortStore(name)
		_ = w.WriteMsg(proto.ErrNotEnough)
		conn.Close()
		return
	}
	targets = targets[:c.cfg.R]

	so := &storeOp{targets: targets, done: make(chan struct{})}
	so.op = xact.New(name, targets, c.cfg.Timeout, func(*xact.Op) {
		c.finishStoreTimeout(name, so)
	})
	c.mu.Lock()
	c.storeOps[name] = so
	c.mu.Unlock()
	c.metrics.PendingStores.Inc()

	args := make([]any, len(targets))
	for i, p := range targets {
		args[i] = p
	}
	if err := w.WriteMsg(proto.StoreTo, args...); err != nil {
		nlog.Warningf("controller: STORE_TO %s: %v", name, err)
	}

	<-so.done
	if so.completed {
		_ = w.WriteMsg(proto.StoreComplete)
	}
	// On timeout the client gets no message and is expected to apply its
	// own timeout.
	conn.Close()
}

func (c *Controller) onStoreAck(port int, name string) {
	c.mu.Lock()
	so, ok := c.storeOps[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	if !so.op.Ack(port) {
		return
	}
	if err := c.idx.CompleteStore(name, so.targets); err != nil {
		nlog.Errorf("controller: complete store %s: %v", name, err)
	}
	c.mu.Lock()
	delete(c.storeOps, name)
	c.mu.Unlock()
	c.metrics.PendingStores.Dec()
	c.metrics.StoreCompleted.Inc()
	c.refreshIndexSize()
	so.completed = true
	close(so.done)

	if c.mirror != nil {
		go c.mirrorAfterStore(name, so.targets)
	}
}

func (c *Controller) finishStoreTimeout(name string, expired *storeOp) {
	c.mu.Lock()
	current, ok := c.storeOps[name]
	if !ok || current != expired {
		// A newer op for this name has since replaced the one whose timer
		// just fired; that stale timer must not touch the current op.
		c.mu.Unlock()
		return
	}
	delete(c.storeOps, name)
	c.mu.Unlock()
	if err := c.idx.AbortStore(name); err != nil {
		nlog.Errorf("controller: abort store %s: %v", name, err)
	}
	c.metrics.PendingStores.Dec()
	c.metrics.StoreTimedOut.Inc()
	c.refreshIndexSize()
	close(expired.done)
}

// refreshIndexSize syncs the index-size gauge after any operation that
// inserts or removes an entry. The index itself is the source of truth;
// this just keeps the gauge from drifting.
func (c *Controller) refreshIndexSize() {
	n, err := c.idx.Len()
	if err != nil {
		nlog.Errorf("controller: index size: %v", err)
		return
	}
	c.metrics.IndexSize.Set(float64(n))
}

func (c *Controller) handleRemove(conn net.Conn, w *proto.Writer, msg proto.Msg) {
	name := msg.Arg(0)
	entry, err := c.idx.BeginRemove(name)
	if err != nil {
		_ = w.WriteMsg(proto.ErrFileNotFound)
		conn.Close()
		return
	}

	active := c.mem.Intersect(entry.Replicas)
	if len(active) == 0 {
		// Index stays REMOVE_IN_PROGRESS (DESIGN.md Open Question 2): a
		// rebalancer would need to retry or roll this back; this spec has
		// none.
		_ = w.WriteMsg(proto.ErrFileNotFound)
		conn.Close()
		return
	}

	ro := &removeOp{done: make(chan struct{})}
	ro.op = xact.New(name, active, c.cfg.Timeout, func(*xact.Op) {
		c.finishRemoveTimeout(name, ro)
	})
	c.mu.Lock()
	c.removeOps[name] = ro
	c.mu.Unlock()
	c.metrics.PendingRemoves.Inc()

	for _, port := range active {
		h, ok := c.mem.Get(port)
		if !ok {
			continue
		}
		if err := h.Send(proto.Remove, name); err != nil {
			nlog.Warningf("controller: send REMOVE %s to %d: %v", name, port, err)
		}
	}

	<-ro.done
	if ro.completed {
		_ = w.WriteMsg(proto.RemoveComplete)
	}
	conn.Close()
}

func (c *Controller) onRemoveAck(port int, name string) {
	c.mu.Lock()
	ro, ok := c.removeOps[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	if !ro.op.Ack(port) {
		return
	}
	if err := c.idx.CompleteRemove(name); err != nil {
		nlog.Errorf("controller: complete remove %s: %v", name, err)
	}
	c.mu.Lock()
	delete(c.removeOps, name)
	c.mu.Unlock()
	c.metrics.PendingRemoves.Dec()
	c.metrics.RemoveCompleted.Inc()
	c.refreshIndexSize()
	ro.completed = true
	close(ro.done)
}

func (c *Controller) finishRemoveTimeout(name string, expired *removeOp) {
	c.mu.Lock()
	current, ok := c.removeOps[name]
	if !ok || current != expired {
		c.mu.Unlock()
		return
	}
	delete(c.removeOps, name)
	c.mu.Unlock()
	c.metrics.PendingRemoves.Dec()
	c.metrics.RemoveTimedOut.Inc()
	close(expired.done)
}
