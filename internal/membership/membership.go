// Package membership tracks the Controller's live view of connected Stores,
// keyed by the port each Store advertised on JOIN. This is the Controller's
// membership table.
package membership

import (
	"net"
	"sort"
	"sync"

	"github.com/nvanstrum/distfs/internal/proto"
)

// Handle is a Store's control-channel connection, as held by the membership
// table for fan-out writes (e.g. REMOVE) and by the per-connection handler
// that owns the read side. Concurrent writers are safe; only one goroutine
// should ever call ReadMsg on a given Handle (the connection's own handler).
type Handle struct {
	Port int
	Conn net.Conn

	wmu sync.Mutex
	w   *proto.Writer
	r   *proto.Reader
}

// NewHandle wraps conn for fan-out writes and ack reads. r must be the same
// *proto.Reader the caller used to read the connection's initial JOIN line
// (not a fresh one over conn): a bufio.Reader may already have buffered
// bytes past the JOIN line off the wire, and a second reader constructed
// straight from conn would never see them.
func NewHandle(port int, conn net.Conn, r *proto.Reader) *Handle {
	return &Handle{
		Port: port,
		Conn: conn,
		w:    proto.NewWriter(conn),
		r:    r,
	}
}

func (h *Handle) Send(verb proto.Verb, args ...any) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.w.WriteMsg(verb, args...)
}

func (h *Handle) ReadMsg() (proto.Msg, error) { return h.r.ReadMsg() }

func (h *Handle) Close() error { return h.Conn.Close() }

// Table is the Controller's membership table: port -> Store control handle.
// Safe for concurrent readers and writers.
type Table struct {
	mu sync.RWMutex
	m  map[int]*Handle
}

func NewTable() *Table {
	return &Table{m: make(map[int]*Handle)}
}

// Join registers a Store's control handle under its advertised port. A
// second JOIN on the same port replaces the prior handle (the old connection
// is assumed to be going away, or the Store restarted on the same port).
func (t *Table) Join(h *Handle) {
	t.mu.Lock()
	t.m[h.Port] = h
	t.mu.Unlock()
}

// Leave removes a port from the table. Called once, by the connection's own
// handler, when the control channel to that Store closes or fails.
func (t *Table) Leave(port int) {
	t.mu.Lock()
	delete(t.m, port)
	t.mu.Unlock()
}

func (t *Table) Get(port int) (*Handle, bool) {
	t.mu.RLock()
	h, ok := t.m[port]
	t.mu.RUnlock()
	return h, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	n := len(t.m)
	t.mu.RUnlock()
	return n
}

func (t *Table) Has(port int) bool {
	t.mu.RLock()
	_, ok := t.m[port]
	t.mu.RUnlock()
	return ok
}

// Ports returns every currently connected port, sorted ascending. The sort
// gives placement a stable, testable iteration order over the membership
// snapshot.
func (t *Table) Ports() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ports := make([]int, 0, len(t.m))
	for p := range t.m {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Intersect returns the subset of candidates currently present in the
// table, in ascending order. Used to compute replicas ∩ membership for
// LOAD/RELOAD/REMOVE.
func (t *Table) Intersect(candidates []int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := t.m[p]; ok {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}
