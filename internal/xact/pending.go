// Package xact models a pending store or remove operation as a small,
// self-contained state machine: a target port set, a monotonically growing
// acked set, and a one-shot cancellable timer. It is shaped after this
// codebase's lineage's habit of modeling any asynchronous, multi-participant
// unit of work as its own object with a lifecycle — the "xaction" pattern
// (compare ghjramos-aistore/xact/xs/tcb.go's XactTCB: one owner, a finish
// condition, idempotent completion) — generalized here from a single
// long-running background task to a short-lived per-file ack aggregator.
package xact

import (
	"sort"
	"sync"
	"time"

	"github.com/teris-io/shortid"
)

// Op is a pending store or remove operation.
type Op struct {
	ID      string
	Name    string
	Targets []int // sorted, fixed at creation
	Created time.Time

	mu    sync.Mutex
	acked map[int]bool
	done  bool
	timer *time.Timer
}

// New creates a pending op for name with the given target set and arms a
// one-shot timer. onTimeout is invoked exactly once, from the timer's own
// goroutine, if and only if the op had not already completed when the timer
// fired: a timer fire is idempotent against a completion that beat it to
// the finish line.
func New(name string, targets []int, timeout time.Duration, onTimeout func(*Op)) *Op {
	id, err := shortid.Generate()
	if err != nil {
		id = name // correlation id is best-effort logging aid only
	}
	sorted := append([]int(nil), targets...)
	sort.Ints(sorted)
	o := &Op{
		ID:      id,
		Name:    name,
		Targets: sorted,
		Created: time.Now(),
		acked:   make(map[int]bool, len(sorted)),
	}
	o.timer = time.AfterFunc(timeout, func() {
		if o.expire() {
			onTimeout(o)
		}
	})
	return o
}

func (o *Op) expire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return false
	}
	o.done = true
	return true
}

func (o *Op) isTarget(port int) bool {
	for _, p := range o.Targets {
		if p == port {
			return true
		}
	}
	return false
}

// Ack records port's ack if and only if port is a target of this op. It
// returns true exactly once across the op's lifetime: the call that
// observes acked == targets. Duplicate acks, acks from non-target ports,
// and any ack arriving after the op has already completed or timed out are
// no-ops that return false, guaranteeing an op can never complete twice.
func (o *Op) Ack(port int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || !o.isTarget(port) || o.acked[port] {
		return false
	}
	o.acked[port] = true
	if len(o.acked) == len(o.Targets) {
		o.done = true
		o.timer.Stop()
		return true
	}
	return false
}

// AckedPorts returns a sorted snapshot of the ports that have acked so far.
func (o *Op) AckedPorts() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]int, 0, len(o.acked))
	for p := range o.acked {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Stop disarms the timer without marking the op done, for a caller that
// abandons an op outside the ack/timeout paths.
func (o *Op) Stop() { o.timer.Stop() }
