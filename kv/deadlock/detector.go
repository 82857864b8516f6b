package deadlock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ngaut/log"
	"go.uber.org/atomic"

	"github.com/unitxn/unitxn/kv/config"
)

// txnNode is what the detector knows about one transaction: enough to pick
// deadlock victims without reaching back into the transaction manager.
type txnNode struct {
	id        uint64
	startTime time.Time
	// held and waiting are the resources this transaction currently holds
	// and waits on.
	held    map[string]struct{}
	waiting map[string]struct{}
	// waitingSince is the zero time while the transaction holds no wait
	// edge; it feeds CheckTimeouts.
	waitingSince time.Time
	// pinned transactions are never chosen as victims and never time out.
	// The manager pins a transaction once it has voted yes in a
	// distributed commit.
	pinned bool
}

// DetectorStats are monotonic counters for operational visibility.
type DetectorStats struct {
	WaitsRegistered uint64
	CyclesFound     uint64
	VictimsChosen   uint64
	Timeouts        uint64
}

// Detector maintains a wait-for graph over active transactions. The graph
// is derived from resource ownership: RegisterAcquire records who holds a
// resource, RegisterWait records who is queued behind it, and the edge
// waiter -> holder exists for every such pair. Every cycle is a deadlock;
// the detector picks one victim per cycle according to the configured
// strategy.
//
// When the graph outgrows maxGraphSize the detector degrades to timeout-only
// operation: ownership is still tracked but cycle search is skipped until
// the graph shrinks again.
type Detector struct {
	mu      sync.Mutex
	txns    map[uint64]*txnNode
	holders map[string]uint64              // resource -> holding txn
	waiters map[string]map[uint64]struct{} // resource -> queued txns

	strategy     config.VictimStrategy
	maxGraphSize int
	rnd          *rand.Rand

	waitsRegistered atomic.Uint64
	cyclesFound     atomic.Uint64
	victimsChosen   atomic.Uint64
	timeouts        atomic.Uint64
}

func NewDetector(strategy config.VictimStrategy, maxGraphSize int) *Detector {
	return &Detector{
		txns:         make(map[uint64]*txnNode),
		holders:      make(map[string]uint64),
		waiters:      make(map[string]map[uint64]struct{}),
		strategy:     strategy,
		maxGraphSize: maxGraphSize,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a transaction to the graph. Start time drives the
// age-based victim strategies.
func (d *Detector) Register(txnID uint64, startTime time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerLocked(txnID, startTime)
}

func (d *Detector) registerLocked(txnID uint64, startTime time.Time) *txnNode {
	node, ok := d.txns[txnID]
	if !ok {
		node = &txnNode{
			id:        txnID,
			startTime: startTime,
			held:      make(map[string]struct{}),
			waiting:   make(map[string]struct{}),
		}
		d.txns[txnID] = node
	}
	return node
}

// Unregister removes a transaction, releasing everything it holds and every
// wait it has queued. Called on commit and abort.
func (d *Detector) Unregister(txnID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(txnID)
}

func (d *Detector) removeLocked(txnID uint64) {
	node, ok := d.txns[txnID]
	if !ok {
		return
	}
	for r := range node.held {
		if d.holders[r] == txnID {
			delete(d.holders, r)
		}
	}
	for r := range node.waiting {
		delete(d.waiters[r], txnID)
		if len(d.waiters[r]) == 0 {
			delete(d.waiters, r)
		}
	}
	delete(d.txns, txnID)
}

// RegisterAcquire marks txnID as the current holder of resource and clears
// any wait it had queued on that resource.
func (d *Detector) RegisterAcquire(txnID uint64, resource string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := d.registerLocked(txnID, time.Now())
	d.holders[resource] = txnID
	node.held[resource] = struct{}{}
	d.clearWaitLocked(node, resource)
}

// RegisterWait queues txnID behind the current holder of resource. A no-op
// when the resource has no recorded holder or txnID holds it itself.
func (d *Detector) RegisterWait(txnID uint64, resource string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	holder, ok := d.holders[resource]
	if !ok || holder == txnID {
		return
	}
	node := d.registerLocked(txnID, time.Now())
	if d.waiters[resource] == nil {
		d.waiters[resource] = make(map[uint64]struct{})
	}
	if _, ok := d.waiters[resource][txnID]; ok {
		return
	}
	d.waiters[resource][txnID] = struct{}{}
	node.waiting[resource] = struct{}{}
	if node.waitingSince.IsZero() {
		node.waitingSince = time.Now()
	}
	d.waitsRegistered.Inc()
}

// Release gives up txnID's claim on resource, whether held or queued.
func (d *Detector) Release(txnID uint64, resource string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.txns[txnID]
	if !ok {
		return
	}
	if d.holders[resource] == txnID {
		delete(d.holders, resource)
	}
	delete(node.held, resource)
	d.clearWaitLocked(node, resource)
}

func (d *Detector) clearWaitLocked(node *txnNode, resource string) {
	delete(d.waiters[resource], node.id)
	if len(d.waiters[resource]) == 0 {
		delete(d.waiters, resource)
	}
	delete(node.waiting, resource)
	if len(node.waiting) == 0 {
		node.waitingSince = time.Time{}
	}
}

// Pin marks a transaction as unabortable by the detector.
func (d *Detector) Pin(txnID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.txns[txnID]; ok {
		node.pinned = true
	}
}

func (d *Detector) Unpin(txnID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.txns[txnID]; ok {
		node.pinned = false
	}
}

// Size reports the number of transactions in the graph.
func (d *Detector) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.txns)
}

// DetectDeadlocks returns every distinct cycle currently in the wait-for
// graph. Each transaction appears in at most one reported cycle. Returns nil
// when the graph exceeds the configured size limit.
func (d *Detector) DetectDeadlocks() [][]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detectLocked()
}

const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // fully explored
)

func (d *Detector) detectLocked() [][]uint64 {
	if d.maxGraphSize > 0 && len(d.txns) > d.maxGraphSize {
		log.Warnf("wait-for graph has %d transactions, over limit %d; falling back to timeout-only resolution",
			len(d.txns), d.maxGraphSize)
		return nil
	}

	// Materialize waiter -> holders adjacency from resource ownership.
	adj := make(map[uint64][]uint64)
	for resource, waiting := range d.waiters {
		holder, ok := d.holders[resource]
		if !ok {
			continue
		}
		for waiter := range waiting {
			if waiter != holder {
				adj[waiter] = append(adj[waiter], holder)
			}
		}
	}

	color := make(map[uint64]int, len(d.txns))
	var cycles [][]uint64

	// Iterative DFS so a long wait chain cannot blow the stack.
	for start := range adj {
		if color[start] != white {
			continue
		}
		type frame struct {
			id   uint64
			next []uint64
		}
		var path []uint64
		onPath := make(map[uint64]int)
		stack := []frame{{id: start, next: adj[start]}}
		color[start] = grey
		onPath[start] = 0
		path = append(path, start)

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(top.next) == 0 {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				delete(onPath, top.id)
				path = path[:len(path)-1]
				continue
			}
			n := top.next[0]
			top.next = top.next[1:]
			switch color[n] {
			case white:
				color[n] = grey
				onPath[n] = len(path)
				path = append(path, n)
				stack = append(stack, frame{id: n, next: adj[n]})
			case grey:
				// Back edge to a grey node closes a cycle: everything on
				// the path from n forward.
				if at, ok := onPath[n]; ok {
					cycle := make([]uint64, len(path)-at)
					copy(cycle, path[at:])
					cycles = append(cycles, cycle)
					for _, id := range cycle {
						color[id] = black
					}
				}
			}
		}
	}
	d.cyclesFound.Add(uint64(len(cycles)))
	return cycles
}

// ResolveDeadlocks picks one victim per cycle under the configured strategy
// and removes each victim from the graph so repeated calls do not
// rediscover the same deadlock. Actually aborting the victims is the
// caller's job. A cycle whose members are all pinned is left for the
// timeout path.
func (d *Detector) ResolveDeadlocks(cycles [][]uint64) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var victims []uint64
	for _, cycle := range cycles {
		victim := d.selectVictimLocked(cycle)
		if victim == 0 {
			log.Warnf("deadlock cycle %v has no abortable member, leaving it to timeout", cycle)
			continue
		}
		log.Infof("deadlock cycle %v resolved, aborting txn %d", cycle, victim)
		d.removeLocked(victim)
		victims = append(victims, victim)
	}
	return victims
}

func (d *Detector) selectVictimLocked(cycle []uint64) uint64 {
	candidates := make([]*txnNode, 0, len(cycle))
	for _, id := range cycle {
		if node, ok := d.txns[id]; ok && !node.pinned {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	best := candidates[0]
	switch d.strategy {
	case config.YoungestTransaction:
		for _, c := range candidates[1:] {
			if c.startTime.After(best.startTime) ||
				(c.startTime.Equal(best.startTime) && c.id < best.id) {
				best = c
			}
		}
	case config.OldestTransaction:
		for _, c := range candidates[1:] {
			if c.startTime.Before(best.startTime) ||
				(c.startTime.Equal(best.startTime) && c.id < best.id) {
				best = c
			}
		}
	case config.FewestResourcesHeld:
		for _, c := range candidates[1:] {
			if len(c.held) < len(best.held) ||
				(len(c.held) == len(best.held) && c.id < best.id) {
				best = c
			}
		}
	case config.Random:
		best = candidates[d.rnd.Intn(len(candidates))]
	}
	d.victimsChosen.Inc()
	return best.id
}

// CheckTimeouts returns transactions that have been waiting longer than
// maxAge. This is the safety net beneath cycle detection and the only
// resolution path once the graph is over its size limit. Timed-out
// transactions are removed from the graph.
func (d *Detector) CheckTimeouts(maxAge time.Duration) []uint64 {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []uint64
	for id, node := range d.txns {
		if node.pinned || node.waitingSince.IsZero() {
			continue
		}
		if now.Sub(node.waitingSince) >= maxAge {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		d.removeLocked(id)
	}
	if len(expired) > 0 {
		d.timeouts.Add(uint64(len(expired)))
		log.Infof("%d transactions waited longer than %v and will be aborted", len(expired), maxAge)
	}
	return expired
}

func (d *Detector) Stats() DetectorStats {
	return DetectorStats{
		WaitsRegistered: d.waitsRegistered.Load(),
		CyclesFound:     d.cyclesFound.Load(),
		VictimsChosen:   d.victimsChosen.Load(),
		Timeouts:        d.timeouts.Load(),
	}
}
