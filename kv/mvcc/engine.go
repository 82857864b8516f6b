package mvcc

import (
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/juju/ratelimit"
	"github.com/ngaut/log"
	"go.uber.org/atomic"

	"github.com/unitxn/unitxn/kv/config"
	"github.com/unitxn/unitxn/kv/storage"
	"github.com/unitxn/unitxn/kv/util/codec"
)

// Version is one committed value of one key. Chains hold versions newest
// first, strictly ordered by commit timestamp descending.
type Version struct {
	Value    []byte
	TxnID    uint64
	CommitTS uint64
}

type versionChain struct {
	mu       sync.RWMutex
	versions []Version // newest first
}

// head returns the newest version, or nil for an empty chain.
func (c *versionChain) head() *Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.versions) == 0 {
		return nil
	}
	return &c.versions[0]
}

// visibleAt returns the newest version with CommitTS <= ts.
func (c *versionChain) visibleAt(ts uint64) *Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.versions {
		if c.versions[i].CommitTS <= ts {
			return &c.versions[i]
		}
	}
	return nil
}

// txnState is the engine-side record of one active transaction: its fixed
// snapshot and its private, uncommitted write buffer.
type txnState struct {
	id         uint64
	isolation  config.IsolationLevel
	snapshotTS uint64
	buffer     map[string][]byte
	// prepared is set once the distributed prepare path has latched the
	// buffered keys and validated the commit; latchedKeys are held until
	// commit or abort.
	prepared    bool
	latchedKeys []string
}

// readTS is the newest commit timestamp the transaction may observe.
// Serializable excludes versions committed at its own start timestamp.
func (s *txnState) readTS() uint64 {
	if s.isolation == config.Serializable && s.snapshotTS > 0 {
		return s.snapshotTS - 1
	}
	return s.snapshotTS
}

func (s *txnState) bufferedKeys() []string {
	keys := make([]string, 0, len(s.buffer))
	for k := range s.buffer {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// keyItem orders user keys inside the engine's btree index.
type keyItem string

func (k keyItem) Less(than btree.Item) bool {
	return k < than.(keyItem)
}

const keyIndexDegree = 32

// EngineStats are monotonic counters exposed to operational tooling.
type EngineStats struct {
	Begun            uint64
	Committed        uint64
	Aborted          uint64
	WriteConflicts   uint64
	Versions         uint64
	GarbageCollected uint64
}

// Engine serves snapshot-consistent reads and writes over per-key version
// chains. Reads never block; commits to the same key are serialized by
// per-key latches while validation and write-through of disjoint commits
// proceed in parallel. Only the in-memory append is serialized, so a
// snapshot observes a commit completely or not at all.
type Engine struct {
	// mu guards chains, keys and txns. Individual chains carry their own
	// lock so readers do not hold mu while walking versions.
	mu     sync.RWMutex
	chains map[string]*versionChain
	keys   *btree.BTree
	txns   map[uint64]*txnState

	oracle  *Oracle
	latches *latches
	store   storage.Storage

	// gcBucket paces garbage collection so it cannot saturate the engine.
	gcBucket *ratelimit.Bucket

	begun            atomic.Uint64
	committed        atomic.Uint64
	aborted          atomic.Uint64
	writeConflicts   atomic.Uint64
	versionCount     atomic.Uint64
	garbageCollected atomic.Uint64
}

func NewEngine(store storage.Storage, gcScanRate float64) *Engine {
	if gcScanRate <= 0 {
		gcScanRate = 10000
	}
	return &Engine{
		chains:   make(map[string]*versionChain),
		keys:     btree.New(keyIndexDegree),
		txns:     make(map[uint64]*txnState),
		oracle:   NewOracle(),
		latches:  newLatches(),
		store:    store,
		gcBucket: ratelimit.NewBucketWithRate(gcScanRate, int64(gcScanRate)),
	}
}

// Oracle exposes the engine's timestamp oracle; the manager reads Current()
// when reporting snapshot timestamps.
func (e *Engine) Oracle() *Oracle {
	return e.oracle
}

// Begin registers a transaction and fixes its snapshot timestamp. The
// snapshot never changes for the life of the transaction.
func (e *Engine) Begin(txnID uint64, isolation config.IsolationLevel) uint64 {
	snapshotTS := e.oracle.Current()
	e.mu.Lock()
	e.txns[txnID] = &txnState{
		id:         txnID,
		isolation:  isolation,
		snapshotTS: snapshotTS,
		buffer:     make(map[string][]byte),
	}
	e.mu.Unlock()
	e.begun.Inc()
	return snapshotTS
}

// Read returns the value of key visible to the transaction, checking the
// transaction's own write buffer first. A nil value with nil error means no
// visible version exists.
func (e *Engine) Read(txnID uint64, key []byte) ([]byte, error) {
	e.mu.RLock()
	state, ok := e.txns[txnID]
	if !ok {
		e.mu.RUnlock()
		return nil, &ErrTxnNotFound{TxnID: txnID}
	}
	if val, ok := state.buffer[string(key)]; ok {
		e.mu.RUnlock()
		return val, nil
	}
	chain := e.chains[string(key)]
	isolation, readTS := state.isolation, state.readTS()
	e.mu.RUnlock()

	if chain == nil {
		return nil, nil
	}
	version := e.visibleVersion(chain, isolation, readTS)
	if version == nil {
		return nil, nil
	}
	return version.Value, nil
}

// visibleVersion resolves visibility for snapshot-bound levels at the
// transaction's readTS (see txnState.readTS).
func (e *Engine) visibleVersion(chain *versionChain, isolation config.IsolationLevel, readTS uint64) *Version {
	switch isolation {
	case config.ReadUncommitted, config.ReadCommitted:
		// Chains only ever hold committed versions, so the newest version
		// is exactly what read-committed observes at this instant.
		return chain.head()
	default:
		// RepeatableRead, Serializable and SnapshotIsolation read from the
		// timestamp fixed at begin.
		return chain.visibleAt(readTS)
	}
}

// Write records key=value in the transaction's private buffer. No other
// transaction can observe it before commit.
func (e *Engine) Write(txnID uint64, key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.txns[txnID]
	if !ok {
		return &ErrTxnNotFound{TxnID: txnID}
	}
	state.buffer[string(key)] = value
	return nil
}

// Commit atomically publishes the transaction's write buffer as one new
// version per key, all carrying the same freshly allocated commit timestamp.
// It fails with ErrWriteConflict if another transaction committed a newer
// version of any buffered key after this transaction's snapshot.
func (e *Engine) Commit(txnID uint64) (uint64, error) {
	e.mu.RLock()
	state, ok := e.txns[txnID]
	e.mu.RUnlock()
	if !ok {
		return 0, &ErrTxnNotFound{TxnID: txnID}
	}

	keys := state.bufferedKeys()
	if !state.prepared {
		e.latches.waitFor(keys)
		if err := e.checkConflicts(state, keys); err != nil {
			e.latches.release(keys)
			e.writeConflicts.Inc()
			return 0, err
		}
	}
	commitTS := e.publish(state, keys)
	e.latches.release(keys)

	e.mu.Lock()
	delete(e.txns, txnID)
	e.mu.Unlock()
	e.committed.Inc()
	return commitTS, nil
}

// Prepare validates commit-readiness for the distributed commit path. It
// latches the buffered keys and runs the conflict check, holding the latches
// until Commit or Abort so a prepared transaction cannot subsequently fail.
func (e *Engine) Prepare(txnID uint64) error {
	e.mu.RLock()
	state, ok := e.txns[txnID]
	e.mu.RUnlock()
	if !ok {
		return &ErrTxnNotFound{TxnID: txnID}
	}
	if state.prepared {
		return nil
	}

	keys := state.bufferedKeys()
	e.latches.waitFor(keys)
	if err := e.checkConflicts(state, keys); err != nil {
		e.latches.release(keys)
		e.writeConflicts.Inc()
		return err
	}

	e.mu.Lock()
	state.prepared = true
	state.latchedKeys = keys
	e.mu.Unlock()
	return nil
}

// checkConflicts must be called with the key latches held.
func (e *Engine) checkConflicts(state *txnState, keys []string) error {
	if state.isolation == config.ReadUncommitted || state.isolation == config.ReadCommitted {
		// Last-writer-wins levels skip first-committer-wins validation.
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, key := range keys {
		chain := e.chains[key]
		if chain == nil {
			continue
		}
		head := chain.head()
		if head != nil && head.CommitTS > state.snapshotTS {
			return &ErrWriteConflict{
				TxnID:      state.id,
				Key:        []byte(key),
				SnapshotTS: state.snapshotTS,
				ConflictTS: head.CommitTS,
			}
		}
	}
	return nil
}

// publish must be called with the key latches held. It allocates the commit
// timestamp and appends every version inside one critical section on e.mu:
// a transaction whose snapshot admits the commit timestamp cannot have been
// registered before the last chain was appended, so no snapshot ever
// observes the commit partially applied. The key latches keep the visible
// order of versions on any key matching real commit order.
func (e *Engine) publish(state *txnState, keys []string) uint64 {
	e.mu.Lock()
	commitTS := e.oracle.next()
	for _, key := range keys {
		chain := e.chains[key]
		if chain == nil {
			chain = &versionChain{}
			e.chains[key] = chain
			e.keys.ReplaceOrInsert(keyItem(key))
		}
		chain.mu.Lock()
		chain.versions = append([]Version{{Value: state.buffer[key], TxnID: state.id, CommitTS: commitTS}}, chain.versions...)
		chain.mu.Unlock()
		e.versionCount.Inc()
	}
	e.mu.Unlock()

	// Write-through of the committed versions, outside the critical section.
	// The in-memory chains are authoritative; a storage failure is logged,
	// not surfaced, so a commit can never be half-published.
	for _, key := range keys {
		if err := e.store.Put(codec.EncodeKey([]byte(key), commitTS), state.buffer[key]); err != nil {
			log.Warnf("write-through of key %q at ts %d failed: %v", key, commitTS, err)
		}
	}
	return commitTS
}

// Abort discards the transaction's buffer and releases any latches held by a
// prepared transaction. Committed versions are never touched.
func (e *Engine) Abort(txnID uint64) error {
	e.mu.Lock()
	state, ok := e.txns[txnID]
	if !ok {
		e.mu.Unlock()
		return &ErrTxnNotFound{TxnID: txnID}
	}
	delete(e.txns, txnID)
	prepared, latched := state.prepared, state.latchedKeys
	e.mu.Unlock()

	if prepared {
		e.latches.release(latched)
	}
	e.aborted.Inc()
	return nil
}

// GetVersionChain returns a copy of the key's chain, newest first.
func (e *Engine) GetVersionChain(key []byte) []Version {
	e.mu.RLock()
	chain := e.chains[string(key)]
	e.mu.RUnlock()
	if chain == nil {
		return nil
	}
	chain.mu.RLock()
	defer chain.mu.RUnlock()
	out := make([]Version, len(chain.versions))
	copy(out, chain.versions)
	return out
}

// OldestActiveSnapshot returns the smallest timestamp any active transaction
// can still read at, or the oracle's current timestamp if none are active.
// This is the garbage-collection floor. Serializable transactions read below
// their snapshot, so the floor uses each transaction's readTS, not its raw
// snapshot timestamp.
func (e *Engine) OldestActiveSnapshot() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	oldest := e.oracle.Current()
	for _, state := range e.txns {
		if ts := state.readTS(); ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

// GarbageCollect drops versions no active transaction can see: everything
// strictly older than the newest version at or below the oldest active
// snapshot. At least one version always remains per chain. Returns the
// number of versions collected.
func (e *Engine) GarbageCollect() int {
	floor := e.OldestActiveSnapshot()

	e.mu.RLock()
	keys := make([]string, 0, e.keys.Len())
	e.keys.Ascend(func(item btree.Item) bool {
		keys = append(keys, string(item.(keyItem)))
		return true
	})
	e.mu.RUnlock()

	collected := 0
	for _, key := range keys {
		e.gcBucket.Wait(1)

		e.mu.RLock()
		chain := e.chains[key]
		e.mu.RUnlock()
		if chain == nil {
			continue
		}

		var dropped []Version
		chain.mu.Lock()
		for i := range chain.versions {
			if chain.versions[i].CommitTS <= floor {
				// Versions after i are older than the newest visible-to-all
				// version and can never be read again.
				dropped = append(dropped, chain.versions[i+1:]...)
				chain.versions = chain.versions[:i+1]
				break
			}
		}
		chain.mu.Unlock()

		for _, v := range dropped {
			if err := e.store.Delete(codec.EncodeKey([]byte(key), v.CommitTS)); err != nil {
				log.Warnf("gc delete of key %q at ts %d failed: %v", key, v.CommitTS, err)
			}
		}
		collected += len(dropped)
	}
	if collected > 0 {
		e.versionCount.Sub(uint64(collected))
		e.garbageCollected.Add(uint64(collected))
		log.Debugf("garbage collected %d versions below ts %d", collected, floor)
	}
	return collected
}

// ActiveTransactions reports how many transactions the engine is tracking.
func (e *Engine) ActiveTransactions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.txns)
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Begun:            e.begun.Load(),
		Committed:        e.committed.Load(),
		Aborted:          e.aborted.Load(),
		WriteConflicts:   e.writeConflicts.Load(),
		Versions:         e.versionCount.Load(),
		GarbageCollected: e.garbageCollected.Load(),
	}
}
