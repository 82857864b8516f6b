package txn

import (
	"sync"
	"time"

	"github.com/unitxn/unitxn/kv/deadlock"
	"github.com/unitxn/unitxn/kv/metrics"
)

// waiter is one transaction queued behind a held lock. Its channel carries
// the outcome: nil when the lock is granted, an error when the wait is
// cancelled by deadlock resolution or abort.
type waiter struct {
	txnID uint64
	ch    chan error
}

type keyLock struct {
	holder uint64
	queue  []*waiter // FIFO
}

// lockTable implements strict two-phase locking with exclusive per-key
// locks. Waiters queue in FIFO order. Every hold and wait is mirrored into
// the deadlock detector so lock cycles become wait-for-graph cycles.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	// held and waiting index the table by transaction so release and
	// cancellation are linear in the transaction's own footprint.
	held     map[uint64]map[string]struct{}
	waiting  map[uint64]map[string]*waiter
	detector *deadlock.Detector
}

func newLockTable(detector *deadlock.Detector) *lockTable {
	return &lockTable{
		locks:    make(map[string]*keyLock),
		held:     make(map[uint64]map[string]struct{}),
		waiting:  make(map[uint64]map[string]*waiter),
		detector: detector,
	}
}

// Lock acquires the exclusive lock on key for txnID, blocking up to timeout
// behind the current holder. Reentrant for a lock already held.
func (t *lockTable) Lock(txnID uint64, key string, timeout time.Duration) error {
	t.mu.Lock()
	kl := t.locks[key]
	if kl == nil {
		t.locks[key] = &keyLock{holder: txnID}
		t.markHeld(txnID, key)
		t.mu.Unlock()
		t.detector.RegisterAcquire(txnID, key)
		return nil
	}
	if kl.holder == txnID {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{txnID: txnID, ch: make(chan error, 1)}
	kl.queue = append(kl.queue, w)
	if t.waiting[txnID] == nil {
		t.waiting[txnID] = make(map[string]*waiter)
	}
	t.waiting[txnID][key] = w
	t.mu.Unlock()
	t.detector.RegisterWait(txnID, key)

	start := time.Now()
	select {
	case err := <-w.ch:
		metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
		return err
	case <-time.After(timeout):
		t.mu.Lock()
		removed := t.removeWaiterLocked(key, w)
		t.mu.Unlock()
		if !removed {
			// Lost the race against a grant or cancellation; the outcome
			// is already on the channel.
			err := <-w.ch
			metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
			return err
		}
		t.detector.Release(txnID, key)
		return &ErrLockTimeout{TxnID: txnID, Key: []byte(key)}
	}
}

// removeWaiterLocked drops w from key's queue and the waiting index.
// Returns false if w is no longer queued.
func (t *lockTable) removeWaiterLocked(key string, w *waiter) bool {
	kl := t.locks[key]
	if kl == nil {
		return false
	}
	for i, q := range kl.queue {
		if q == w {
			kl.queue = append(kl.queue[:i], kl.queue[i+1:]...)
			delete(t.waiting[w.txnID], key)
			if len(t.waiting[w.txnID]) == 0 {
				delete(t.waiting, w.txnID)
			}
			return true
		}
	}
	return false
}

func (t *lockTable) markHeld(txnID uint64, key string) {
	if t.held[txnID] == nil {
		t.held[txnID] = make(map[string]struct{})
	}
	t.held[txnID][key] = struct{}{}
}

type grant struct {
	w   *waiter
	key string
}

// ReleaseAll frees every lock txnID holds, granting each to its next queued
// waiter, and cancels any waits txnID itself has pending with cancelErr.
// Called on commit and abort. A nil cancelErr still cancels those waits
// with an error: a finished transaction must never be granted a lock.
func (t *lockTable) ReleaseAll(txnID uint64, cancelErr error) {
	if cancelErr == nil {
		cancelErr = &ErrTxnAborted{TxnID: txnID}
	}
	t.mu.Lock()
	var grants []grant
	heldKeys := t.held[txnID]
	delete(t.held, txnID)
	for key := range heldKeys {
		kl := t.locks[key]
		if kl == nil || kl.holder != txnID {
			continue
		}
		if len(kl.queue) == 0 {
			delete(t.locks, key)
			continue
		}
		next := kl.queue[0]
		kl.queue = kl.queue[1:]
		kl.holder = next.txnID
		t.markHeld(next.txnID, key)
		delete(t.waiting[next.txnID], key)
		if len(t.waiting[next.txnID]) == 0 {
			delete(t.waiting, next.txnID)
		}
		grants = append(grants, grant{w: next, key: key})
	}

	var cancelled []grant
	for key, w := range t.waiting[txnID] {
		if t.removeWaiterFromQueueLocked(key, w) {
			cancelled = append(cancelled, grant{w: w, key: key})
		}
	}
	delete(t.waiting, txnID)
	t.mu.Unlock()

	for key := range heldKeys {
		t.detector.Release(txnID, key)
	}
	for _, g := range grants {
		t.detector.RegisterAcquire(g.w.txnID, g.key)
		g.w.ch <- nil
	}
	for _, g := range cancelled {
		t.detector.Release(txnID, g.key)
		g.w.ch <- cancelErr
	}
}

// removeWaiterFromQueueLocked drops w from key's queue only, leaving the
// waiting index to the caller.
func (t *lockTable) removeWaiterFromQueueLocked(key string, w *waiter) bool {
	kl := t.locks[key]
	if kl == nil {
		return false
	}
	for i, q := range kl.queue {
		if q == w {
			kl.queue = append(kl.queue[:i], kl.queue[i+1:]...)
			return true
		}
	}
	return false
}

// HeldKeys returns how many locks txnID currently holds.
func (t *lockTable) HeldKeys(txnID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held[txnID])
}
