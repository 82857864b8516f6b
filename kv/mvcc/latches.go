package mvcc

import "sync"

// latches serialize commits touching the same key. A committing transaction
// latches every key in its write buffer at once, so two commits with disjoint
// key sets never wait on each other while same-key commits are strictly
// ordered. A latch is per user key; only the commit path needs one, reads
// never latch.
type latches struct {
	// latchMap maps each latched key to a WaitGroup other committers wait on.
	latchMap map[string]*sync.WaitGroup
	// latchGuard must be held for any change to latchMap, which makes
	// acquiring a whole key set atomic.
	latchGuard sync.Mutex
}

func newLatches() *latches {
	return &latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// acquire attempts to latch every key at once. On success it returns nil;
// otherwise it returns a WaitGroup of one current holder to wait on.
func (l *latches) acquire(keys []string) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keys {
		if wg, ok := l.latchMap[key]; ok {
			return wg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keys {
		l.latchMap[key] = wg
	}
	return nil
}

// waitFor blocks until every key could be latched. All-or-nothing
// acquisition means waiters cannot deadlock against each other.
func (l *latches) waitFor(keys []string) {
	for {
		wg := l.acquire(keys)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}

// release unlatches keys that were latched together in one acquire call and
// wakes every waiter.
func (l *latches) release(keys []string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keys {
		if first {
			l.latchMap[key].Done()
			first = false
		}
		delete(l.latchMap, key)
	}
}
