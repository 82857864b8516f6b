package mvcc

import (
	"sort"

	"github.com/google/btree"
)

// KV is one key/value pair produced by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Scan returns up to limit visible key/value pairs in [start, end), in key
// order, merged with the transaction's own write buffer. A nil end means
// scan to the end of the keyspace; limit <= 0 means no limit.
func (e *Engine) Scan(txnID uint64, start, end []byte, limit int) ([]KV, error) {
	e.mu.RLock()
	state, ok := e.txns[txnID]
	if !ok {
		e.mu.RUnlock()
		return nil, &ErrTxnNotFound{TxnID: txnID}
	}
	isolation, readTS := state.isolation, state.readTS()

	// Collect candidate keys from the committed index and the buffer while
	// holding mu, then resolve visibility per chain without it.
	inRange := func(key string) bool {
		if key < string(start) {
			return false
		}
		return end == nil || key < string(end)
	}
	seen := make(map[string]bool)
	var keys []string
	collect := func(item btree.Item) bool {
		key := string(item.(keyItem))
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		return true
	}
	if end == nil {
		e.keys.AscendGreaterOrEqual(keyItem(start), collect)
	} else {
		e.keys.AscendRange(keyItem(start), keyItem(end), collect)
	}
	buffered := make(map[string][]byte)
	for key, value := range state.buffer {
		if inRange(key) {
			buffered[key] = value
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	chains := make(map[string]*versionChain, len(keys))
	for _, key := range keys {
		chains[key] = e.chains[key]
	}
	e.mu.RUnlock()

	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	for _, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		if value, ok := buffered[key]; ok {
			out = append(out, KV{Key: []byte(key), Value: value})
			continue
		}
		chain := chains[key]
		if chain == nil {
			continue
		}
		version := e.visibleVersion(chain, isolation, readTS)
		if version == nil {
			continue
		}
		out = append(out, KV{Key: []byte(key), Value: version.Value})
	}
	return out, nil
}
