package mvcc

import "go.uber.org/atomic"

// Oracle hands out commit timestamps. Timestamps are strictly increasing;
// Current returns the highest timestamp handed out so far, which doubles as
// the snapshot timestamp of a newly begun transaction.
type Oracle struct {
	ts atomic.Uint64
}

func NewOracle() *Oracle {
	return &Oracle{}
}

// Current returns the last allocated commit timestamp.
func (o *Oracle) Current() uint64 {
	return o.ts.Load()
}

// next allocates a fresh commit timestamp.
func (o *Oracle) next() uint64 {
	return o.ts.Inc()
}
