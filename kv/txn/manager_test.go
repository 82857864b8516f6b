package txn

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitxn/unitxn/kv/config"
	"github.com/unitxn/unitxn/kv/mvcc"
	"github.com/unitxn/unitxn/kv/storage"
)

func newTestManager(t *testing.T, mutate func(*config.Config)) *Manager {
	cfg := config.NewTestConfig()
	cfg.EnableAdaptiveConcurrency = false
	if mutate != nil {
		mutate(cfg)
	}
	m, err := NewManager(cfg, storage.NewMemStore())
	require.NoError(t, err)
	return m
}

func TestBeginReadWriteCommit(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("k"), []byte("v")))

	val, err := m.Read(id, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, m.Commit(id))

	id2, err := m.Begin()
	require.NoError(t, err)
	val, err = m.Read(id2, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Committed)
	assert.Equal(t, 1, stats.ActiveTransactions)
}

func TestCapacityLimit(t *testing.T) {
	m := newTestManager(t, func(c *config.Config) {
		c.MaxActiveTransactions = 2
	})
	defer m.Close()

	_, err := m.Begin()
	require.NoError(t, err)
	second, err := m.Begin()
	require.NoError(t, err)

	_, err = m.Begin()
	require.Error(t, err)
	_, ok := err.(*ErrCapacityExceeded)
	assert.True(t, ok)

	// Finishing a transaction frees capacity.
	require.NoError(t, m.Abort(second))
	_, err = m.Begin()
	require.NoError(t, err)
}

func TestAbortIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("k"), []byte("v")))
	require.NoError(t, m.Abort(id))
	require.NoError(t, m.Abort(id))
	require.NoError(t, m.Abort(99999))

	// The aborted write never became visible.
	reader, err := m.Begin()
	require.NoError(t, err)
	val, err := m.Read(reader, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestUnknownTransaction(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	_, err := m.Read(42, []byte("k"))
	require.Error(t, err)
	_, ok := err.(*ErrUnknownTransaction)
	assert.True(t, ok)
	assert.Error(t, m.Write(42, []byte("k"), []byte("v")))
	assert.Error(t, m.Commit(42))
}

func TestConflictLeavesTransactionActive(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	seed, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(seed, []byte("k"), []byte("v0")))
	require.NoError(t, m.Commit(seed))

	a, err := m.Begin()
	require.NoError(t, err)
	b, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(a, []byte("k"), []byte("va")))
	require.NoError(t, m.Write(b, []byte("k"), []byte("vb")))
	require.NoError(t, m.Commit(a))

	err = m.Commit(b)
	require.Error(t, err)
	_, ok := err.(*mvcc.ErrWriteConflict)
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.Stats().WriteConflicts)

	// Still readable until aborted.
	val, err := m.Read(b, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vb"), val)
	require.NoError(t, m.Abort(b))
}

func TestSnapshotIsolationThroughManager(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	seed, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(seed, []byte("x"), []byte("old")))
	require.NoError(t, m.Commit(seed))

	reader, err := m.BeginWithIsolation(config.SnapshotIsolation)
	require.NoError(t, err)

	writer, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(writer, []byte("x"), []byte("new")))
	require.NoError(t, m.Commit(writer))

	val, err := m.Read(reader, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), val)
}

func TestScanThroughManager(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	seed, err := m.Begin()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, m.Write(seed, []byte(key), []byte("v")))
	}
	require.NoError(t, m.Commit(seed))

	reader, err := m.Begin()
	require.NoError(t, err)
	pairs, err := m.Scan(reader, []byte("k1"), []byte("k4"), 0)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, []byte("k1"), pairs[0].Key)
	assert.Equal(t, []byte("k3"), pairs[2].Key)
}

func TestTwoPhaseLockingBlocksConflictingWriter(t *testing.T) {
	m := newTestManager(t, func(c *config.Config) {
		c.DefaultConcurrencyControl = config.TwoPhaseLocking
	})
	defer m.Close()

	a, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(a, []byte("k"), []byte("va")))

	b, err := m.Begin()
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- m.Write(b, []byte("k"), []byte("vb"))
	}()
	<-started

	// b stays blocked behind a's lock.
	select {
	case err := <-done:
		t.Fatalf("write should have blocked, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Commit(a))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked writer was never granted the lock")
	}
	require.NoError(t, m.Commit(b))

	// b committed after a, so its value wins.
	reader, err := m.Begin()
	require.NoError(t, err)
	val, err := m.Read(reader, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vb"), val)
}

func TestLockWaitTimeout(t *testing.T) {
	m := newTestManager(t, func(c *config.Config) {
		c.DefaultConcurrencyControl = config.TwoPhaseLocking
		c.LockWaitTimeout = 50 * time.Millisecond
		// Keep the background sweeps out of this test.
		c.DeadlockDetectionInterval = time.Hour
	})
	defer m.Close()

	a, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(a, []byte("k"), []byte("va")))

	b, err := m.Begin()
	require.NoError(t, err)
	err = m.Write(b, []byte("k"), []byte("vb"))
	require.Error(t, err)
	timeout, ok := err.(*ErrLockTimeout)
	require.True(t, ok, "expected ErrLockTimeout, got %v", err)
	assert.Equal(t, b, timeout.TxnID)
}

func TestDeadlockVictimAborted(t *testing.T) {
	m := newTestManager(t, func(c *config.Config) {
		c.DefaultConcurrencyControl = config.TwoPhaseLocking
		c.VictimStrategy = config.YoungestTransaction
		c.LockWaitTimeout = 2 * time.Second
	})
	defer m.Close()

	a, err := m.Begin()
	require.NoError(t, err)
	b, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.Write(a, []byte("k1"), []byte("a1")))
	require.NoError(t, m.Write(b, []byte("k2"), []byte("b2")))

	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- m.Write(a, []byte("k2"), []byte("a2")) }()
	go func() { bDone <- m.Write(b, []byte("k1"), []byte("b1")) }()

	// Exactly one member of the cycle is sacrificed; the survivor's write
	// is granted.
	var aErr, bErr error
	select {
	case aErr = <-aDone:
	case <-time.After(3 * time.Second):
		t.Fatal("deadlock was never resolved for a")
	}
	select {
	case bErr = <-bDone:
	case <-time.After(3 * time.Second):
		t.Fatal("deadlock was never resolved for b")
	}

	survivor, victim := a, b
	victimErr := bErr
	if aErr != nil {
		require.NoError(t, bErr)
		survivor, victim = b, a
		victimErr = aErr
	}
	_, ok := victimErr.(*ErrDeadlockVictim)
	require.True(t, ok, "expected ErrDeadlockVictim, got %v", victimErr)

	require.NoError(t, m.Commit(survivor))
	assert.True(t, m.Stats().DeadlockAborts >= 1)

	// The victim is gone.
	_, err = m.Read(victim, []byte("k1"))
	require.Error(t, err)
}

func TestTransactionTimeoutSweep(t *testing.T) {
	m := newTestManager(t, func(c *config.Config) {
		c.TransactionTimeout = 50 * time.Millisecond
		c.DeadlockDetectionInterval = 10 * time.Millisecond
	})
	defer m.Close()

	id, err := m.Begin()
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := m.Read(id, []byte("k"))
		if _, gone := err.(*ErrUnknownTransaction); gone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transaction was never swept")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, m.Stats().TimeoutAborts >= 1)
}

func TestPreparedExemptFromSweep(t *testing.T) {
	m := newTestManager(t, func(c *config.Config) {
		c.TransactionTimeout = 50 * time.Millisecond
		c.DeadlockDetectionInterval = 10 * time.Millisecond
	})
	defer m.Close()

	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("k"), []byte("v")))
	require.NoError(t, m.Prepare(id))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, m.CommitPrepared(id))

	reader, err := m.Begin()
	require.NoError(t, err)
	val, err := m.Read(reader, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestCloseAbortsActive(t *testing.T) {
	m := newTestManager(t, nil)
	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Write(id, []byte("k"), []byte("v")))
	m.Close()
	m.Close()

	assert.Equal(t, 0, m.Stats().ActiveTransactions)
	assert.True(t, m.Stats().Aborted >= 1)
}

func TestConcurrentTransactions(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Close()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.Begin()
			if !assert.NoError(t, err) {
				return
			}
			key := []byte(fmt.Sprintf("key-%d", i))
			assert.NoError(t, m.Write(id, key, []byte("v")))
			assert.NoError(t, m.Commit(id))
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, uint64(n), stats.Committed)
	assert.Equal(t, 0, stats.ActiveTransactions)
}
