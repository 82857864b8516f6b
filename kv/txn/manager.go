package txn

import (
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/unitxn/unitxn/kv/adaptive"
	"github.com/unitxn/unitxn/kv/config"
	"github.com/unitxn/unitxn/kv/deadlock"
	"github.com/unitxn/unitxn/kv/metrics"
	"github.com/unitxn/unitxn/kv/mvcc"
	"github.com/unitxn/unitxn/kv/storage"
	"github.com/unitxn/unitxn/kv/util/worker"
)

// txnMeta is the manager-side record of one transaction. The concurrency
// control algorithm is fixed at begin; adaptive switches never change a
// transaction in flight.
type txnMeta struct {
	id         uint64
	isolation  config.IsolationLevel
	algorithm  config.ConcurrencyControl
	snapshotTS uint64
	startTime  time.Time
	prepared   bool
}

// ManagerStats is a point-in-time snapshot of manager counters.
type ManagerStats struct {
	ActiveTransactions int
	Committed          uint64
	Aborted            uint64
	WriteConflicts     uint64
	DeadlockAborts     uint64
	TimeoutAborts      uint64
	AlgorithmSwitches  uint64
	ActiveAlgorithm    config.ConcurrencyControl
	Engine             mvcc.EngineStats
	Detector           deadlock.DetectorStats
}

// Manager is the transaction facade. It owns transaction lifecycle, routes
// reads and writes to the MVCC engine, mirrors lock waits into the deadlock
// detector, feeds and consults the adaptive controller, and runs the
// background detection, timeout, sampling and garbage collection loops.
//
// All public methods are safe for concurrent use.
type Manager struct {
	cfg        *config.Config
	engine     *mvcc.Engine
	detector   *deadlock.Detector
	controller *adaptive.Controller
	locks      *lockTable

	mu   sync.RWMutex
	txns map[uint64]*txnMeta

	nextID atomic.Uint64

	committed      atomic.Uint64
	aborted        atomic.Uint64
	writeConflicts atomic.Uint64
	deadlockAborts atomic.Uint64
	timeoutAborts  atomic.Uint64

	// Interval counters, reset by the adaptive sampling loop.
	intervalReads     atomic.Uint64
	intervalWrites    atomic.Uint64
	intervalCommits   atomic.Uint64
	intervalAborts    atomic.Uint64
	intervalDeadlocks atomic.Uint64
	intervalConflicts atomic.Uint64
	latencyNanos      atomic.Uint64
	latencySamples    atomic.Uint64

	// Key access counts for the hotspot estimate, reset per interval.
	accessMu     sync.Mutex
	accessCounts map[string]uint64
	accessTotal  uint64

	abortWorker *worker.Worker
	stopCh      chan struct{}
	loopWg      sync.WaitGroup
	workerWg    sync.WaitGroup
	closeOnce   sync.Once
}

// victimTask asks the abort worker to kill a transaction chosen by deadlock
// resolution or a timeout sweep.
type victimTask struct {
	txnID uint64
	cause error
}

type victimHandler struct {
	m *Manager
}

func (h victimHandler) Handle(t worker.Task) {
	task, ok := t.(victimTask)
	if !ok {
		log.Warnf("abort worker received unexpected task %T", t)
		return
	}
	h.m.abortWith(task.txnID, task.cause)
}

func NewManager(cfg *config.Config, store storage.Storage) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		cfg:          cfg,
		engine:       mvcc.NewEngine(store, cfg.GCScanRate),
		detector:     deadlock.NewDetector(cfg.VictimStrategy, cfg.MaxGraphSize),
		controller:   adaptive.NewController(cfg),
		txns:         make(map[uint64]*txnMeta),
		accessCounts: make(map[string]uint64),
		stopCh:       make(chan struct{}),
	}
	m.locks = newLockTable(m.detector)
	m.abortWorker = worker.NewWorker("txn-abort", &m.workerWg)
	m.abortWorker.Start(victimHandler{m: m})

	m.loopWg.Add(2)
	go m.detectionLoop()
	go m.gcLoop()
	if cfg.EnableAdaptiveConcurrency {
		m.loopWg.Add(1)
		go m.adaptiveLoop()
	}
	log.Infof("transaction manager started: isolation=%v cc=%v adaptive=%v protocol=%v",
		cfg.DefaultIsolationLevel, cfg.DefaultConcurrencyControl,
		cfg.EnableAdaptiveConcurrency, cfg.CommitProtocol)
	return m, nil
}

// Begin opens a transaction under the configured default isolation level.
func (m *Manager) Begin() (uint64, error) {
	return m.BeginWithIsolation(m.cfg.DefaultIsolationLevel)
}

// BeginWithIsolation opens a transaction under an explicit isolation level.
// The transaction is tagged with the currently active concurrency-control
// algorithm for its whole lifetime.
func (m *Manager) BeginWithIsolation(isolation config.IsolationLevel) (uint64, error) {
	algorithm := m.cfg.DefaultConcurrencyControl
	if m.cfg.EnableAdaptiveConcurrency {
		algorithm = m.controller.ActiveAlgorithm()
	}

	m.mu.Lock()
	if len(m.txns) >= m.cfg.MaxActiveTransactions {
		m.mu.Unlock()
		return 0, &ErrCapacityExceeded{Max: m.cfg.MaxActiveTransactions}
	}
	id := m.nextID.Inc()
	meta := &txnMeta{
		id:         id,
		isolation:  isolation,
		algorithm:  algorithm,
		startTime:  time.Now(),
		snapshotTS: m.engine.Begin(id, isolation),
	}
	m.txns[id] = meta
	m.mu.Unlock()

	if algorithm == config.TwoPhaseLocking {
		m.detector.Register(id, meta.startTime)
	}
	metrics.ActiveTxnGauge.Inc()
	metrics.TxnCounter.WithLabelValues("begun").Inc()
	return id, nil
}

func (m *Manager) meta(txnID uint64) (*txnMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.txns[txnID]
	if !ok {
		return nil, &ErrUnknownTransaction{TxnID: txnID}
	}
	return meta, nil
}

// Read returns the value visible to the transaction, or nil when no visible
// version exists. Under two-phase locking the key is locked first and the
// call may block up to the lock wait timeout.
func (m *Manager) Read(txnID uint64, key []byte) ([]byte, error) {
	meta, err := m.meta(txnID)
	if err != nil {
		return nil, err
	}
	if meta.algorithm == config.TwoPhaseLocking {
		if err := m.locks.Lock(txnID, string(key), m.cfg.LockWaitTimeout); err != nil {
			return nil, err
		}
	}
	m.intervalReads.Inc()
	m.trackAccess(key)
	return m.engine.Read(txnID, key)
}

// Write buffers key=value in the transaction. Under two-phase locking the
// key is locked first.
func (m *Manager) Write(txnID uint64, key, value []byte) error {
	meta, err := m.meta(txnID)
	if err != nil {
		return err
	}
	if meta.algorithm == config.TwoPhaseLocking {
		if err := m.locks.Lock(txnID, string(key), m.cfg.LockWaitTimeout); err != nil {
			return err
		}
	}
	m.intervalWrites.Inc()
	m.trackAccess(key)
	return m.engine.Write(txnID, key, value)
}

// Scan returns up to limit visible pairs in [start, end) under the
// transaction's snapshot.
func (m *Manager) Scan(txnID uint64, start, end []byte, limit int) ([]mvcc.KV, error) {
	if _, err := m.meta(txnID); err != nil {
		return nil, err
	}
	m.intervalReads.Inc()
	return m.engine.Scan(txnID, start, end, limit)
}

// Commit publishes the transaction's writes. On a write conflict the
// transaction stays active so the caller can inspect the error before
// aborting.
func (m *Manager) Commit(txnID uint64) error {
	meta, err := m.meta(txnID)
	if err != nil {
		return err
	}
	if _, err := m.engine.Commit(txnID); err != nil {
		if _, ok := err.(*mvcc.ErrWriteConflict); ok {
			m.writeConflicts.Inc()
			m.intervalConflicts.Inc()
			metrics.WriteConflictCounter.Inc()
		}
		return err
	}
	m.finish(meta, "committed")
	m.committed.Inc()
	m.intervalCommits.Inc()
	return nil
}

// Abort rolls the transaction back. Aborting a finished or unknown
// transaction is a no-op.
func (m *Manager) Abort(txnID uint64) error {
	return m.abortWith(txnID, nil)
}

func (m *Manager) abortWith(txnID uint64, cause error) error {
	m.mu.RLock()
	meta, ok := m.txns[txnID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := m.engine.Abort(txnID); err != nil {
		if _, ok := err.(*mvcc.ErrTxnNotFound); !ok {
			return errors.Trace(err)
		}
	}
	cancelErr := cause
	if cancelErr == nil {
		cancelErr = &ErrTxnAborted{TxnID: txnID}
	}
	m.releaseFinished(meta, cancelErr)
	m.removeMeta(txnID, "aborted")
	m.aborted.Inc()
	m.intervalAborts.Inc()
	switch cause.(type) {
	case *ErrDeadlockVictim:
		m.deadlockAborts.Inc()
		m.intervalDeadlocks.Inc()
	case *ErrTxnAborted, *ErrLockTimeout:
		m.timeoutAborts.Inc()
	}
	return nil
}

func (m *Manager) finish(meta *txnMeta, outcome string) {
	m.releaseFinished(meta, nil)
	m.removeMeta(meta.id, outcome)
	elapsed := time.Since(meta.startTime)
	m.latencyNanos.Add(uint64(elapsed.Nanoseconds()))
	m.latencySamples.Inc()
	metrics.TxnDuration.Observe(elapsed.Seconds())
}

func (m *Manager) releaseFinished(meta *txnMeta, cancelErr error) {
	if meta.algorithm == config.TwoPhaseLocking {
		m.locks.ReleaseAll(meta.id, cancelErr)
		m.detector.Unregister(meta.id)
	}
}

func (m *Manager) removeMeta(txnID uint64, outcome string) {
	m.mu.Lock()
	delete(m.txns, txnID)
	m.mu.Unlock()
	metrics.ActiveTxnGauge.Dec()
	metrics.TxnCounter.WithLabelValues(outcome).Inc()
}

// Prepare validates the transaction for a distributed commit. After a nil
// return the transaction is guaranteed committable: its keys stay latched
// and it is exempt from deadlock victim selection and timeout sweeps until
// CommitPrepared or Abort.
func (m *Manager) Prepare(txnID uint64) error {
	meta, err := m.meta(txnID)
	if err != nil {
		return err
	}
	if err := m.engine.Prepare(txnID); err != nil {
		return err
	}
	m.mu.Lock()
	meta.prepared = true
	m.mu.Unlock()
	m.detector.Pin(txnID)
	return nil
}

// CommitPrepared publishes a transaction previously validated by Prepare.
// It cannot fail with a write conflict.
func (m *Manager) CommitPrepared(txnID uint64) error {
	meta, err := m.meta(txnID)
	if err != nil {
		return err
	}
	if _, err := m.engine.Commit(txnID); err != nil {
		return errors.Trace(err)
	}
	m.finish(meta, "committed")
	m.committed.Inc()
	m.intervalCommits.Inc()
	return nil
}

// ActiveAlgorithm returns the algorithm new transactions will be tagged
// with.
func (m *Manager) ActiveAlgorithm() config.ConcurrencyControl {
	if m.cfg.EnableAdaptiveConcurrency {
		return m.controller.ActiveAlgorithm()
	}
	return m.cfg.DefaultConcurrencyControl
}

// Controller exposes the adaptive controller, mainly so operators can ask
// for a decision with reasoning on demand.
func (m *Manager) Controller() *adaptive.Controller {
	return m.controller
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	active := len(m.txns)
	m.mu.RUnlock()
	return ManagerStats{
		ActiveTransactions: active,
		Committed:          m.committed.Load(),
		Aborted:            m.aborted.Load(),
		WriteConflicts:     m.writeConflicts.Load(),
		DeadlockAborts:     m.deadlockAborts.Load(),
		TimeoutAborts:      m.timeoutAborts.Load(),
		AlgorithmSwitches:  m.controller.Switches(),
		ActiveAlgorithm:    m.ActiveAlgorithm(),
		Engine:             m.engine.Stats(),
		Detector:           m.detector.Stats(),
	}
}

func (m *Manager) trackAccess(key []byte) {
	m.accessMu.Lock()
	m.accessCounts[string(key)]++
	m.accessTotal++
	m.accessMu.Unlock()
}

// hotspotFactor returns the fraction of interval accesses that hit the
// single hottest key, and resets the counts.
func (m *Manager) hotspotFactor() float64 {
	m.accessMu.Lock()
	defer m.accessMu.Unlock()
	var max uint64
	for _, c := range m.accessCounts {
		if c > max {
			max = c
		}
	}
	total := m.accessTotal
	m.accessCounts = make(map[string]uint64)
	m.accessTotal = 0
	if total == 0 {
		return 0
	}
	return float64(max) / float64(total)
}

// detectionLoop periodically resolves deadlocks and sweeps timed-out
// transactions. Victim aborts run on the abort worker so a slow abort
// cannot stall detection.
func (m *Manager) detectionLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.DeadlockDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cycles := m.detector.DetectDeadlocks()
			for _, victim := range m.detector.ResolveDeadlocks(cycles) {
				metrics.DeadlockCounter.Inc()
				m.abortWorker.Sender() <- victimTask{txnID: victim, cause: &ErrDeadlockVictim{TxnID: victim}}
			}
			for _, victim := range m.detector.CheckTimeouts(m.cfg.LockWaitTimeout) {
				m.abortWorker.Sender() <- victimTask{txnID: victim, cause: &ErrTxnAborted{TxnID: victim}}
			}
			m.sweepExpired()
		}
	}
}

// sweepExpired aborts transactions that outlived the transaction timeout.
// Prepared transactions are exempt: their fate belongs to the coordinator.
func (m *Manager) sweepExpired() {
	now := time.Now()
	var expired []uint64
	m.mu.RLock()
	for id, meta := range m.txns {
		if !meta.prepared && now.Sub(meta.startTime) > m.cfg.TransactionTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range expired {
		log.Infof("transaction %d exceeded timeout %v, aborting", id, m.cfg.TransactionTimeout)
		m.abortWorker.Sender() <- victimTask{txnID: id, cause: &ErrTxnAborted{TxnID: id}}
	}
}

// adaptiveLoop feeds the controller one performance and one workload sample
// per interval and applies its decisions.
func (m *Manager) adaptiveLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.AdaptationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sampleAndAdapt()
		}
	}
}

func (m *Manager) sampleAndAdapt() {
	interval := m.cfg.AdaptationInterval.Seconds()
	reads := m.intervalReads.Swap(0)
	writes := m.intervalWrites.Swap(0)
	commits := m.intervalCommits.Swap(0)
	aborts := m.intervalAborts.Swap(0)
	deadlocks := m.intervalDeadlocks.Swap(0)
	conflicts := m.intervalConflicts.Swap(0)
	latNanos := m.latencyNanos.Swap(0)
	latSamples := m.latencySamples.Swap(0)

	finished := commits + aborts
	if finished == 0 && reads+writes == 0 {
		return
	}

	m.mu.RLock()
	concurrency := len(m.txns)
	m.mu.RUnlock()

	perf := adaptive.PerformanceSample{
		Throughput: float64(commits) / interval,
	}
	if latSamples > 0 {
		perf.LatencyMs = float64(latNanos) / float64(latSamples) / 1e6
	}
	if finished > 0 {
		perf.AbortRate = float64(aborts) / float64(finished)
		perf.DeadlockRate = float64(deadlocks) / float64(finished)
	}
	if m.cfg.MaxActiveTransactions > 0 {
		perf.ResourceOverhead = float64(concurrency) / float64(m.cfg.MaxActiveTransactions)
	}
	active := m.ActiveAlgorithm()
	m.controller.RecordPerformance(active, perf)

	work := adaptive.WorkloadSample{
		HotspotFactor:    m.hotspotFactor(),
		ConcurrencyLevel: concurrency,
		MeanDurationMs:   perf.LatencyMs,
		Timestamp:        time.Now(),
	}
	if reads+writes > 0 {
		work.ReadRatio = float64(reads) / float64(reads+writes)
	}
	if finished > 0 {
		work.ConflictRate = float64(conflicts) / float64(finished)
	}
	m.controller.RecordWorkload(work)

	decision := m.controller.MakeDecision()
	if m.controller.ApplyDecision(decision) {
		metrics.AlgorithmSwitchCounter.Inc()
		for _, line := range decision.Reasoning {
			log.Infof("adaptation: %s", line)
		}
	}
}

func (m *Manager) gcLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.engine.GarbageCollect(); n > 0 {
				metrics.GCCollectedCounter.Add(float64(n))
			}
		}
	}
}

// Close stops the background loops and aborts every transaction still
// active. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.loopWg.Wait()
		m.abortWorker.Stop()
		m.workerWg.Wait()

		m.mu.RLock()
		ids := make([]uint64, 0, len(m.txns))
		for id := range m.txns {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
		for _, id := range ids {
			if err := m.Abort(id); err != nil {
				log.Warnf("abort of txn %d during shutdown failed: %v", id, err)
			}
		}
		log.Info("transaction manager stopped")
	})
}
