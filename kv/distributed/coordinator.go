package distributed

import (
	"fmt"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/unitxn/unitxn/kv/config"
	"github.com/unitxn/unitxn/kv/metrics"
	"github.com/unitxn/unitxn/kv/storage"
)

// TxnPhase is the coordinator-side state of one distributed transaction.
type TxnPhase int

const (
	PhaseInit TxnPhase = iota
	PhasePreparing
	PhasePrepared
	PhasePreCommitted
	PhaseCommitting
	PhaseCommitted
	PhaseAborting
	PhaseAborted
)

func (p TxnPhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePreparing:
		return "preparing"
	case PhasePrepared:
		return "prepared"
	case PhasePreCommitted:
		return "pre-committed"
	case PhaseCommitting:
		return "committing"
	case PhaseCommitted:
		return "committed"
	case PhaseAborting:
		return "aborting"
	case PhaseAborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// decisionKeyPrefix namespaces the durable decision log inside the shared
// storage.
const decisionKeyPrefix = "dtxn/"

type distTxn struct {
	id           uint64
	participants []string
	// keys maps each participant to the keys it owns for this transaction.
	keys  map[string][]string
	phase TxnPhase
}

// Coordinator drives atomic commit across participants using two- or
// three-phase commit per configuration. The commit decision is durable the
// instant it is written to the decision log, before any phase-2 message is
// sent; participant acknowledgement only confirms delivery.
type Coordinator struct {
	nodeID string
	cfg    *config.Config
	store  storage.Storage

	mu       sync.Mutex
	channels map[string]Channel
	txns     map[uint64]*distTxn
	waiters  map[uint64]chan Message

	elector *Elector

	started     atomic.Uint64
	committed   atomic.Uint64
	aborted     atomic.Uint64
	escalated   atomic.Uint64
	msgsSent    atomic.Uint64
	msgsRecv    atomic.Uint64
	commitNanos atomic.Int64

	inbox     <-chan Message
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// CoordinatorStats is a point-in-time snapshot of coordinator activity.
type CoordinatorStats struct {
	Started          uint64
	Committed        uint64
	Aborted          uint64
	Escalated        uint64
	MessagesSent     uint64
	MessagesReceived uint64
	Elections        uint64
	AvgCommitTime    time.Duration
}

// NewCoordinator starts a coordinator draining inbox. The decision log
// lives under its own prefix in store.
func NewCoordinator(nodeID string, cfg *config.Config, store storage.Storage, inbox <-chan Message) *Coordinator {
	c := &Coordinator{
		nodeID:   nodeID,
		cfg:      cfg,
		store:    store,
		channels: make(map[string]Channel),
		txns:     make(map[uint64]*distTxn),
		waiters:  make(map[uint64]chan Message),
		inbox:    inbox,
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.recvLoop()
	return c
}

// AddNodeChannel registers the outbound channel to a participant.
func (c *Coordinator) AddNodeChannel(node string, ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[node] = ch
}

// SetElector attaches a leader elector; election traffic arriving on the
// coordinator's inbox is forwarded to it.
func (c *Coordinator) SetElector(e *Elector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elector = e
}

func (c *Coordinator) recvLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.inbox:
			c.msgsRecv.Inc()
			switch msg.Type {
			case MsgElection, MsgVote, MsgHeartbeat:
				c.mu.Lock()
				e := c.elector
				c.mu.Unlock()
				if e != nil {
					e.Handle(msg)
				}
			default:
				c.mu.Lock()
				waiter := c.waiters[msg.TxnID]
				c.mu.Unlock()
				if waiter != nil {
					select {
					case waiter <- msg:
					default:
						log.Warnf("dropping %v from %s for txn %d: reply buffer full",
							msg.Type, msg.From, msg.TxnID)
					}
				}
			}
		}
	}
}

// Begin registers a distributed transaction with its participants and the
// partition-to-key map. No protocol messages are sent yet.
func (c *Coordinator) Begin(txnID uint64, participants []string, keys map[string][]string) error {
	if len(participants) == 0 {
		return errors.Errorf("distributed txn %d has no participants", txnID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txns[txnID]; ok {
		return errors.Errorf("distributed txn %d already registered", txnID)
	}
	for _, p := range participants {
		if _, ok := c.channels[p]; !ok {
			return &ErrNoChannel{Node: p}
		}
	}
	c.txns[txnID] = &distTxn{
		id:           txnID,
		participants: append([]string(nil), participants...),
		keys:         keys,
		phase:        PhaseInit,
	}
	return nil
}

// Phase reports the current phase of a distributed transaction.
func (c *Coordinator) Phase(txnID uint64) (TxnPhase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.txns[txnID]
	if !ok {
		return PhaseInit, &ErrUnknownTxn{TxnID: txnID}
	}
	return t.phase, nil
}

func (c *Coordinator) setPhase(txnID uint64, phase TxnPhase) {
	c.mu.Lock()
	if t, ok := c.txns[txnID]; ok {
		t.phase = phase
	}
	c.mu.Unlock()
}

// Commit drives the configured commit protocol to a terminal phase. It
// returns nil when every participant committed, ErrTxnAborted when the
// transaction was decided as aborted, and ErrParticipantUnreachable when a
// logged commit decision could not be delivered within the retry budget.
func (c *Coordinator) Commit(txnID uint64) error {
	c.mu.Lock()
	t, ok := c.txns[txnID]
	if !ok {
		c.mu.Unlock()
		return &ErrUnknownTxn{TxnID: txnID}
	}
	if t.phase != PhaseInit {
		phase := t.phase
		c.mu.Unlock()
		return errors.Errorf("distributed txn %d already driven to %v", txnID, phase)
	}
	t.phase = PhasePreparing
	c.started.Inc()
	began := time.Now()
	participants := append([]string(nil), t.participants...)
	replyCh := make(chan Message, 4*len(participants)+4)
	c.waiters[txnID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, txnID)
		c.mu.Unlock()
	}()

	commit, reason := c.voteRound(txnID, replyCh, participants,
		MsgPrepare, MsgPrepared, MsgAbortVote, c.cfg.PrepareTimeout)

	if commit && c.cfg.CommitProtocol == config.ThreePhaseCommit {
		c.setPhase(txnID, PhasePrepared)
		// The pre-commit round lets a successor coordinator infer a commit
		// decision from participant state alone.
		ok, r := c.voteRound(txnID, replyCh, participants,
			MsgPreCommit, MsgPreCommitAck, MsgAbortVote, c.cfg.PrepareTimeout)
		if !ok {
			commit, reason = false, r
		} else {
			c.setPhase(txnID, PhasePreCommitted)
		}
	} else if commit {
		c.setPhase(txnID, PhasePrepared)
	}

	// Durability point: the outcome is decided once logged, regardless of
	// what delivery does afterwards.
	if err := c.logDecision(txnID, commit); err != nil {
		if !commit {
			log.Warnf("decision log write failed for aborting txn %d: %v", txnID, err)
		} else {
			// A commit that cannot be made durable must not proceed.
			commit = false
			reason = "decision log write failed"
			if logErr := c.logDecision(txnID, false); logErr != nil {
				log.Errorf("abort decision log write also failed for txn %d: %v", txnID, logErr)
			}
		}
	}

	if commit {
		c.setPhase(txnID, PhaseCommitting)
	} else {
		c.setPhase(txnID, PhaseAborting)
	}

	unreachable := c.broadcastDecision(txnID, replyCh, participants, commit)

	if commit {
		c.setPhase(txnID, PhaseCommitted)
		c.committed.Inc()
		c.commitNanos.Add(int64(time.Since(began)))
		if unreachable != "" {
			// Never silently abort after the commit decision: escalate.
			c.escalated.Inc()
			metrics.DistributedTxnCounter.WithLabelValues("escalated").Inc()
			return &ErrParticipantUnreachable{TxnID: txnID, Node: unreachable}
		}
		metrics.DistributedTxnCounter.WithLabelValues("committed").Inc()
		log.Infof("distributed txn %d committed on %d participants", txnID, len(participants))
		return nil
	}
	c.setPhase(txnID, PhaseAborted)
	c.aborted.Inc()
	metrics.DistributedTxnCounter.WithLabelValues("aborted").Inc()
	log.Infof("distributed txn %d aborted: %s", txnID, reason)
	return &ErrTxnAborted{TxnID: txnID, Reason: reason}
}

// voteRound broadcasts ask to every participant and waits for each to answer
// yes or no within timeout. A send failure, a no vote, or silence all count
// as no.
func (c *Coordinator) voteRound(txnID uint64, replyCh chan Message, participants []string,
	ask, yes, no MsgType, timeout time.Duration) (bool, string) {

	pending := make(map[string]bool, len(participants))
	for _, p := range participants {
		pending[p] = true
	}
	for _, p := range participants {
		if err := c.send(p, Message{Type: ask, TxnID: txnID, From: c.nodeID}); err != nil {
			log.Warnf("txn %d: %v to %s failed: %v", txnID, ask, p, err)
			return false, fmt.Sprintf("participant %s unreachable during %v", p, ask)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(pending) > 0 {
		select {
		case msg := <-replyCh:
			if msg.TxnID != txnID || !pending[msg.From] {
				continue
			}
			switch msg.Type {
			case yes:
				delete(pending, msg.From)
			case no:
				return false, fmt.Sprintf("participant %s voted abort", msg.From)
			}
		case <-timer.C:
			// Silence within the window is a conservative abort vote.
			for p := range pending {
				return false, fmt.Sprintf("participant %s did not answer %v within %v", p, ask, timeout)
			}
		case <-c.stopCh:
			return false, "coordinator shutting down"
		}
	}
	return true, ""
}

// broadcastDecision delivers the phase-2 outcome and collects acks,
// retrying unacknowledged participants up to the retry budget. Returns the
// first participant that never acknowledged, or "".
func (c *Coordinator) broadcastDecision(txnID uint64, replyCh chan Message, participants []string, commit bool) string {
	msgType := MsgAbort
	if commit {
		msgType = MsgCommit
	}

	pending := make(map[string]bool, len(participants))
	for _, p := range participants {
		pending[p] = true
	}

	for attempt := 0; attempt <= c.cfg.MaxRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			log.Warnf("txn %d: resending %v, attempt %d of %d, %d participants pending",
				txnID, msgType, attempt, c.cfg.MaxRetries, len(pending))
		}
		for p := range pending {
			if err := c.send(p, Message{Type: msgType, TxnID: txnID, From: c.nodeID}); err != nil {
				log.Warnf("txn %d: %v to %s failed: %v", txnID, msgType, p, err)
			}
		}
		timer := time.NewTimer(c.cfg.CommitTimeout)
	await:
		for len(pending) > 0 {
			select {
			case msg := <-replyCh:
				if msg.TxnID == txnID && msg.Type == MsgAck {
					delete(pending, msg.From)
				}
			case <-timer.C:
				break await
			case <-c.stopCh:
				timer.Stop()
				for p := range pending {
					return p
				}
			}
		}
		timer.Stop()
	}
	for p := range pending {
		return p
	}
	return ""
}

func (c *Coordinator) send(node string, msg Message) error {
	c.mu.Lock()
	ch, ok := c.channels[node]
	c.mu.Unlock()
	if !ok {
		return &ErrNoChannel{Node: node}
	}
	if err := ch.Send(msg); err != nil {
		return err
	}
	c.msgsSent.Inc()
	return nil
}

func decisionKey(txnID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", decisionKeyPrefix, txnID))
}

func (c *Coordinator) logDecision(txnID uint64, commit bool) error {
	value := []byte("abort")
	if commit {
		value = []byte("commit")
	}
	if err := c.store.Put(decisionKey(txnID), value); err != nil {
		return errors.Annotatef(err, "log decision for distributed txn %d", txnID)
	}
	return nil
}

// Decision reads the logged outcome of a distributed transaction. ok is
// false when no decision has been logged yet, which a recovering
// coordinator must treat as abort.
func (c *Coordinator) Decision(txnID uint64) (commit bool, ok bool, err error) {
	val, err := c.store.Get(decisionKey(txnID))
	if err != nil {
		return false, false, errors.Trace(err)
	}
	if val == nil {
		return false, false, nil
	}
	return string(val) == "commit", true, nil
}

// Stats snapshots coordinator activity since startup.
func (c *Coordinator) Stats() CoordinatorStats {
	s := CoordinatorStats{
		Started:          c.started.Load(),
		Committed:        c.committed.Load(),
		Aborted:          c.aborted.Load(),
		Escalated:        c.escalated.Load(),
		MessagesSent:     c.msgsSent.Load(),
		MessagesReceived: c.msgsRecv.Load(),
	}
	if s.Committed > 0 {
		s.AvgCommitTime = time.Duration(uint64(c.commitNanos.Load()) / s.Committed)
	}
	c.mu.Lock()
	if c.elector != nil {
		s.Elections = c.elector.Campaigns()
	}
	c.mu.Unlock()
	return s
}

// Close stops the receive loop. In-flight Commit calls unwind as aborts.
// Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}
