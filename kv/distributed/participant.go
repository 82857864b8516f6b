package distributed

import (
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/unitxn/unitxn/kv/txn"
)

// localTxn is the participant-side state of one distributed transaction.
type localTxn struct {
	localID  uint64
	prepared bool
}

// Participant executes the participant side of the commit protocol against
// a local transaction manager. The local transaction for a distributed id
// is created through Begin and written through Write/Read like any other
// transaction; Prepare/Commit/Abort arrive as protocol messages.
type Participant struct {
	nodeID string
	mgr    *txn.Manager

	mu       sync.Mutex
	channels map[string]Channel
	local    map[uint64]*localTxn

	inbox     <-chan Message
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewParticipant(nodeID string, mgr *txn.Manager, inbox <-chan Message) *Participant {
	p := &Participant{
		nodeID:   nodeID,
		mgr:      mgr,
		channels: make(map[string]Channel),
		local:    make(map[uint64]*localTxn),
		inbox:    inbox,
		stopCh:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// AddNodeChannel registers the outbound channel to a coordinator.
func (p *Participant) AddNodeChannel(node string, ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[node] = ch
}

// Begin opens the local leg of a distributed transaction.
func (p *Participant) Begin(dtxnID uint64) error {
	localID, err := p.mgr.Begin()
	if err != nil {
		return errors.Trace(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.local[dtxnID]; ok {
		return errors.Errorf("distributed txn %d already has a local leg on %s", dtxnID, p.nodeID)
	}
	p.local[dtxnID] = &localTxn{localID: localID}
	return nil
}

// Write buffers a write in the local leg of a distributed transaction.
func (p *Participant) Write(dtxnID uint64, key, value []byte) error {
	lt, err := p.leg(dtxnID)
	if err != nil {
		return err
	}
	return p.mgr.Write(lt.localID, key, value)
}

// Read reads through the local leg's snapshot.
func (p *Participant) Read(dtxnID uint64, key []byte) ([]byte, error) {
	lt, err := p.leg(dtxnID)
	if err != nil {
		return nil, err
	}
	return p.mgr.Read(lt.localID, key)
}

func (p *Participant) leg(dtxnID uint64) (*localTxn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lt, ok := p.local[dtxnID]
	if !ok {
		return nil, &ErrUnknownTxn{TxnID: dtxnID}
	}
	return lt, nil
}

func (p *Participant) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.inbox:
			p.handle(msg)
		}
	}
}

func (p *Participant) handle(msg Message) {
	switch msg.Type {
	case MsgPrepare:
		p.reply(msg.From, p.onPrepare(msg.TxnID))
	case MsgPreCommit:
		p.reply(msg.From, p.onPreCommit(msg.TxnID))
	case MsgCommit:
		p.onCommit(msg.TxnID)
		p.reply(msg.From, Message{Type: MsgAck, TxnID: msg.TxnID})
	case MsgAbort:
		p.onAbort(msg.TxnID)
		p.reply(msg.From, Message{Type: MsgAck, TxnID: msg.TxnID})
	default:
		log.Warnf("participant %s ignoring unexpected %v for txn %d", p.nodeID, msg.Type, msg.TxnID)
	}
}

// onPrepare validates local commit-readiness. After a Prepared vote the
// local transaction holds its key latches, cannot fail a later commit, and
// is shielded from deadlock victim selection and timeout sweeps.
func (p *Participant) onPrepare(dtxnID uint64) Message {
	lt, err := p.leg(dtxnID)
	if err != nil {
		// No local leg to prepare: vote abort conservatively.
		return Message{Type: MsgAbortVote, TxnID: dtxnID}
	}
	if err := p.mgr.Prepare(lt.localID); err != nil {
		log.Infof("participant %s votes abort for txn %d: %v", p.nodeID, dtxnID, err)
		return Message{Type: MsgAbortVote, TxnID: dtxnID}
	}
	p.mu.Lock()
	lt.prepared = true
	p.mu.Unlock()
	return Message{Type: MsgPrepared, TxnID: dtxnID}
}

func (p *Participant) onPreCommit(dtxnID uint64) Message {
	p.mu.Lock()
	lt, ok := p.local[dtxnID]
	prepared := ok && lt.prepared
	p.mu.Unlock()
	if !prepared {
		return Message{Type: MsgAbortVote, TxnID: dtxnID}
	}
	return Message{Type: MsgPreCommitAck, TxnID: dtxnID}
}

func (p *Participant) onCommit(dtxnID uint64) {
	p.mu.Lock()
	lt, ok := p.local[dtxnID]
	delete(p.local, dtxnID)
	p.mu.Unlock()
	if !ok {
		// Duplicate delivery after a completed commit; ack anyway.
		return
	}
	if err := p.mgr.CommitPrepared(lt.localID); err != nil {
		// Cannot happen after a successful prepare short of shutdown.
		log.Errorf("participant %s failed to commit prepared txn %d: %v", p.nodeID, dtxnID, err)
	}
}

func (p *Participant) onAbort(dtxnID uint64) {
	p.mu.Lock()
	lt, ok := p.local[dtxnID]
	delete(p.local, dtxnID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := p.mgr.Abort(lt.localID); err != nil {
		log.Warnf("participant %s failed to abort txn %d: %v", p.nodeID, dtxnID, err)
	}
}

func (p *Participant) reply(to string, msg Message) {
	msg.From = p.nodeID
	p.mu.Lock()
	ch, ok := p.channels[to]
	p.mu.Unlock()
	if !ok {
		log.Warnf("participant %s has no channel back to %s", p.nodeID, to)
		return
	}
	if err := ch.Send(msg); err != nil {
		log.Warnf("participant %s failed to send %v to %s: %v", p.nodeID, msg.Type, to, err)
	}
}

// Close stops the message loop. Safe to call more than once.
func (p *Participant) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
}
