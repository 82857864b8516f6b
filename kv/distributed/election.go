package distributed

import (
	"sync"
	"time"

	"github.com/ngaut/log"
)

// Elector runs quorum-based leader election so a surviving node can take
// over coordination after a coordinator failure. Each node votes at most
// once per term; a candidate gathering a majority of the cluster (itself
// plus its peers) becomes leader and announces itself with heartbeats.
type Elector struct {
	nodeID string
	peers  []string

	mu        sync.Mutex
	channels  map[string]Channel
	term      uint64
	votedFor  map[uint64]string
	leader    string
	voteCh    chan bool
	campaigns uint64
}

func NewElector(nodeID string, peers []string) *Elector {
	return &Elector{
		nodeID:   nodeID,
		peers:    append([]string(nil), peers...),
		channels: make(map[string]Channel),
		votedFor: make(map[uint64]string),
	}
}

// AddNodeChannel registers the outbound channel to a peer.
func (e *Elector) AddNodeChannel(node string, ch Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels[node] = ch
}

// Leader returns the last known leader, or "" when none is known.
func (e *Elector) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Term returns the current election term.
func (e *Elector) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Campaigns returns the number of elections this node has started.
func (e *Elector) Campaigns() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.campaigns
}

// Campaign starts a new term with this node as candidate and waits up to
// timeout for a majority of votes. On success the node becomes leader and
// broadcasts a heartbeat. Returns whether the campaign won.
func (e *Elector) Campaign(timeout time.Duration) bool {
	e.mu.Lock()
	e.term++
	e.campaigns++
	term := e.term
	e.votedFor[term] = e.nodeID
	e.voteCh = make(chan bool, len(e.peers))
	peers := e.peers
	e.mu.Unlock()

	for _, p := range peers {
		e.send(p, Message{Type: MsgElection, Term: term, From: e.nodeID})
	}

	total := len(peers) + 1
	needed := total/2 + 1
	granted := 1 // own vote

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for granted < needed {
		select {
		case ok := <-e.voteCh:
			if ok {
				granted++
			}
		case <-timer.C:
			log.Infof("node %s lost election for term %d: %d of %d votes", e.nodeID, term, granted, needed)
			return false
		}
	}

	e.mu.Lock()
	// A higher term may have superseded this campaign while votes were in
	// flight.
	if e.term != term {
		e.mu.Unlock()
		return false
	}
	e.leader = e.nodeID
	e.mu.Unlock()

	log.Infof("node %s won election for term %d with %d votes", e.nodeID, term, granted)
	for _, p := range peers {
		e.send(p, Message{Type: MsgHeartbeat, Term: term, From: e.nodeID})
	}
	return true
}

// Handle processes one election message; wired to the owner's receive loop.
func (e *Elector) Handle(msg Message) {
	switch msg.Type {
	case MsgElection:
		e.mu.Lock()
		if msg.Term > e.term {
			e.term = msg.Term
		}
		granted := false
		if msg.Term == e.term {
			voted, ok := e.votedFor[msg.Term]
			if !ok || voted == msg.From {
				e.votedFor[msg.Term] = msg.From
				granted = true
			}
		}
		e.mu.Unlock()
		e.send(msg.From, Message{Type: MsgVote, Term: msg.Term, From: e.nodeID, Granted: granted})
	case MsgVote:
		e.mu.Lock()
		ch := e.voteCh
		current := msg.Term == e.term && e.votedFor[e.term] == e.nodeID
		e.mu.Unlock()
		if current && ch != nil {
			select {
			case ch <- msg.Granted:
			default:
			}
		}
	case MsgHeartbeat:
		e.mu.Lock()
		if msg.Term >= e.term {
			e.term = msg.Term
			e.leader = msg.From
		}
		e.mu.Unlock()
	}
}

func (e *Elector) send(node string, msg Message) {
	e.mu.Lock()
	ch, ok := e.channels[node]
	e.mu.Unlock()
	if !ok {
		log.Warnf("elector %s has no channel to %s", e.nodeID, node)
		return
	}
	if err := ch.Send(msg); err != nil {
		log.Warnf("elector %s failed to send %v to %s: %v", e.nodeID, msg.Type, node, err)
	}
}
