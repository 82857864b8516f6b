package distributed

import (
	"sync"
)

// Channel is a directed, FIFO link to one node. Implementations must
// preserve per-sender ordering; no global ordering is assumed.
type Channel interface {
	Send(msg Message) error
}

const inboxCapacity = 256

// LocalNetwork wires nodes together in process. Each node owns one inbox;
// a Channel to a node enqueues onto that inbox, which preserves FIFO order
// per sender. Used by tests and single-process deployments.
type LocalNetwork struct {
	mu      sync.RWMutex
	inboxes map[string]chan Message
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{inboxes: make(map[string]chan Message)}
}

// Register creates the inbox for a node and returns its receive side.
func (n *LocalNetwork) Register(node string) <-chan Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if inbox, ok := n.inboxes[node]; ok {
		return inbox
	}
	inbox := make(chan Message, inboxCapacity)
	n.inboxes[node] = inbox
	return inbox
}

// Disconnect drops a node's inbox. Sends to it fail afterwards, simulating
// an unreachable participant.
func (n *LocalNetwork) Disconnect(node string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inboxes, node)
}

// ChannelTo returns a Channel addressed to node. The channel resolves the
// inbox per send, so a later Disconnect takes effect immediately.
func (n *LocalNetwork) ChannelTo(node string) Channel {
	return &localChannel{network: n, node: node}
}

type localChannel struct {
	network *LocalNetwork
	node    string
}

func (c *localChannel) Send(msg Message) error {
	c.network.mu.RLock()
	inbox, ok := c.network.inboxes[c.node]
	c.network.mu.RUnlock()
	if !ok {
		return &ErrNoChannel{Node: c.node}
	}
	select {
	case inbox <- msg:
		return nil
	default:
		// A full inbox means the node is not draining; treat it as
		// unreachable rather than blocking the protocol.
		return &ErrNoChannel{Node: c.node}
	}
}
