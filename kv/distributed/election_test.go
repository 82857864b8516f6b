package distributed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// electionCluster wires electors over a LocalNetwork, one dispatch
// goroutine per node.
type electionCluster struct {
	network  *LocalNetwork
	electors map[string]*Elector
	stop     chan struct{}
}

func newElectionCluster(nodes []string) *electionCluster {
	c := &electionCluster{
		network:  NewLocalNetwork(),
		electors: make(map[string]*Elector),
		stop:     make(chan struct{}),
	}
	for _, node := range nodes {
		peers := make([]string, 0, len(nodes)-1)
		for _, other := range nodes {
			if other != node {
				peers = append(peers, other)
			}
		}
		c.electors[node] = NewElector(node, peers)
	}
	for _, node := range nodes {
		inbox := c.network.Register(node)
		e := c.electors[node]
		for _, other := range nodes {
			if other != node {
				e.AddNodeChannel(other, c.network.ChannelTo(other))
			}
		}
		go func(e *Elector, inbox <-chan Message) {
			for {
				select {
				case <-c.stop:
					return
				case msg := <-inbox:
					e.Handle(msg)
				}
			}
		}(e, inbox)
	}
	return c
}

func (c *electionCluster) close() {
	close(c.stop)
}

func TestCampaignWinsMajority(t *testing.T) {
	c := newElectionCluster([]string{"n1", "n2", "n3"})
	defer c.close()

	require.True(t, c.electors["n1"].Campaign(time.Second))
	assert.Equal(t, "n1", c.electors["n1"].Leader())

	// Heartbeats propagate the result.
	deadline := time.Now().Add(time.Second)
	for c.electors["n2"].Leader() != "n1" || c.electors["n3"].Leader() != "n1" {
		if time.Now().After(deadline) {
			t.Fatalf("leader never propagated: n2=%q n3=%q",
				c.electors["n2"].Leader(), c.electors["n3"].Leader())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLaterTermSupersedes(t *testing.T) {
	c := newElectionCluster([]string{"n1", "n2", "n3"})
	defer c.close()

	require.True(t, c.electors["n1"].Campaign(time.Second))
	require.True(t, c.electors["n2"].Campaign(time.Second))
	assert.Equal(t, "n2", c.electors["n2"].Leader())

	deadline := time.Now().Add(time.Second)
	for c.electors["n1"].Leader() != "n2" {
		if time.Now().After(deadline) {
			t.Fatalf("old leader never learned of its successor, leader=%q", c.electors["n1"].Leader())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCampaignFailsWithoutQuorum(t *testing.T) {
	c := newElectionCluster([]string{"n1", "n2", "n3"})
	defer c.close()

	// Both peers unreachable: only the candidate's own vote remains.
	c.network.Disconnect("n2")
	c.network.Disconnect("n3")
	assert.False(t, c.electors["n1"].Campaign(100*time.Millisecond))
	assert.Equal(t, "", c.electors["n1"].Leader())
}

func TestOneVotePerTerm(t *testing.T) {
	e := NewElector("n3", []string{"n1", "n2"})
	network := NewLocalNetwork()
	n1Inbox := network.Register("n1")
	n2Inbox := network.Register("n2")
	e.AddNodeChannel("n1", network.ChannelTo("n1"))
	e.AddNodeChannel("n2", network.ChannelTo("n2"))

	// Two candidates ask for the same term; only the first gets the vote.
	e.Handle(Message{Type: MsgElection, Term: 5, From: "n1"})
	e.Handle(Message{Type: MsgElection, Term: 5, From: "n2"})

	vote1 := <-n1Inbox
	assert.Equal(t, MsgVote, vote1.Type)
	assert.True(t, vote1.Granted)
	vote2 := <-n2Inbox
	assert.Equal(t, MsgVote, vote2.Type)
	assert.False(t, vote2.Granted)

	// A fresh term resets the vote.
	e.Handle(Message{Type: MsgElection, Term: 6, From: "n2"})
	vote3 := <-n2Inbox
	assert.True(t, vote3.Granted)
}
