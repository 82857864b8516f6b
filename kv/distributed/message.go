package distributed

import "fmt"

// MsgType enumerates the logical messages of the commit and election
// protocols.
type MsgType int

const (
	MsgPrepare MsgType = iota
	MsgPrepared
	MsgAbortVote
	MsgPreCommit
	MsgPreCommitAck
	MsgCommit
	MsgAbort
	MsgAck
	MsgElection
	MsgVote
	MsgHeartbeat
)

func (t MsgType) String() string {
	switch t {
	case MsgPrepare:
		return "prepare"
	case MsgPrepared:
		return "prepared"
	case MsgAbortVote:
		return "abort-vote"
	case MsgPreCommit:
		return "pre-commit"
	case MsgPreCommitAck:
		return "pre-commit-ack"
	case MsgCommit:
		return "commit"
	case MsgAbort:
		return "abort"
	case MsgAck:
		return "ack"
	case MsgElection:
		return "election"
	case MsgVote:
		return "vote"
	case MsgHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msg(%d)", int(t))
}

// Message is one protocol message. TxnID is the distributed transaction id
// for commit-protocol messages; Term and Granted belong to election
// messages.
type Message struct {
	Type    MsgType
	TxnID   uint64
	From    string
	Term    uint64
	Granted bool
}
