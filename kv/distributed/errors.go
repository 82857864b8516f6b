package distributed

import "fmt"

// ErrParticipantUnreachable is returned when a participant could not be
// contacted, or failed to acknowledge a commit decision within the retry
// budget. After a logged commit decision this error is an escalation signal
// for operator intervention, never a silent abort.
type ErrParticipantUnreachable struct {
	TxnID uint64
	Node  string
}

func (e *ErrParticipantUnreachable) Error() string {
	return fmt.Sprintf("distributed txn %d: participant %s unreachable", e.TxnID, e.Node)
}

// ErrTxnAborted is returned when a distributed transaction was decided as
// aborted, carrying the reason for the decision.
type ErrTxnAborted struct {
	TxnID  uint64
	Reason string
}

func (e *ErrTxnAborted) Error() string {
	return fmt.Sprintf("distributed txn %d aborted: %s", e.TxnID, e.Reason)
}

// ErrUnknownTxn is returned when an operation names a distributed
// transaction the coordinator is not tracking.
type ErrUnknownTxn struct {
	TxnID uint64
}

func (e *ErrUnknownTxn) Error() string {
	return fmt.Sprintf("distributed txn %d not found", e.TxnID)
}

// ErrNoChannel is returned when a message is addressed to a node with no
// registered channel.
type ErrNoChannel struct {
	Node string
}

func (e *ErrNoChannel) Error() string {
	return fmt.Sprintf("no channel registered for node %s", e.Node)
}
