package mvcc

import "fmt"

// ErrWriteConflict is returned when a commit loses a race: some other
// transaction committed a newer version of a buffered key after this
// transaction's snapshot was taken. The caller should abort and retry the
// whole transaction.
type ErrWriteConflict struct {
	TxnID      uint64
	Key        []byte
	SnapshotTS uint64
	ConflictTS uint64
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict on key %q: txn %d snapshot ts %d, conflicting commit ts %d",
		e.Key, e.TxnID, e.SnapshotTS, e.ConflictTS)
}

// ErrTxnNotFound is returned when an operation references a transaction id
// the engine is not tracking: never begun, or already committed or aborted.
// Programming error, not retryable.
type ErrTxnNotFound struct {
	TxnID uint64
}

func (e *ErrTxnNotFound) Error() string {
	return fmt.Sprintf("mvcc transaction %d not found", e.TxnID)
}
