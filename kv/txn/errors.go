package txn

import "fmt"

// ErrCapacityExceeded is returned by Begin when the configured maximum
// number of active transactions has been reached. Retryable after backoff.
type ErrCapacityExceeded struct {
	Max int
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("active transaction limit %d reached", e.Max)
}

// ErrUnknownTransaction is returned when an operation names a transaction
// the manager is not tracking.
type ErrUnknownTransaction struct {
	TxnID uint64
}

func (e *ErrUnknownTransaction) Error() string {
	return fmt.Sprintf("transaction %d not found", e.TxnID)
}

// ErrDeadlockVictim is returned to a blocked operation when the detector
// chose its transaction as a deadlock victim. The transaction has already
// been aborted; the caller should retry from begin.
type ErrDeadlockVictim struct {
	TxnID uint64
}

func (e *ErrDeadlockVictim) Error() string {
	return fmt.Sprintf("transaction %d aborted as deadlock victim", e.TxnID)
}

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured wait timeout.
type ErrLockTimeout struct {
	TxnID uint64
	Key   []byte
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("transaction %d timed out waiting for lock on key %q", e.TxnID, e.Key)
}

// ErrTxnAborted is returned to a blocked operation when its transaction was
// aborted from another goroutine, typically by the timeout sweep.
type ErrTxnAborted struct {
	TxnID uint64
}

func (e *ErrTxnAborted) Error() string {
	return fmt.Sprintf("transaction %d was aborted", e.TxnID)
}
