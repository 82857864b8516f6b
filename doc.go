package unitxn

/*
UniTxn is a transaction management core for a key/value database engine. It
is a library, not a server: a query-execution layer drives it through the
transaction manager, and a transport layer carries its distributed commit
messages.

The module is organized into the following packages:

* `kv/mvcc`: multi-version concurrency control engine. Per-key version
  chains, snapshot reads, write buffering, first-committer-wins validation,
  and garbage collection of invisible versions.
* `kv/deadlock`: wait-for-graph deadlock detector with configurable victim
  selection and a timeout safety net.
* `kv/adaptive`: workload-adaptive selection of the concurrency-control
  algorithm, driven by rolling performance windows.
* `kv/txn`: the unified transaction manager tying the pieces together, plus
  the two-phase-locking lock table.
* `kv/distributed`: two- and three-phase commit coordination across nodes,
  with optional quorum leader election for coordinator failover.
* `kv/storage`: the key/value storage abstraction committed versions are
  written through, with in-memory and badger-backed implementations.
* `kv/config`: the configuration surface shared by every component.
*/
