// tinydb is the concurrency-control and crash-recovery core of a
// transactional storage engine: a multigranularity lock manager with
// hierarchical intent locks and per-resource FIFO wait queues
// (kv/transaction/locks), and an ARIES-style write-ahead-log recovery
// manager with steal/no-force buffer semantics and analysis/redo/undo
// restart (kv/wal, kv/recovery). The disk space manager and buffer manager
// contracts the two subsystems rely on live under kv/storage.
package tinydb
