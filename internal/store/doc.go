// Package store provides SQLite-backed durable storage for a channel.
//
// One database belongs to one origin. It holds:
//   - Mailbox: messages parked until their destination channel is reachable
//   - Pending operations: the request side of deferred messages
//   - Exchange: a shared key/value table with versions and advisory locks
//   - Records: named key/value stores written through transactions
//   - Transactions: the log of every executed batch, committed or aborted
//
// # Ordering
//
// Mailbox rows are claimed by priority, then by insertion seq. Timestamps
// only decide expiry, never order.
//
// # Single claim
//
// ProcessNextPending flips one row from pending to processing with a single
// conditional UPDATE ... RETURNING, so two callers racing on the same channel
// never receive the same entry.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Pending operations cascade with their mailbox row
package store
