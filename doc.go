// Package outbox implements an idempotent write path on top of the transactional
// outbox pattern.
//
// The write path and the delivery path share nothing but two tables:
//
//  1. Writing: [Writer.Submit] claims a client idempotency key, runs the caller's
//     business write, stores one or more outbox messages and caches the response,
//     all in a single database transaction. A repeated key replays the cached
//     response without writing anything.
//
//  2. Dispatching: a [Worker] claims due messages with FOR UPDATE SKIP LOCKED,
//     hands each to a [Dispatcher] and records the outcome on the row in the same
//     transaction. Failed messages are rescheduled after 2^min(n,6) seconds and
//     abandoned once they reach the configured maximum number of attempts.
//
// Delivery is at least once. Consumers deduplicate on the message id.
//
// Postgres, MySQL and MariaDB are supported. [EnsureSchema] creates the tables.
package outbox
