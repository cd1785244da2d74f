// Package outbox implements the transactional-outbox dispatch core for
// notifications.
//
// It provides the durable event model with its claim-and-retry state
// machine, the store contract the state machine runs against, a fan-out
// dispatcher that partitions recipient sets into bounded chunks, and an
// event-type handler registry. PostgreSQL adapters live under the postgres
// subpackage.
package outbox
