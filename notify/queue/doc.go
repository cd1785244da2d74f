// Package queue defines the job-queue contract the dispatch core hands
// work to: at-least-once delivery, per-job-ID deduplication, delayed and
// repeatable jobs, and priority levels. A Redis-backed implementation and
// its polling worker live in this package. Retry policy is not part of
// the contract: the outbox state machine owns attempts and backoff, and
// the queue delivers each enqueue exactly one attempt.
package queue
