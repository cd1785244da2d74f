// Package backoff provides retry delay helpers: the linear schedule used
// by the outbox state machine, exponential growth with full jitter for
// opportunistic retries, and a context-aware sleep.
package backoff
