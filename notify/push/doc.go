// Package push holds the push-notification delivery domain: device
// tokens, per-user notification rows, delivery records, and the worker
// that consumes fan-out events and drives the send path through a
// pluggable gateway.
package push
