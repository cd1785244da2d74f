// Package log defines the structured logging contract used across the
// notification dispatch core, plus a zap-backed implementation and a
// no-op logger for tests and optional wiring.
package log
