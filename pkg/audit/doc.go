// Package audit records quota events for later inspection.
//
// # Overview
//
// Windows and grants already persist as the authoritative counters; the
// audit trail additionally records the events that moved them: admission
// decisions, grant purchases, and automatic renewals. Events are written
// asynchronously through a bounded channel so recording never blocks the
// decision path; when the buffer is full, events are dropped and counted
// rather than applying backpressure.
//
// Storage is SQLite, separate from the quota store so audit retention
// can be managed independently.
package audit
