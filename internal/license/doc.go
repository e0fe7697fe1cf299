// Package license implements the genuine-verification and trial engine.
// It decides, under partial network availability and local tampering risk,
// whether an installation is currently entitled to run, and if not, whether
// and for how long it may run under an unresetable trial.
//
// # Architecture Overview
//
// The engine is composed of:
//
//	- Registry: owns sessions, one per acquired handle
//	- Session: per-handle orchestration and state machine
//	- Verification engine: cached genuine checks with grace periods
//	- Trial tracker: trial start, day-count, fraud detection
//	- Dispatcher: background trial-expiry notification
//	- Store: durable local state (activation and trial records)
//	- Channel: single-attempt exchanges with the licensing service
//
// # Verification Flow
//
// A Verify call follows these steps:
//
//	1. Return the cached Genuine result when the last successful check is
//	   within DaysBetweenChecks
//	2. Otherwise contact the channel exactly once
//	3. On success, refresh the activation record
//	4. On a connectivity failure, degrade to the offline grace path as long
//	   as the elapsed time stays within DaysBetweenChecks plus the grace
//	   window; past that the result is NotGenuine
//	5. On an authoritative rejection, clear the local activation before
//	   returning Revoked
//
// VerifyNow skips the freshness cache and the post-failure hold-off so a
// caller that just regained connectivity can clear an offline penalty
// immediately.
//
// # Trials
//
// Trials are one-shot. A verified trial persists a trusted reference time
// obtained from the channel at trial start together with a monotone
// high-water mark of observed wall clock, so rolling the local clock back
// cannot resurrect remaining days; detecting a rollback marks the trial as
// fraudulent and expired, permanently.
//
// # Concurrency
//
// All operations on one handle are serialized by the session; operations on
// distinct handles are independent. Trial-expiry callbacks run on their own
// goroutine and may execute concurrently with any other operation on the
// same handle.
package license
