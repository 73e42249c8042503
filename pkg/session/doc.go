// Package session manages RTR session lifecycle against the cloud API.
//
// # Overview
//
// Every remote operation in harvest runs through an RTR session: a
// short-lived channel to one host that the platform expires after an
// idle timeout (600 s by default). The Manager hides that lifecycle
// from callers. It opens sessions, keeps them alive with a background
// pulse loop, serializes command execution, and tears sessions down.
//
// # Architecture
//
//	            ┌─────────────────────────────────────┐
//	            │              Manager                │
//	            │                                     │
//	  Acquire ──┼─> InitSession ──> pulseLoop (goroutine)
//	            │                     │ tick every idle/2
//	            │                     └─> PulseSession
//	            │                                     │
//	  Execute ──┼─> cmdMu ─> ExecuteCommand           │
//	            │             └─> CommandStatus poll  │
//	            │                 2s, ×1.5, cap 30s   │
//	            │                                     │
//	  Release ──┼─> stop pulse ──> DeleteSession      │
//	            └─────────────────────────────────────┘
//
// # Keep-alive
//
// Each acquired session gets its own pulse goroutine ticking at half
// the idle timeout. A failed pulse marks the session expiring; the
// failure surfaces on the caller's next Execute as ErrSessionExpired
// rather than interrupting whatever the caller is doing. A later
// successful pulse restores the session. A 404 means the platform
// already dropped the session, so pulsing stops and the session is
// marked failed.
//
// # Command execution
//
// The platform allows one in-flight command per session. Execute
// enforces that with a per-session mutex, submits at the privilege
// level carried by the request, then polls command status on an
// adaptive schedule: 2 s initially, growing by 1.5x to a 30 s cap.
// Long-running commands cost few API calls; short ones return fast.
//
// # Batches
//
// AcquireBatch opens sessions to many hosts in a single round trip and
// is the cheap way to probe connectivity across a fleet. Batch members
// share one keep-alive call (RefreshBatch); a member that failed to
// connect is absent from the result and does not fail the batch.
//
// # Timing
//
// All timing flows through a clockwork.Clock so tests drive pulse and
// poll schedules with a fake clock instead of sleeping.
package session
