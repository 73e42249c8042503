// Package transfer moves collection output off remote hosts.
//
// # Overview
//
// A collection tool drops its output somewhere under the host
// workspace, but the file cannot be taken the moment it shows up: the
// tool writes a large container first (a VHDX for KAPE), then
// post-processes it into the final archive. Grabbing the first file
// seen yields a truncated container. This package implements the
// watch-settle-fetch protocol:
//
//	WaitAppear ──> WaitStable (primary) ──> WaitAppear/WaitStable
//	                                        (secondary archive)
//	                                              │
//	                                              ▼
//	                     Fetch: get ─> staged ─> stream ─> unwrap
//
// # Stability rule
//
// A file counts as stable when two consecutive size samples taken one
// stability interval apart (15 s by default) are identical and
// non-zero. Sampling re-selects the largest pattern match each round,
// so a derived archive appearing next to its container does not steal
// the watch.
//
// # Fetch pipeline
//
// The RTR get command stages the remote file cloud-side. The staged
// copy surfaces in the session file list together with a SHA-256,
// which is also the download key. The download stream arrives wrapped
// in a password-protected 7z archive; the wrapper is sniffed by magic
// bytes and unwrapped transparently, hashing the payload on the way
// through. Transient stream failures are retried from the staged copy,
// so a dead proxy connection does not restart the remote get.
//
// All remote commands go through an Executor (the session manager),
// and timing goes through a clockwork.Clock for testability.
package transfer
