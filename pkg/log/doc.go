/*
Package log provides structured logging for Harvest using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable log levels, and helper
constructors for the fields every collection run carries: hostname, job ID,
session ID, and tenant CID. All logs include timestamps and support filtering
by severity for production debugging.

# Architecture

One global logger, configured once at process start, fanned out into child
loggers that pin the contextual fields:

	┌───────────────────── LOGGING SYSTEM ─────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Child Loggers                    │           │
	│  │  WithComponent("collect")                  │           │
	│  │  WithHost("WIN-DESKTOP-01")                │           │
	│  │  WithJobID(job.ID)                         │           │
	│  │  WithSessionID(sess.ID)                    │           │
	│  │  WithTenant(cid)                           │           │
	│  └────────────────────────────────────────────┘           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Derive a component logger and chain run context onto it:

	logger := log.WithComponent("session").With().
		Str("hostname", host.Hostname).
		Logger()
	logger.Info().Str("session_id", sess.ID).Msg("Session acquired")

Console output (JSONOutput false) renders human-readable lines for
interactive use; JSON output is for shipping to a log pipeline. The level
is global: one process, one threshold.
*/
package log
