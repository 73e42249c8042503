/*
Package types defines the core data structures used throughout Harvest.

This package contains the fundamental types of the collection domain: hosts
and the platforms they run, RTR sessions and the commands that travel over
them, collection tools, jobs, the phase alphabet of the per-host pipeline,
and the outcome records aggregated at the end of a run. Every other package
speaks these types; none of them carries behavior beyond small predicates,
so the package stays import-cycle free at the bottom of the graph.

# Domain model

	┌──────────────────────── DOMAIN MODEL ────────────────────────┐
	│                                                              │
	│  Host         agent record from discovery (AID, CID,         │
	│               platform, online state)                        │
	│  Session      stateful RTR command channel to one host       │
	│  BatchSession sessions grouped under one batch ID            │
	│                                                              │
	│  CommandRequest / CommandResult                              │
	│               one command and its terminal status            │
	│  RemoteFile   file staged in a session for retrieval         │
	│  RemoteStat   existence + size probe of a remote path        │
	│                                                              │
	│  Tool         kape | uac | browser_history                   │
	│  Job          per-host unit of work (tool, target, flags)    │
	│  Phase        pipeline state, INIT through DONE/FAILED       │
	│  FailureKind  machine-readable failure classification        │
	│  Outcome      terminal record of one job                     │
	│  Summary      aggregate of one orchestration run             │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘

# Phases

A job walks a fixed phase sequence; failures record the phase they
happened in:

	INIT → PRECHECK → DEPLOY → LAUNCH → RUN_MONITOR → FILE_WAIT
	     → STABILIZE → FETCH → UPLOAD → VERIFY → CLEAN → DONE

FILE_WAIT and STABILIZE repeat once per artifact when a tool produces a
primary artifact and then compresses it into a secondary one.

# Failure classification

FailureKind values are stable strings ("host_offline", "run_timeout",
"upload_unverified", ...) intended for metrics labels and operator
tooling, not prose. Outcome.Detail carries the human-readable part.

Platform and Tool carry the pairing rules: KAPE is Windows-only, UAC is
Unix-only, browser history runs on both. Tool.SupportsPlatform is the
single authority consulted during prechecks.
*/
package types
