/*
Package collect drives one forensic collection from first host lookup to
verified object, as a linear state machine over a live RTR session.

Phase graph:

	INIT ──► PRECHECK ──► DEPLOY ──► LAUNCH ──► RUN_MONITOR
	                                                 │
	          ┌──────────────────────────────────────┘
	          ▼
	      FILE_WAIT ──► STABILIZE ──┐ (twice for tools that
	          ▲                     │  re-archive their output)
	          └─────────────────────┘
	          │
	          ▼
	       FETCH ──► UPLOAD ──► VERIFY ──► DONE
	                                        │
	                    CLEAN ◄─────────────┘  (also on any failure
	                                            past PRECHECK)

Each phase owns a narrow contract:

  - INIT validates the job and resolves the tool profile locally.
  - PRECHECK resolves the host through discovery and rejects offline
    hosts and tool/platform mismatches before any session exists.
  - DEPLOY acquires the session, sweeps stale tool processes, creates
    the workspace, gates on free disk, stages and extracts the payload.
  - LAUNCH fires the tool and returns immediately; the tool runs
    detached so a dropped session cannot kill the collection.
  - RUN_MONITOR polls for an exit sentinel or the artifact itself,
    bounded by the profile's run budget.
  - FILE_WAIT / STABILIZE watch the artifact until two consecutive
    size samples agree. Tools that first materialize a container and
    then compress it get a second pair for the compressed form.
  - FETCH stages the artifact through the session and downloads it,
    checking size and, when the host can hash, SHA-256.
  - UPLOAD pushes to the object store but never trusts the reported
    result. VERIFY is authoritative: a HEAD against the store decides,
    so a lying transport can neither fake success nor fake failure.
  - CLEAN kills leftovers and removes the workspace on a fresh
    context, then releases the session. It runs exactly once for any
    job that got past PRECHECK, cancelled jobs included.

Failures carry a FailureKind naming what actually went wrong
(host_offline, insufficient_disk, run_timeout, upload_unverified, ...)
so batch summaries aggregate by cause rather than by phase alone.

The machine talks to its collaborators through narrow interfaces
(Discoverer, Sessions, Tools, Store) and publishes phase transitions on
the event broker, which is what the CLI progress output and the metrics
collector consume.
*/
package collect
