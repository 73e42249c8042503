/*
Package falcon is the facade over the cloud endpoint-security API: host
discovery, Real Time Response sessions and commands, the tenant file
library, and staged-file retrieval. Everything the rest of Harvest knows
about the cloud goes through one Client; no other package builds HTTP
requests or sees bearer tokens.

# Request pipeline

Every call walks the same path:

	┌────────────────────── REQUEST PIPELINE ──────────────────────┐
	│                                                              │
	│   caller                                                     │
	│     │                                                        │
	│     ▼                                                        │
	│   rate.Limiter          client-side throttle (rps + burst)   │
	│     │                                                        │
	│     ▼                                                        │
	│   ensureToken           OAuth2 exchange, cached with slack,  │
	│     │                   refreshed shortly before expiry      │
	│     ▼                                                        │
	│   HTTP + JSON envelope                                       │
	│     │                                                        │
	│     ▼                                                        │
	│   classify → APIError   transient / auth / permission /      │
	│     │                   not_found / invalid                  │
	│     ▼                                                        │
	│   retry.Do              capped exponential backoff on        │
	│                         transient kinds; one forced token    │
	│                         refresh on auth                      │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘

Retry happens here and only here. Callers treat a returned error as
final; they never wrap facade calls in their own backoff loops.

# Host registry

DiscoverHost resolves hostnames through a TTL cache. Lookups for the
same hostname coalesce into one upstream call (singleflight), stale
duplicate agent records are collapsed to the one seen most recently,
and force bypasses the cache for operators who just reinstalled an
agent. Invalidate drops a record early, which session acquisition does
after repeated connect failures.

# RTR

Sessions are opened per agent (InitSession) or in bulk under a batch ID
(InitBatch); both are kept alive by pulse calls since the cloud expires
idle sessions. Commands are submitted with ExecuteCommand, which routes
by privilege to the read, active-responder, or admin endpoint, and
polled with CommandStatus until Complete.

Artifacts come back in two steps: ListFiles enumerates what the session
has staged, GetExtractedFile streams one staged file. The stream is the
wire payload, typically a password-protected archive wrapping the
artifact; unwrapping belongs to the transfer layer.

EnsureToolUploaded maintains the tenant file library used by RTR put:
at most one upload per (tenant, name) per process, with concurrent
callers waiting on the first writer.
*/
package falcon
