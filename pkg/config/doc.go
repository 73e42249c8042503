/*
Package config loads and validates the Harvest configuration file.

Configuration is a single YAML document covering workspace layout, timeout
tables, retry policy, upload tuning, the RTR facade, the object store
destination, tool payloads, and the optional metrics endpoint. A missing
file is not an error: Load returns the defaults, so a zero-config run
works against the standard cloud with ambient credentials.

Credentials are deliberately absent from this package. The calling layer
(the CLI) resolves client ID/secret and object-store keys from its own
sources and injects them into the client constructors.

# File format

	workspace:
	  windows: 'C:\0x4n6nerd'
	  unix: /opt/0x4n6nerd
	max_concurrent: 20
	timeouts:
	  session_idle: 600
	  command: 120
	  run: 2h
	retry:
	  max_attempts: 5
	  base_backoff: 1s
	  max_backoff: 30s
	upload:
	  multipart_threshold: 104857600
	  chunk_size: 10485760
	  max_concurrency: 5
	rtr:
	  base_url: https://api.crowdstrike.com
	  rate: 10
	  burst: 20
	s3:
	  bucket: dfir-collections
	  region: us-east-1
	kape:
	  default_target: '!SANS_Triage'
	  target_timeouts:
	    default: 2h
	    EventLogs: 30m
	uac:
	  default_profile: ir_triage
	  profile_timeouts:
	    default: 5h
	metrics:
	  enabled: true
	  addr: :9105

# Durations

The Duration type accepts either a bare integer (seconds, matching older
deployments) or a Go duration string ("90s", "2h"). Timeout tables for
KAPE targets and UAC profiles fall back to their "default" entry, so a
profile without a tuned budget still gets a sane ceiling.

Validate catches the configurations that would fail at 2 AM instead of
at load time: a non-positive concurrency cap, a zero command timeout, a
multipart threshold below the part size.
*/
package config
