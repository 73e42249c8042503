/*
Package platform synthesizes the remote commands Harvest executes on
collection targets and parses their output.

Everything in this package is pure string work: adapters build command
requests, profiles compose them into tool workflows, and parsers decode
the text that comes back. Nothing here talks to the cloud API — that is
pkg/session's job — which keeps the whole command grammar testable
without a live host.

# Architecture

	┌────────────────── PLATFORM LAYER ───────────────────┐
	│                                                      │
	│  ┌──────────────┐          ┌──────────────────────┐ │
	│  │   Adapter    │          │       Profile        │ │
	│  │              │          │                      │ │
	│  │  windows ←── PowerShell │  kape    (Windows)   │ │
	│  │  unix    ←── POSIX sh   │  uac     (Unix)      │ │
	│  │              │          │  browser (both)      │ │
	│  └──────┬───────┘          └──────────┬───────────┘ │
	│         │    primitives: mkdir, stat, │ workflows:  │
	│         │    list, tail, kill, launch │ deploy,     │
	│         │                             │ launch,     │
	│         ▼                             ▼ harvest     │
	│  ┌────────────────────────────────────────────────┐ │
	│  │    types.CommandRequest (runscript/put/get)    │ │
	│  └────────────────────────────────────────────────┘ │
	└──────────────────────────────────────────────────────┘

# Adapters

An Adapter targets one operating system family. The Windows adapter
emits PowerShell bodies, the Unix adapter emits POSIX shell shared by
Linux and macOS hosts. Both wrap their scripts in the RTR runscript
command, which requires the admin privilege tier; the RTR built-ins
(cd, put, get) are platform-independent and exposed as package
functions.

Output contracts are deliberately uniform: probes answer with
EXISTS/MISSING, RUNNING/STOPPED or CREATED/REMOVED markers, and stat
answers with "EXISTS <size>". Directory listings are the exception —
each family keeps its native shape and its own ParseListSizes.

Process matching patterns use the self-excluding bracket form
("[k]ape"): the probe's own command line contains the pattern text,
and the bracket keeps it from matching itself.

# Profiles

A Profile describes one collection tool end to end: the payload archive
it needs (if any), the commands that prepare and launch it, the
artifact patterns to watch for, and how long a run may take.

KAPE (Windows): Prepare writes _kape.cli into the workspace and kape.exe
auto-executes it, so the launch is a bare Start-Process. The run
produces a VHDX container first and a compressed wrapper second; both
phases have their own pattern.

UAC (Linux/macOS): launched in the background with exit-code and PID
sentinel files. Plain & backgrounding only — nohup does not survive the
constrained RTR TTY. Single-phase tar.gz artifact named after the host.

Browser history (both): no payload; Prepare writes a generated script
that copies Chrome/Edge/Firefox (and Safari on macOS) history databases
for one user or all users, then archives them.

# Usage

	adapter, err := platform.New(host.Platform, cfg.Workspace)
	if err != nil {
		return err
	}
	profile, err := platform.ForTool(job.Tool)
	if err != nil {
		return err
	}

	opts := platform.LaunchOptions{Hostname: host.Hostname, Target: job.Target}
	for _, cmd := range profile.Prepare(adapter, opts) {
		// execute on the session
	}
	launch := profile.Launch(adapter, opts)

# Workspace

Collections run inside a dedicated workspace (C:\0x4n6nerd on Windows,
/opt/0x4n6nerd elsewhere, both configurable). Adapters are constructed
with the workspace root and every profile path is built from it.
*/
package platform
