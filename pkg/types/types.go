package types

import (
	"strings"
	"time"
)

// Platform identifies the operating system family of a host
type Platform string

const (
	PlatformWindows   Platform = "windows"
	PlatformMac       Platform = "mac"
	PlatformLinux     Platform = "linux"
	PlatformUnixOther Platform = "unix-other"
)

// ParsePlatform normalizes the platform string reported by the cloud API
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows":
		return PlatformWindows
	case "mac", "macos", "darwin":
		return PlatformMac
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnixOther
	}
}

// IsWindows reports whether the platform is Windows
func (p Platform) IsWindows() bool {
	return p == PlatformWindows
}

// IsUnix reports whether the platform is a Unix-like system
func (p Platform) IsUnix() bool {
	return p == PlatformMac || p == PlatformLinux || p == PlatformUnixOther
}

// Host is an agent record resolved through discovery
type Host struct {
	AID       string // agent ID assigned by the endpoint platform
	CID       string // tenant ID the agent belongs to
	Hostname  string
	Platform  Platform
	OSVersion string
	LastSeen  time.Time
	Online    bool
}

// SessionStatus represents the current state of an RTR session
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionExpiring     SessionStatus = "expiring"
	SessionClosed       SessionStatus = "closed"
	SessionFailed       SessionStatus = "failed"
)

// Session is a stateful command channel to one host
type Session struct {
	ID          string
	AID         string
	CID         string
	BatchID     string // set when the session is a batch member
	CreatedAt   time.Time
	LastPulseAt time.Time
	Status      SessionStatus
}

// Usable reports whether commands may be submitted on the session
func (s *Session) Usable() bool {
	return s != nil && s.Status == SessionActive
}

// BatchSession groups sessions sharing a batch ID. Individual member
// failures do not invalidate the batch.
type BatchSession struct {
	BatchID      string
	Members      map[string]*Session // aid -> session
	HostsTimeout time.Duration
	CreatedAt    time.Time
}

// Privilege selects the RTR command endpoint a request is routed to
type Privilege string

const (
	PrivilegeRead            Privilege = "read"
	PrivilegeActiveResponder Privilege = "active_responder"
	PrivilegeAdmin           Privilege = "admin"
)

// CommandRequest describes one command submitted on a session
type CommandRequest struct {
	BaseCommand   string // e.g. "ls", "ps", "runscript", "get", "put"
	CommandString string // full command string including the base command
	Privilege     Privilege
}

// CommandResult is the terminal status of a submitted command
type CommandResult struct {
	CloudRequestID string
	Stdout         string
	Stderr         string
	ReturnCode     int
	Complete       bool
}

// RemoteFile describes a file staged in a session for retrieval
type RemoteFile struct {
	ID     string
	Name   string
	SHA256 string
	Size   int64
}

// RemoteStat is the result of a stat probe against a path on the host
type RemoteStat struct {
	Exists bool
	Size   int64
}

// Tool identifies the collection tool driven on the host
type Tool string

const (
	ToolKape           Tool = "kape"
	ToolUAC            Tool = "uac"
	ToolBrowserHistory Tool = "browser_history"
)

// SupportsPlatform reports whether the tool can run on the given platform.
// KAPE is Windows-only, UAC runs everywhere except Windows, browser
// history collection works on both families.
func (t Tool) SupportsPlatform(p Platform) bool {
	switch t {
	case ToolKape:
		return p.IsWindows()
	case ToolUAC:
		return p.IsUnix()
	case ToolBrowserHistory:
		return true
	default:
		return false
	}
}

// Phase is a state of the per-host collection pipeline
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhasePrecheck   Phase = "PRECHECK"
	PhaseDeploy     Phase = "DEPLOY"
	PhaseLaunch     Phase = "LAUNCH"
	PhaseRunMonitor Phase = "RUN_MONITOR"
	PhaseFileWait   Phase = "FILE_WAIT"
	PhaseStabilize  Phase = "STABILIZE"
	PhaseFetch      Phase = "FETCH"
	PhaseUpload     Phase = "UPLOAD"
	PhaseVerify     Phase = "VERIFY"
	PhaseClean      Phase = "CLEAN"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
)

// FailureKind classifies why a collection job failed
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureInvalid           FailureKind = "invalid_job"
	FailureHostNotFound      FailureKind = "host_not_found"
	FailureHostOffline       FailureKind = "host_offline"
	FailurePlatformMismatch  FailureKind = "platform_mismatch"
	FailureSession           FailureKind = "session_failed"
	FailureInsufficientDisk  FailureKind = "insufficient_disk"
	FailurePutDenied         FailureKind = "put_denied"
	FailureExtract           FailureKind = "extract_failed"
	FailureLaunch            FailureKind = "launch_failed"
	FailureRun               FailureKind = "run_failed"
	FailureRunTimeout        FailureKind = "run_timeout"
	FailurePrimaryUnstable   FailureKind = "primary_unstable"
	FailureSecondaryUnstable FailureKind = "secondary_unstable"
	FailureFetch             FailureKind = "fetch_failed"
	FailureIntegrity         FailureKind = "integrity"
	FailureUploadUnverified  FailureKind = "upload_unverified"
	FailureCancelled         FailureKind = "cancelled"
)

// Job is the per-host unit of work handed to the fan-out executor
type Job struct {
	ID        string
	Hostname  string
	Tool      Tool
	Target    string // KAPE target or UAC profile
	Username  string // browser history only
	NoUpload  bool   // keep the artifact locally instead of uploading
	CreatedAt time.Time
}

// Result is the terminal disposition of a job
type Result string

const (
	ResultPending Result = "pending"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Outcome is the aggregate-visible record of one finished job
type Outcome struct {
	JobID    string
	Hostname string
	Tool     Tool
	Result   Result
	Phase    Phase       // phase reached (failing phase on failure)
	Kind     FailureKind // empty on success
	Detail   string

	// Upload bookkeeping. Key and Size are set on success; UploadReported
	// records what the upload call itself returned, which may disagree
	// with the verified outcome when the transport reported a spurious
	// failure after the object store received the bytes.
	Key            string
	Size           int64
	UploadReported error `json:"-"`

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock time the job ran for
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Summary aggregates outcomes of one orchestration run
type Summary struct {
	RunID     string
	ByHost    map[string]*Outcome
	Succeeded int
	Failed    int
	StartedAt time.Time
	Elapsed   time.Duration
}
