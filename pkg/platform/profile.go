package platform

import (
	"fmt"
	"regexp"
	"time"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

// LaunchOptions carries the per-job knobs a profile needs to build its
// commands
type LaunchOptions struct {
	Hostname string
	Target   string // KAPE target or UAC profile name
	Username string // browser history owner
}

// Profile describes how one collection tool is deployed, launched,
// monitored and harvested on a host. Platform support is gated by
// types.Tool.SupportsPlatform.
type Profile interface {
	// Tool names the profile
	Tool() types.Tool

	// PayloadPath is the local tool archive deployed through the tenant
	// file library; empty when the profile deploys no payload
	PayloadPath(cfg *config.Config) string

	// EntryFile is the path that must exist after extraction; empty when
	// the profile deploys no payload
	EntryFile(a Adapter) string

	// ProcessPattern matches the tool's processes for the stale sweep
	// and run monitoring
	ProcessPattern() string

	// Prepare returns commands run after deploy and before launch
	Prepare(a Adapter, opts LaunchOptions) []types.CommandRequest

	// Launch returns the non-blocking launch command
	Launch(a Adapter, opts LaunchOptions) types.CommandRequest

	// ArtifactDir is the directory artifacts land in
	ArtifactDir(a Adapter) string

	// PrimaryPattern matches the first-phase artifact
	PrimaryPattern(opts LaunchOptions) *regexp.Regexp

	// SecondaryPattern matches the final artifact; nil for single-phase
	// profiles, whose primary artifact is the one fetched
	SecondaryPattern(opts LaunchOptions) *regexp.Regexp

	// ExitCodeFile is the sentinel holding the tool's exit status; empty
	// when the platform offers none
	ExitCodeFile(a Adapter) string

	// LogFile is the tool's output log for progress telemetry; empty when
	// the tool writes none
	LogFile(a Adapter) string

	// MaxRunDuration bounds the monitoring window for this job
	MaxRunDuration(cfg *config.Config, opts LaunchOptions) time.Duration
}

// ForTool returns the profile implementing a tool
func ForTool(t types.Tool) (Profile, error) {
	switch t {
	case types.ToolKape:
		return kapeProfile{}, nil
	case types.ToolUAC:
		return uacProfile{}, nil
	case types.ToolBrowserHistory:
		return browserProfile{}, nil
	default:
		return nil, fmt.Errorf("platform: unknown tool %q", t)
	}
}

// backgroundWithSentinels builds the detached launch form used on Unix
// hosts: exit status and PID land in sentinel files the monitor polls.
// Plain & backgrounding only — nohup does not survive the constrained
// RTR TTY.
func backgroundWithSentinels(dir, command, logPath, exitPath, pidPath string) string {
	return fmt.Sprintf("(cd %s && %s </dev/null > %s 2>&1; echo $? > %s) & echo $! > %s",
		dir, command, logPath, exitPath, pidPath)
}
