package platform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

// FileSize is one file from a remote directory listing
type FileSize struct {
	Name string
	Size int64
}

// Adapter synthesizes remote commands for one operating system family and
// parses their output. Implementations are pure string builders; nothing
// here touches the network.
type Adapter interface {
	// Platform returns the OS family this adapter targets
	Platform() types.Platform

	// Sep returns the path separator on the host
	Sep() string

	// Join joins path elements with the host separator
	Join(elem ...string) string

	// Workspace returns the collection workspace root on the host
	Workspace() string

	MkdirAll(path string) types.CommandRequest
	Exists(path string) types.CommandRequest
	Stat(path string) types.CommandRequest
	RemoveAll(path string) types.CommandRequest
	RemoveAllContents(path string) types.CommandRequest
	ListDir(path string) types.CommandRequest
	Tail(path string, lines int) types.CommandRequest
	WriteFile(path, content string) types.CommandRequest
	ExpandArchive(archive, dest string) types.CommandRequest
	LaunchBackground(dir, command string) types.CommandRequest
	AppendHostEntries(entries []config.HostEntry) types.CommandRequest
	KillPattern(pattern string) types.CommandRequest
	ProcessRunning(pattern string) types.CommandRequest
	SHA256(path string) types.CommandRequest
	DiskFree(path string) types.CommandRequest

	ParseStatOutput(out string) types.RemoteStat
	ParseListSizes(out string) []FileSize
	ParseDiskFree(out string) (int64, error)
}

// New returns the adapter for a platform, rooted at the configured
// workspace for that OS family.
func New(p types.Platform, ws config.Workspace) (Adapter, error) {
	switch p {
	case types.PlatformWindows:
		return &windowsAdapter{root: ws.Windows}, nil
	case types.PlatformLinux, types.PlatformMac, types.PlatformUnixOther:
		return &unixAdapter{root: ws.Unix}, nil
	default:
		return nil, fmt.Errorf("platform: no adapter for %q", p)
	}
}

// runscript wraps a script body in the RTR runscript command. Raw script
// execution requires the admin privilege tier.
func runscript(body string) types.CommandRequest {
	return types.CommandRequest{
		BaseCommand:   "runscript",
		CommandString: "runscript -Raw=```" + body + "```",
		Privilege:     types.PrivilegeAdmin,
	}
}

// Cd changes the session working directory. RTR tracks cwd per session,
// so put/get land where the last cd pointed.
func Cd(path string) types.CommandRequest {
	return types.CommandRequest{
		BaseCommand:   "cd",
		CommandString: "cd " + path,
		Privilege:     types.PrivilegeRead,
	}
}

// Put stages a file from the tenant file library into the session cwd
func Put(name string) types.CommandRequest {
	return types.CommandRequest{
		BaseCommand:   "put",
		CommandString: fmt.Sprintf("put '%s'", name),
		Privilege:     types.PrivilegeAdmin,
	}
}

// Get stages a remote file for extraction through the session file list
func Get(path string) types.CommandRequest {
	return types.CommandRequest{
		BaseCommand:   "get",
		CommandString: fmt.Sprintf("get '%s'", path),
		Privilege:     types.PrivilegeActiveResponder,
	}
}

// ParseExists reports whether probe output marks the path present. Both
// adapters emit EXISTS / MISSING markers.
func ParseExists(out string) bool {
	return strings.Contains(out, "EXISTS")
}

// ParseRunning reports whether probe output marks a process alive
func ParseRunning(out string) bool {
	return strings.Contains(out, "RUNNING")
}

// parseStatLine decodes the shared "EXISTS <size>" / "MISSING" stat format
func parseStatLine(out string) types.RemoteStat {
	line := strings.TrimSpace(out)
	if !strings.HasPrefix(line, "EXISTS") {
		return types.RemoteStat{}
	}
	st := types.RemoteStat{Exists: true}
	fields := strings.Fields(line)
	if len(fields) > 1 {
		if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			st.Size = n
		}
	}
	return st
}
