package framework

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Response is one canned command answer from a simulated host.
type Response struct {
	Stdout     string
	Stderr     string
	ReturnCode int

	// HTTPStatus, when 400 or above, rejects the command submission at
	// the cloud API instead of running it on the host
	HTTPStatus int
}

// HostBehavior scripts how one simulated endpoint answers RTR
// commands. Commands are classified by their distinctive fragments and
// dispatched to per-kind handlers, so a test reads as "what the host
// answers", not as a transcript of shell one-liners.
type HostBehavior struct {
	mu       sync.Mutex
	commands []string
	calls    map[string]int
	handlers map[string]func(n int, command string) Response
}

// NewHostBehavior returns an empty behavior: every command completes
// with no output, the way an idle shell would.
func NewHostBehavior() *HostBehavior {
	return &HostBehavior{
		calls:    map[string]int{},
		handlers: map[string]func(int, string) Response{},
	}
}

// On installs a handler for a command kind. n counts calls of that
// kind starting at 1.
func (b *HostBehavior) On(kind string, fn func(n int, command string) Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = fn
}

// Respond makes every command of the kind answer with the given stdout.
func (b *HostBehavior) Respond(kind, stdout string) {
	b.On(kind, func(int, string) Response { return Response{Stdout: stdout} })
}

// RejectWith makes the cloud refuse submissions of the kind with an
// HTTP status, as when the API key lacks the RTR scope for it.
func (b *HostBehavior) RejectWith(kind string, httpStatus int) {
	b.On(kind, func(int, string) Response { return Response{HTTPStatus: httpStatus} })
}

// Count reports how many commands of the kind the host has seen.
func (b *HostBehavior) Count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[kind]
}

// Total reports how many commands the host has seen overall.
func (b *HostBehavior) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.commands)
}

// Commands returns the raw command strings of the kind, in order.
func (b *HostBehavior) Commands(kind string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.commands {
		if classifyCommand(baseOf(c), c) == kind {
			out = append(out, c)
		}
	}
	return out
}

// ListSequence scripts consecutive directory listings. The last
// listing repeats once the sequence is exhausted, which is how a real
// directory behaves after the tool stops writing.
func (b *HostBehavior) ListSequence(listings ...string) {
	b.On("list", func(n int, _ string) Response {
		if n > len(listings) {
			n = len(listings)
		}
		return Response{Stdout: listings[n-1]}
	})
}

func (b *HostBehavior) dispatch(base, command string) Response {
	kind := classifyCommand(base, command)
	b.mu.Lock()
	b.commands = append(b.commands, command)
	b.calls[kind]++
	n := b.calls[kind]
	fn := b.handlers[kind]
	b.mu.Unlock()

	if fn == nil {
		return Response{}
	}
	return fn(n, command)
}

// classifyCommand names a command by its distinctive fragment. Order
// matters: script-writing commands carry whole scripts as content, so
// they are matched before anything their content could contain.
func classifyCommand(base, command string) string {
	switch base {
	case "cd", "put", "get":
		return base
	}
	rules := []struct{ kind, marker string }{
		{"write", "Set-Content"}, {"write", "HARVEST_EOF"},
		{"disk", "Get-PSDrive"}, {"disk", "df -k"},
		{"kill", "Stop-Process"}, {"kill", "pkill"},
		{"running", "'RUNNING'"}, {"running", "pgrep"},
		{"mkdir", "New-Item"}, {"mkdir", "mkdir -p"},
		{"expand", "Expand-Archive"}, {"expand", "unzip"}, {"expand", "tar -xzf"},
		{"sha256", "Get-FileHash"}, {"sha256", "sha256sum"},
		{"tail", "-Tail"}, {"tail", "tail -n"},
		{"launch", "Start-Process"}, {"launch", "</dev/null"},
		{"chmod", "chmod"},
		{"hosts", `etc\hosts`}, {"hosts", "/etc/hosts"},
		{"clear", "CLEARED"},
		{"removeall", "Remove-Item -Path"}, {"removeall", "rm -rf"},
		{"stat", "Get-Item "}, {"stat", "ls -ld"},
		{"exists", "Test-Path"}, {"exists", "[ -e"},
		{"list", "Get-ChildItem"}, {"list", "ls -l"},
	}
	for _, r := range rules {
		if strings.Contains(command, r.marker) {
			return r.kind
		}
	}
	return base
}

// baseOf recovers the base command of a recorded command string well
// enough for Commands filtering.
func baseOf(command string) string {
	if i := strings.IndexByte(command, ' '); i > 0 {
		return command[:i]
	}
	return command
}

// WindowsBehavior answers like a healthy Windows box: workspace
// commands succeed, the tool entry file exists, everything else is
// clean.
func WindowsBehavior() *HostBehavior {
	b := NewHostBehavior()
	b.Respond("kill", "KILLED")
	b.Respond("mkdir", "CREATED")
	b.Respond("disk", "107374182400") // 100 GiB free
	b.Respond("cd", "")
	b.Respond("put", "")
	b.Respond("expand", "EXTRACTED")
	b.Respond("write", "WRITTEN")
	b.Respond("launch", "LAUNCHED")
	b.Respond("clear", "CLEARED")
	b.Respond("removeall", "REMOVED")
	b.Respond("hosts", "APPLIED")
	b.Respond("stat", "MISSING")
	b.Respond("tail", "")
	b.On("exists", func(_ int, command string) Response {
		if strings.Contains(command, "kape.exe") {
			return Response{Stdout: "EXISTS"}
		}
		return Response{Stdout: "MISSING"} // workspace gone after cleanup
	})
	return b
}

// LinuxBehavior answers like a healthy Linux box.
func LinuxBehavior() *HostBehavior {
	b := NewHostBehavior()
	b.Respond("kill", "KILLED")
	b.Respond("mkdir", "CREATED")
	b.Respond("disk", "104857600") // df -k: 100 GiB free
	b.Respond("cd", "")
	b.Respond("put", "")
	b.Respond("expand", "EXTRACTED")
	b.Respond("chmod", "PREPARED")
	b.Respond("launch", "LAUNCHED")
	b.Respond("clear", "CLEARED")
	b.Respond("removeall", "REMOVED")
	b.Respond("hosts", "APPLIED")
	b.Respond("stat", "MISSING")
	b.Respond("tail", "")
	b.On("exists", func(_ int, command string) Response {
		if strings.Contains(command, "uac/uac") {
			return Response{Stdout: "EXISTS"}
		}
		return Response{Stdout: "MISSING"}
	})
	return b
}

// KapeImageName is the VHDX a simulated KAPE run produces.
func KapeImageName(hostname string) string {
	return fmt.Sprintf("2024-05-01T1200_%s-triage.vhdx", hostname)
}

// KapeArchiveName is the archive a simulated KAPE run settles on.
func KapeArchiveName(hostname string) string {
	return fmt.Sprintf("2024-05-01T1200_%s-triage.7z", hostname)
}

// UACArchiveName is the tarball a simulated UAC run settles on.
func UACArchiveName(hostname string) string {
	return fmt.Sprintf("uac-%s-linux-20240501120000.tar.gz", hostname)
}

// KapeListings is the canonical listing sequence of a KAPE run: the
// VHDX appears and holds steady through the run monitor and the
// primary appear/stabilize samples, then the archive joins it and
// holds steady through the secondary pair.
func KapeListings(hostname string, archiveSize int64) []string {
	const vhdxSize = 650117120
	solo := WindowsListing(WindowsRow(vhdxSize, KapeImageName(hostname)))
	both := WindowsListing(
		WindowsRow(vhdxSize, KapeImageName(hostname)),
		WindowsRow(archiveSize, KapeArchiveName(hostname)),
	)
	return []string{solo, solo, solo, solo, solo, both, both, both}
}

// UACListings is the canonical listing sequence of a UAC run: the
// tarball is already final when it appears.
func UACListings(hostname string, archiveSize int64) []string {
	row := UnixRow(archiveSize, UACArchiveName(hostname))
	return []string{
		UnixListing(row), // appear
		UnixListing(row), // sample 1
		UnixListing(row), // sample 2, stable
	}
}

// WindowsListing renders rows the way the PowerShell listing probe
// prints them.
func WindowsListing(rows ...string) string {
	lines := append([]string{"Name Length", "---- ------"}, rows...)
	return strings.Join(lines, "\n")
}

// WindowsRow renders one artifact line of a PowerShell listing.
func WindowsRow(size int64, name string) string {
	return fmt.Sprintf("%d %.2f 5/1/2024 12:20 PM %s", size, float64(size)/(1<<20), name)
}

// UnixListing renders rows the way ls -l prints them.
func UnixListing(rows ...string) string {
	lines := append([]string{"total 8"}, rows...)
	return strings.Join(lines, "\n")
}

// UnixRow renders one artifact line of an ls -l listing.
func UnixRow(size int64, name string) string {
	return fmt.Sprintf("-rw-r--r-- 1 root root %d May  1 12:20 %s", size, name)
}

// HashOf is the hex SHA-256 a host-side hash command would report for
// the payload.
func HashOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
