package platform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

// unixAdapter emits POSIX shell bodies executed through runscript. Linux
// and macOS hosts share it; only portable commands are used.
type unixAdapter struct {
	root string
}

// lsSizeLine matches one file row of `ls -l` output, anchored on the size
// column sitting immediately before the month name.
var lsSizeLine = regexp.MustCompile(`(\d+)\s+(Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2}\s+(?:\d{4}|\d{1,2}:\d{2})\s+(.+)$`)

func (u *unixAdapter) Platform() types.Platform { return types.PlatformLinux }

func (u *unixAdapter) Sep() string { return "/" }

func (u *unixAdapter) Join(elem ...string) string {
	return strings.Join(elem, "/")
}

func (u *unixAdapter) Workspace() string { return u.root }

func (u *unixAdapter) MkdirAll(path string) types.CommandRequest {
	return runscript(fmt.Sprintf("mkdir -p %s && echo CREATED", shQuote(path)))
}

func (u *unixAdapter) Exists(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"if [ -e %s ]; then echo EXISTS; else echo MISSING; fi", shQuote(path)))
}

func (u *unixAdapter) Stat(path string) types.CommandRequest {
	q := shQuote(path)
	return runscript(fmt.Sprintf(
		`if [ -e %s ]; then echo "EXISTS $(ls -ld %s | awk '{print $5}')"; else echo MISSING; fi`,
		q, q))
}

func (u *unixAdapter) RemoveAll(path string) types.CommandRequest {
	q := shQuote(path)
	return runscript(fmt.Sprintf(
		"rm -rf %s; if [ -e %s ]; then echo PRESENT; else echo REMOVED; fi", q, q))
}

func (u *unixAdapter) RemoveAllContents(path string) types.CommandRequest {
	q := shQuote(path)
	return runscript(fmt.Sprintf(
		"rm -rf %s/* %s/.[!.]* 2>/dev/null; echo CLEARED", q, q))
}

func (u *unixAdapter) ListDir(path string) types.CommandRequest {
	return runscript(fmt.Sprintf("ls -l %s 2>/dev/null", shQuote(path)))
}

func (u *unixAdapter) Tail(path string, lines int) types.CommandRequest {
	return runscript(fmt.Sprintf("tail -n %d %s 2>/dev/null", lines, shQuote(path)))
}

func (u *unixAdapter) WriteFile(path, content string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"cat > %s <<'HARVEST_EOF'\n%s\nHARVEST_EOF\necho WRITTEN", shQuote(path), content))
}

func (u *unixAdapter) ExpandArchive(archive, dest string) types.CommandRequest {
	qa, qd := shQuote(archive), shQuote(dest)
	if strings.HasSuffix(archive, ".zip") {
		return runscript(fmt.Sprintf("cd %s && unzip -o %s && echo EXTRACTED", qd, qa))
	}
	return runscript(fmt.Sprintf("cd %s && tar -xzf %s && echo EXTRACTED", qd, qa))
}

func (u *unixAdapter) LaunchBackground(dir, command string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"cd %s && (%s </dev/null >/dev/null 2>&1 &) && echo LAUNCHED", shQuote(dir), command))
}

func (u *unixAdapter) AppendHostEntries(entries []config.HostEntry) types.CommandRequest {
	var parts []string
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("echo %s >> /etc/hosts", shQuote(e.IP+" "+e.Hostname)))
	}
	return runscript(strings.Join(parts, " && ") + " && echo APPLIED")
}

func (u *unixAdapter) KillPattern(pattern string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"pkill -9 -f %s 2>/dev/null; echo KILLED", shQuote(pattern)))
}

func (u *unixAdapter) ProcessRunning(pattern string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"if pgrep -f %s >/dev/null 2>&1; then echo RUNNING; else echo STOPPED; fi",
		shQuote(pattern)))
}

func (u *unixAdapter) SHA256(path string) types.CommandRequest {
	q := shQuote(path)
	return runscript(fmt.Sprintf(
		`if command -v sha256sum >/dev/null 2>&1; then sha256sum %s | awk '{print $1}'; else shasum -a 256 %s | awk '{print $1}'; fi`,
		q, q))
}

func (u *unixAdapter) DiskFree(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		`df -k %s | tail -1 | awk '{print $4}'`, shQuote(path)))
}

func (u *unixAdapter) ParseStatOutput(out string) types.RemoteStat {
	return parseStatLine(out)
}

func (u *unixAdapter) ParseListSizes(out string) []FileSize {
	var files []FileSize
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") || strings.HasPrefix(line, "d") {
			continue
		}
		m := lsSizeLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, FileSize{Name: strings.TrimSpace(m[3]), Size: size})
	}
	return files
}

// ParseDiskFree decodes `df -k` output; the value arrives in kilobytes
func (u *unixAdapter) ParseDiskFree(out string) (int64, error) {
	s := strings.TrimSpace(out)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("platform: parse disk free %q: %w", s, err)
	}
	return n * 1024, nil
}

// shQuote wraps s in POSIX single quotes, escaping any embedded quote
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
