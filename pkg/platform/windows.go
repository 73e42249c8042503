package platform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

// windowsAdapter emits PowerShell bodies executed through runscript
type windowsAdapter struct {
	root string
}

// winSizeLine matches one file row of the listing format emitted by
// ListDir: "<bytes> <MB> <M/d/yyyy time> <name>". Header, separator and
// directory rows are filtered out before this is applied.
var winSizeLine = regexp.MustCompile(`^.*?(\d+)\s+\d+(?:\.\d+)?\s+\d{1,2}/\d{1,2}/\d{4}`)

func (w *windowsAdapter) Platform() types.Platform { return types.PlatformWindows }

func (w *windowsAdapter) Sep() string { return `\` }

func (w *windowsAdapter) Join(elem ...string) string {
	return strings.Join(elem, `\`)
}

func (w *windowsAdapter) Workspace() string { return w.root }

func (w *windowsAdapter) MkdirAll(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"New-Item -Path %s -ItemType Directory -Force | Out-Null; Write-Output 'CREATED'",
		psQuote(path)))
}

func (w *windowsAdapter) Exists(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"if (Test-Path -Path %s) { Write-Output 'EXISTS' } else { Write-Output 'MISSING' }",
		psQuote(path)))
}

func (w *windowsAdapter) Stat(path string) types.CommandRequest {
	q := psQuote(path)
	return runscript(fmt.Sprintf(
		"if (Test-Path -Path %s) { $item = Get-Item -Path %s -Force; Write-Output ('EXISTS ' + [string]$item.Length) } else { Write-Output 'MISSING' }",
		q, q))
}

func (w *windowsAdapter) RemoveAll(path string) types.CommandRequest {
	q := psQuote(path)
	return runscript(fmt.Sprintf(
		"if (Test-Path -Path %s) { Remove-Item -Path %s -Recurse -Force -ErrorAction SilentlyContinue }; if (Test-Path -Path %s) { Write-Output 'PRESENT' } else { Write-Output 'REMOVED' }",
		q, q, q))
}

func (w *windowsAdapter) RemoveAllContents(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Get-ChildItem -Path %s -Force -ErrorAction SilentlyContinue | Remove-Item -Recurse -Force -ErrorAction SilentlyContinue; Write-Output 'CLEARED'",
		psQuote(path)))
}

// ListDir emits one row per file: raw length, length in MB, last write
// time, name. ParseListSizes understands exactly this shape.
func (w *windowsAdapter) ListDir(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Get-ChildItem -Path %s -Force -ErrorAction SilentlyContinue | ForEach-Object { if ($_.PSIsContainer) { '<Directory> ' + $_.Name } else { '{0} {1:F2} {2} {3}' -f $_.Length, ($_.Length / 1MB), $_.LastWriteTime.ToString('M/d/yyyy h:mm tt'), $_.Name } }",
		psQuote(path)))
}

func (w *windowsAdapter) Tail(path string, lines int) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Get-Content -Path %s -Tail %d -ErrorAction SilentlyContinue",
		psQuote(path), lines))
}

func (w *windowsAdapter) WriteFile(path, content string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Set-Content -Path %s -Value %s -Encoding ASCII; Write-Output 'WRITTEN'",
		psQuote(path), psQuote(content)))
}

func (w *windowsAdapter) ExpandArchive(archive, dest string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Expand-Archive -Path %s -DestinationPath %s -Force; Write-Output 'EXTRACTED'",
		psQuote(archive), psQuote(dest)))
}

func (w *windowsAdapter) LaunchBackground(dir, command string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Set-Location -Path %s; Start-Process -FilePath 'cmd.exe' -ArgumentList '/c', %s -WorkingDirectory %s -WindowStyle Hidden; Write-Output 'LAUNCHED'",
		psQuote(dir), psQuote(command), psQuote(dir)))
}

func (w *windowsAdapter) AppendHostEntries(entries []config.HostEntry) types.CommandRequest {
	var lines []string
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s %s", e.IP, e.Hostname))
	}
	return runscript(fmt.Sprintf(
		"Add-Content -Path 'C:\\Windows\\System32\\drivers\\etc\\hosts' -Value %s; Write-Output 'APPLIED'",
		psQuote(strings.Join(lines, "\r\n"))))
}

// KillPattern matches on the full command line so script-hosted tools are
// caught too. Pass patterns in the self-excluding bracket form ([k]ape)
// or the probe matches its own command line.
func (w *windowsAdapter) KillPattern(pattern string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -match %s } | ForEach-Object { Stop-Process -Id $_.ProcessId -Force -ErrorAction SilentlyContinue }; Write-Output 'KILLED'",
		psQuote(pattern)))
}

func (w *windowsAdapter) ProcessRunning(pattern string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"if (Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -match %s }) { Write-Output 'RUNNING' } else { Write-Output 'STOPPED' }",
		psQuote(pattern)))
}

func (w *windowsAdapter) SHA256(path string) types.CommandRequest {
	return runscript(fmt.Sprintf(
		"(Get-FileHash -Path %s -Algorithm SHA256).Hash.ToLower()",
		psQuote(path)))
}

func (w *windowsAdapter) DiskFree(path string) types.CommandRequest {
	drive := "C"
	if len(path) > 0 && path[0] != '\\' {
		drive = string(path[0])
	}
	return runscript(fmt.Sprintf(
		"Write-Output ([string](Get-PSDrive -Name '%s').Free)", drive))
}

func (w *windowsAdapter) ParseStatOutput(out string) types.RemoteStat {
	return parseStatLine(out)
}

func (w *windowsAdapter) ParseListSizes(out string) []FileSize {
	var files []FileSize
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Name") || strings.HasPrefix(line, "----") {
			continue
		}
		if strings.Contains(line, "<Directory>") {
			continue
		}
		m := winSizeLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		fields := strings.Fields(line)
		name := fields[len(fields)-1]
		files = append(files, FileSize{Name: name, Size: size})
	}
	return files
}

func (w *windowsAdapter) ParseDiskFree(out string) (int64, error) {
	s := strings.TrimSpace(out)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("platform: parse disk free %q: %w", s, err)
	}
	return n, nil
}

// psQuote wraps s in PowerShell single quotes, doubling any embedded quote
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
