package platform

import (
	"fmt"
	"regexp"
	"time"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

// browserProfile collects browser history databases with generated
// scripts instead of a deployed payload, so it runs on both OS families
type browserProfile struct{}

func (browserProfile) Tool() types.Tool { return types.ToolBrowserHistory }

// PayloadPath is empty: the scripts below are the whole payload
func (browserProfile) PayloadPath(cfg *config.Config) string { return "" }

func (browserProfile) EntryFile(a Adapter) string { return "" }

func (browserProfile) ProcessPattern() string { return `[b]h\.` }

func (b browserProfile) Prepare(a Adapter, opts LaunchOptions) []types.CommandRequest {
	if a.Platform().IsWindows() {
		return []types.CommandRequest{
			a.WriteFile(a.Join(a.Workspace(), "bh.ps1"), b.windowsScript(a, opts)),
		}
	}
	return []types.CommandRequest{
		a.WriteFile(a.Join(a.Workspace(), "bh.sh"), b.unixScript(a, opts)),
	}
}

func (browserProfile) Launch(a Adapter, opts LaunchOptions) types.CommandRequest {
	ws := a.Workspace()
	if a.Platform().IsWindows() {
		return a.LaunchBackground(ws, fmt.Sprintf(
			`powershell.exe -NoProfile -ExecutionPolicy Bypass -File %s\bh.ps1`, ws))
	}
	body := backgroundWithSentinels(
		ws,
		"sh ./bh.sh",
		a.Join(ws, "bh_output.log"),
		a.Join(ws, "bh_exit_code"),
		a.Join(ws, "bh.pid"),
	)
	return runscript(body)
}

func (browserProfile) ArtifactDir(a Adapter) string { return a.Workspace() }

func (browserProfile) PrimaryPattern(opts LaunchOptions) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)browserhistory-%s-\d{14}\.(zip|tar\.gz)$`,
		regexp.QuoteMeta(opts.Hostname)))
}

func (browserProfile) SecondaryPattern(opts LaunchOptions) *regexp.Regexp { return nil }

func (browserProfile) ExitCodeFile(a Adapter) string {
	if a.Platform().IsWindows() {
		return ""
	}
	return a.Join(a.Workspace(), "bh_exit_code")
}

func (browserProfile) LogFile(a Adapter) string {
	if a.Platform().IsWindows() {
		return ""
	}
	return a.Join(a.Workspace(), "bh_output.log")
}

// MaxRunDuration is fixed: history databases are small and the copy
// finishes in seconds even on loaded hosts
func (browserProfile) MaxRunDuration(cfg *config.Config, opts LaunchOptions) time.Duration {
	return 15 * time.Minute
}

// windowsScript copies Chrome, Edge and Firefox history for the target
// user (or every profile under C:\Users when no user is given) and zips
// the result.
func (browserProfile) windowsScript(a Adapter, opts LaunchOptions) string {
	ws := a.Workspace()
	return fmt.Sprintf(`$ErrorActionPreference = 'SilentlyContinue'
$target = '%s'
$dest = '%s\browser'
New-Item -Path $dest -ItemType Directory -Force | Out-Null
$users = if ($target) { @($target) } else { Get-ChildItem 'C:\Users' -Directory | Select-Object -ExpandProperty Name }
foreach ($u in $users) {
    $chrome = "C:\Users\$u\AppData\Local\Google\Chrome\User Data\Default\History"
    if (Test-Path $chrome) { Copy-Item $chrome "$dest\${u}_chrome_History" -Force }
    $edge = "C:\Users\$u\AppData\Local\Microsoft\Edge\User Data\Default\History"
    if (Test-Path $edge) { Copy-Item $edge "$dest\${u}_edge_History" -Force }
    Get-ChildItem "C:\Users\$u\AppData\Roaming\Mozilla\Firefox\Profiles" -Directory | ForEach-Object {
        $places = Join-Path $_.FullName 'places.sqlite'
        if (Test-Path $places) { Copy-Item $places "$dest\${u}_firefox_places.sqlite" -Force }
    }
}
$ts = Get-Date -Format 'yyyyMMddHHmmss'
Compress-Archive -Path "$dest\*" -DestinationPath "%s\browserhistory-$env:COMPUTERNAME-$ts.zip" -Force`,
		opts.Username, ws, ws)
}

// unixScript covers Chrome and Firefox on Linux plus Safari on macOS,
// then tars the copies.
func (browserProfile) unixScript(a Adapter, opts LaunchOptions) string {
	ws := a.Workspace()
	return fmt.Sprintf(`#!/bin/sh
TARGET_USER='%s'
DEST='%s/browser'
mkdir -p "$DEST"
collect_user() {
    home=$1; name=$2
    [ -f "$home/.config/google-chrome/Default/History" ] && cp "$home/.config/google-chrome/Default/History" "$DEST/${name}_chrome_History" 2>/dev/null
    for places in "$home"/.mozilla/firefox/*/places.sqlite; do
        [ -f "$places" ] && cp "$places" "$DEST/${name}_firefox_places.sqlite" 2>/dev/null
    done
    [ -f "$home/Library/Safari/History.db" ] && cp "$home/Library/Safari/History.db" "$DEST/${name}_safari_History.db" 2>/dev/null
}
if [ -n "$TARGET_USER" ]; then
    home=$(eval echo ~"$TARGET_USER")
    collect_user "$home" "$TARGET_USER"
else
    for home in /home/* /Users/*; do
        [ -d "$home" ] || continue
        collect_user "$home" "$(basename "$home")"
    done
fi
TS=$(date +%%Y%%m%%d%%H%%M%%S)
HOST=$(hostname | cut -d. -f1)
cd '%s' && tar -czf "browserhistory-${HOST}-${TS}.tar.gz" browser`,
		opts.Username, ws, ws)
}
