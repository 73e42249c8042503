package platform

import (
	"strings"
	"testing"
	"time"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

func TestForTool(t *testing.T) {
	for _, tool := range []types.Tool{types.ToolKape, types.ToolUAC, types.ToolBrowserHistory} {
		p, err := ForTool(tool)
		if err != nil {
			t.Fatalf("ForTool(%s) error: %v", tool, err)
		}
		if p.Tool() != tool {
			t.Errorf("ForTool(%s).Tool() = %s", tool, p.Tool())
		}
	}

	if _, err := ForTool(types.Tool("velociraptor")); err == nil {
		t.Error("ForTool should reject unknown tools")
	}
}

func TestKapePrepareWritesCLIFile(t *testing.T) {
	a := newWindows(t)
	p, _ := ForTool(types.ToolKape)

	cmds := p.Prepare(a, LaunchOptions{Hostname: "HOST1", Target: "!SANS_Triage"})
	if len(cmds) != 2 {
		t.Fatalf("Prepare returned %d commands, want 2", len(cmds))
	}

	write := cmds[1].CommandString
	if !strings.Contains(write, `_kape.cli`) {
		t.Errorf("prepare does not write _kape.cli: %q", write)
	}
	if !strings.Contains(write, `--target !SANS_Triage`) {
		t.Errorf("cli missing target: %q", write)
	}
	if !strings.Contains(write, `--tdest C:\0x4n6nerd\temp`) {
		t.Errorf("cli missing tdest: %q", write)
	}
	if !strings.Contains(write, `--vhdx "%m-triage"`) {
		t.Errorf("cli missing vhdx naming: %q", write)
	}
}

func TestKapePatterns(t *testing.T) {
	p, _ := ForTool(types.ToolKape)
	opts := LaunchOptions{Hostname: "HOST1"}

	primary := p.PrimaryPattern(opts)
	for _, name := range []string{
		"2026-08-24T071500_HOST1-triage.vhdx",
		"2026-08-24T071500_HOST1-triage.7z",
		"2026-08-24T071500_HOST1-triage",
	} {
		if !primary.MatchString(name) {
			t.Errorf("primary pattern should match %q", name)
		}
	}
	if primary.MatchString("kape.exe") {
		t.Error("primary pattern matched the tool binary")
	}

	secondary := p.SecondaryPattern(opts)
	if !secondary.MatchString("2026-08-24T071500_HOST1-triage.7z") {
		t.Error("secondary pattern should match finished archive")
	}
	if secondary.MatchString("2026-08-24T071500_HOST1-triage.vhdx") {
		t.Error("secondary pattern must not match the VHDX container")
	}
}

func TestKapeTargetTimeouts(t *testing.T) {
	cfg := config.Default()
	p, _ := ForTool(types.ToolKape)

	tests := []struct {
		target string
		want   time.Duration
	}{
		{"!BasicCollection", 1200 * time.Second},
		{"KapeTriage", 1800 * time.Second},
		{"SomethingUnknown", 7200 * time.Second},
	}

	for _, tt := range tests {
		got := p.MaxRunDuration(cfg, LaunchOptions{Target: tt.target})
		if got != tt.want {
			t.Errorf("MaxRunDuration(%s) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestUACLaunchSentinelForm(t *testing.T) {
	a := newUnix(t)
	p, _ := ForTool(types.ToolUAC)

	cmd := p.Launch(a, LaunchOptions{Hostname: "host1", Target: "ir_triage"})

	if strings.Contains(cmd.CommandString, "nohup") {
		t.Fatalf("UAC launch must never use nohup: %q", cmd.CommandString)
	}
	for _, want := range []string{
		"cd /opt/0x4n6nerd/uac",
		"./uac -p ir_triage --output-format tar /opt/0x4n6nerd",
		"</dev/null > /opt/0x4n6nerd/uac_output.log 2>&1",
		"echo $? > /opt/0x4n6nerd/uac_exit_code",
		"& echo $! > /opt/0x4n6nerd/uac.pid",
	} {
		if !strings.Contains(cmd.CommandString, want) {
			t.Errorf("launch missing %q in %q", want, cmd.CommandString)
		}
	}
}

func TestUACPrimaryPattern(t *testing.T) {
	p, _ := ForTool(types.ToolUAC)
	pattern := p.PrimaryPattern(LaunchOptions{Hostname: "web-01"})

	if !pattern.MatchString("uac-web-01-linux-20260824071500.tar.gz") {
		t.Error("pattern should match uac artifact")
	}
	// Tool reports the local hostname, which may differ in case
	if !pattern.MatchString("uac-WEB-01-linux-20260824071500.tar.gz") {
		t.Error("pattern should be case-insensitive")
	}
	if pattern.MatchString("uac-other-linux-20260824071500.tar.gz") {
		t.Error("pattern matched a different host's artifact")
	}
	if pattern.MatchString("uac.tar.gz") {
		t.Error("pattern matched the payload archive")
	}
}

func TestUACProfileTimeouts(t *testing.T) {
	cfg := config.Default()
	p, _ := ForTool(types.ToolUAC)

	if got := p.MaxRunDuration(cfg, LaunchOptions{Target: "full"}); got != 21600*time.Second {
		t.Errorf("MaxRunDuration(full) = %v, want 6h", got)
	}
	if got := p.MaxRunDuration(cfg, LaunchOptions{Target: "mystery"}); got != 18000*time.Second {
		t.Errorf("MaxRunDuration(mystery) = %v, want default 18000s", got)
	}
}

func TestUACExitCodeSentinel(t *testing.T) {
	a := newUnix(t)
	p, _ := ForTool(types.ToolUAC)

	if got := p.ExitCodeFile(a); got != "/opt/0x4n6nerd/uac_exit_code" {
		t.Errorf("ExitCodeFile = %q", got)
	}
}

func TestBrowserProfileBothPlatforms(t *testing.T) {
	p, _ := ForTool(types.ToolBrowserHistory)

	if p.PayloadPath(config.Default()) != "" {
		t.Error("browser profile should not deploy a payload")
	}

	win := newWindows(t)
	prep := p.Prepare(win, LaunchOptions{Hostname: "HOST1", Username: "jdoe"})
	if len(prep) != 1 || !strings.Contains(prep[0].CommandString, "bh.ps1") {
		t.Errorf("windows prepare = %+v", prep)
	}
	if !strings.Contains(prep[0].CommandString, "jdoe") {
		t.Error("windows script missing target user")
	}

	unix := newUnix(t)
	prep = p.Prepare(unix, LaunchOptions{Hostname: "host1", Username: "jdoe"})
	if len(prep) != 1 || !strings.Contains(prep[0].CommandString, "bh.sh") {
		t.Errorf("unix prepare = %+v", prep)
	}

	launch := p.Launch(unix, LaunchOptions{Hostname: "host1"})
	if strings.Contains(launch.CommandString, "nohup") {
		t.Error("browser launch must not use nohup")
	}
	if !strings.Contains(launch.CommandString, "bh_exit_code") {
		t.Error("unix browser launch missing exit sentinel")
	}
}

func TestBrowserPrimaryPattern(t *testing.T) {
	p, _ := ForTool(types.ToolBrowserHistory)
	pattern := p.PrimaryPattern(LaunchOptions{Hostname: "host1"})

	if !pattern.MatchString("browserhistory-HOST1-20260824071500.zip") {
		t.Error("pattern should match windows archive")
	}
	if !pattern.MatchString("browserhistory-host1-20260824071500.tar.gz") {
		t.Error("pattern should match unix archive")
	}
	if pattern.MatchString("browserhistory-host1-2026.zip") {
		t.Error("pattern matched short timestamp")
	}
}
