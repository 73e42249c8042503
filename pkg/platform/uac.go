package platform

import (
	"fmt"
	"regexp"
	"time"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

// uacProfile drives UAC (Unix-like Artifacts Collector) on Linux and
// macOS hosts
type uacProfile struct{}

func (uacProfile) Tool() types.Tool { return types.ToolUAC }

func (uacProfile) PayloadPath(cfg *config.Config) string { return cfg.Payloads.UAC }

func (uacProfile) EntryFile(a Adapter) string {
	return a.Join(a.Workspace(), "uac", "uac")
}

func (uacProfile) ProcessPattern() string { return `\./[u]ac` }

func (uacProfile) Prepare(a Adapter, opts LaunchOptions) []types.CommandRequest {
	return []types.CommandRequest{
		runscript(fmt.Sprintf("chmod +x %s && echo PREPARED",
			shQuote(a.Join(a.Workspace(), "uac", "uac")))),
	}
}

// Launch backgrounds UAC with exit-code and PID sentinels next to the
// output log. The tool writes its archive into the workspace root.
func (uacProfile) Launch(a Adapter, opts LaunchOptions) types.CommandRequest {
	ws := a.Workspace()
	cmd := fmt.Sprintf("./uac -p %s --output-format tar %s", opts.Target, ws)
	body := backgroundWithSentinels(
		a.Join(ws, "uac"),
		cmd,
		a.Join(ws, "uac_output.log"),
		a.Join(ws, "uac_exit_code"),
		a.Join(ws, "uac.pid"),
	)
	return runscript(body)
}

func (uacProfile) ArtifactDir(a Adapter) string { return a.Workspace() }

func (uacProfile) PrimaryPattern(opts LaunchOptions) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)uac-%s-\w+-\d{14}\.tar\.gz$`,
		regexp.QuoteMeta(opts.Hostname)))
}

// SecondaryPattern is nil: UAC emits its archive in one phase
func (uacProfile) SecondaryPattern(opts LaunchOptions) *regexp.Regexp { return nil }

func (uacProfile) ExitCodeFile(a Adapter) string {
	return a.Join(a.Workspace(), "uac_exit_code")
}

func (uacProfile) LogFile(a Adapter) string {
	return a.Join(a.Workspace(), "uac_output.log")
}

func (uacProfile) MaxRunDuration(cfg *config.Config, opts LaunchOptions) time.Duration {
	return cfg.UAC.ProfileTimeout(opts.Target)
}
