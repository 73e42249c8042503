package platform

import (
	"fmt"
	"regexp"
	"time"

	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/types"
)

var (
	// kapeTriagePattern matches any artifact of a KAPE triage run: the
	// VHDX container while KAPE writes it, and the compressed wrapper
	// afterwards
	kapeTriagePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d+)(_)([a-zA-Z0-9\-]+)(-triage)(?:\.(vhdx|zip|7z))?`)

	// kapeArchivePattern matches only the finished compressed wrapper
	kapeArchivePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d+)(_)([a-zA-Z0-9\-]+)(-triage)\.7z$`)
)

// kapeProfile drives KAPE triage collection on Windows hosts
type kapeProfile struct{}

func (kapeProfile) Tool() types.Tool { return types.ToolKape }

func (kapeProfile) PayloadPath(cfg *config.Config) string { return cfg.Payloads.Kape }

func (kapeProfile) EntryFile(a Adapter) string {
	return a.Join(a.Workspace(), "kape.exe")
}

// ProcessPattern uses the bracket form so the probe's own command line
// never matches
func (kapeProfile) ProcessPattern() string { return "[k]ape" }

// Prepare writes _kape.cli into the workspace. kape.exe auto-executes the
// cli file from its working directory, which keeps the launch command
// itself trivial.
func (kapeProfile) Prepare(a Adapter, opts LaunchOptions) []types.CommandRequest {
	cli := fmt.Sprintf(`.\kape.exe --tsource C: --tdest %s\temp --target %s --vhdx "%%m-triage"`,
		a.Workspace(), opts.Target)
	return []types.CommandRequest{
		a.MkdirAll(a.Join(a.Workspace(), "temp")),
		a.WriteFile(a.Join(a.Workspace(), "_kape.cli"), cli),
	}
}

func (kapeProfile) Launch(a Adapter, opts LaunchOptions) types.CommandRequest {
	return a.LaunchBackground(a.Workspace(), `.\kape.exe`)
}

func (kapeProfile) ArtifactDir(a Adapter) string {
	return a.Join(a.Workspace(), "temp")
}

func (kapeProfile) PrimaryPattern(opts LaunchOptions) *regexp.Regexp {
	return kapeTriagePattern
}

func (kapeProfile) SecondaryPattern(opts LaunchOptions) *regexp.Regexp {
	return kapeArchivePattern
}

// ExitCodeFile is empty: KAPE leaves no exit sentinel, completion shows
// through the archive appearing and the process exiting
func (kapeProfile) ExitCodeFile(a Adapter) string { return "" }

// LogFile is empty: kape.exe runs detached with no console redirect
func (kapeProfile) LogFile(a Adapter) string { return "" }

func (kapeProfile) MaxRunDuration(cfg *config.Config, opts LaunchOptions) time.Duration {
	return cfg.Kape.TargetTimeout(opts.Target)
}
