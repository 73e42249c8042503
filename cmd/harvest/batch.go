package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forensiq/harvest/pkg/batch"
	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/types"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run collections across a fleet from a targets file",
	Long: `Run collections against every host listed in a YAML targets file.

The file is a list of entries:

  - hostname: WIN-DESKTOP-01
    tool: kape
    target: RegistryHives
  - hostname: lin-db-3
    tool: uac
    profile: full
  - hostname: WIN-DESKTOP-02
    tool: browser-history
    username: jdoe

Hosts run in parallel up to the concurrency cap; two entries naming the
same host never overlap.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringP("file", "f", "", "Path to targets file (YAML)")
	batchCmd.Flags().Int("max-concurrent", 0, "Concurrent host cap (default from config)")
	batchCmd.Flags().Bool("no-upload", false, "Keep artifacts locally instead of uploading")
	batchCmd.Flags().String("output", "", "Local directory for fetched artifacts")
	_ = batchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(batchCmd)
}

// batchEntry is one row of the targets file
type batchEntry struct {
	Hostname string `yaml:"hostname"`
	Tool     string `yaml:"tool"`
	Target   string `yaml:"target"`
	Profile  string `yaml:"profile"`
	Username string `yaml:"username"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	width, _ := cmd.Flags().GetInt("max-concurrent")
	noUpload, _ := cmd.Flags().GetBool("no-upload")
	output, _ := cmd.Flags().GetString("output")

	jobs, err := loadTargets(file, noUpload)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("%s: no targets", file)
	}
	if width <= 0 {
		width = cfg.MaxConcurrent
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := buildApp(ctx, output, !noUpload)
	if err != nil {
		return err
	}
	defer app.Close()

	executor := batch.NewExecutor(app.machine, app.broker, width)
	app.startCollector(executor)

	sub := app.broker.Subscribe()
	progressDone := make(chan struct{})
	go printProgress(sub, progressDone)

	fmt.Printf("Running %d collections (width %d)\n\n", len(jobs), width)
	summary := executor.Run(ctx, jobs)

	app.broker.Unsubscribe(sub)
	<-progressDone

	printSummary(summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d collections failed", summary.Failed, summary.Failed+summary.Succeeded)
	}
	return nil
}

func loadTargets(path string, noUpload bool) ([]*types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var entries []batchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}

	jobs := make([]*types.Job, 0, len(entries))
	for i, e := range entries {
		if e.Hostname == "" {
			return nil, fmt.Errorf("targets[%d]: hostname is required", i)
		}
		toolName := e.Tool
		if toolName == "" {
			toolName = "kape"
		}
		tool, err := parseTool(toolName)
		if err != nil {
			return nil, fmt.Errorf("targets[%d] (%s): %w", i, e.Hostname, err)
		}
		if e.Target != "" && e.Profile != "" {
			return nil, fmt.Errorf("targets[%d] (%s): target and profile are mutually exclusive", i, e.Hostname)
		}
		target := e.Target
		if e.Profile != "" {
			target = e.Profile
		}
		jobs = append(jobs, &types.Job{
			Hostname:  e.Hostname,
			Tool:      tool,
			Target:    target,
			Username:  e.Username,
			NoUpload:  noUpload,
			CreatedAt: time.Now(),
		})
	}
	return jobs, nil
}

// printProgress streams per-host terminal lines while the batch runs.
// Phase churn stays in the structured log; the console only gets
// endings and session warnings.
func printProgress(sub events.Subscriber, done chan struct{}) {
	defer close(done)
	for ev := range sub {
		switch ev.Type {
		case events.EventJobDone:
			detail := ev.Detail
			if detail == "" {
				detail = "done"
			}
			fmt.Printf("✓ %-24s %s\n", ev.Hostname, detail)
		case events.EventJobFailed:
			fmt.Printf("✗ %-24s %s: %s\n", ev.Hostname, ev.Phase, ev.Detail)
		case events.EventSessionExpiring:
			fmt.Fprintf(os.Stderr, "! session expiring on %s\n", ev.Hostname)
		}
	}
}

func printSummary(s *types.Summary) {
	hosts := make([]string, 0, len(s.ByHost))
	for h := range s.ByHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	fmt.Println()
	for _, h := range hosts {
		out := s.ByHost[h]
		if out.Result == types.ResultSuccess {
			loc := out.Key
			if loc == "" {
				loc = out.Detail
			}
			fmt.Printf("✓ %-24s %-16s %s\n", h, out.Tool, loc)
		} else {
			fmt.Printf("✗ %-24s %-16s %s: %s\n", h, out.Tool, out.Phase, out.Kind)
		}
	}
	fmt.Printf("\nRun %s: %d succeeded, %d failed in %s\n",
		s.RunID, s.Succeeded, s.Failed, s.Elapsed.Round(time.Second))
}
