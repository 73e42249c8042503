package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forensiq/harvest/pkg/cloudstore"
	"github.com/forensiq/harvest/pkg/collect"
	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/falcon"
	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/session"
	"github.com/forensiq/harvest/pkg/transfer"
	"github.com/forensiq/harvest/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvest - Remote forensic collection over RTR",
	Long: `Harvest drives forensic collection tools (KAPE, UAC, browser history)
on remote endpoints through the cloud's Real Time Response channel:
deploy, launch, watch the artifact stabilize, fetch it, and park it in
object storage with an authoritative existence check.

No agent of its own, no state of its own: everything lives in the
session and the object store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: format == "json"})

		path, _ := cmd.Flags().GetString("config")
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"harvest version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(versionCmd)
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection against a single host",
	Long: `Run a forensic collection on one endpoint and upload the artifact.

Examples:
  # KAPE triage with the default target
  harvest collect --host WIN-DESKTOP-01

  # UAC with a specific profile, keeping the artifact local
  harvest collect --host lin-db-3 --tool uac --profile ir_triage --no-upload

  # Browser history for one user
  harvest collect --host WIN-DESKTOP-01 --tool browser-history --user jdoe`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().String("host", "", "Target hostname (required)")
	collectCmd.Flags().String("tool", "kape", "Collection tool: kape, uac, browser-history")
	collectCmd.Flags().String("target", "", "KAPE target (windows)")
	collectCmd.Flags().String("profile", "", "UAC profile (unix)")
	collectCmd.Flags().String("user", "", "Username for user-scoped collections")
	collectCmd.Flags().Bool("no-upload", false, "Keep the artifact locally instead of uploading")
	collectCmd.Flags().String("output", "", "Local directory for fetched artifacts")
	_ = collectCmd.MarkFlagRequired("host")
}

func runCollect(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	toolName, _ := cmd.Flags().GetString("tool")
	target, _ := cmd.Flags().GetString("target")
	profile, _ := cmd.Flags().GetString("profile")
	user, _ := cmd.Flags().GetString("user")
	noUpload, _ := cmd.Flags().GetBool("no-upload")
	output, _ := cmd.Flags().GetString("output")

	tool, err := parseTool(toolName)
	if err != nil {
		return err
	}
	if target != "" && profile != "" {
		return fmt.Errorf("--target and --profile are mutually exclusive")
	}
	if profile != "" {
		target = profile
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := buildApp(ctx, output, !noUpload)
	if err != nil {
		return err
	}
	defer app.Close()
	app.startCollector(nil)

	job := &types.Job{
		Hostname:  host,
		Tool:      tool,
		Target:    target,
		Username:  user,
		NoUpload:  noUpload,
		CreatedAt: time.Now(),
	}

	out := app.machine.Run(ctx, job)
	printOutcome(out)
	if out.Result != types.ResultSuccess {
		return fmt.Errorf("collection failed (%s)", out.Kind)
	}
	return nil
}

// Host commands
var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Query the host registry",
}

var hostsLookupCmd = &cobra.Command{
	Use:   "lookup NAME",
	Short: "Resolve a hostname to its agent record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		client, err := buildClient()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		host, err := client.DiscoverHost(ctx, args[0], force)
		if err != nil {
			return err
		}

		state := "offline"
		if host.Online {
			state = "online"
		}
		fmt.Printf("✓ %s\n", host.Hostname)
		fmt.Printf("  AID:       %s\n", host.AID)
		fmt.Printf("  CID:       %s\n", host.CID)
		fmt.Printf("  Platform:  %s (%s)\n", host.Platform, host.OSVersion)
		fmt.Printf("  Last seen: %s (%s)\n", host.LastSeen.Format(time.RFC3339), state)
		return nil
	},
}

func init() {
	hostsCmd.AddCommand(hostsLookupCmd)
	hostsLookupCmd.Flags().Bool("force", false, "Bypass the registry cache")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("harvest version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// app bundles the wired pipeline behind one teardown
type app struct {
	client     *falcon.Client
	sessions   *session.Manager
	machine    *collect.Machine
	broker     *events.Broker
	store      *cloudstore.Store
	collector  *metrics.Collector
	metricsSrv *http.Server
}

// buildClient resolves cloud credentials and constructs the API facade.
// This is the only place credentials are read from the environment.
func buildClient() (*falcon.Client, error) {
	id := os.Getenv("FALCON_CLIENT_ID")
	secret := os.Getenv("FALCON_CLIENT_SECRET")
	if id == "" || secret == "" {
		return nil, fmt.Errorf("FALCON_CLIENT_ID and FALCON_CLIENT_SECRET must be set")
	}
	return falcon.New(falcon.Options{
		BaseURL:          cfg.RTR.BaseURL,
		Credentials:      falcon.Credentials{ClientID: id, ClientSecret: secret},
		MemberCID:        cfg.RTR.MemberCID,
		RateLimit:        cfg.RTR.RateLimit,
		RateBurst:        cfg.RTR.RateBurst,
		RetryMaxAttempts: cfg.Retry.MaxAttempts,
		RetryBaseBackoff: cfg.Retry.BaseBackoff.Std(),
		RetryMaxBackoff:  cfg.Retry.MaxBackoff.Std(),
		HostCacheTTL:     cfg.RTR.HostCacheTTL.Std(),
		UserAgent:        "harvest/" + Version,
	})
}

func buildApp(ctx context.Context, workDir string, withStore bool) (*app, error) {
	metrics.SetVersion(Version)

	client, err := buildClient()
	if err != nil {
		return nil, err
	}
	metrics.RegisterComponent("falcon", true, "client configured")

	sessions := session.NewManager(client, session.Options{
		PulseInterval: cfg.Timeouts.Pulse.Std(),
	})
	xfer := transfer.NewManager(sessions, client, transfer.Options{
		CommandTimeout:    cfg.Timeouts.Command.Std(),
		StabilityInterval: cfg.Timeouts.Stability.Std(),
	})

	var store *cloudstore.Store
	if withStore {
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3.bucket is not configured; pass --no-upload to keep artifacts local")
		}
		proxyURL := ""
		if cfg.Proxy.Enabled {
			proxyURL = cfg.Proxy.Host
		}
		store, err = cloudstore.New(ctx, cloudstore.Options{
			Bucket:             cfg.S3.Bucket,
			Region:             cfg.S3.Region,
			Endpoint:           cfg.S3.Endpoint,
			Prefix:             cfg.S3.Prefix,
			Credentials:        awsCredentials(),
			ProxyURL:           proxyURL,
			MultipartThreshold: cfg.Upload.MultipartThreshold,
			PartSize:           cfg.Upload.ChunkSize,
			Concurrency:        cfg.Upload.MaxConcurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		metrics.RegisterComponent("storage", true, "bucket "+cfg.S3.Bucket)
	} else {
		metrics.RegisterComponent("storage", true, "uploads disabled")
	}

	broker := events.NewBroker()
	broker.Start()

	deps := collect.Deps{
		Discover: client,
		Sessions: sessions,
		Transfer: xfer,
		Tools:    client,
		Broker:   broker,
		Config:   cfg,
		WorkDir:  workDir,
	}
	if store != nil {
		deps.Store = store
	}

	a := &app{
		client:   client,
		sessions: sessions,
		machine:  collect.New(deps),
		broker:   broker,
		store:    store,
	}
	if cfg.Metrics.Enabled {
		a.metricsSrv = metrics.Serve(cfg.Metrics.Addr)
	}
	return a, nil
}

// startCollector begins gauge sampling; jobs may be nil when nothing
// tracks in-flight job counts (single collections).
func (a *app) startCollector(jobs metrics.JobTracker) {
	if a.metricsSrv == nil {
		return
	}
	a.collector = metrics.NewCollector(a.client.Registry(), a.sessions, jobs)
	a.collector.Start()
}

func (a *app) Close() {
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Close()
	}
	a.broker.Stop()
}

// awsCredentials reads object-store credentials from the environment.
// Empty values fall back to the ambient AWS chain (instance roles).
func awsCredentials() cloudstore.Credentials {
	return cloudstore.Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}
}

// signalContext cancels on SIGINT/SIGTERM so running jobs skip to
// cleanup. A second signal exits immediately.
func signalContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\n%v received, cancelling; host cleanup still runs\n", sig)
			cancel()
			<-sigCh
			fmt.Fprintln(os.Stderr, "second signal, exiting now")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func parseTool(s string) (types.Tool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kape":
		return types.ToolKape, nil
	case "uac":
		return types.ToolUAC, nil
	case "browser-history", "browser_history", "browserhistory":
		return types.ToolBrowserHistory, nil
	default:
		return "", fmt.Errorf("unknown tool %q (kape, uac, browser-history)", s)
	}
}

func printOutcome(out *types.Outcome) {
	if out.Result == types.ResultSuccess {
		fmt.Printf("✓ %s collection complete on %s\n", out.Tool, out.Hostname)
		if out.Key != "" {
			fmt.Printf("  Object:   %s (%s)\n", out.Key, formatBytes(out.Size))
			if out.Detail != "" {
				fmt.Printf("  Note:     %s\n", out.Detail)
			}
		} else if out.Detail != "" {
			fmt.Printf("  %s\n", out.Detail)
		}
		fmt.Printf("  Duration: %s\n", out.Duration().Round(time.Second))
		return
	}
	fmt.Printf("✗ %s collection failed on %s\n", out.Tool, out.Hostname)
	fmt.Printf("  Phase:    %s\n", out.Phase)
	fmt.Printf("  Cause:    %s\n", out.Kind)
	if out.Detail != "" {
		fmt.Printf("  Detail:   %s\n", out.Detail)
	}
	fmt.Printf("  Duration: %s\n", out.Duration().Round(time.Second))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
