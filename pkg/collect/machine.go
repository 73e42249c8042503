package collect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/forensiq/harvest/pkg/cloudstore"
	"github.com/forensiq/harvest/pkg/config"
	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/platform"
	"github.com/forensiq/harvest/pkg/session"
	"github.com/forensiq/harvest/pkg/transfer"
	"github.com/forensiq/harvest/pkg/types"
)

const (
	// minFreeBytes is the headroom a host volume must offer before a tool
	// is deployed. Triage containers regularly reach several gigabytes.
	minFreeBytes = 5 << 30

	// putTimeout bounds staging the tool archive onto the host
	putTimeout = 15 * time.Minute

	// expandTimeout bounds unpacking the tool archive on the host
	expandTimeout = 10 * time.Minute

	// cleanBudget bounds the whole cleanup pass. Cleanup runs on its own
	// context so a cancelled job still sweeps the host.
	cleanBudget = 5 * time.Minute
)

// Discoverer resolves hostnames to agent records
type Discoverer interface {
	DiscoverHost(ctx context.Context, hostname string, force bool) (*types.Host, error)
}

// Sessions owns RTR session lifecycle. Command traffic rides the
// transfer manager, which shares the same underlying executor.
type Sessions interface {
	Acquire(ctx context.Context, host *types.Host) (*types.Session, error)
	Release(sess *types.Session)
}

// Tools maintains the tenant put-file library
type Tools interface {
	EnsureToolUploaded(ctx context.Context, cid, name, localPath string) error
}

// Store is the object-store surface. Head is what VERIFY trusts.
type Store interface {
	Upload(ctx context.Context, key, localPath string) (*cloudstore.UploadResult, error)
	Head(ctx context.Context, key string) (*cloudstore.ObjectInfo, error)
}

// Deps wires a Machine to its collaborators
type Deps struct {
	Discover Discoverer
	Sessions Sessions
	Transfer *transfer.Manager
	Tools    Tools
	Store    Store // may be nil when every job runs with NoUpload
	Broker   *events.Broker
	Config   *config.Config

	// Clock substitutes a fake clock in tests
	Clock clockwork.Clock

	// WorkDir is where fetched artifacts land before upload. Defaults
	// to a directory under the system temp dir.
	WorkDir string
}

// Machine drives one collection job through its phases:
//
//	INIT -> PRECHECK -> DEPLOY -> LAUNCH -> RUN_MONITOR ->
//	FILE_WAIT -> STABILIZE -> FETCH -> UPLOAD -> VERIFY -> CLEAN -> DONE
//
// Any phase error routes to CLEAN, which always runs once PRECHECK has
// passed, and the job finishes FAILED with the phase and failure kind
// recorded. Machines are stateless across jobs and safe for concurrent
// Run calls.
type Machine struct {
	discover Discoverer
	sessions Sessions
	xfer     *transfer.Manager
	tools    Tools
	store    Store
	broker   *events.Broker
	cfg      *config.Config
	clock    clockwork.Clock
	workDir  string
	logger   zerolog.Logger
}

// New builds a Machine from its dependencies
func New(deps Deps) *Machine {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	workDir := deps.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "harvest")
	}
	return &Machine{
		discover: deps.Discover,
		sessions: deps.Sessions,
		xfer:     deps.Transfer,
		tools:    deps.Tools,
		store:    deps.Store,
		broker:   deps.Broker,
		cfg:      deps.Config,
		clock:    clock,
		workDir:  workDir,
		logger:   log.WithComponent("collect"),
	}
}

// Run executes one job to its terminal state and returns the outcome.
// Run never returns an error: failures are encoded in the outcome so
// the fan-out layer can aggregate them uniformly.
func (m *Machine) Run(ctx context.Context, job *types.Job) *types.Outcome {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	out := &types.Outcome{
		JobID:     job.ID,
		Hostname:  job.Hostname,
		Tool:      job.Tool,
		Result:    types.ResultPending,
		StartedAt: m.clock.Now(),
	}
	r := &run{
		m:   m,
		job: job,
		out: out,
		logger: m.logger.With().
			Str("job_id", job.ID).
			Str("hostname", job.Hostname).
			Str("tool", string(job.Tool)).
			Logger(),
	}

	r.drive(ctx)
	out.FinishedAt = m.clock.Now()

	if out.Result == types.ResultSuccess {
		r.publish(events.EventJobDone, types.PhaseDone, out.Detail)
		r.logger.Info().
			Str("key", out.Key).
			Int64("size", out.Size).
			Dur("elapsed", out.Duration()).
			Msg("Collection complete")
	} else {
		out.Result = types.ResultFailure
		r.publish(events.EventJobFailed, out.Phase, out.Detail)
		r.logger.Error().
			Str("phase", string(out.Phase)).
			Str("kind", string(out.Kind)).
			Str("detail", out.Detail).
			Msg("Collection failed")
	}
	return out
}

// run is the mutable state of one job passing through the machine
type run struct {
	m      *Machine
	job    *types.Job
	out    *types.Outcome
	logger zerolog.Logger

	profile platform.Profile
	host    *types.Host
	adapter platform.Adapter
	sess    *types.Session
	remote  *transfer.Remote

	artifactDir string
	artifact    platform.FileSize
	localPath   string
	fetched     *transfer.Artifact
	uploadKey   string
}

// drive walks the phases in order. Each step call handles phase entry,
// timing, and failure routing; the first failed step stops the walk and
// the deferred cleanup takes over.
func (r *run) drive(ctx context.Context) {
	if !r.step(ctx, types.PhaseInit, types.FailureInvalid, r.init) {
		return
	}
	if !r.step(ctx, types.PhasePrecheck, types.FailureHostNotFound, r.precheck) {
		return
	}

	// Past PRECHECK the host may carry our workspace and a session, so
	// cleanup runs no matter how the remaining phases end.
	defer r.clean()

	if !r.step(ctx, types.PhaseDeploy, types.FailureSession, r.deploy) {
		return
	}
	if !r.step(ctx, types.PhaseLaunch, types.FailureLaunch, r.launch) {
		return
	}
	if !r.step(ctx, types.PhaseRunMonitor, types.FailureRun, r.monitor) {
		return
	}
	if !r.harvest(ctx) {
		return
	}
	if !r.step(ctx, types.PhaseFetch, types.FailureFetch, r.fetch) {
		return
	}
	if !r.step(ctx, types.PhaseUpload, types.FailureUploadUnverified, r.upload) {
		return
	}
	if !r.step(ctx, types.PhaseVerify, types.FailureUploadUnverified, r.verify) {
		return
	}

	r.out.Result = types.ResultSuccess
	r.out.Phase = types.PhaseDone
}

// step enters a phase, runs its body, and records the duration. On
// error the run is marked failed with the step's default kind unless
// the error carries a more specific one.
func (r *run) step(ctx context.Context, p types.Phase, kind types.FailureKind, fn func(context.Context) error) bool {
	if err := ctx.Err(); err != nil {
		r.fail(p, kind, err)
		return false
	}
	r.enter(p)
	timer := metrics.NewTimer()
	err := fn(ctx)
	timer.ObserveDurationVec(metrics.JobPhaseDuration, string(p))
	if err != nil {
		r.fail(p, kind, err)
		return false
	}
	return true
}

func (r *run) enter(p types.Phase) {
	r.logger.Info().Str("phase", string(p)).Msg("Phase transition")
	r.publish(events.EventJobPhase, p, "")
}

func (r *run) fail(p types.Phase, kind types.FailureKind, err error) {
	var se *stepError
	switch {
	case errors.As(err, &se):
		kind = se.kind
	case errors.Is(err, context.Canceled):
		kind = types.FailureCancelled
	case errors.Is(err, session.ErrSessionExpired):
		kind = types.FailureSession
	}
	if errors.Is(err, session.ErrSessionExpired) {
		r.publish(events.EventSessionExpiring, p, err.Error())
	}
	r.out.Result = types.ResultFailure
	r.out.Phase = p
	r.out.Kind = kind
	r.out.Detail = err.Error()
}

func (r *run) publish(t events.EventType, p types.Phase, detail string) {
	if r.m.broker == nil {
		return
	}
	r.m.broker.Publish(&events.Event{
		Type:     t,
		JobID:    r.job.ID,
		Hostname: r.job.Hostname,
		Tool:     r.job.Tool,
		Phase:    p,
		Detail:   detail,
		Time:     r.m.clock.Now(),
	})
}

func (r *run) launchOpts() platform.LaunchOptions {
	return platform.LaunchOptions{
		Hostname: r.job.Hostname,
		Target:   r.job.Target,
		Username: r.job.Username,
	}
}

// stepError pins a failure kind onto an error so fail can classify it
type stepError struct {
	kind types.FailureKind
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failKind(kind types.FailureKind, format string, args ...any) error {
	return &stepError{kind: kind, err: fmt.Errorf(format, args...)}
}
