package transfer

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/platform"
	"github.com/forensiq/harvest/pkg/types"
)

// Executor runs one command on an acquired session and waits for its
// result. Satisfied by session.Manager.
type Executor interface {
	Execute(ctx context.Context, sess *types.Session, req types.CommandRequest, timeout time.Duration) (*types.CommandResult, error)
}

// Stager exposes the session file staging endpoints of the cloud API.
// Satisfied by falcon.Client.
type Stager interface {
	ListFiles(ctx context.Context, sessionID string) ([]types.RemoteFile, error)
	GetExtractedFile(ctx context.Context, sessionID, sha256, filename string) (io.ReadCloser, int64, error)
}

// Options tune the transfer manager
type Options struct {
	// Clock drives stability sampling and staging polls
	Clock clockwork.Clock

	// CommandTimeout bounds a single remote command round trip
	CommandTimeout time.Duration

	// StabilityInterval is the gap between size samples
	StabilityInterval time.Duration

	// StagePollInterval is the gap between session file list polls
	// while the cloud extracts a fetched file
	StagePollInterval time.Duration

	// RetryDelay is the pause between download attempts
	RetryDelay time.Duration
}

// Manager moves files off remote hosts: it watches tool output settle,
// stages files through the RTR get pipeline, and streams them down.
type Manager struct {
	exec   Executor
	stager Stager
	clock  clockwork.Clock
	logger zerolog.Logger

	cmdTimeout        time.Duration
	stabilityInterval time.Duration
	stagePollInterval time.Duration
	retryDelay        time.Duration
}

// NewManager creates a transfer manager over a command executor and the
// cloud staging API
func NewManager(exec Executor, stager Stager, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 120 * time.Second
	}
	if opts.StabilityInterval <= 0 {
		opts.StabilityInterval = 15 * time.Second
	}
	if opts.StagePollInterval <= 0 {
		opts.StagePollInterval = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Manager{
		exec:              exec,
		stager:            stager,
		clock:             opts.Clock,
		logger:            log.WithComponent("transfer"),
		cmdTimeout:        opts.CommandTimeout,
		stabilityInterval: opts.StabilityInterval,
		stagePollInterval: opts.StagePollInterval,
		retryDelay:        opts.RetryDelay,
	}
}

// On binds the manager to one session and its platform adapter. All
// remote operations on a host go through the returned Remote.
func (m *Manager) On(sess *types.Session, a platform.Adapter) *Remote {
	return &Remote{m: m, sess: sess, a: a}
}

// Remote is a session-scoped view of one host's filesystem
type Remote struct {
	m    *Manager
	sess *types.Session
	a    platform.Adapter
}

// Adapter returns the platform adapter this remote was bound with
func (r *Remote) Adapter() platform.Adapter {
	return r.a
}

// Run executes an arbitrary command on the bound session with the
// default command timeout
func (r *Remote) Run(ctx context.Context, req types.CommandRequest) (*types.CommandResult, error) {
	return r.m.exec.Execute(ctx, r.sess, req, r.m.cmdTimeout)
}

// RunFor executes a command with an explicit timeout, for operations
// that legitimately outlive the default budget
func (r *Remote) RunFor(ctx context.Context, req types.CommandRequest, timeout time.Duration) (*types.CommandResult, error) {
	return r.m.exec.Execute(ctx, r.sess, req, timeout)
}

// Stat reports existence and size of a remote path
func (r *Remote) Stat(ctx context.Context, path string) (types.RemoteStat, error) {
	res, err := r.Run(ctx, r.a.Stat(path))
	if err != nil {
		return types.RemoteStat{}, err
	}
	return r.a.ParseStatOutput(res.Stdout), nil
}

// Exists reports whether a remote path is present
func (r *Remote) Exists(ctx context.Context, path string) (bool, error) {
	res, err := r.Run(ctx, r.a.Exists(path))
	if err != nil {
		return false, err
	}
	return platform.ParseExists(res.Stdout), nil
}

// ListSizes lists a remote directory as name/size pairs
func (r *Remote) ListSizes(ctx context.Context, dir string) ([]platform.FileSize, error) {
	res, err := r.Run(ctx, r.a.ListDir(dir))
	if err != nil {
		return nil, err
	}
	return r.a.ParseListSizes(res.Stdout), nil
}

// FindArtifact returns the largest file in dir whose name matches the
// pattern, or nil when nothing matches. Tools can leave several
// generations of output behind; the largest is the one worth taking.
func (r *Remote) FindArtifact(ctx context.Context, dir string, pattern *regexp.Regexp) (*platform.FileSize, error) {
	files, err := r.ListSizes(ctx, dir)
	if err != nil {
		return nil, err
	}
	if match, ok := largestMatch(files, pattern); ok {
		return &match, nil
	}
	return nil, nil
}

// Tail returns the last n lines of a remote file
func (r *Remote) Tail(ctx context.Context, path string, lines int) (string, error) {
	res, err := r.Run(ctx, r.a.Tail(path, lines))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// RemoteSHA256 computes a file hash on the host itself
func (r *Remote) RemoteSHA256(ctx context.Context, path string) (string, error) {
	res, err := r.Run(ctx, r.a.SHA256(path))
	if err != nil {
		return "", err
	}
	sum := strings.ToLower(strings.TrimSpace(res.Stdout))
	if !sha256Hex.MatchString(sum) {
		return "", fmt.Errorf("transfer: unexpected hash output %q", truncate(res.Stdout, 80))
	}
	return sum, nil
}

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
