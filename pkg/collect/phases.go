package collect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forensiq/harvest/pkg/cloudstore"
	"github.com/forensiq/harvest/pkg/falcon"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/platform"
	"github.com/forensiq/harvest/pkg/transfer"
	"github.com/forensiq/harvest/pkg/types"
)

// init validates the job and resolves the tool profile. Nothing has
// touched the network yet, so failures here are cheap.
func (r *run) init(ctx context.Context) error {
	if r.job.Hostname == "" {
		return errors.New("job has no hostname")
	}
	p, err := platform.ForTool(r.job.Tool)
	if err != nil {
		return err
	}
	r.profile = p

	if r.job.Target == "" {
		switch r.job.Tool {
		case types.ToolKape:
			r.job.Target = r.m.cfg.Kape.DefaultTarget
		case types.ToolUAC:
			r.job.Target = r.m.cfg.UAC.DefaultProfile
		}
	}
	return nil
}

// precheck resolves the host and gates the job on its state. No session
// exists until this passes, so rejected jobs cost one registry lookup.
func (r *run) precheck(ctx context.Context) error {
	host, err := r.m.discover.DiscoverHost(ctx, r.job.Hostname, false)
	if err != nil {
		if falcon.IsNotFound(err) {
			return failKind(types.FailureHostNotFound, "host %s: %v", r.job.Hostname, err)
		}
		return err
	}
	if !host.Online {
		return failKind(types.FailureHostOffline, "host %s is offline, last seen %s",
			host.Hostname, host.LastSeen.Format(time.RFC3339))
	}
	if !r.job.Tool.SupportsPlatform(host.Platform) {
		return failKind(types.FailurePlatformMismatch, "%s does not run on %s",
			r.job.Tool, host.Platform)
	}
	a, err := platform.New(host.Platform, r.m.cfg.Workspace)
	if err != nil {
		return failKind(types.FailurePlatformMismatch, "%v", err)
	}

	r.host = host
	r.adapter = a
	r.logger = r.logger.With().
		Str("aid", host.AID).
		Str("platform", string(host.Platform)).
		Logger()
	return nil
}

// deploy opens the session and readies the tool on the host: stale
// process sweep, workspace creation, disk gate, payload staging and
// extraction.
func (r *run) deploy(ctx context.Context) error {
	sess, err := r.m.sessions.Acquire(ctx, r.host)
	if err != nil {
		return fmt.Errorf("session init: %w", err)
	}
	r.sess = sess
	r.remote = r.m.xfer.On(sess, r.adapter)
	r.logger = r.logger.With().Str("session_id", sess.ID).Logger()

	payload := r.profile.PayloadPath(r.m.cfg)
	if payload != "" {
		if err := r.m.tools.EnsureToolUploaded(ctx, r.host.CID, filepath.Base(payload), payload); err != nil {
			return failKind(types.FailurePutDenied, "tool library: %v", err)
		}
	}

	// A crashed earlier run may have left the tool going; its artifacts
	// would satisfy the file monitor and poison this collection
	if pattern := r.profile.ProcessPattern(); pattern != "" {
		if _, err := r.remote.Run(ctx, r.adapter.KillPattern(pattern)); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Warn().Err(err).Msg("Stale process sweep failed")
		}
	}

	ws := r.adapter.Workspace()
	if _, err := r.remote.Run(ctx, r.adapter.MkdirAll(ws)); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	if err := r.checkDisk(ctx, ws); err != nil {
		return err
	}

	// put and get land in the session cwd
	if _, err := r.remote.Run(ctx, platform.Cd(ws)); err != nil {
		return fmt.Errorf("cd workspace: %w", err)
	}

	if payload != "" {
		base := filepath.Base(payload)
		if _, err := r.remote.RunFor(ctx, platform.Put(base), putTimeout); err != nil {
			return failKind(types.FailurePutDenied, "put %s: %v", base, err)
		}
		archive := r.adapter.Join(ws, base)
		if _, err := r.remote.RunFor(ctx, r.adapter.ExpandArchive(archive, ws), expandTimeout); err != nil {
			return failKind(types.FailureExtract, "expand %s: %v", base, err)
		}
		if entry := r.profile.EntryFile(r.adapter); entry != "" {
			ok, err := r.remote.Exists(ctx, entry)
			if err != nil {
				return err
			}
			if !ok {
				return failKind(types.FailureExtract, "%s missing after extraction", entry)
			}
		}
	}

	if len(r.m.cfg.HostEntries) > 0 {
		if _, err := r.remote.Run(ctx, r.adapter.AppendHostEntries(r.m.cfg.HostEntries)); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Warn().Err(err).Msg("Host entries append failed")
		}
	}

	return nil
}

// checkDisk gates deployment on free space. A low reading gets one
// retry after sweeping workspace leftovers, which is usually where the
// space went on a host collected before.
func (r *run) checkDisk(ctx context.Context, ws string) error {
	free, err := r.diskFree(ctx, ws)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		r.logger.Warn().Err(err).Msg("Disk probe failed, continuing without the gate")
		return nil
	}
	if free >= minFreeBytes {
		return nil
	}

	r.logger.Warn().Int64("free_bytes", free).Msg("Low disk, sweeping workspace leftovers")
	if _, err := r.remote.Run(ctx, r.adapter.RemoveAllContents(ws)); err != nil {
		r.logger.Warn().Err(err).Msg("Workspace sweep failed")
	}
	free, err = r.diskFree(ctx, ws)
	if err != nil {
		return err
	}
	if free < minFreeBytes {
		return failKind(types.FailureInsufficientDisk,
			"%d bytes free on workspace volume, need %d", free, minFreeBytes)
	}
	return nil
}

func (r *run) diskFree(ctx context.Context, ws string) (int64, error) {
	res, err := r.remote.Run(ctx, r.adapter.DiskFree(ws))
	if err != nil {
		return 0, err
	}
	return r.adapter.ParseDiskFree(res.Stdout)
}

// launch runs the profile's preparation commands and fires the tool
// off. The launch command is non-blocking; the run monitor owns
// everything after it.
func (r *run) launch(ctx context.Context) error {
	opts := r.launchOpts()
	for _, req := range r.profile.Prepare(r.adapter, opts) {
		if _, err := r.remote.Run(ctx, req); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
	}
	if _, err := r.remote.Run(ctx, r.profile.Launch(r.adapter, opts)); err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	r.logger.Info().Str("target", r.job.Target).Msg("Tool launched")
	return nil
}

// monitor polls the host until the tool signals completion: a zero exit
// sentinel, or the primary artifact showing up with size. A non-zero
// sentinel fails the run; silence past the tool's run budget times it
// out.
func (r *run) monitor(ctx context.Context) error {
	opts := r.launchOpts()
	maxRun := r.profile.MaxRunDuration(r.m.cfg, opts)
	deadline := r.m.clock.Now().Add(maxRun)
	poll := r.m.cfg.Timeouts.ProgressPoll.Std()

	exitFile := r.profile.ExitCodeFile(r.adapter)
	logFile := r.profile.LogFile(r.adapter)
	dir := r.profile.ArtifactDir(r.adapter)
	primary := r.profile.PrimaryPattern(opts)

	for {
		if exitFile != "" {
			st, err := r.remote.Stat(ctx, exitFile)
			if err != nil {
				return err
			}
			if st.Exists {
				code, ok, err := r.exitCode(ctx, exitFile)
				if err != nil {
					return err
				}
				if ok {
					if code != 0 {
						return failKind(types.FailureRun, "tool exited with code %d", code)
					}
					r.logger.Info().Msg("Tool reported clean exit")
					return nil
				}
				// sentinel exists but is still empty; poll again
			}
		}

		match, err := r.remote.FindArtifact(ctx, dir, primary)
		if err != nil {
			return err
		}
		if match != nil && match.Size > 0 {
			r.logger.Info().
				Str("artifact", match.Name).
				Int64("size", match.Size).
				Msg("Artifact observed, run considered complete")
			return nil
		}

		if logFile != "" {
			if tail, err := r.remote.Tail(ctx, logFile, 3); err == nil {
				if tail = strings.TrimSpace(tail); tail != "" {
					r.logger.Debug().Str("tail", clip(tail, 200)).Msg("Tool progress")
				}
			}
		}

		if !r.m.clock.Now().Before(deadline) {
			return failKind(types.FailureRunTimeout, "no completion signal after %s", maxRun)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.m.clock.After(poll):
		}
	}
}

// exitCode reads the sentinel. ok is false while the file exists but
// the shell has not flushed the code into it yet.
func (r *run) exitCode(ctx context.Context, path string) (int, bool, error) {
	out, err := r.remote.Tail(ctx, path, 1)
	if err != nil {
		return 0, false, err
	}
	s := strings.TrimSpace(out)
	if s == "" {
		return 0, false, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("unreadable exit sentinel %q", s)
	}
	return code, true, nil
}

// harvest runs the FILE_WAIT / STABILIZE pair for the primary artifact
// and again for the secondary when the profile has one. Each pair
// shares a deadline: appearance eats into the stability budget.
func (r *run) harvest(ctx context.Context) bool {
	opts := r.launchOpts()
	dir := r.profile.ArtifactDir(r.adapter)
	primary := r.profile.PrimaryPattern(opts)
	deadline := r.m.clock.Now().Add(r.m.cfg.Timeouts.Primary.Std())

	if !r.step(ctx, types.PhaseFileWait, types.FailurePrimaryUnstable, func(ctx context.Context) error {
		_, err := r.remote.WaitAppear(ctx, dir, primary, deadline)
		return err
	}) {
		return false
	}
	var stable platform.FileSize
	if !r.step(ctx, types.PhaseStabilize, types.FailurePrimaryUnstable, func(ctx context.Context) error {
		var err error
		stable, err = r.remote.WaitStable(ctx, dir, primary, deadline)
		return err
	}) {
		return false
	}

	if secondary := r.profile.SecondaryPattern(opts); secondary != nil {
		deadline = r.m.clock.Now().Add(r.m.cfg.Timeouts.Secondary.Std())
		if !r.step(ctx, types.PhaseFileWait, types.FailureSecondaryUnstable, func(ctx context.Context) error {
			_, err := r.remote.WaitAppear(ctx, dir, secondary, deadline)
			return err
		}) {
			return false
		}
		if !r.step(ctx, types.PhaseStabilize, types.FailureSecondaryUnstable, func(ctx context.Context) error {
			var err error
			stable, err = r.remote.WaitStable(ctx, dir, secondary, deadline)
			return err
		}) {
			return false
		}
	}

	r.artifactDir = dir
	r.artifact = stable
	r.logger.Info().
		Str("artifact", stable.Name).
		Int64("size", stable.Size).
		Msg("Artifact settled")
	return true
}

// fetch pulls the settled artifact down to the work directory. The
// remote hash is requested first so the transfer can prove integrity;
// hosts that cannot hash in time fall back to the size check.
func (r *run) fetch(ctx context.Context) error {
	remotePath := r.adapter.Join(r.artifactDir, r.artifact.Name)

	expectSHA := ""
	if sha, err := r.remote.RemoteSHA256(ctx, remotePath); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		r.logger.Warn().Err(err).Msg("Remote hash unavailable, size check only")
	} else {
		expectSHA = sha
	}

	r.localPath = filepath.Join(r.m.workDir, r.host.Hostname, r.artifact.Name)
	art, err := r.remote.Fetch(ctx, remotePath, r.localPath, transfer.FetchOptions{
		Timeout:    r.m.cfg.Timeouts.Fetch.Std(),
		ExpectSize: r.artifact.Size,
		ExpectSHA:  expectSHA,
	})
	if err != nil {
		return err
	}
	r.fetched = art
	return nil
}

// upload pushes the artifact to the object store. A reported failure
// does not fail the job here: the transport lies often enough that only
// the verification HEAD decides.
func (r *run) upload(ctx context.Context) error {
	if r.job.NoUpload {
		r.logger.Info().Str("local_path", r.localPath).Msg("Upload disabled, keeping artifact locally")
		return nil
	}
	if r.m.store == nil {
		return failKind(types.FailureUploadUnverified, "no object store configured")
	}
	r.uploadKey = cloudstore.Key(r.job.Tool, r.host.Hostname, r.artifact.Name)

	res, err := r.m.store.Upload(ctx, r.uploadKey, r.localPath)
	r.out.UploadReported = err
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		r.logger.Warn().Err(err).Str("key", r.uploadKey).Msg("Upload reported failure, deferring to verification")
		return nil
	}
	r.logger.Info().
		Str("key", res.Key).
		Int64("size", res.Size).
		Bool("multipart", res.Multipart).
		Msg("Upload reported success")
	return nil
}

// verify is the authoritative success check. For uploads that is a HEAD
// against the store compared to the fetched size; with uploads disabled
// the local copy is checked instead.
func (r *run) verify(ctx context.Context) error {
	if r.job.NoUpload {
		st, err := os.Stat(r.localPath)
		if err != nil {
			return failKind(types.FailureIntegrity, "local artifact: %v", err)
		}
		if st.Size() != r.fetched.Size {
			return failKind(types.FailureIntegrity, "local artifact is %d bytes, fetched %d",
				st.Size(), r.fetched.Size)
		}
		r.out.Size = st.Size()
		r.out.Detail = "artifact kept at " + r.localPath
		return nil
	}

	info, err := r.m.store.Head(ctx, r.uploadKey)
	if err != nil {
		if errors.Is(err, cloudstore.ErrNotFound) {
			return failKind(types.FailureUploadUnverified,
				"object %s absent after upload (upload reported: %v)", r.uploadKey, r.out.UploadReported)
		}
		return failKind(types.FailureUploadUnverified, "head %s: %v", r.uploadKey, err)
	}
	if info.Size != r.fetched.Size {
		return failKind(types.FailureUploadUnverified,
			"object %s is %d bytes, expected %d", r.uploadKey, info.Size, r.fetched.Size)
	}
	r.logger.Debug().
		Str("key", r.uploadKey).
		Int64("size", info.Size).
		Str("etag", info.ETag).
		Msg("Object verified")

	if r.out.UploadReported != nil {
		r.out.Detail = "upload reported failure but object verified"
		r.logger.Warn().Str("key", r.uploadKey).Msg("Upload reported failure but object verified")
	}
	r.out.Key = r.uploadKey
	r.out.Size = info.Size
	return nil
}

// clean sweeps the host and releases the session. Everything here is
// best effort on a fresh context: cleanup owes its run to cancelled
// jobs as much as to finished ones.
func (r *run) clean() {
	r.enter(types.PhaseClean)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobPhaseDuration, string(types.PhaseClean))

	defer func() {
		if r.sess != nil {
			r.m.sessions.Release(r.sess)
		}
	}()

	if r.localPath != "" && !r.job.NoUpload && r.out.Result == types.ResultSuccess {
		if err := os.Remove(r.localPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Msg("Local artifact removal failed")
		}
	}

	if r.remote == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanBudget)
	defer cancel()

	if pattern := r.profile.ProcessPattern(); pattern != "" {
		if _, err := r.remote.Run(ctx, r.adapter.KillPattern(pattern)); err != nil {
			r.logger.Warn().Err(err).Msg("Cleanup kill failed")
		}
	}

	// cd off the workspace first or its removal fights the session cwd
	root := "/"
	if r.adapter.Platform().IsWindows() {
		root = `C:\`
	}
	if _, err := r.remote.Run(ctx, platform.Cd(root)); err != nil {
		r.logger.Warn().Err(err).Msg("Cleanup cd failed")
	}

	ws := r.adapter.Workspace()
	if _, err := r.remote.Run(ctx, r.adapter.RemoveAllContents(ws)); err != nil {
		r.logger.Warn().Err(err).Msg("Workspace contents removal failed")
	}
	if _, err := r.remote.Run(ctx, r.adapter.RemoveAll(ws)); err != nil {
		r.logger.Warn().Err(err).Msg("Workspace removal failed")
	}

	left, err := r.remote.Exists(ctx, ws)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Cleanup verification failed")
		return
	}
	if left {
		// one more swing before giving up
		if _, err := r.remote.Run(ctx, r.adapter.RemoveAll(ws)); err != nil {
			r.logger.Warn().Err(err).Msg("Workspace removal retry failed")
		}
		if left, err = r.remote.Exists(ctx, ws); err == nil && left {
			r.logger.Warn().Str("workspace", ws).Msg("Workspace left behind on host")
		}
		return
	}
	r.logger.Debug().Str("workspace", ws).Msg("Workspace removed")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
