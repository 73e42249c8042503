package transfer

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/forensiq/harvest/pkg/platform"
)

// ErrWaitTimeout is returned when an artifact fails to appear or to
// stop growing before the deadline
var ErrWaitTimeout = errors.New("transfer: wait timed out")

// WaitAppear polls the directory until at least one file matches the
// pattern, returning the largest match. Collection tools create their
// output some time after launch; this is the appearance half of the
// two-phase wait.
func (r *Remote) WaitAppear(ctx context.Context, dir string, pattern *regexp.Regexp, deadline time.Time) (platform.FileSize, error) {
	for {
		match, err := r.FindArtifact(ctx, dir, pattern)
		if err != nil {
			return platform.FileSize{}, err
		}
		if match != nil {
			r.m.logger.Debug().
				Str("session_id", r.sess.ID).
				Str("file", match.Name).
				Int64("size", match.Size).
				Msg("Artifact appeared")
			return *match, nil
		}
		if err := r.m.sleepUntil(ctx, deadline); err != nil {
			return platform.FileSize{}, err
		}
	}
}

// WaitStable samples the largest matching file until two consecutive
// samples report the same non-zero size. A tool that is still writing
// shows a different size each interval; equal samples mean it let go
// of the file.
//
// The match is re-selected each sample: a container file and the
// archive derived from it can both match the same pattern, and the
// largest one is the one being tracked.
func (r *Remote) WaitStable(ctx context.Context, dir string, pattern *regexp.Regexp, deadline time.Time) (platform.FileSize, error) {
	var prev platform.FileSize
	havePrev := false

	for {
		match, err := r.FindArtifact(ctx, dir, pattern)
		if err != nil {
			return platform.FileSize{}, err
		}

		if match != nil {
			if havePrev && match.Name == prev.Name && match.Size == prev.Size && match.Size > 0 {
				r.m.logger.Info().
					Str("session_id", r.sess.ID).
					Str("file", match.Name).
					Int64("size", match.Size).
					Msg("Artifact stable")
				return *match, nil
			}
			prev = *match
			havePrev = true
		} else {
			// The file vanished between samples, likely renamed by the
			// tool's post-processing. Start over on whatever shows next.
			havePrev = false
		}

		if err := r.m.sleepUntil(ctx, deadline); err != nil {
			return platform.FileSize{}, err
		}
	}
}

// sleepUntil waits one stability interval, failing when the deadline
// would pass first
func (m *Manager) sleepUntil(ctx context.Context, deadline time.Time) error {
	if !m.clock.Now().Add(m.stabilityInterval).Before(deadline) {
		return ErrWaitTimeout
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(m.stabilityInterval):
		return nil
	}
}

// largestMatch picks the biggest file whose name matches the pattern
func largestMatch(files []platform.FileSize, pattern *regexp.Regexp) (platform.FileSize, bool) {
	var best platform.FileSize
	found := false
	for _, f := range files {
		if !pattern.MatchString(f.Name) {
			continue
		}
		if !found || f.Size > best.Size {
			best = f
			found = true
		}
	}
	return best, found
}
