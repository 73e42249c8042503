package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bodgit/sevenzip"
	"github.com/sethvargo/go-retry"

	"github.com/forensiq/harvest/pkg/falcon"
	"github.com/forensiq/harvest/pkg/metrics"
	"github.com/forensiq/harvest/pkg/platform"
	"github.com/forensiq/harvest/pkg/types"
)

// stagingPassword protects the wrapper archive the cloud builds around
// staged files. Fixed by the platform, not configurable.
const stagingPassword = "infected"

var sevenZipMagic = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}

var (
	// ErrStageTimeout is returned when the cloud never finishes
	// extracting a fetched file into the session
	ErrStageTimeout = errors.New("transfer: staging timed out")

	// ErrSizeMismatch is returned when the fetched payload size does
	// not match the size observed on the host
	ErrSizeMismatch = errors.New("transfer: size mismatch")
)

// Artifact is a fetched file on local disk
type Artifact struct {
	LocalPath string
	Size      int64
	SHA256    string
}

// FetchOptions tune one fetch
type FetchOptions struct {
	// Timeout bounds the whole fetch: the get command, cloud-side
	// staging, and the download stream
	Timeout time.Duration

	// ExpectSize, when non-zero, is checked against the unwrapped
	// payload size
	ExpectSize int64

	// ExpectSHA, when set, is checked against the unwrapped payload
	// hash
	ExpectSHA string
}

// Fetch pulls a remote file down to localPath. The RTR get command
// stages the file cloud-side, the session file list reports the staged
// copy once extraction finishes, and the download stream arrives
// wrapped in a password-protected 7z archive which is unwrapped
// transparently. The payload hash is computed while writing.
func (r *Remote) Fetch(ctx context.Context, remotePath, localPath string, opts FetchOptions) (*Artifact, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Hour
	}
	deadline := r.m.clock.Now().Add(opts.Timeout)

	r.m.logger.Info().
		Str("session_id", r.sess.ID).
		Str("remote_path", remotePath).
		Msg("Staging file for retrieval")

	if _, err := r.RunFor(ctx, platform.Get(remotePath), opts.Timeout); err != nil {
		return nil, fmt.Errorf("get %s: %w", remotePath, err)
	}

	staged, err := r.waitStaged(ctx, baseName(remotePath, r.a.Sep()), deadline)
	if err != nil {
		return nil, err
	}

	// The wrapper stream rides a long-lived HTTP response and can die
	// mid-flight; a fresh attempt restarts from the staged copy
	var art *Artifact
	b := retry.WithMaxRetries(2, retry.NewConstant(r.m.retryDelay))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		a, err := r.download(ctx, staged, localPath, opts.ExpectSize)
		if err != nil {
			if falcon.IsTransient(err) {
				r.m.logger.Warn().Err(err).Str("file", staged.Name).Msg("Download failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		art = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.ExpectSize > 0 && art.Size != opts.ExpectSize {
		return nil, fmt.Errorf("%w: local %d bytes, remote %d bytes", ErrSizeMismatch, art.Size, opts.ExpectSize)
	}
	if opts.ExpectSHA != "" && !strings.EqualFold(opts.ExpectSHA, art.SHA256) {
		return nil, fmt.Errorf("transfer: hash mismatch: local %s, remote %s", art.SHA256, opts.ExpectSHA)
	}

	metrics.FetchBytes.Add(float64(art.Size))
	r.m.logger.Info().
		Str("session_id", r.sess.ID).
		Str("local_path", art.LocalPath).
		Int64("size", art.Size).
		Msg("Fetch complete")
	return art, nil
}

// waitStaged polls the session file list until the staged copy shows
// up with its hash, which doubles as the download key
func (r *Remote) waitStaged(ctx context.Context, base string, deadline time.Time) (*types.RemoteFile, error) {
	for {
		files, err := r.m.stager.ListFiles(ctx, r.sess.ID)
		if err != nil {
			return nil, err
		}
		for i := range files {
			f := &files[i]
			if f.SHA256 != "" && matchesBase(f.Name, base) {
				return f, nil
			}
		}

		if !r.m.clock.Now().Add(r.m.stagePollInterval).Before(deadline) {
			return nil, ErrStageTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.m.clock.After(r.m.stagePollInterval):
		}
	}
}

// download streams the staged copy to disk and unwraps it when the
// cloud delivered it inside the wrapper archive. rawSize is the payload
// size observed on the host: a payload that is itself a 7z archive and
// arrived raw sniffs as wrapped, and only the size tells them apart.
func (r *Remote) download(ctx context.Context, staged *types.RemoteFile, localPath string, rawSize int64) (*Artifact, error) {
	stream, _, err := r.m.stager.GetExtractedFile(ctx, r.sess.ID, staged.SHA256, staged.Name)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, err
	}

	tmp := localPath + ".staged"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), stream)
	cerr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("stream staged file: %w", err)
	}
	if cerr != nil {
		os.Remove(tmp)
		return nil, cerr
	}

	wrapped, err := isSevenZip(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if rawSize > 0 && n == rawSize {
		wrapped = false
	}
	if !wrapped {
		if err := os.Rename(tmp, localPath); err != nil {
			os.Remove(tmp)
			return nil, err
		}
		return &Artifact{LocalPath: localPath, Size: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
	}

	art, err := unwrap(tmp, localPath)
	os.Remove(tmp)
	return art, err
}

// unwrap extracts the payload from the wrapper archive. The wrapper
// holds a single file; should it ever hold more, the largest entry is
// the payload.
func unwrap(archivePath, localPath string) (*Artifact, error) {
	rc, err := sevenzip.OpenReaderWithPassword(archivePath, stagingPassword)
	if err != nil {
		return nil, fmt.Errorf("open staged archive: %w", err)
	}
	defer rc.Close()

	var entry *sevenzip.File
	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if entry == nil || f.FileInfo().Size() > entry.FileInfo().Size() {
			entry = f
		}
	}
	if entry == nil {
		return nil, errors.New("transfer: staged archive has no payload")
	}

	in, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer in.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hasher), in)
	cerr := out.Close()
	if err != nil {
		os.Remove(localPath)
		return nil, fmt.Errorf("unwrap staged archive: %w", err)
	}
	if cerr != nil {
		os.Remove(localPath)
		return nil, cerr
	}

	return &Artifact{LocalPath: localPath, Size: n, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// isSevenZip sniffs the wrapper magic. Some tenants deliver staged
// files raw, so the wrapper is detected rather than assumed.
func isSevenZip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, len(sevenZipMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(magic, sevenZipMagic), nil
}

// baseName splits on the host separator, which is not the separator of
// the machine running harvest
func baseName(path, sep string) string {
	if i := strings.LastIndex(path, sep); i >= 0 {
		return path[i+len(sep):]
	}
	return path
}

// matchesBase reports whether a session file entry refers to the named
// file. The cloud reports either the bare name or the full host path.
func matchesBase(name, base string) bool {
	if name == base {
		return true
	}
	return strings.HasSuffix(name, "\\"+base) || strings.HasSuffix(name, "/"+base)
}
