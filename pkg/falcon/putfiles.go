package falcon

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

const (
	epPutFiles      = "/real-time-response/entities/put-files/v1"
	epPutFilesQuery = "/real-time-response/queries/put-files/v1"
)

type putKey struct {
	cid  string
	name string
}

type putUpload struct {
	done chan struct{}
	err  error
}

// EnsureToolUploaded guarantees the named payload exists in the tenant's
// cloud file library, uploading it from localPath at most once per
// (cid, name). Concurrent callers for the same key wait for the first
// writer; a failed upload clears the slot so a later job can retry.
func (c *Client) EnsureToolUploaded(ctx context.Context, cid, name, localPath string) error {
	key := putKey{cid: cid, name: name}

	c.putMu.Lock()
	if u, ok := c.putUploads[key]; ok {
		c.putMu.Unlock()
		select {
		case <-u.done:
			return u.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u := &putUpload{done: make(chan struct{})}
	c.putUploads[key] = u
	c.putMu.Unlock()

	u.err = c.uploadPutFile(ctx, name, localPath)
	close(u.done)

	if u.err != nil {
		c.putMu.Lock()
		delete(c.putUploads, key)
		c.putMu.Unlock()
	}
	return u.err
}

type putQueryResponse struct {
	Resources []string     `json:"resources"`
	Errors    []apiMessage `json:"errors"`
}

// uploadPutFile checks the library and uploads when the file is absent
func (c *Client) uploadPutFile(ctx context.Context, name, localPath string) error {
	q := url.Values{}
	q.Set("filter", fmt.Sprintf("name:'%s'", name))
	var existing putQueryResponse
	if err := c.do(ctx, "GET", epPutFilesQuery, q, nil, &existing); err != nil {
		return err
	}
	if len(existing.Resources) > 0 {
		c.logger.Debug().Str("name", name).Msg("Tool already present in cloud file library")
		return nil
	}

	if localPath == "" {
		return fmt.Errorf("falcon: payload %s missing from library and no local path configured", name)
	}

	c.logger.Info().Str("name", name).Str("path", localPath).Msg("Uploading tool to cloud file library")
	return c.createPutFile(ctx, name, localPath)
}

// createPutFile streams a multipart upload to the file library
func (c *Client) createPutFile(ctx context.Context, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("falcon: open payload: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		_ = mw.WriteField("name", name)
		_ = mw.WriteField("description", "forensic collection payload")
		_ = mw.WriteField("comments_for_audit_log", "uploaded by harvest")
		part, err := mw.CreateFormFile("file", filepath.Base(localPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("falcon: rate limiter: %w", err)
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+epPutFiles, pr)
	if err != nil {
		return fmt.Errorf("falcon: build put-file request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Endpoint: epPutFiles, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.errorFrom(resp, epPutFiles)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// DeletePutFile removes an entry from the tenant file library
func (c *Client) DeletePutFile(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("ids", id)
	return c.do(ctx, "DELETE", epPutFiles, q, nil, nil)
}
