package falcon

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/forensiq/harvest/pkg/types"
)

const (
	epSessionInit    = "/real-time-response/entities/sessions/v1"
	epSessionRefresh = "/real-time-response/entities/refresh-session/v1"
	epBatchInit      = "/real-time-response/combined/batch-init-session/v1"
	epBatchRefresh   = "/real-time-response/combined/batch-refresh-session/v1"
	epCommandRead    = "/real-time-response/entities/command/v1"
	epCommandActive  = "/real-time-response/entities/active-responder-command/v1"
	epCommandAdmin   = "/real-time-response/entities/admin-command/v1"
	epSessionFiles   = "/real-time-response/entities/file/v2"
	epExtractedFile  = "/real-time-response/entities/extracted-file-contents/v1"
)

type sessionResponse struct {
	Resources []struct {
		SessionID string `json:"session_id"`
	} `json:"resources"`
	Errors []apiMessage `json:"errors"`
}

// InitSession opens an RTR session to the agent
func (c *Client) InitSession(ctx context.Context, aid string) (*types.Session, error) {
	body := map[string]any{"device_id": aid, "queue_offline": false}
	var resp sessionResponse
	if err := c.do(ctx, "POST", epSessionInit, nil, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Resources) == 0 || resp.Resources[0].SessionID == "" {
		msg := "no session in response"
		if len(resp.Errors) > 0 {
			msg = resp.Errors[0].Message
		}
		return nil, &APIError{Kind: KindInvalid, Endpoint: epSessionInit, Message: msg}
	}
	now := time.Now()
	return &types.Session{
		ID:          resp.Resources[0].SessionID,
		AID:         aid,
		CID:         c.memberCID,
		CreatedAt:   now,
		LastPulseAt: now,
		Status:      types.SessionActive,
	}, nil
}

// DeleteSession tears the session down on the cloud side
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	q := url.Values{}
	q.Set("session_id", sessionID)
	return c.do(ctx, "DELETE", epSessionInit, q, nil, nil)
}

// PulseSession extends the session idle timeout for the agent
func (c *Client) PulseSession(ctx context.Context, aid string) error {
	body := map[string]any{"device_id": aid}
	return c.do(ctx, "POST", epSessionRefresh, nil, body, nil)
}

type batchInitResponse struct {
	BatchID   string                 `json:"batch_id"`
	Resources map[string]batchMember `json:"resources"`
	Errors    []apiMessage           `json:"errors"`
}

type batchMember struct {
	SessionID     string       `json:"session_id"`
	Complete      bool         `json:"complete"`
	OfflineQueued bool         `json:"offline_queued"`
	Errors        []apiMessage `json:"errors"`
}

// InitBatch opens sessions to many agents under one batch ID. Members
// that fail to connect are absent from the result; the batch itself is
// valid as long as at least one member connected.
func (c *Client) InitBatch(ctx context.Context, aids []string, hostTimeout time.Duration) (*types.BatchSession, error) {
	if len(aids) == 0 {
		return nil, fmt.Errorf("falcon: batch init requires at least one agent")
	}
	body := map[string]any{"host_ids": aids, "queue_offline": false}
	q := url.Values{}
	if hostTimeout > 0 {
		q.Set("timeout_duration", hostTimeout.String())
	}
	var resp batchInitResponse
	if err := c.do(ctx, "POST", epBatchInit, q, body, &resp); err != nil {
		return nil, err
	}
	if resp.BatchID == "" {
		return nil, &APIError{Kind: KindInvalid, Endpoint: epBatchInit, Message: "no batch_id in response"}
	}

	now := time.Now()
	batch := &types.BatchSession{
		BatchID:      resp.BatchID,
		Members:      make(map[string]*types.Session, len(resp.Resources)),
		HostsTimeout: hostTimeout,
		CreatedAt:    now,
	}
	for aid, m := range resp.Resources {
		if m.SessionID == "" {
			c.logger.Warn().Str("aid", aid).Msg("Batch member failed to connect")
			continue
		}
		batch.Members[aid] = &types.Session{
			ID:          m.SessionID,
			AID:         aid,
			CID:         c.memberCID,
			BatchID:     resp.BatchID,
			CreatedAt:   now,
			LastPulseAt: now,
			Status:      types.SessionActive,
		}
	}
	if len(batch.Members) == 0 {
		return nil, &APIError{Kind: KindInvalid, Endpoint: epBatchInit, Message: "no batch member connected"}
	}
	return batch, nil
}

// RefreshBatch pulses every member of the batch
func (c *Client) RefreshBatch(ctx context.Context, batchID string) error {
	body := map[string]any{"batch_id": batchID}
	return c.do(ctx, "POST", epBatchRefresh, nil, body, nil)
}

type commandResponse struct {
	Resources []struct {
		CloudRequestID string `json:"cloud_request_id"`
	} `json:"resources"`
	Errors []apiMessage `json:"errors"`
}

func commandEndpoint(p types.Privilege) string {
	switch p {
	case types.PrivilegeActiveResponder:
		return epCommandActive
	case types.PrivilegeAdmin:
		return epCommandAdmin
	default:
		return epCommandRead
	}
}

// ExecuteCommand submits a command on a session and returns the cloud
// request ID for status polling. Routing follows the request privilege.
func (c *Client) ExecuteCommand(ctx context.Context, sessionID string, req types.CommandRequest) (string, error) {
	body := map[string]any{
		"session_id":     sessionID,
		"base_command":   req.BaseCommand,
		"command_string": req.CommandString,
	}
	endpoint := commandEndpoint(req.Privilege)
	var resp commandResponse
	if err := c.do(ctx, "POST", endpoint, nil, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Resources) == 0 || resp.Resources[0].CloudRequestID == "" {
		msg := "no cloud_request_id in response"
		if len(resp.Errors) > 0 {
			msg = resp.Errors[0].Message
		}
		return "", &APIError{Kind: KindInvalid, Endpoint: endpoint, Message: msg}
	}
	return resp.Resources[0].CloudRequestID, nil
}

type statusResponse struct {
	Resources []struct {
		Complete   bool   `json:"complete"`
		Stdout     string `json:"stdout"`
		Stderr     string `json:"stderr"`
		ReturnCode int    `json:"return_code"`
	} `json:"resources"`
	Errors []apiMessage `json:"errors"`
}

// CommandStatus polls a submitted command. Complete=false with a nil
// error means the command is still running.
func (c *Client) CommandStatus(ctx context.Context, cloudRequestID string, priv types.Privilege) (*types.CommandResult, error) {
	q := url.Values{}
	q.Set("cloud_request_id", cloudRequestID)
	q.Set("sequence_id", strconv.Itoa(0))

	endpoint := commandEndpoint(priv)
	var resp statusResponse
	if err := c.do(ctx, "GET", endpoint, q, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Resources) == 0 {
		return nil, &APIError{Kind: KindInvalid, Endpoint: endpoint, Message: "empty status response"}
	}
	r := resp.Resources[0]
	return &types.CommandResult{
		CloudRequestID: cloudRequestID,
		Stdout:         r.Stdout,
		Stderr:         r.Stderr,
		ReturnCode:     r.ReturnCode,
		Complete:       r.Complete,
	}, nil
}

type listFilesResponse struct {
	Resources []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		SHA256 string `json:"sha256"`
		Size   int64  `json:"size"`
	} `json:"resources"`
	Errors []apiMessage `json:"errors"`
}

// ListFiles enumerates files staged in the session for retrieval
func (c *Client) ListFiles(ctx context.Context, sessionID string) ([]types.RemoteFile, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	var resp listFilesResponse
	if err := c.do(ctx, "GET", epSessionFiles, q, nil, &resp); err != nil {
		return nil, err
	}
	files := make([]types.RemoteFile, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		files = append(files, types.RemoteFile{
			ID:     r.ID,
			Name:   r.Name,
			SHA256: r.SHA256,
			Size:   r.Size,
		})
	}
	return files, nil
}

// GetExtractedFile streams a staged file. The stream is the wire payload,
// typically a password-protected archive wrapping the artifact; unwrapping
// is the caller's concern. The caller must close the reader.
func (c *Client) GetExtractedFile(ctx context.Context, sessionID, sha256, filename string) (io.ReadCloser, int64, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("sha256", sha256)
	q.Set("filename", filename)
	return c.doStream(ctx, epExtractedFile, q)
}
