package falcon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/forensiq/harvest/pkg/log"
	"github.com/forensiq/harvest/pkg/metrics"
)

const (
	defaultBaseURL   = "https://api.crowdstrike.com"
	defaultRateLimit = 10
	defaultRateBurst = 20
	defaultCacheTTL  = 5 * time.Minute

	// tokenSlack forces a refresh slightly before the advertised expiry
	tokenSlack = 30 * time.Second
)

// Credentials authenticate the facade against the cloud API. They are
// injected by the calling layer; this package never reads the environment.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Options configures a Client
type Options struct {
	BaseURL     string
	Credentials Credentials
	MemberCID   string // optional child-tenant scope for RTR operations

	HTTPClient *http.Client
	UserAgent  string

	// Client-side throttle ahead of every request
	RateLimit float64
	RateBurst int

	// Backoff for transient failures
	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	// TTL for the host registry
	HostCacheTTL time.Duration
}

// Client is the facade over host discovery and RTR. It is safe for
// concurrent use from all workers.
type Client struct {
	baseURL   string
	http      *http.Client
	creds     Credentials
	memberCID string
	userAgent string
	limiter   *rate.Limiter
	logger    zerolog.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	registry *Registry

	putMu      sync.Mutex
	putUploads map[putKey]*putUpload
}

// New creates a Client. Credentials are required; everything else has
// working defaults.
func New(opts Options) (*Client, error) {
	if opts.Credentials.ClientID == "" || opts.Credentials.ClientSecret == "" {
		return nil, fmt.Errorf("falcon: client credentials are required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 5
	}
	if opts.RetryBaseBackoff <= 0 {
		opts.RetryBaseBackoff = time.Second
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	if opts.HostCacheTTL <= 0 {
		opts.HostCacheTTL = defaultCacheTTL
	}

	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        opts.HTTPClient,
		creds:       opts.Credentials,
		memberCID:   opts.MemberCID,
		userAgent:   opts.UserAgent,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		logger:      log.WithComponent("falcon"),
		maxAttempts: opts.RetryMaxAttempts,
		baseBackoff: opts.RetryBaseBackoff,
		maxBackoff:  opts.RetryMaxBackoff,
		putUploads:  make(map[putKey]*putUpload),
	}
	c.registry = newRegistry(opts.HostCacheTTL, c.lookupHost)
	return c, nil
}

// apiMessage is one entry of the "errors" array in API envelopes
type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

// ensureToken returns a bearer token, exchanging credentials when the
// cached one is absent or close to expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > tokenSlack {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.creds.ClientID)
	form.Set("client_secret", c.creds.ClientSecret)
	if c.memberCID != "" {
		form.Set("member_cid", c.memberCID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("falcon: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &APIError{Kind: KindTransient, Endpoint: "/oauth2/token", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		kind := classify(resp.StatusCode)
		if resp.StatusCode == http.StatusBadRequest {
			// Rejected credentials come back as 400 from the token endpoint
			kind = KindAuth
		}
		return "", &APIError{Kind: kind, Status: resp.StatusCode, Endpoint: "/oauth2/token", Message: "token exchange failed"}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &APIError{Kind: KindInvalid, Endpoint: "/oauth2/token", Message: err.Error()}
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.logger.Debug().Time("expires", c.tokenExpiry).Msg("Obtained API token")
	return c.token, nil
}

// backoff builds the capped exponential schedule for one logical call
func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.baseBackoff)
	b = retry.WithCappedDuration(c.maxBackoff, b)
	b = retry.WithMaxRetries(uint64(c.maxAttempts-1), b)
	return b
}

// do performs a JSON request with transient retry and a single forced
// token refresh on 401.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	refreshed := false
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := c.doOnce(ctx, method, endpoint, query, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Kind {
			case KindTransient:
				c.logger.Debug().Str("endpoint", endpoint).Int("status", apiErr.Status).Msg("Retrying transient API failure")
				return retry.RetryableError(err)
			case KindAuth:
				if !refreshed {
					refreshed = true
					c.invalidateToken()
					return retry.RetryableError(err)
				}
			}
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("falcon: rate limiter: %w", err)
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("falcon: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("falcon: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	timer.ObserveDurationVec(metrics.RTRRequestDuration, endpoint)
	if err != nil {
		metrics.RTRRequests.WithLabelValues(endpoint, "error").Inc()
		return &APIError{Kind: KindTransient, Endpoint: endpoint, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RTRRequests.WithLabelValues(endpoint, "error").Inc()
		return c.errorFrom(resp, endpoint)
	}
	metrics.RTRRequests.WithLabelValues(endpoint, "ok").Inc()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindInvalid, Status: resp.StatusCode, Endpoint: endpoint, Message: "decode response: " + err.Error()}
	}
	return nil
}

// doStream performs a request whose response body is a binary stream.
// Only request initiation is retried; the caller owns the returned body.
func (c *Client) doStream(ctx context.Context, endpoint string, query url.Values) (io.ReadCloser, int64, error) {
	var rc io.ReadCloser
	var size int64
	refreshed := false

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("falcon: rate limiter: %w", err)
		}
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		u := c.baseURL + endpoint
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("falcon: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/octet-stream")

		resp, err := c.http.Do(req) //nolint:bodyclose // closed by the caller on success
		if err != nil {
			return retry.RetryableError(&APIError{Kind: KindTransient, Endpoint: endpoint, Message: err.Error()})
		}
		if resp.StatusCode >= 400 {
			apiErr := c.errorFrom(resp, endpoint)
			var ae *APIError
			if errors.As(apiErr, &ae) {
				if ae.Kind == KindTransient {
					return retry.RetryableError(apiErr)
				}
				if ae.Kind == KindAuth && !refreshed {
					refreshed = true
					c.invalidateToken()
					return retry.RetryableError(apiErr)
				}
			}
			return apiErr
		}
		rc = resp.Body
		size = resp.ContentLength
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return rc, size, nil
}

// errorFrom drains the response and converts it to an *APIError
func (c *Client) errorFrom(resp *http.Response, endpoint string) error {
	var envelope struct {
		Errors []apiMessage `json:"errors"`
	}
	msg := resp.Status
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &envelope) == nil && len(envelope.Errors) > 0 {
		msg = envelope.Errors[0].Message
	}
	return &APIError{Kind: classify(resp.StatusCode), Status: resp.StatusCode, Endpoint: endpoint, Message: msg}
}
