package cnwlicense

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
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRetries   = 3
	defaultBackoff   = 100 * time.Millisecond
	maxResponseBytes = 1 << 20 // 1 MB
)

// OnlineClient communicates with the CNW License Server HTTP API.
type OnlineClient struct {
	serverURL  string
	apiKey     string
	adminToken string
	httpClient *http.Client
	timeout    time.Duration // applied after all options
	userAgent  string
	instanceID string
	retries    int
	backoff    time.Duration
}

// NewOnlineClient creates a new client for the CNW License Server.
// serverURL is the base URL (e.g. "https://license.example.com").
// apiKey is sent as X-API-Key on every request.
func NewOnlineClient(serverURL, apiKey string, opts ...ClientOption) *OnlineClient {
	c := &OnlineClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    apiKey,
		timeout:   defaultTimeout,
		userAgent: "cnw-license-engine-go/1.0",
		retries:   defaultRetries,
		backoff:   defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Apply timeout after all options so ordering doesn't matter.
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout
	return c
}

// InstanceID returns the instance identifier configured via WithInstanceID.
func (c *OnlineClient) InstanceID() string {
	return c.instanceID
}

// Verify checks a license key. Business invalidity (not found, revoked,
// expired) is reported in the result, not as an error.
func (c *OnlineClient) Verify(ctx context.Context, key string) (*CheckResult, error) {
	var resp CheckResult
	if err := c.doJSON(ctx, http.MethodPost, "/verify-license", KeyRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks a license key for one instance. An empty instanceID uses
// the client-level one set via WithInstanceID.
func (c *OnlineClient) Validate(ctx context.Context, key, instanceID string) (*CheckResult, error) {
	var resp CheckResult
	req := InstanceRequest{Key: key, InstanceID: c.instance(instanceID)}
	if err := c.doJSON(ctx, http.MethodPost, "/validate-license", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Activate binds an instance to a license key. An empty instanceID uses the
// client-level one set via WithInstanceID.
func (c *OnlineClient) Activate(ctx context.Context, key, instanceID string) (*ActivateResult, error) {
	var resp ActivateResult
	req := InstanceRequest{Key: key, InstanceID: c.instance(instanceID)}
	if err := c.doJSON(ctx, http.MethodPost, "/activate-license", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActivateThisMachine activates the license for the identifier returned by
// InstanceID, unless the client already carries one.
func (c *OnlineClient) ActivateThisMachine(ctx context.Context, key string) (*ActivateResult, error) {
	id := c.instanceID
	if id == "" {
		var err error
		if id, err = InstanceID(); err != nil {
			return nil, fmt.Errorf("generate instance id: %w", err)
		}
	}
	return c.Activate(ctx, key, id)
}

// TrackUsage adds increment to one metric of a license.
func (c *OnlineClient) TrackUsage(ctx context.Context, key, metric string, increment int64) (*UsageResult, error) {
	var resp UsageResult
	req := TrackUsageRequest{Key: key, Metric: metric, Increment: &increment}
	if err := c.doJSON(ctx, http.MethodPost, "/track-usage", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UsageReport returns consumption against every metric of a license.
func (c *OnlineClient) UsageReport(ctx context.Context, key string) (*UsageReport, error) {
	var resp UsageReport
	if err := c.doJSON(ctx, http.MethodPost, "/usage-report", KeyRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revoke revokes a license. It requires WithAdminToken.
func (c *OnlineClient) Revoke(ctx context.Context, key, reason string) (*RevokeResponse, error) {
	var resp RevokeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/revoke-license", RevokeRequest{Key: key, Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export fetches the HMAC-signed payload of a license.
func (c *OnlineClient) Export(ctx context.Context, key string) (*Payload, error) {
	var resp Payload
	if err := c.doJSON(ctx, http.MethodGet, "/export-license/"+url.PathEscape(key), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Sig == "" {
		return nil, fmt.Errorf("%w: missing sig", ErrLicenseFileInvalid)
	}
	return &resp, nil
}

// ExportOffline fetches the key-pair signed payload of a license. The raw
// bytes are returned so they can be stored and later passed to
// OfflineValidator.Verify unchanged.
func (c *OnlineClient) ExportOffline(ctx context.Context, key string) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/export-license/"+url.PathEscape(key)+"/offline", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *OnlineClient) instance(id string) string {
	if id == "" {
		return c.instanceID
	}
	return id
}

// doJSON performs a request with an optional JSON body and decodes the
// response into dest. Network failures and 5xx responses are retried with
// exponential backoff; 4xx responses are returned at once as mapped errors.
func (c *OnlineClient) doJSON(ctx context.Context, method, path string, body, dest interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return errors.Join(lastErr, err)
			}
		}
		status, respBody, err := c.roundTrip(ctx, method, path, payload)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		case status >= 500:
			lastErr = c.parseError(status, respBody)
			continue
		case status >= 400:
			return c.parseError(status, respBody)
		}
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return lastErr
}

func (c *OnlineClient) roundTrip(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// sleep waits backoff * 2^(attempt-1) or until ctx is done.
func (c *OnlineClient) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.backoff << (attempt - 1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseError parses the server error response format:
// {"error": {"code": "...", "message": "..."}}
func (c *OnlineClient) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Code == "" {
		return &ServerError{
			StatusCode: statusCode,
			Code:       "UNKNOWN",
			Message:    string(body),
		}
	}
	se := &ServerError{
		StatusCode: statusCode,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
	}
	return mapServerError(se)
}
