package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/tracing"
)

// ErrPlatformUnavailable is returned after transient failures exhaust their
// retries.
var ErrPlatformUnavailable = errors.New("platform unavailable")

const defaultBackoff = 250 * time.Millisecond

// HTTPClient talks to the platform REST API with bearer auth and bounded
// exponential backoff on transient failures.
type HTTPClient struct {
	logger     *logger.Logger
	baseURL    string
	token      string
	maxRetries int
	client     *http.Client
}

// NewHTTPClient builds a client from the platform config.
func NewHTTPClient(cfg config.PlatformConfig, log *logger.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &HTTPClient{
		logger:     log.WithFields(zap.String("component", "platform-client")),
		baseURL:    cfg.BaseURL,
		token:      cfg.APIToken,
		maxRetries: retries,
		client:     &http.Client{Timeout: timeout},
	}
}

// CreateActivity posts one activity onto an agent session.
func (c *HTTPClient) CreateActivity(ctx context.Context, payload ActivityPayload) error {
	return c.do(ctx, http.MethodPost, "/agent-activities", payload, nil)
}

// UpdateActivity replaces the content of an existing activity, used when an
// ephemeral acknowledgement is superseded in place.
func (c *HTTPClient) UpdateActivity(ctx context.Context, activityID string, content ActivityContent) error {
	return c.do(ctx, http.MethodPatch, "/agent-activities/"+activityID, content, nil)
}

// GetIssue fetches a work item by platform id.
func (c *HTTPClient) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, "/issues/"+id, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateComment posts a comment on an issue.
func (c *HTTPClient) CreateComment(ctx context.Context, issueID, body, parentID string) (*Comment, error) {
	req := map[string]string{
		"issueId": issueID,
		"body":    body,
	}
	if parentID != "" {
		req["parentId"] = parentID
	}
	var comment Comment
	if err := c.do(ctx, http.MethodPost, "/comments", req, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// do issues one API call, retrying transient failures (network errors, 429,
// 5xx) with exponential backoff. Retries observe the context between
// attempts, never mid-call.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (err error) {
	ctx, span := tracing.TracePlatformRequest(ctx, method, path)
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	backoff := defaultBackoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retryable, err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.logger.Warn("platform call failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("%w: %s %s: %v", ErrPlatformUnavailable, method, path, lastErr)
}

func (c *HTTPClient) attempt(ctx context.Context, method, path string, payload []byte, out any) (retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return false, fmt.Errorf("decoding response: %w", err)
			}
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
}
