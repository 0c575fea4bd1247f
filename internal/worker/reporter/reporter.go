// Package reporter is the worker's authenticated client to the job store's
// internal status route.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
)

// ServiceTokenHeader carries the shared service credential
const ServiceTokenHeader = "X-Service-Token"

// maxErrorBody caps how much of a failed response is kept in the error
const maxErrorBody = 512

// Config holds status reporter configuration
type Config struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
}

// Client sends job status updates to the job store
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a status reporter. A nil httpClient gets a default one
// with config.Timeout.
func NewClient(config *Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.ServiceToken,
		http:    httpClient,
		logger:  logger,
	}
}

// UpdateStatus writes update to the job store. Transport failures and
// non-2xx responses come back as *domain.ReportError.
func (c *Client) UpdateStatus(ctx context.Context, update domain.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return c.fail(update, 0, fmt.Errorf("failed to encode status update: %w", err))
	}

	endpoint := fmt.Sprintf("%s/internal/v1/jobs/%s/status", c.baseURL, url.PathEscape(update.JobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return c.fail(update, 0, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServiceTokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(update, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.fail(update, resp.StatusCode, fmt.Errorf("job store error: %s", strings.TrimSpace(string(msg))))
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("Job status reported",
		slog.String("job_id", update.JobID),
		slog.String("status", update.Status),
	)
	return nil
}

func (c *Client) fail(update domain.StatusUpdate, statusCode int, err error) error {
	return &domain.ReportError{
		JobID:      update.JobID,
		Status:     update.Status,
		StatusCode: statusCode,
		Err:        err,
	}
}
