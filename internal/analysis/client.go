// Package analysis talks to the label analysis service and maps its labels
// onto security alerts.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// Client is an HTTP client for the label analysis service
type Client struct {
	serviceURL    string
	httpClient    *http.Client
	logger        *logger.Logger
	minConfidence float64
	maxLabels     int
}

// ClientConfig contains configuration for the analysis client
type ClientConfig struct {
	ServiceURL    string
	Timeout       time.Duration
	MinConfidence float64
	MaxLabels     int
}

// NewClient creates a new analysis service client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MinConfidence <= 0 {
		config.MinConfidence = 70
	}
	if config.MaxLabels <= 0 {
		config.MaxLabels = 20
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		serviceURL: strings.TrimRight(config.ServiceURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:        log,
		minConfidence: config.MinConfidence,
		maxLabels:     config.MaxLabels,
	}
}

// Analyze asks the service for labels of the image at imageURL
func (c *Client) Analyze(ctx context.Context, imageURL string) (*Result, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("image URL is required")
	}

	jsonData, err := json.Marshal(LabelsRequest{
		ImageURL:      imageURL,
		MaxLabels:     c.maxLabels,
		MinConfidence: c.minConfidence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/labels", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending label request", "url", url)
	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn(
			"Analysis service returned error",
			"status", resp.StatusCode,
			"response", string(body),
		)
		return nil, fmt.Errorf("analysis service returned status %d: %s", resp.StatusCode, string(body))
	}

	var labelsResp LabelsResponse
	if err := json.Unmarshal(body, &labelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	result := &Result{
		Labels:         labelsResp.Labels,
		SecurityAlerts: SecurityAlerts(labelsResp.Labels),
	}

	c.logger.Debug(
		"Label analysis completed",
		"label_count", len(result.Labels),
		"alert_count", len(result.SecurityAlerts),
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	return result, nil
}

// HealthCheck checks if the analysis service is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health/ready", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service health check failed: status %d", resp.StatusCode)
	}

	return nil
}
