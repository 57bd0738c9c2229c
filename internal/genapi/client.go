// Package genapi is the HTTP client for the third-party generative image
// API, plus the credential fallback orchestrator that wraps it.
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glowstyle/glowstyle-backend/internal/models"
	"github.com/glowstyle/glowstyle-backend/internal/resilience"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// StylizeRequest describes a single stylization call. The API key is
// supplied per call so the fallback orchestrator can rotate credentials.
type StylizeRequest struct {
	Trend       string
	Quality     models.Quality
	AspectRatio string
	SourceURLs  []string
}

func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Stylize submits one stylization job and returns the result image URL.
func (c *Client) Stylize(ctx context.Context, apiKey string, req StylizeRequest) (string, error) {
	payload := map[string]any{
		"trend":        req.Trend,
		"quality":      string(req.Quality),
		"aspect_ratio": req.AspectRatio,
		"input_urls":   req.SourceURLs,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stylize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &APIError{Err: ErrUpstreamUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &APIError{Err: ErrUpstreamUnavailable, Message: "read response body"}
	}

	if resp.StatusCode >= 300 {
		return "", classifyHTTPError(resp.StatusCode, rawBody)
	}

	var parsed struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if len(parsed.Images) == 0 || parsed.Images[0].URL == "" {
		return "", fmt.Errorf("no images in response (body=%s)", truncateBody(rawBody))
	}
	return parsed.Images[0].URL, nil
}

// FetchImage downloads generated image bytes from the upstream's temporary
// URL, retrying transient failures, so they can be persisted durably.
func (c *Client) FetchImage(ctx context.Context, url string) ([]byte, string, error) {
	var data []byte
	var contentType string

	err := resilience.Retry(ctx, resilience.DefaultRetryOptions(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("fetch image: status=%d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read image body: %w", err)
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func classifyHTTPError(status int, body []byte) error {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &parsed)
	message := parsed.Message
	if message == "" {
		message = truncateBody(body)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &APIError{Err: ErrRateLimited, StatusCode: status, Message: message}
	case status >= 500:
		return &APIError{Err: ErrUpstreamUnavailable, StatusCode: status, Message: message}
	case isSafetyRejection(parsed.Code, message):
		return &APIError{Err: ErrSafetyRejected, StatusCode: status, Message: message}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &APIError{Err: ErrInvalidRequest, StatusCode: status, Message: message}
	default:
		// 401/403 and other odd statuses are credential-specific; the
		// fallback chain may succeed with the backup key.
		return &APIError{Err: ErrUpstreamUnavailable, StatusCode: status, Message: message}
	}
}

func isSafetyRejection(code, message string) bool {
	if strings.EqualFold(code, "content_policy_violation") || strings.EqualFold(code, "safety_rejection") {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "safety") || strings.Contains(lower, "content policy")
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
