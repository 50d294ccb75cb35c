// Package training talks to the speech-recognition service that owns the
// sentence corpus. After a skill's sentences change the service must upload
// them, retrain and restart before new intents are recognised.
package training

//go:generate mockgen -source=client.go -destination=mocks/mock_service.go -package=mocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Service is the subset of the training API used by the skill manager.
type Service interface {
	// Sync replaces the sentences file at path and retrains. Empty text
	// clears the file.
	Sync(ctx context.Context, path, text string) error
}

// SentencesPath is where a skill's sentences live inside the training service.
func SentencesPath(slug string) string {
	return "intents/skills/" + slug + "/sentences.ini"
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("training service %s returned %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("training service %s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

// Client is an HTTP client for the Rhasspy API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for baseURL (for example http://localhost:12101/api/).
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid training service URL %q: %w", baseURL, err)
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}, nil
}

// UploadSentences writes sentence files, keyed by path.
func (c *Client) UploadSentences(ctx context.Context, files map[string]string) error {
	body, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("failed to encode sentences: %w", err)
	}
	return c.post(ctx, "sentences", "application/json", body)
}

// Train asks the service to retrain its language model.
func (c *Client) Train(ctx context.Context) error {
	return c.post(ctx, "train", "", nil)
}

// Restart reloads the service so the new model is used.
func (c *Client) Restart(ctx context.Context) error {
	return c.post(ctx, "restart", "", nil)
}

// Sync uploads, trains and restarts, stopping at the first failure.
func (c *Client) Sync(ctx context.Context, path, text string) error {
	if err := c.UploadSentences(ctx, map[string]string{path: text}); err != nil {
		return err
	}
	if err := c.Train(ctx); err != nil {
		return err
	}
	return c.Restart(ctx)
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body []byte) error {
	target, err := url.JoinPath(c.BaseURL, endpoint)
	if err != nil {
		return fmt.Errorf("failed to build %s URL: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("training service %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
