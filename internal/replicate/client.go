// Package replicate is a minimal client for the Replicate predictions API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.replicate.com"

type Prediction struct {
	ID      string          `json:"id"`
	Version string          `json:"version,omitempty"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   any             `json:"error,omitempty"`
	URLs    PredictionURLs  `json:"urls"`
}

type PredictionURLs struct {
	Get    string `json:"get"`
	Cancel string `json:"cancel,omitempty"`
}

type CreatePredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replicate returned status=%d", e.StatusCode)
	}
	return fmt.Sprintf("replicate returned status=%d: %s", e.StatusCode, e.Detail)
}

type Config struct {
	APIToken string
	BaseURL  string
	Timeout  time.Duration
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("replicate api token is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      cfg.APIToken,
	}, nil
}

func (c *Client) CreatePrediction(ctx context.Context, req CreatePredictionRequest) (Prediction, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("build prediction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq)
}

// GetPrediction fetches the prediction behind the urls.get handle returned at
// creation time.
func (c *Client) GetPrediction(ctx context.Context, getURL string) (Prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return Prediction{}, fmt.Errorf("build prediction status request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (Prediction, error) {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Prediction{}, decodeAPIError(resp)
	}

	var prediction Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction response: %w", err)
	}
	return prediction, nil
}

func decodeAPIError(resp *http.Response) error {
	const maxErrorBytes = 4 << 10
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))

	var payload struct {
		Detail string `json:"detail"`
	}
	detail := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != "" {
		detail = payload.Detail
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}
