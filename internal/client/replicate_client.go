package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mediaforge/api/internal/config"
)

// PredictionRunner defines the interface for asynchronous model inference
type PredictionRunner interface {
	CreatePrediction(ctx context.Context, version string, input map[string]interface{}) (*Prediction, error)
	GetPrediction(ctx context.Context, id string) (*Prediction, error)
	PollPrediction(ctx context.Context, id string, interval, maxWait time.Duration) (*Prediction, error)
}

// ReplicateClient implements PredictionRunner for the Replicate API
type ReplicateClient struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
}

// Prediction represents a Replicate inference run
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OutputURLs decodes the prediction output into URLs. Replicate returns
// either a bare string or a list of strings depending on the model.
func (p *Prediction) OutputURLs() []string {
	if len(p.Output) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil {
		return many
	}
	return nil
}

// NewReplicateClient creates a new Replicate API client
func NewReplicateClient(cfg *config.ReplicateConfig) *ReplicateClient {
	return &ReplicateClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
	}
}

// CreatePrediction starts a model run
func (c *ReplicateClient) CreatePrediction(ctx context.Context, version string, input map[string]interface{}) (*Prediction, error) {
	body := map[string]interface{}{
		"version": version,
		"input":   input,
	}
	var result Prediction
	if err := c.post(ctx, "/v1/predictions", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrediction retrieves the current state of a model run
func (c *ReplicateClient) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	endpoint := fmt.Sprintf("/v1/predictions/%s", id)
	var result Prediction
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PollPrediction polls for prediction completion
func (c *ReplicateClient) PollPrediction(ctx context.Context, id string, interval, maxWait time.Duration) (*Prediction, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		result, err := c.GetPrediction(ctx, id)
		if err != nil {
			log.Printf("[Replicate API] Poll #%d (prediction=%s) — error: %v", attempt, id, err)
			return nil, err
		}

		log.Printf("[Replicate API] Poll #%d (prediction=%s) — status: %s", attempt, id, result.Status)

		switch result.Status {
		case "succeeded":
			return result, nil
		case "failed", "canceled":
			return nil, fmt.Errorf("prediction %s: %s", result.Status, result.Error)
		}

		select {
		case <-ctx.Done():
			log.Printf("[Replicate API] Poll (prediction=%s) — context cancelled", id)
			return nil, ctx.Err()
		case <-time.After(interval):
			continue
		}
	}

	return nil, fmt.Errorf("prediction timed out after %v", maxWait)
}

// post sends a POST request with JSON body
func (c *ReplicateClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *ReplicateClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *ReplicateClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	log.Printf("[Replicate API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Replicate API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Replicate API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[Replicate API] ← %d %s %s — %s", resp.StatusCode, req.Method, req.URL.String(), string(respBody))
		return fmt.Errorf("replicate API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Replicate API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ReplicateClient) IsConfigured() bool {
	return c.apiToken != ""
}
