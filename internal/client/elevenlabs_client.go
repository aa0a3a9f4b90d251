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

// SpeechGenerator defines the interface for text-to-speech synthesis
type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, req *GenerateSpeechRequest) (*GenerateSpeechResponse, error)
}

// ElevenLabsClient implements SpeechGenerator for the ElevenLabs API
type ElevenLabsClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
}

// GenerateSpeechRequest represents the request for speech synthesis
type GenerateSpeechRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"-"`
}

// GenerateSpeechResponse carries the synthesized audio
type GenerateSpeechResponse struct {
	Audio       []byte
	ContentType string
}

type elevenLabsPayload struct {
	Text          string                 `json:"text"`
	ModelID       string                 `json:"model_id"`
	VoiceSettings map[string]interface{} `json:"voice_settings,omitempty"`
}

// NewElevenLabsClient creates a new ElevenLabs API client
func NewElevenLabsClient(cfg *config.ElevenLabsConfig) *ElevenLabsClient {
	return &ElevenLabsClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		voiceID: cfg.VoiceID,
		modelID: cfg.ModelID,
	}
}

// GenerateSpeech synthesizes speech for the given text. Unlike the JSON
// vendors this endpoint streams raw audio bytes back on success.
func (c *ElevenLabsClient) GenerateSpeech(ctx context.Context, req *GenerateSpeechRequest) (*GenerateSpeechResponse, error) {
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = c.voiceID
	}

	payload := elevenLabsPayload{
		Text:    req.Text,
		ModelID: c.modelID,
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)
	httpReq.Header.Set("Accept", "audio/mpeg")

	log.Printf("[ElevenLabs API] → POST %s (%d chars)", endpoint, len(req.Text))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[ElevenLabs API] ✗ POST %s — request failed: %v", endpoint, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[ElevenLabs API] ✗ POST %s — failed to read response: %v", endpoint, err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[ElevenLabs API] ← %d POST %s (%d bytes)", resp.StatusCode, endpoint, len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("elevenlabs API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	return &GenerateSpeechResponse{
		Audio:       respBody,
		ContentType: contentType,
	}, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ElevenLabsClient) IsConfigured() bool {
	return c.apiKey != ""
}
