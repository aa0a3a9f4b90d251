package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/mediaforge/api/internal/model"
)

// MockProvider simulates a generation backend for local development and for
// media types with no configured vendor. Actual cost comes in slightly under
// the estimate so the confirm path routinely releases an unused remainder.
type MockProvider struct {
	id        string
	mediaType model.MediaType
	baseCost  int64
	delay     time.Duration
}

func NewMockProvider(id string, mediaType model.MediaType, baseCost int64, delay time.Duration) *MockProvider {
	return &MockProvider{
		id:        id,
		mediaType: mediaType,
		baseCost:  baseCost,
		delay:     delay,
	}
}

func (m *MockProvider) ID() string                 { return m.id }
func (m *MockProvider) MediaType() model.MediaType { return m.mediaType }

// EstimateCost scales the base cost by the size hints present in the request
// parameters: text length for audio, duration for video, output count for
// image-like media.
func (m *MockProvider) EstimateCost(req *Request) (int64, error) {
	cost := m.baseCost

	if text, ok := req.Parameters["text"].(string); ok && len(text) > 0 {
		cost += int64(len(text)) / 10
	}
	if secs, ok := numberParam(req.Parameters, "durationSeconds"); ok && secs > 0 {
		cost += int64(secs) * m.baseCost / 10
	}
	if n, ok := numberParam(req.Parameters, "count"); ok && n > 1 {
		cost *= int64(n)
	}

	if cost <= 0 {
		cost = 1
	}
	return cost, nil
}

func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	estimate, _ := m.EstimateCost(req)
	actual := estimate * 9 / 10
	if actual <= 0 {
		actual = 1
	}

	return &Result{
		OutputURL: fmt.Sprintf("https://cdn.mediaforge.dev/mock/%s/%s", m.mediaType, req.JobID),
		Cost:      actual,
		Duration:  m.delay.Seconds(),
		Metadata:  map[string]interface{}{"mock": true},
	}, nil
}

func (m *MockProvider) Health(ctx context.Context) model.ProviderStatus {
	return model.ProviderActive
}

// numberParam reads a numeric parameter that may arrive as float64 (JSON) or
// int.
func numberParam(params map[string]interface{}, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
