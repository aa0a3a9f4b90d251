package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mediaforge/api/internal/model"
)

// brokenProvider always fails cost estimation.
type brokenProvider struct {
	id string
	mt model.MediaType
}

func (b *brokenProvider) ID() string                 { return b.id }
func (b *brokenProvider) MediaType() model.MediaType { return b.mt }
func (b *brokenProvider) EstimateCost(req *Request) (int64, error) {
	return 0, errors.New("cannot estimate")
}
func (b *brokenProvider) Generate(ctx context.Context, req *Request) (*Result, error) {
	return nil, errors.New("broken")
}
func (b *brokenProvider) Health(ctx context.Context) model.ProviderStatus {
	return model.ProviderActive
}

func imageRequest() *Request {
	return &Request{
		JobID:      "job-1",
		AccountID:  "acct-1",
		MediaType:  model.MediaTypeImage,
		Parameters: map[string]interface{}{"prompt": "a red fox"},
	}
}

func TestSelectPrefersHigherQuality(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockProvider("img-low", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.5,
	})
	registry.Register(NewMockProvider("img-high", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.9,
	})

	selector := NewSelector(registry)
	p, estimate, err := selector.Select(imageRequest(), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if p.ID() != "img-high" {
		t.Errorf("expected img-high, got %s", p.ID())
	}
	if estimate != 50 {
		t.Errorf("expected estimate 50, got %d", estimate)
	}
}

func TestSelectIsDeterministicOnTies(t *testing.T) {
	registry := NewRegistry()
	// identical cost, quality, and load: the tie breaks on provider ID
	registry.Register(NewMockProvider("img-b", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.8,
	})
	registry.Register(NewMockProvider("img-a", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.8,
	})

	selector := NewSelector(registry)
	for i := 0; i < 5; i++ {
		p, _, err := selector.Select(imageRequest(), nil)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if p.ID() != "img-a" {
			t.Fatalf("tie-break not deterministic: got %s on iteration %d", p.ID(), i)
		}
	}
}

func TestSelectSkipsExcludedProviders(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockProvider("img-a", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.9,
	})
	registry.Register(NewMockProvider("img-b", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.5,
	})

	selector := NewSelector(registry)
	p, _, err := selector.Select(imageRequest(), map[string]bool{"img-a": true})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if p.ID() != "img-b" {
		t.Errorf("expected fallback img-b, got %s", p.ID())
	}

	_, _, err = selector.Select(imageRequest(), map[string]bool{"img-a": true, "img-b": true})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("expected ErrNoProviderAvailable when all excluded, got %v", err)
	}
}

func TestSelectSkipsInactiveProviders(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockProvider("img-a", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.9,
	})
	registry.SetStatus("img-a", model.ProviderMaintenance)

	selector := NewSelector(registry)
	_, _, err := selector.Select(imageRequest(), nil)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("expected ErrNoProviderAvailable for inactive-only, got %v", err)
	}
}

func TestSelectSkipsProvidersThatCannotEstimate(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&brokenProvider{id: "img-broken", mt: model.MediaTypeImage}, model.ProviderInfo{
		QualityRating: 1.0,
	})
	registry.Register(NewMockProvider("img-ok", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.5,
	})

	selector := NewSelector(registry)
	p, _, err := selector.Select(imageRequest(), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if p.ID() != "img-ok" {
		t.Errorf("expected img-ok, got %s", p.ID())
	}
}

func TestSelectNoProvidersForMediaType(t *testing.T) {
	registry := NewRegistry()
	selector := NewSelector(registry)

	_, _, err := selector.Select(imageRequest(), nil)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestSelectPrefersCheaperWithMarketData(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockProvider("img-cheap", model.MediaTypeImage, 40, 0), model.ProviderInfo{
		QualityRating: 0.8,
	})
	registry.Register(NewMockProvider("img-pricey", model.MediaTypeImage, 120, 0), model.ProviderInfo{
		QualityRating: 0.8,
	})

	// establish a market average around the midpoint
	registry.RecordOutcome("img-cheap", true, 100*time.Millisecond, 80)

	selector := NewSelector(registry)
	p, _, err := selector.Select(imageRequest(), nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if p.ID() != "img-cheap" {
		t.Errorf("expected cheaper provider to win, got %s", p.ID())
	}
}

func TestRegistryTelemetry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockProvider("img-a", model.MediaTypeImage, 50, 0), model.ProviderInfo{
		QualityRating: 0.8,
	})

	registry.RecordDispatch("img-a")
	snaps := registry.ListActive(model.MediaTypeImage)
	if len(snaps) != 1 || snaps[0].CurrentLoad != 1 {
		t.Fatalf("expected load 1 after dispatch, got %+v", snaps)
	}

	registry.RecordOutcome("img-a", true, 200*time.Millisecond, 50)
	snaps = registry.ListActive(model.MediaTypeImage)
	if snaps[0].CurrentLoad != 0 {
		t.Errorf("expected load released after outcome, got %d", snaps[0].CurrentLoad)
	}
	if snaps[0].SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0, got %f", snaps[0].SuccessRate)
	}
	if snaps[0].AvgLatencyMS != 200 {
		t.Errorf("expected avg latency 200ms, got %d", snaps[0].AvgLatencyMS)
	}
	if got := registry.MarketAverageCost(model.MediaTypeImage); got != 50 {
		t.Errorf("expected market average 50, got %f", got)
	}

	// a failure pulls the rolling success rate down
	registry.RecordOutcome("img-a", false, 400*time.Millisecond, 0)
	snaps = registry.ListActive(model.MediaTypeImage)
	if snaps[0].SuccessRate >= 1.0 {
		t.Errorf("expected success rate below 1.0 after failure, got %f", snaps[0].SuccessRate)
	}
}
