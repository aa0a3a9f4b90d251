package provider

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mediaforge/api/internal/model"
)

// telemetry smoothing factor for rolling quality/latency/cost averages.
const ewmaAlpha = 0.2

// Registry holds the set of known providers per media type along with
// status and rolling load/quality telemetry. Telemetry reads may be slightly
// stale; selection is a heuristic, not a correctness-critical path.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*entry
	byType    map[model.MediaType][]string

	// rolling market-average base cost per media type
	marketAvg map[model.MediaType]float64
}

type entry struct {
	provider Provider
	info     model.ProviderInfo

	load        int
	avgLatency  float64 // milliseconds
	successRate float64
	avgCost     float64
	outcomes    int
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*entry),
		byType:    make(map[model.MediaType][]string),
		marketAvg: make(map[model.MediaType]float64),
	}
}

// Register adds a provider with its static metadata. Quality starts at the
// configured rating and drifts with observed outcomes.
func (r *Registry) Register(p Provider, info model.ProviderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info.ID = p.ID()
	info.MediaType = p.MediaType()
	if info.Status == "" {
		info.Status = model.ProviderActive
	}
	if info.MaxConcurrent <= 0 {
		info.MaxConcurrent = 4
	}
	if info.RateLimitPerMinute <= 0 {
		info.RateLimitPerMinute = 60
	}

	r.providers[info.ID] = &entry{
		provider:    p,
		info:        info,
		successRate: 1.0,
	}
	r.byType[info.MediaType] = append(r.byType[info.MediaType], info.ID)
	log.Printf("Registry: registered provider %s (%s, quality=%.2f)", info.ID, info.MediaType, info.QualityRating)
}

// Get returns the provider implementation by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.providers[providerID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return e.provider, nil
}

// Info returns static metadata for a provider.
func (r *Registry) Info(providerID string) (*model.ProviderInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.providers[providerID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	info := e.info
	return &info, nil
}

// ListActive returns snapshots of active providers for a media type.
// Providers in maintenance or disabled status are never returned.
func (r *Registry) ListActive(mediaType model.MediaType) []model.ProviderSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ProviderSnapshot
	for _, id := range r.byType[mediaType] {
		e := r.providers[id]
		if e.info.Status != model.ProviderActive {
			continue
		}
		out = append(out, r.snapshotLocked(e))
	}
	return out
}

// ListAll returns snapshots of every provider, optionally filtered by media
// type (empty string means all).
func (r *Registry) ListAll(mediaType model.MediaType) []model.ProviderSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ProviderSnapshot
	for _, e := range r.providers {
		if mediaType != "" && e.info.MediaType != mediaType {
			continue
		}
		out = append(out, r.snapshotLocked(e))
	}
	return out
}

// SetStatus changes a provider's availability. Only health/telemetry paths
// mutate provider records; jobs never do.
func (r *Registry) SetStatus(providerID string, status model.ProviderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	if e.info.Status != status {
		log.Printf("Registry: provider %s status %s -> %s", providerID, e.info.Status, status)
	}
	e.info.Status = status
	return nil
}

// RecordDispatch marks a provider call in flight.
func (r *Registry) RecordDispatch(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.providers[providerID]; ok {
		e.load++
	}
}

// RecordOutcome updates rolling telemetry after a provider call finishes.
// cost is the provider's base cost; it feeds the per-media-type market
// average used by the selector's cost-efficiency factor.
func (r *Registry) RecordOutcome(providerID string, success bool, latency time.Duration, cost int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.providers[providerID]
	if !ok {
		return
	}

	if e.load > 0 {
		e.load--
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if e.outcomes == 0 {
		e.successRate = outcome
		e.avgLatency = float64(latency.Milliseconds())
	} else {
		e.successRate = (1-ewmaAlpha)*e.successRate + ewmaAlpha*outcome
		e.avgLatency = (1-ewmaAlpha)*e.avgLatency + ewmaAlpha*float64(latency.Milliseconds())
	}
	e.outcomes++

	if success && cost > 0 {
		if e.avgCost == 0 {
			e.avgCost = float64(cost)
		} else {
			e.avgCost = (1-ewmaAlpha)*e.avgCost + ewmaAlpha*float64(cost)
		}
		mt := e.info.MediaType
		if r.marketAvg[mt] == 0 {
			r.marketAvg[mt] = float64(cost)
		} else {
			r.marketAvg[mt] = (1-ewmaAlpha)*r.marketAvg[mt] + ewmaAlpha*float64(cost)
		}
	}
}

// MarketAverageCost returns the rolling average base cost observed for a
// media type, or 0 when no market data exists yet.
func (r *Registry) MarketAverageCost(mediaType model.MediaType) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.marketAvg[mediaType]
}

// CheckHealth polls every provider's health endpoint and applies the
// resulting status. Intended to run on a background schedule. A provider
// that was disabled by an operator stays disabled.
func (r *Registry) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.providers))
	for _, e := range r.providers {
		if e.info.Status != model.ProviderDisabled {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		status := e.provider.Health(ctx)
		if err := r.SetStatus(e.info.ID, status); err != nil {
			log.Printf("Registry: health update failed for %s: %v", e.info.ID, err)
		}
	}
}

func (r *Registry) snapshotLocked(e *entry) model.ProviderSnapshot {
	quality := e.info.QualityRating
	if e.outcomes > 0 {
		// observed success rate pulls the static rating
		quality = (quality + e.successRate) / 2
	}
	snap := model.ProviderSnapshot{
		ProviderInfo: e.info,
		CurrentLoad:  e.load,
		AvgLatencyMS: int64(e.avgLatency),
		SuccessRate:  e.successRate,
		AvgCost:      int64(e.avgCost),
	}
	snap.QualityRating = quality
	return snap
}
