package provider

import (
	"sort"

	"github.com/mediaforge/api/internal/model"
)

// Canonical scoring weights. The planning material carried several competing
// weightings; this set is fixed here and documented in DESIGN.md.
const (
	weightCost    = 0.3
	weightQuality = 0.4
	weightSpeed   = 0.2
	weightLoad    = 0.1

	// latency at which the speed factor reaches 0.5
	referenceLatencyMS = 30_000
)

// Selector scores and ranks active providers for a request. Selection is
// deterministic: equal scores fall back to higher quality, then lower load,
// then provider ID, so repeated selection over the same inputs always returns
// the same provider.
type Selector struct {
	registry *Registry
}

func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// scored pairs a candidate snapshot with its estimate and composite score.
type scored struct {
	snap     model.ProviderSnapshot
	estimate int64
	score    float64
}

// Select returns the best active provider for the request, excluding any
// provider IDs in exclude (providers that already failed this job).
func (s *Selector) Select(req *Request, exclude map[string]bool) (Provider, int64, error) {
	candidates := s.registry.ListActive(req.MediaType)
	marketAvg := s.registry.MarketAverageCost(req.MediaType)

	var ranked []scored
	for _, snap := range candidates {
		if exclude[snap.ID] {
			continue
		}
		p, err := s.registry.Get(snap.ID)
		if err != nil {
			continue
		}
		estimate, err := p.EstimateCost(req)
		if err != nil || estimate <= 0 {
			continue
		}
		ranked = append(ranked, scored{
			snap:     snap,
			estimate: estimate,
			score:    score(snap, estimate, marketAvg),
		})
	}

	if len(ranked) == 0 {
		return nil, 0, ErrNoProviderAvailable
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.snap.QualityRating != b.snap.QualityRating {
			return a.snap.QualityRating > b.snap.QualityRating
		}
		if a.snap.CurrentLoad != b.snap.CurrentLoad {
			return a.snap.CurrentLoad < b.snap.CurrentLoad
		}
		return a.snap.ID < b.snap.ID
	})

	best := ranked[0]
	p, err := s.registry.Get(best.snap.ID)
	if err != nil {
		return nil, 0, ErrNoProviderAvailable
	}
	return p, best.estimate, nil
}

// score computes 0.3·costEfficiency + 0.4·quality + 0.2·speed + 0.1·inverseLoad,
// each factor normalized to [0,1].
func score(snap model.ProviderSnapshot, estimate int64, marketAvg float64) float64 {
	// Cost efficiency compares the estimate against the rolling market
	// average: pricing at the average scores 0.5, cheaper scores higher.
	costEff := 0.5
	if marketAvg > 0 && estimate > 0 {
		costEff = clamp01(marketAvg / (2 * float64(estimate)))
	}

	quality := clamp01(snap.QualityRating)

	speed := 1.0
	if snap.AvgLatencyMS > 0 {
		speed = referenceLatencyMS / (referenceLatencyMS + float64(snap.AvgLatencyMS))
	}

	limit := snap.RateLimitPerMinute
	if limit <= 0 {
		limit = 1
	}
	inverseLoad := 1 - clamp01(float64(snap.CurrentLoad)/float64(limit))

	return weightCost*costEff + weightQuality*quality + weightSpeed*speed + weightLoad*inverseLoad
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
