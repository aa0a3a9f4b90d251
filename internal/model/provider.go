package model

// ProviderInfo describes a registered generation backend. It is owned by the
// registry and mutated only by health/telemetry updates, never by jobs.
type ProviderInfo struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	MediaType          MediaType      `json:"mediaType"`
	Status             ProviderStatus `json:"status"`
	QualityRating      float64        `json:"qualityRating"` // [0,1]
	RateLimitPerMinute int            `json:"rateLimitPerMinute"`
	MaxConcurrent      int            `json:"maxConcurrent"`
}

// ProviderSnapshot is the telemetry view of a provider exposed on the API
// and consumed by the selector. Reads may be slightly stale.
type ProviderSnapshot struct {
	ProviderInfo
	CurrentLoad  int     `json:"currentLoad"`
	AvgLatencyMS int64   `json:"avgLatencyMs"`
	SuccessRate  float64 `json:"successRate"`
	AvgCost      int64   `json:"avgCost"`
}
