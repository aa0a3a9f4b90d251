package model

import "time"

// Job tracks one end-to-end generation request through its lifecycle.
// A job owns at most one active reservation at a time and records every
// provider attempt for audit.
type Job struct {
	ID             string                 `json:"id"`
	AccountID      string                 `json:"accountId"`
	MediaType      MediaType              `json:"mediaType"`
	Parameters     map[string]interface{} `json:"parameters"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	State          JobState               `json:"state"`
	Priority       int                    `json:"priority"`
	ReservationID  string                 `json:"reservationId,omitempty"`
	EstimatedCost  int64                  `json:"estimatedCost"`
	ActualCost     int64                  `json:"actualCost,omitempty"`
	MaxCost        int64                  `json:"maxCost,omitempty"`
	Attempt        int                    `json:"attempt"`
	ChosenProvider string                 `json:"chosenProviderId,omitempty"`
	ResultRef      string                 `json:"resultRef,omitempty"`
	FailureReason  string                 `json:"failureReason,omitempty"`
	Attempts       []AttemptRecord        `json:"attempts,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	DispatchedAt   *time.Time             `json:"dispatchedAt,omitempty"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
}

// AttemptRecord captures one provider dispatch for audit. It is retained on
// the job but not required to be user-facing.
type AttemptRecord struct {
	ProviderID string    `json:"providerId"`
	StartedAt  time.Time `json:"startedAt"`
	LatencyMS  int64     `json:"latencyMs"`
	Error      string    `json:"error,omitempty"`
}

// ExcludedProviders returns the IDs of providers that already failed this job.
func (j *Job) ExcludedProviders() map[string]bool {
	excluded := make(map[string]bool, len(j.Attempts))
	for _, a := range j.Attempts {
		if a.Error != "" {
			excluded[a.ProviderID] = true
		}
	}
	return excluded
}
