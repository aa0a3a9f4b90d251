package model

import "time"

// GenerateRequest is the inbound request for a generation job.
type GenerateRequest struct {
	MediaType      MediaType              `json:"mediaType" validate:"required,oneof=video audio image design 3d"`
	Parameters     map[string]interface{} `json:"parameters" validate:"required"`
	IdempotencyKey string                 `json:"idempotencyKey" validate:"required,min=8,max=128"`
	MaxCost        int64                  `json:"maxCost,omitempty" validate:"omitempty,gt=0"`
	Priority       int                    `json:"priority,omitempty" validate:"omitempty,min=0,max=9"`
}

// GenerateResponse acknowledges an accepted (or replayed) generation job.
type GenerateResponse struct {
	JobID         string    `json:"jobId"`
	EstimatedCost int64     `json:"estimatedCost"`
	Status        JobState  `json:"status"`
	Duplicate     bool      `json:"duplicate,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// JobStatusResponse reports the current lifecycle state of a job.
type JobStatusResponse struct {
	JobID         string          `json:"jobId"`
	State         JobState        `json:"state"`
	MediaType     MediaType       `json:"mediaType"`
	EstimatedCost int64           `json:"estimatedCost"`
	ActualCost    int64           `json:"actualCost,omitempty"`
	ResultRef     string          `json:"resultRef,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	Attempt       int             `json:"attempt"`
	Attempts      []AttemptRecord `json:"attempts,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// CancelResponse reports the job state after a cancel request.
type CancelResponse struct {
	JobID string   `json:"jobId"`
	State JobState `json:"state"`
}

// BalanceResponse reports an account's credit position.
type BalanceResponse struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

// AddCreditsRequest applies an externally-settled credit purchase.
type AddCreditsRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	SourceRef string `json:"sourceRef" validate:"required,min=1,max=256"`
}

// TransactionsResponse lists an account's transaction log, newest first.
type TransactionsResponse struct {
	AccountID    string        `json:"accountId"`
	Transactions []Transaction `json:"transactions"`
}
