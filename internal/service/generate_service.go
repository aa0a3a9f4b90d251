package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
	"github.com/mediaforge/api/internal/scheduler"
)

var (
	ErrCostExceedsLimit = errors.New("estimated cost exceeds max cost")
	ErrJobNotFound      = errors.New("job not found")
)

// GenerateConfig holds orchestration tuning.
type GenerateConfig struct {
	MarkupPercent  int
	IdempotencyTTL time.Duration
}

// GenerateService is the orchestration façade: it validates requests, picks
// a provider, reserves credits, enqueues the job, and exposes status/cancel.
// Terminal settlement (confirm/refund) is owned by the scheduler; Cancel
// keeps an idempotent ledger release as a safety net.
type GenerateService struct {
	cfg       GenerateConfig
	ledger    *ledger.Ledger
	selector  *provider.Selector
	scheduler *scheduler.Scheduler
	store     scheduler.JobStore
}

func NewGenerateService(cfg GenerateConfig, ldgr *ledger.Ledger, selector *provider.Selector, sched *scheduler.Scheduler, store scheduler.JobStore) *GenerateService {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &GenerateService{
		cfg:       cfg,
		ledger:    ldgr,
		selector:  selector,
		scheduler: sched,
		store:     store,
	}
}

// Generate accepts a new generation request, or replays the existing job
// when the idempotency key was seen within its TTL window (no new
// reservation, no double charge).
func (s *GenerateService) Generate(ctx context.Context, accountID string, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	if existing, err := s.store.FindByIdempotencyKey(ctx, accountID, req.IdempotencyKey); err == nil {
		return &model.GenerateResponse{
			JobID:         existing.ID,
			EstimatedCost: existing.EstimatedCost,
			Status:        existing.State,
			Duplicate:     true,
			CreatedAt:     existing.CreatedAt,
		}, nil
	}

	provReq := &provider.Request{
		AccountID:  accountID,
		MediaType:  req.MediaType,
		Parameters: req.Parameters,
	}

	chosen, baseEstimate, err := s.selector.Select(provReq, nil)
	if err != nil {
		return nil, err
	}

	estimate := model.ApplyMarkup(baseEstimate, s.cfg.MarkupPercent)
	if req.MaxCost > 0 && estimate > req.MaxCost {
		return nil, fmt.Errorf("%w: estimated %d, limit %d", ErrCostExceedsLimit, estimate, req.MaxCost)
	}

	res, err := s.ledger.Reserve(ctx, accountID, estimate)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		MediaType:      req.MediaType,
		Parameters:     req.Parameters,
		IdempotencyKey: req.IdempotencyKey,
		State:          model.JobStateQueued,
		Priority:       req.Priority,
		ReservationID:  res.ID,
		EstimatedCost:  estimate,
		MaxCost:        req.MaxCost,
		Attempt:        1,
		ChosenProvider: chosen.ID(),
		CreatedAt:      time.Now(),
	}

	if err := s.scheduler.Enqueue(ctx, job); err != nil {
		// never keep a hold on funds for a job that was not admitted
		if cancelErr := s.ledger.Cancel(ctx, res.ID); cancelErr != nil {
			return nil, fmt.Errorf("enqueue failed (%v) and reservation release failed: %w", err, cancelErr)
		}
		return nil, err
	}

	if err := s.store.RememberIdempotencyKey(ctx, accountID, req.IdempotencyKey, job.ID, s.cfg.IdempotencyTTL); err != nil {
		// replay protection degrades, the job itself is fine
		log.Printf("GenerateService: failed to record idempotency key for job %s: %v", job.ID, err)
	}

	return &model.GenerateResponse{
		JobID:         job.ID,
		EstimatedCost: estimate,
		Status:        job.State,
		CreatedAt:     job.CreatedAt,
	}, nil
}

// Status returns the lifecycle view of a job owned by the account.
func (s *GenerateService) Status(ctx context.Context, accountID, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.getOwned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	return &model.JobStatusResponse{
		JobID:         job.ID,
		State:         job.State,
		MediaType:     job.MediaType,
		EstimatedCost: job.EstimatedCost,
		ActualCost:    job.ActualCost,
		ResultRef:     job.ResultRef,
		FailureReason: job.FailureReason,
		Attempt:       job.Attempt,
		Attempts:      job.Attempts,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}, nil
}

// Cancel requests cancellation of a job owned by the account.
func (s *GenerateService) Cancel(ctx context.Context, accountID, jobID string) (*model.CancelResponse, error) {
	job, err := s.getOwned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	state, err := s.scheduler.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if state == model.JobStateCancelled {
		// idempotent safety net: a second release of the same reservation
		// is a no-op
		if err := s.ledger.Cancel(ctx, job.ReservationID); err != nil && !errors.Is(err, ledger.ErrReservationNotFound) {
			return nil, err
		}
	}

	return &model.CancelResponse{JobID: jobID, State: state}, nil
}

func (s *GenerateService) getOwned(ctx context.Context, accountID, jobID string) (*model.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.AccountID != accountID {
		// do not leak other accounts' jobs
		return nil, ErrJobNotFound
	}
	return job, nil
}
