package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
)

const TaskTypeDispatch = "generate:dispatch"

var ErrJobAlreadyCompleted = errors.New("job already completed")

// TaskEnqueuer is the slice of asynq.Client the scheduler needs. When nil,
// the scheduler falls back to its in-process worker pool so development and
// tests run without Redis.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ResultStorage re-homes a provider's output into our own storage and
// returns the durable result reference.
type ResultStorage interface {
	StoreFromURL(ctx context.Context, key, sourceURL string) (string, error)
}

// Broadcaster pushes job lifecycle events to subscribers.
type Broadcaster interface {
	BroadcastProgress(jobID string, state model.JobState, attempt int, step string)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

// Config holds scheduler tuning.
type Config struct {
	QueueCapacity   int
	RetryLimit      int // max attempts per job, including the first
	DispatchTimeout time.Duration
	WorkersPerType  int
	MarkupPercent   int
	Retention       time.Duration
}

// Scheduler owns job lifecycle state and the per-media-type queues. It
// dispatches jobs to providers under bounded per-provider concurrency,
// retries transient failures against alternate providers, and settles each
// job's reservation exactly once.
type Scheduler struct {
	cfg      Config
	store    JobStore
	ledger   *ledger.Ledger
	registry *provider.Registry
	selector *provider.Selector
	storage  ResultStorage
	hub      Broadcaster
	enqueuer TaskEnqueuer

	queues map[model.MediaType]*jobQueue

	// stateMu serializes job state transitions (load-check-save). Provider
	// calls run outside this lock.
	stateMu sync.Mutex

	limMu    sync.Mutex
	limiters map[string]*providerLimiter

	cancelMu  sync.Mutex
	cancels   map[string]context.CancelFunc
	requested map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, store JobStore, ldgr *ledger.Ledger, registry *provider.Registry, selector *provider.Selector, storage ResultStorage, hub Broadcaster, enqueuer TaskEnqueuer) *Scheduler {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Minute
	}
	if cfg.WorkersPerType <= 0 {
		cfg.WorkersPerType = 2
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		ledger:    ldgr,
		registry:  registry,
		selector:  selector,
		storage:   storage,
		hub:       hub,
		enqueuer:  enqueuer,
		queues:    make(map[model.MediaType]*jobQueue),
		limiters:  make(map[string]*providerLimiter),
		cancels:   make(map[string]context.CancelFunc),
		requested: make(map[string]bool),
		stop:      make(chan struct{}),
	}
	for _, mt := range model.ValidMediaTypes {
		s.queues[mt] = newJobQueue(cfg.QueueCapacity)
	}
	return s
}

// Start launches the in-process worker pool when no asynq transport is
// configured. With asynq, dispatch slots arrive through ProcessTask instead.
func (s *Scheduler) Start() {
	if s.enqueuer != nil {
		return
	}
	for _, mt := range model.ValidMediaTypes {
		for i := 0; i < s.cfg.WorkersPerType; i++ {
			s.wg.Add(1)
			go s.runWorker(mt)
		}
	}
}

// Stop shuts down the in-process workers and waits for in-flight dispatches.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Enqueue admits a job to its media-type queue. Fails with ErrQueueFull when
// the queue's configured capacity is exceeded; the caller releases the job's
// reservation in that case.
func (s *Scheduler) Enqueue(ctx context.Context, job *model.Job) error {
	q := s.queues[job.MediaType]
	if q == nil {
		return fmt.Errorf("no queue for media type %s", job.MediaType)
	}

	if err := q.push(job.ID, job.Priority, false); err != nil {
		return err
	}

	job.State = model.JobStateQueued
	if err := s.store.Save(ctx, job); err != nil {
		q.remove(job.ID)
		return fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.publishSlot(job.MediaType); err != nil {
		q.remove(job.ID)
		return fmt.Errorf("failed to enqueue dispatch task: %w", err)
	}

	s.broadcastProgress(job, "Queued")
	return nil
}

// ProcessTask is the asynq handler: each task is a dispatch slot for one
// media type, and ordering within the type stays with our priority queue.
func (s *Scheduler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload struct {
		MediaType model.MediaType `json:"mediaType"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal dispatch task: %w", err)
	}
	_, err := s.DispatchNext(ctx, payload.MediaType)
	return err
}

// DispatchNext pops the next eligible job for a media type and runs one
// provider attempt. Returns false when the queue was empty.
func (s *Scheduler) DispatchNext(ctx context.Context, mediaType model.MediaType) (bool, error) {
	q := s.queues[mediaType]
	if q == nil {
		return false, fmt.Errorf("no queue for media type %s", mediaType)
	}

	jobID, ok := q.pop()
	if !ok {
		return false, nil
	}

	s.stateMu.Lock()
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.stateMu.Unlock()
		return true, err
	}
	if job.State != model.JobStateQueued {
		// cancelled (or otherwise moved on) while waiting in the queue
		s.stateMu.Unlock()
		return true, nil
	}

	now := time.Now()
	job.State = model.JobStateDispatched
	job.DispatchedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		s.stateMu.Unlock()
		return true, err
	}
	s.stateMu.Unlock()

	s.broadcastProgress(job, "Dispatched to "+job.ChosenProvider)
	return true, s.runAttempt(ctx, job)
}

// runAttempt executes one provider call for a dispatched job and settles the
// outcome.
func (s *Scheduler) runAttempt(ctx context.Context, job *model.Job) error {
	p, err := s.registry.Get(job.ChosenProvider)
	if err != nil {
		log.Printf("Scheduler: job %s references unknown provider %s", job.ID, job.ChosenProvider)
		s.finalizeFailure(ctx, job, model.FailureReasonInternal, "chosen provider not registered")
		return err
	}

	lim := s.limiterFor(job.ChosenProvider)
	if err := lim.Acquire(ctx); err != nil {
		// shutdown while waiting for a slot: put the job back
		s.stateMu.Lock()
		job.State = model.JobStateQueued
		saveErr := s.store.Save(ctx, job)
		s.stateMu.Unlock()
		if saveErr == nil {
			_ = s.queues[job.MediaType].push(job.ID, job.Priority, true)
		}
		return err
	}
	defer lim.Release()

	attemptCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
	s.registerCancel(job.ID, cancel)
	defer s.unregisterCancel(job.ID)

	req := &provider.Request{
		JobID:      job.ID,
		AccountID:  job.AccountID,
		MediaType:  job.MediaType,
		Parameters: job.Parameters,
	}

	s.registry.RecordDispatch(job.ChosenProvider)
	start := time.Now()
	result, genErr := p.Generate(attemptCtx, req)
	latency := time.Since(start)

	var baseCost int64
	if result != nil {
		baseCost = result.Cost
	}
	s.registry.RecordOutcome(job.ChosenProvider, genErr == nil, latency, baseCost)

	record := model.AttemptRecord{
		ProviderID: job.ChosenProvider,
		StartedAt:  start,
		LatencyMS:  latency.Milliseconds(),
	}
	if genErr != nil {
		record.Error = genErr.Error()
	}
	job.Attempts = append(job.Attempts, record)

	if genErr != nil {
		return s.handleAttemptFailure(ctx, job, genErr)
	}
	return s.completeJob(ctx, job, result)
}

// handleAttemptFailure refunds the attempt's reservation and either retries
// with an alternate provider or fails the job terminally.
func (s *Scheduler) handleAttemptFailure(ctx context.Context, job *model.Job, genErr error) error {
	log.Printf("Scheduler: job %s attempt %d failed on %s: %v", job.ID, job.Attempt, job.ChosenProvider, genErr)

	if err := s.ledger.Cancel(ctx, job.ReservationID); err != nil {
		log.Printf("Scheduler: failed to release reservation %s: %v", job.ReservationID, err)
	}

	if s.cancelRequested(job.ID) && errors.Is(genErr, context.Canceled) {
		s.finalizeCancelled(ctx, job)
		return nil
	}

	timedOut := errors.Is(genErr, context.DeadlineExceeded) || errors.Is(genErr, provider.ErrTimeout)
	reason := model.FailureReasonProviderError
	if timedOut {
		reason = model.FailureReasonProviderTimeout
	}

	if (timedOut || provider.IsTransient(genErr)) && job.Attempt < s.cfg.RetryLimit {
		return s.retryJob(ctx, job)
	}

	s.finalizeFailure(ctx, job, reason, genErr.Error())
	return nil
}

// retryJob re-reserves against an alternate provider (excluding every
// provider that already failed this job) and re-queues.
func (s *Scheduler) retryJob(ctx context.Context, job *model.Job) error {
	job.Attempt++
	job.State = model.JobStateReserving

	req := &provider.Request{
		JobID:      job.ID,
		AccountID:  job.AccountID,
		MediaType:  job.MediaType,
		Parameters: job.Parameters,
	}
	excluded := job.ExcludedProviders()

	for {
		p, baseEstimate, err := s.selector.Select(req, excluded)
		if err != nil {
			s.finalizeFailure(ctx, job, model.FailureReasonNoProviderAvailable, "no alternate provider available")
			return nil
		}

		charge := model.ApplyMarkup(baseEstimate, s.cfg.MarkupPercent)
		if job.MaxCost > 0 && charge > job.MaxCost {
			excluded[p.ID()] = true
			continue
		}

		res, err := s.ledger.Reserve(ctx, job.AccountID, charge)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				s.finalizeFailure(ctx, job, model.FailureReasonInsufficientFunds, "insufficient funds for retry")
				return nil
			}
			s.finalizeFailure(ctx, job, model.FailureReasonInternal, err.Error())
			return err
		}

		job.ReservationID = res.ID
		job.EstimatedCost = charge
		job.ChosenProvider = p.ID()
		break
	}

	s.stateMu.Lock()
	job.State = model.JobStateQueued
	err := s.store.Save(ctx, job)
	s.stateMu.Unlock()
	if err != nil {
		return err
	}

	if err := s.queues[job.MediaType].push(job.ID, job.Priority, true); err != nil {
		return err
	}
	if err := s.publishSlot(job.MediaType); err != nil {
		log.Printf("Scheduler: failed to publish retry slot for job %s: %v", job.ID, err)
	}

	s.broadcastProgress(job, fmt.Sprintf("Retrying with %s (attempt %d)", job.ChosenProvider, job.Attempt))
	return nil
}

// completeJob persists the result reference and confirms the reservation at
// the actual cost. An overage is a fatal internal error: it is logged for
// operator intervention and the job fails without any balance adjustment
// beyond the full refund.
func (s *Scheduler) completeJob(ctx context.Context, job *model.Job, result *provider.Result) error {
	// consume any cancel request that raced with a successful response
	s.cancelRequested(job.ID)

	actual := model.ApplyMarkup(result.Cost, s.cfg.MarkupPercent)

	resultRef := result.OutputURL
	if s.storage != nil {
		key := fmt.Sprintf("results/%s/%s", job.MediaType, job.ID)
		if ref, err := s.storage.StoreFromURL(ctx, key, result.OutputURL); err == nil {
			resultRef = ref
		} else {
			log.Printf("Scheduler: result re-home failed for job %s, keeping provider URL: %v", job.ID, err)
		}
	}

	if err := s.ledger.Confirm(ctx, job.ReservationID, actual); err != nil {
		switch {
		case errors.Is(err, ledger.ErrOverage):
			log.Printf("SCHEDULER ALERT: overage on confirm for job %s (reserved=%d actual=%d)", job.ID, job.EstimatedCost, actual)
			_ = s.ledger.Cancel(ctx, job.ReservationID)
			s.finalizeFailure(ctx, job, model.FailureReasonOverageOnConfirm, "actual cost exceeded reservation")
		case errors.Is(err, ledger.ErrReservationExpired):
			s.finalizeFailure(ctx, job, model.FailureReasonReservationExpired, "reservation expired before confirm")
		default:
			log.Printf("Scheduler: confirm failed for job %s: %v", job.ID, err)
			s.finalizeFailure(ctx, job, model.FailureReasonInternal, err.Error())
		}
		return nil
	}

	s.stateMu.Lock()
	now := time.Now()
	job.State = model.JobStateCompleted
	job.ActualCost = actual
	job.ResultRef = resultRef
	job.CompletedAt = &now
	err := s.store.Save(ctx, job)
	s.stateMu.Unlock()
	if err != nil {
		return err
	}

	log.Printf("Scheduler: job %s completed via %s (cost=%d)", job.ID, job.ChosenProvider, actual)
	if s.hub != nil {
		s.hub.BroadcastComplete(job.ID, model.JobStatusResponse{
			JobID:       job.ID,
			State:       job.State,
			MediaType:   job.MediaType,
			ActualCost:  actual,
			ResultRef:   resultRef,
			Attempt:     job.Attempt,
			CreatedAt:   job.CreatedAt,
			CompletedAt: job.CompletedAt,
		})
	}
	return nil
}

// Cancel handles a caller-initiated cancel. Before dispatch the job leaves
// its queue and the reservation is released immediately; after dispatch the
// in-flight provider call is cancelled best-effort and settlement happens
// when it returns.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (model.JobState, error) {
	s.stateMu.Lock()
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.stateMu.Unlock()
		return "", err
	}

	switch {
	case job.State.IsTerminal():
		s.stateMu.Unlock()
		return job.State, ErrJobAlreadyCompleted

	case job.State == model.JobStateDispatched:
		s.stateMu.Unlock()
		s.requestCancel(jobID)
		return model.JobStateDispatched, nil

	default: // queued or reserving
		s.queues[job.MediaType].remove(job.ID)
		now := time.Now()
		job.State = model.JobStateCancelled
		job.FailureReason = model.FailureReasonCancelled
		job.CompletedAt = &now
		saveErr := s.store.Save(ctx, job)
		s.stateMu.Unlock()

		if err := s.ledger.Cancel(ctx, job.ReservationID); err != nil {
			log.Printf("Scheduler: failed to release reservation on cancel of job %s: %v", jobID, err)
		}
		if saveErr != nil {
			return "", saveErr
		}
		s.broadcastProgress(job, "Cancelled")
		return model.JobStateCancelled, nil
	}
}

// QueueDepth reports the number of jobs waiting for a media type.
func (s *Scheduler) QueueDepth(mediaType model.MediaType) int {
	q := s.queues[mediaType]
	if q == nil {
		return 0
	}
	return q.depth()
}

func (s *Scheduler) finalizeCancelled(ctx context.Context, job *model.Job) {
	s.stateMu.Lock()
	now := time.Now()
	job.State = model.JobStateCancelled
	job.FailureReason = model.FailureReasonCancelled
	job.CompletedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		log.Printf("Scheduler: failed to save cancelled job %s: %v", job.ID, err)
	}
	s.stateMu.Unlock()

	s.broadcastProgress(job, "Cancelled")
	log.Printf("Scheduler: job %s cancelled during dispatch", job.ID)
}

func (s *Scheduler) finalizeFailure(ctx context.Context, job *model.Job, reason, message string) {
	s.stateMu.Lock()
	now := time.Now()
	job.State = model.JobStateFailed
	job.FailureReason = reason
	job.CompletedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		log.Printf("Scheduler: failed to save failed job %s: %v", job.ID, err)
	}
	s.stateMu.Unlock()

	log.Printf("Scheduler: job %s failed (%s): %s", job.ID, reason, message)
	if s.hub != nil {
		s.hub.BroadcastError(job.ID, reason, message)
	}
}

func (s *Scheduler) publishSlot(mediaType model.MediaType) error {
	if s.enqueuer == nil {
		return nil
	}
	task, err := NewDispatchTask(mediaType)
	if err != nil {
		return err
	}
	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue(string(mediaType)),
		asynq.MaxRetry(0),
		asynq.Retention(s.cfg.Retention),
	)
	return err
}

// NewDispatchTask builds the asynq task representing one dispatch slot.
func NewDispatchTask(mediaType model.MediaType) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]interface{}{"mediaType": mediaType})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDispatch, data), nil
}

func (s *Scheduler) runWorker(mediaType model.MediaType) {
	defer s.wg.Done()
	q := s.queues[mediaType]

	for {
		select {
		case <-s.stop:
			return
		case <-q.notify:
			for {
				processed, err := s.DispatchNext(context.Background(), mediaType)
				if err != nil {
					log.Printf("Scheduler: dispatch error for %s: %v", mediaType, err)
				}
				if !processed {
					break
				}
				select {
				case <-s.stop:
					return
				default:
				}
			}
		}
	}
}

func (s *Scheduler) limiterFor(providerID string) *providerLimiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()

	if lim, ok := s.limiters[providerID]; ok {
		return lim
	}

	maxConcurrent, perMinute := 0, 0
	if info, err := s.registry.Info(providerID); err == nil {
		maxConcurrent = info.MaxConcurrent
		perMinute = info.RateLimitPerMinute
	}
	lim := newProviderLimiter(maxConcurrent, perMinute)
	s.limiters[providerID] = lim
	return lim
}

func (s *Scheduler) registerCancel(jobID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancels[jobID] = cancel
	s.cancelMu.Unlock()
}

func (s *Scheduler) unregisterCancel(jobID string) {
	s.cancelMu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
	s.cancelMu.Unlock()
}

func (s *Scheduler) requestCancel(jobID string) {
	s.cancelMu.Lock()
	s.requested[jobID] = true
	cancel := s.cancels[jobID]
	s.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) cancelRequested(jobID string) bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	if s.requested[jobID] {
		delete(s.requested, jobID)
		return true
	}
	return false
}

func (s *Scheduler) broadcastProgress(job *model.Job, step string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastProgress(job.ID, job.State, job.Attempt, step)
}
