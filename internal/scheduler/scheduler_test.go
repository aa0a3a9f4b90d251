package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mediaforge/api/internal/ledger"
	"github.com/mediaforge/api/internal/model"
	"github.com/mediaforge/api/internal/provider"
)

// fakeProvider is a controllable backend for dispatch tests.
type fakeProvider struct {
	id        string
	mt        model.MediaType
	estimate  int64
	cost      int64
	fail      error
	failTimes int // fail this many calls, then succeed; 0 with fail set means always
	calls     int
}

func (f *fakeProvider) ID() string                 { return f.id }
func (f *fakeProvider) MediaType() model.MediaType { return f.mt }
func (f *fakeProvider) EstimateCost(req *provider.Request) (int64, error) {
	return f.estimate, nil
}
func (f *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	f.calls++
	if f.fail != nil && (f.failTimes == 0 || f.calls <= f.failTimes) {
		return nil, f.fail
	}
	return &provider.Result{
		OutputURL: "https://vendor.example/" + req.JobID,
		Cost:      f.cost,
	}, nil
}
func (f *fakeProvider) Health(ctx context.Context) model.ProviderStatus {
	return model.ProviderActive
}

type testEnv struct {
	ledger   *ledger.Ledger
	registry *provider.Registry
	store    *MemoryJobStore
	sched    *Scheduler
}

func newTestEnv(t *testing.T, cfg Config, providers ...*fakeProvider) *testEnv {
	t.Helper()

	ldgr := ledger.New(30 * time.Minute)
	registry := provider.NewRegistry()
	for _, p := range providers {
		quality := 0.9 - 0.2*float64(len(registry.ListAll(p.mt)))
		registry.Register(p, model.ProviderInfo{QualityRating: quality})
	}
	selector := provider.NewSelector(registry)
	store := NewMemoryJobStore()

	sched := New(cfg, store, ldgr, registry, selector, nil, nil, nil)
	return &testEnv{ledger: ldgr, registry: registry, store: store, sched: sched}
}

// seedJob funds the account, reserves the estimate, and returns a queued job
// the way the orchestration layer builds one.
func (e *testEnv) seedJob(t *testing.T, id string, estimate int64, providerID string) *model.Job {
	t.Helper()
	ctx := context.Background()

	res, err := e.ledger.Reserve(ctx, "acct-1", estimate)
	if err != nil {
		t.Fatalf("seed reserve failed: %v", err)
	}
	return &model.Job{
		ID:             id,
		AccountID:      "acct-1",
		MediaType:      model.MediaTypeImage,
		Parameters:     map[string]interface{}{"prompt": "a test"},
		State:          model.JobStateQueued,
		ReservationID:  res.ID,
		EstimatedCost:  estimate,
		Attempt:        1,
		ChosenProvider: providerID,
		CreatedAt:      time.Now(),
	}
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 1},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	if err := env.sched.Enqueue(ctx, env.seedJob(t, "job-1", 50, "prov-a")); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := env.sched.Enqueue(ctx, env.seedJob(t, "job-2", 50, "prov-a")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if depth := env.sched.QueueDepth(model.MediaTypeImage); depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}
}

func TestDispatchCompletesAndSettles(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 40})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	if err := env.sched.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	processed, err := env.sched.DispatchNext(ctx, model.MediaTypeImage)
	if err != nil || !processed {
		t.Fatalf("DispatchNext: processed=%v err=%v", processed, err)
	}

	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateCompleted {
		t.Fatalf("expected completed, got %s (reason=%s)", got.State, got.FailureReason)
	}
	if got.ActualCost != 40 {
		t.Errorf("expected actual cost 40, got %d", got.ActualCost)
	}
	if got.ResultRef == "" {
		t.Errorf("expected a result reference")
	}
	if len(got.Attempts) != 1 {
		t.Errorf("expected 1 attempt record, got %d", len(got.Attempts))
	}

	acct, _ := env.ledger.Balance("acct-1")
	if acct.Balance != 960 {
		t.Errorf("expected balance 960 after settling 40, got %d", acct.Balance)
	}
	if acct.Reserved != 0 {
		t.Errorf("expected reserved 0 after settle, got %d", acct.Reserved)
	}
}

func TestDispatchAppliesMarkupToActualCost(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10, MarkupPercent: 30},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 40})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	// reservation covers the marked-up estimate
	job := env.seedJob(t, "job-1", model.ApplyMarkup(50, 30), "prov-a")
	env.sched.Enqueue(ctx, job)
	env.sched.DispatchNext(ctx, model.MediaTypeImage)

	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	want := model.ApplyMarkup(40, 30)
	if got.ActualCost != want {
		t.Errorf("expected actual cost %d, got %d", want, got.ActualCost)
	}
}

func TestDispatchHonorsPriorityOrder(t *testing.T) {
	prov := &fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50}
	env := newTestEnv(t, Config{QueueCapacity: 10}, prov)
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	low := env.seedJob(t, "job-low", 50, "prov-a")
	low.Priority = 1
	high := env.seedJob(t, "job-high", 50, "prov-a")
	high.Priority = 5

	env.sched.Enqueue(ctx, low)
	env.sched.Enqueue(ctx, high)

	env.sched.DispatchNext(ctx, model.MediaTypeImage)

	gotHigh, _ := env.store.Get(ctx, "job-high")
	gotLow, _ := env.store.Get(ctx, "job-low")
	if gotHigh.State != model.JobStateCompleted {
		t.Errorf("expected high-priority job dispatched first, state=%s", gotHigh.State)
	}
	if gotLow.State != model.JobStateQueued {
		t.Errorf("expected low-priority job still queued, state=%s", gotLow.State)
	}
}

func TestTransientFailureRetriesAlternateProvider(t *testing.T) {
	failing := &fakeProvider{
		id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50,
		fail: provider.Transient(errors.New("upstream 502")),
	}
	backup := &fakeProvider{id: "prov-b", mt: model.MediaTypeImage, estimate: 40, cost: 40}
	env := newTestEnv(t, Config{QueueCapacity: 10, RetryLimit: 3}, failing, backup)
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	env.sched.Enqueue(ctx, job)

	// attempt 1 fails, job is re-queued against the alternate
	env.sched.DispatchNext(ctx, model.MediaTypeImage)
	mid, _ := env.store.Get(ctx, "job-1")
	if mid.State != model.JobStateQueued {
		t.Fatalf("expected requeued job, got %s (reason=%s)", mid.State, mid.FailureReason)
	}
	if mid.ChosenProvider != "prov-b" {
		t.Errorf("expected alternate prov-b, got %s", mid.ChosenProvider)
	}
	if mid.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", mid.Attempt)
	}

	// attempt 2 succeeds
	env.sched.DispatchNext(ctx, model.MediaTypeImage)
	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateCompleted {
		t.Fatalf("expected completed, got %s (reason=%s)", got.State, got.FailureReason)
	}
	if len(got.Attempts) != 2 {
		t.Errorf("expected 2 attempt records, got %d", len(got.Attempts))
	}
	if got.Attempts[0].Error == "" {
		t.Errorf("expected first attempt to carry its error")
	}

	// exactly the successful attempt's cost was charged
	acct, _ := env.ledger.Balance("acct-1")
	if acct.Balance != 960 {
		t.Errorf("expected balance 960, got %d", acct.Balance)
	}
	if acct.Reserved != 0 {
		t.Errorf("expected no lingering holds, got %d", acct.Reserved)
	}
}

func TestPermanentFailureRefundsInFull(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10, RetryLimit: 3},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50,
			fail: errors.New("invalid parameters")})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	env.sched.Enqueue(ctx, job)
	env.sched.DispatchNext(ctx, model.MediaTypeImage)

	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.FailureReason != model.FailureReasonProviderError {
		t.Errorf("expected PROVIDER_ERROR, got %s", got.FailureReason)
	}

	acct, _ := env.ledger.Balance("acct-1")
	if acct.Balance != 1000 || acct.Reserved != 0 {
		t.Errorf("expected full refund, got balance=%d reserved=%d", acct.Balance, acct.Reserved)
	}
}

func TestTransientFailureWithNoAlternateFailsJob(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10, RetryLimit: 3},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50,
			fail: provider.Transient(errors.New("upstream 503"))})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	env.sched.Enqueue(ctx, job)
	env.sched.DispatchNext(ctx, model.MediaTypeImage)

	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.FailureReason != model.FailureReasonNoProviderAvailable {
		t.Errorf("expected NO_PROVIDER_AVAILABLE, got %s", got.FailureReason)
	}

	acct, _ := env.ledger.Balance("acct-1")
	if acct.Balance != 1000 || acct.Reserved != 0 {
		t.Errorf("expected full refund, got balance=%d reserved=%d", acct.Balance, acct.Reserved)
	}
}

func TestTimeoutFailureReason(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10, RetryLimit: 1},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50,
			fail: context.DeadlineExceeded})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	env.sched.Enqueue(ctx, job)
	env.sched.DispatchNext(ctx, model.MediaTypeImage)

	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.FailureReason != model.FailureReasonProviderTimeout {
		t.Errorf("expected PROVIDER_TIMEOUT, got %s", got.FailureReason)
	}
}

func TestRetrySkipsProvidersOverMaxCost(t *testing.T) {
	failing := &fakeProvider{
		id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50,
		fail: provider.Transient(errors.New("flaky")),
	}
	pricey := &fakeProvider{id: "prov-b", mt: model.MediaTypeImage, estimate: 500, cost: 500}
	env := newTestEnv(t, Config{QueueCapacity: 10, RetryLimit: 3}, failing, pricey)
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 10_000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	job.MaxCost = 100
	env.sched.Enqueue(ctx, job)
	env.sched.DispatchNext(ctx, model.MediaTypeImage)

	// the only alternate exceeds the cost ceiling
	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.FailureReason != model.FailureReasonNoProviderAvailable {
		t.Errorf("expected NO_PROVIDER_AVAILABLE, got %s", got.FailureReason)
	}
}

func TestCancelQueuedJobRefunds(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	env.sched.Enqueue(ctx, job)

	state, err := env.sched.Cancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if state != model.JobStateCancelled {
		t.Errorf("expected cancelled, got %s", state)
	}

	acct, _ := env.ledger.Balance("acct-1")
	if acct.Balance != 1000 || acct.Reserved != 0 {
		t.Errorf("expected full refund, got balance=%d reserved=%d", acct.Balance, acct.Reserved)
	}

	// the queue slot is gone
	processed, _ := env.sched.DispatchNext(ctx, model.MediaTypeImage)
	if processed {
		t.Errorf("expected empty queue after cancel")
	}

	// cancelling again reports the terminal state
	if _, err := env.sched.Cancel(ctx, "job-1"); !errors.Is(err, ErrJobAlreadyCompleted) {
		t.Errorf("expected ErrJobAlreadyCompleted, got %v", err)
	}
}

func TestCancelDispatchedJobIsBestEffort(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	now := time.Now()
	job.State = model.JobStateDispatched
	job.DispatchedAt = &now
	env.store.Save(ctx, job)

	state, err := env.sched.Cancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if state != model.JobStateDispatched {
		t.Errorf("expected dispatched (cancel pending), got %s", state)
	}

	// the in-flight attempt keeps its hold until it settles
	acct, _ := env.ledger.Balance("acct-1")
	if acct.Reserved != 50 {
		t.Errorf("expected hold retained while in flight, got %d", acct.Reserved)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10})
	if _, err := env.sched.Cancel(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestDispatchSkipsCancelledJob(t *testing.T) {
	env := newTestEnv(t, Config{QueueCapacity: 10},
		&fakeProvider{id: "prov-a", mt: model.MediaTypeImage, estimate: 50, cost: 50})
	ctx := context.Background()
	env.ledger.AddCredits(ctx, "acct-1", 1000, "seed")

	job := env.seedJob(t, "job-1", 50, "prov-a")
	env.sched.Enqueue(ctx, job)

	// flip the stored job terminal behind the queue's back
	stored, _ := env.store.Get(ctx, "job-1")
	stored.State = model.JobStateCancelled
	env.store.Save(ctx, stored)

	processed, err := env.sched.DispatchNext(ctx, model.MediaTypeImage)
	if err != nil {
		t.Fatalf("DispatchNext failed: %v", err)
	}
	if !processed {
		t.Fatalf("expected the slot to be consumed")
	}

	got, _ := env.store.Get(ctx, "job-1")
	if got.State != model.JobStateCancelled {
		t.Errorf("cancelled job must not be dispatched, got %s", got.State)
	}
	if len(got.Attempts) != 0 {
		t.Errorf("cancelled job must not accrue attempts, got %d", len(got.Attempts))
	}
}
