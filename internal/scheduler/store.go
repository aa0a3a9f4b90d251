package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/api/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore owns job persistence plus the idempotency-key index. The Redis
// implementation is used in production; the in-memory one serves development
// and tests when Redis is not available.
type JobStore interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (*model.Job, error)
	RememberIdempotencyKey(ctx context.Context, accountID, key, jobID string, ttl time.Duration) error
}

// RedisJobStore persists jobs as JSON under job:<id> with a retention TTL,
// and idempotency keys under idem:<account>:<key>.
type RedisJobStore struct {
	redis     *redis.Client
	retention time.Duration
}

func NewRedisJobStore(redisClient *redis.Client, retention time.Duration) *RedisJobStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisJobStore{redis: redisClient, retention: retention}
}

func (s *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, s.retention).Err()
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisJobStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*model.Job, error) {
	jobID, err := s.redis.Get(ctx, idemKey(accountID, key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return s.Get(ctx, jobID)
}

func (s *RedisJobStore) RememberIdempotencyKey(ctx context.Context, accountID, key, jobID string, ttl time.Duration) error {
	return s.redis.Set(ctx, idemKey(accountID, key), jobID, ttl).Err()
}

func jobKey(jobID string) string             { return fmt.Sprintf("job:%s", jobID) }
func idemKey(accountID, key string) string   { return fmt.Sprintf("idem:%s:%s", accountID, key) }

// MemoryJobStore is the in-process JobStore used when Redis is not
// configured.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	idem map[string]idemEntry
}

type idemEntry struct {
	jobID     string
	expiresAt time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*model.Job),
		idem: make(map[string]idemEntry),
	}
}

func (s *MemoryJobStore) Save(ctx context.Context, job *model.Job) error {
	copy := *job
	s.mu.Lock()
	s.jobs[job.ID] = &copy
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copy := *job
	return &copy, nil
}

func (s *MemoryJobStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*model.Job, error) {
	s.mu.RLock()
	entry, ok := s.idem[idemKey(accountID, key)]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrJobNotFound
	}
	return s.Get(ctx, entry.jobID)
}

func (s *MemoryJobStore) RememberIdempotencyKey(ctx context.Context, accountID, key, jobID string, ttl time.Duration) error {
	s.mu.Lock()
	s.idem[idemKey(accountID, key)] = idemEntry{
		jobID:     jobID,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}
