package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/api/internal/model"
)

// State is a point-in-time copy of the ledger, used for best-effort
// persistence across restarts. The in-memory ledger remains authoritative
// while the process is running.
type State struct {
	Accounts     []model.Account     `json:"accounts"`
	Reservations []model.Reservation `json:"reservations"`
	Transactions []model.Transaction `json:"transactions"`
	TakenAt      time.Time           `json:"takenAt"`
}

// Snapshot returns a consistent-enough copy for persistence. Accounts are
// copied one at a time under their own locks; a snapshot taken while jobs are
// in flight may be mid-operation, which is acceptable for restart continuity.
func (l *Ledger) Snapshot() *State {
	state := &State{TakenAt: time.Now()}

	l.mu.RLock()
	entries := make([]*accountEntry, 0, len(l.accounts))
	for _, entry := range l.accounts {
		entries = append(entries, entry)
	}
	for _, res := range l.reservations {
		state.Reservations = append(state.Reservations, *res)
	}
	l.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		state.Accounts = append(state.Accounts, entry.acct)
		entry.mu.Unlock()
	}

	l.txMu.Lock()
	state.Transactions = append(state.Transactions, l.transactions...)
	l.txMu.Unlock()

	return state
}

// Restore loads a previously saved state into an empty ledger. Reservations
// still in reserved status are restored as-is; the stale sweep will release
// any that never confirm.
func (l *Ledger) Restore(state *State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, acct := range state.Accounts {
		l.accounts[acct.ID] = &accountEntry{acct: acct}
	}
	for _, res := range state.Reservations {
		copy := res
		l.reservations[res.ID] = &copy
	}

	l.txMu.Lock()
	l.transactions = append(l.transactions, state.Transactions...)
	l.txMu.Unlock()
}

const snapshotKey = "ledger:snapshot"

// SnapshotStore persists ledger snapshots to Redis as JSON.
type SnapshotStore struct {
	redis *redis.Client
}

func NewSnapshotStore(redisClient *redis.Client) *SnapshotStore {
	return &SnapshotStore{redis: redisClient}
}

// Save writes the snapshot to Redis.
func (s *SnapshotStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger snapshot: %w", err)
	}
	return s.redis.Set(ctx, snapshotKey, data, 0).Err()
}

// Load reads the latest snapshot from Redis. Returns nil with no error when
// no snapshot exists.
func (s *SnapshotStore) Load(ctx context.Context) (*State, error) {
	data, err := s.redis.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger snapshot: %w", err)
	}
	return &state, nil
}
