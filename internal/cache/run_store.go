package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunState is the live view of an in-flight run shared through Redis so that
// status endpoints and cancel requests work across instances.
type RunState struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	ProgressPercent float64   `json:"progress_percent"`
	Message         string    `json:"message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RunStore tracks run state and cancellation flags in Redis. All methods
// degrade gracefully: a Redis outage never fails a run, callers fall back to
// the database view.
type RunStore struct {
	cache *CacheService
}

// NewRunStore wraps a cache service.
func NewRunStore(cache *CacheService) *RunStore {
	return &RunStore{cache: cache}
}

// PublishState writes the current run state.
func (s *RunStore) PublishState(ctx context.Context, state RunState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.cache.SetJSON(ctx, RunStateKey(state.RunID), state, DefaultRunStateTTL)
}

// GetState loads the live state for a run, nil on cache miss.
func (s *RunStore) GetState(ctx context.Context, runID string) (*RunState, error) {
	var state RunState
	err := s.cache.GetJSON(ctx, RunStateKey(runID), &state)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// RequestCancel raises the cancel flag for a run.
func (s *RunStore) RequestCancel(ctx context.Context, runID string) error {
	return s.cache.Set(ctx, RunCancelKey(runID), "1", DefaultRunStateTTL)
}

// IsCancelRequested reports whether the cancel flag is raised. Errors are
// swallowed: an unreachable Redis must not cancel or stall a run.
func (s *RunStore) IsCancelRequested(ctx context.Context, runID string) bool {
	val, err := s.cache.Get(ctx, RunCancelKey(runID))
	if err != nil {
		return false
	}
	return val == "1"
}

// Clear removes the state and cancel keys for a finished run.
func (s *RunStore) Clear(ctx context.Context, runID string) {
	_ = s.cache.Delete(ctx, RunStateKey(runID))
	_ = s.cache.Delete(ctx, RunCancelKey(runID))
}
