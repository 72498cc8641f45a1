package persistence

import (
	"errors"
	"sort"
	"sync"

	"grid-trader-go/internal/models"
)

// memoryRepository keeps states in process memory. Used for backtests, where
// nothing should outlive the run.
type memoryRepository struct {
	mu     sync.Mutex
	states map[string]models.GridState
}

// NewMemoryRepository returns an empty in-memory StateRepository.
func NewMemoryRepository() StateRepository {
	return &memoryRepository{states: make(map[string]models.GridState)}
}

func copyState(s models.GridState) models.GridState {
	s.Levels = append([]models.GridLevel(nil), s.Levels...)
	return s
}

func (r *memoryRepository) SaveState(state *models.GridState) error {
	if state == nil || state.StrategyID == "" {
		return errors.New("state must carry a strategy id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.StrategyID] = copyState(*state)
	return nil
}

func (r *memoryRepository) LoadState(strategyID string) (*models.GridState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[strategyID]
	if !ok {
		return nil, nil
	}
	out := copyState(s)
	return &out, nil
}

func (r *memoryRepository) DeleteState(strategyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, strategyID)
	return nil
}

func (r *memoryRepository) ListStrategyIDs() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memoryRepository) Close() error { return nil }
