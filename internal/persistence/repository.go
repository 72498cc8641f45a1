package persistence

import "grid-trader-go/internal/models"

// StateRepository defines the interface for strategy state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. States are keyed by strategy id.
type StateRepository interface {
	// SaveState atomically replaces the stored state of state.StrategyID.
	SaveState(state *models.GridState) error

	// LoadState loads the state of one strategy.
	// If no state is found, it should return (nil, nil).
	LoadState(strategyID string) (*models.GridState, error)

	// DeleteState removes a strategy's state; deleting a missing key is not an error.
	DeleteState(strategyID string) error

	// ListStrategyIDs returns the ids that currently have a stored state.
	ListStrategyIDs() ([]string, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// Prepare readies repo for strategyID before the strategy is initialised.
// With reset set, any stored state of strategyID is deleted so the grid starts
// fresh. It reports whether a state is left to resume and the other stored ids.
func Prepare(repo StateRepository, strategyID string, reset bool) (resumable bool, others []string, err error) {
	if reset {
		if err := repo.DeleteState(strategyID); err != nil {
			return false, nil, err
		}
	}
	ids, err := repo.ListStrategyIDs()
	if err != nil {
		return false, nil, err
	}
	for _, id := range ids {
		if id == strategyID {
			resumable = true
			continue
		}
		others = append(others, id)
	}
	return resumable, others, nil
}
