package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"grid-trader-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const statePrefix = "grid_state/"

func stateKey(strategyID string) []byte {
	return []byte(statePrefix + strategyID)
}

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// SaveState marshals the state into JSON and saves it under the strategy's key.
func (r *badgerRepository) SaveState(state *models.GridState) error {
	if state == nil || state.StrategyID == "" {
		return errors.New("state must carry a strategy id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.StrategyID), data)
	})
}

// LoadState returns (nil, nil) when the strategy has no stored state.
func (r *badgerRepository) LoadState(strategyID string) (*models.GridState, error) {
	var state models.GridState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(strategyID))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", strategyID, err)
	}
	return &state, nil
}

// DeleteState removes the strategy's key.
func (r *badgerRepository) DeleteState(strategyID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(strategyID))
	})
}

// ListStrategyIDs scans the state prefix without fetching values.
func (r *badgerRepository) ListStrategyIDs() ([]string, error) {
	var ids []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(statePrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
