// Package statemanager owns the grid's level ladder, lifecycle flags, stop
// order bookkeeping and signed position. It performs no I/O; the grid operator
// uses it as the source of truth for which orders should exist.
package statemanager

import (
	"errors"
	"fmt"
	"math"
	"time"

	"grid-trader-go/internal/models"
)

// ErrInvalidGrid is returned for grid configurations that cannot form a ladder.
var ErrInvalidGrid = errors.New("invalid grid config")

// GridStateManager is mutated from a single evaluation flow and is not safe
// for concurrent use. Callers receive copies of levels, never references.
type GridStateManager struct {
	state models.GridState
	spec  models.PairSpec
}

// Validate checks that cfg describes a usable grid.
func Validate(cfg models.GridConfig) error {
	if _, err := models.ParsePair(cfg.Pair); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGrid, err)
	}
	switch {
	case cfg.Lower <= 0 || cfg.Upper <= cfg.Lower:
		return fmt.Errorf("%w: need 0 < lower < upper, got lower=%v upper=%v", ErrInvalidGrid, cfg.Lower, cfg.Upper)
	case cfg.Number < 1:
		return fmt.Errorf("%w: number must be at least 1, got %d", ErrInvalidGrid, cfg.Number)
	case cfg.Size <= 0:
		return fmt.Errorf("%w: size must be positive, got %v", ErrInvalidGrid, cfg.Size)
	case cfg.MaxTrial < 1:
		return fmt.Errorf("%w: max_trial must be at least 1, got %d", ErrInvalidGrid, cfg.MaxTrial)
	case cfg.TriggerPrice < 0 || cfg.StopLowerPrice < 0 || cfg.StopUpperPrice < 0:
		return fmt.Errorf("%w: trigger and stop prices must not be negative", ErrInvalidGrid)
	case cfg.StopLowerPrice > 0 && cfg.StopLowerPrice >= cfg.Upper:
		return fmt.Errorf("%w: stop_lower_price must be below upper", ErrInvalidGrid)
	case cfg.StopUpperPrice > 0 && cfg.StopUpperPrice <= cfg.Lower:
		return fmt.Errorf("%w: stop_upper_price must be above lower", ErrInvalidGrid)
	}
	return nil
}

// New builds the N+1 levels lower, lower+interval, ..., upper.
func New(strategyID string, cfg models.GridConfig, spec models.PairSpec) (*GridStateManager, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	interval := (cfg.Upper - cfg.Lower) / float64(cfg.Number)
	levels := make([]models.GridLevel, cfg.Number+1)
	for i := range levels {
		price := cfg.Lower + interval*float64(i)
		if i == cfg.Number {
			price = cfg.Upper
		}
		levels[i] = models.GridLevel{
			Index: i,
			Price: spec.RoundPrice(price),
			Long:  models.LevelSideState{Status: models.LevelClosed},
			Short: models.LevelSideState{Status: models.LevelClosed},
		}
	}
	return &GridStateManager{
		state: models.GridState{
			StrategyID: strategyID,
			Config:     cfg,
			Interval:   interval,
			Levels:     levels,
		},
		spec: spec,
	}, nil
}

// Restore rebuilds a manager from a snapshot taken by Snapshot.
func Restore(snapshot models.GridState, spec models.PairSpec) (*GridStateManager, error) {
	if err := Validate(snapshot.Config); err != nil {
		return nil, err
	}
	if len(snapshot.Levels) != snapshot.Config.Number+1 {
		return nil, fmt.Errorf("%w: snapshot has %d levels, config wants %d",
			ErrInvalidGrid, len(snapshot.Levels), snapshot.Config.Number+1)
	}
	m := &GridStateManager{state: snapshot, spec: spec}
	m.state.Levels = copyLevels(snapshot.Levels)
	return m, nil
}

func copyLevels(levels []models.GridLevel) []models.GridLevel {
	out := make([]models.GridLevel, len(levels))
	copy(out, levels)
	return out
}

// Snapshot returns a deep copy of the state stamped with ts.
func (m *GridStateManager) Snapshot(ts time.Time) models.GridState {
	s := m.state
	s.Levels = copyLevels(m.state.Levels)
	s.LastUpdateTime = ts
	return s
}

func (m *GridStateManager) StrategyID() string         { return m.state.StrategyID }
func (m *GridStateManager) Config() models.GridConfig  { return m.state.Config }
func (m *GridStateManager) Spec() models.PairSpec      { return m.spec }
func (m *GridStateManager) Interval() float64          { return m.state.Interval }
func (m *GridStateManager) Levels() []models.GridLevel { return copyLevels(m.state.Levels) }

// Level returns level i, or false when i is outside 0..N.
func (m *GridStateManager) Level(i int) (models.GridLevel, bool) {
	if i < 0 || i >= len(m.state.Levels) {
		return models.GridLevel{}, false
	}
	return m.state.Levels[i], true
}

// GetNearestLevel clamps to the range bounds and otherwise rounds
// (price-lower)/interval to the nearest index.
func (m *GridStateManager) GetNearestLevel(price float64) models.GridLevel {
	last := len(m.state.Levels) - 1
	cfg := m.state.Config
	switch {
	case price <= cfg.Lower:
		return m.state.Levels[0]
	case price >= cfg.Upper:
		return m.state.Levels[last]
	}
	i := int(math.Round((price - cfg.Lower) / m.state.Interval))
	if i > last {
		i = last
	}
	return m.state.Levels[i]
}

// GetLevelAbove returns level i+1, or false at the top edge.
func (m *GridStateManager) GetLevelAbove(i int) (models.GridLevel, bool) {
	return m.Level(i + 1)
}

// GetLevelBelow returns level i-1, or false at the bottom edge.
func (m *GridStateManager) GetLevelBelow(i int) (models.GridLevel, bool) {
	if i <= 0 {
		return models.GridLevel{}, false
	}
	return m.Level(i - 1)
}

// GetLongLevelToCloseAt finds the nearest level below i whose long side is
// OPENED; a short fill at i pairs with it.
func (m *GridStateManager) GetLongLevelToCloseAt(i int) (models.GridLevel, bool) {
	for j := i - 1; j >= 0; j-- {
		if j < len(m.state.Levels) && m.state.Levels[j].Long.Status == models.LevelOpened {
			return m.state.Levels[j], true
		}
	}
	return models.GridLevel{}, false
}

// GetShortLevelToCloseAt finds the nearest level above i whose short side is
// OPENED; a long fill at i pairs with it.
func (m *GridStateManager) GetShortLevelToCloseAt(i int) (models.GridLevel, bool) {
	for j := i + 1; j < len(m.state.Levels); j++ {
		if j >= 0 && m.state.Levels[j].Short.Status == models.LevelOpened {
			return m.state.Levels[j], true
		}
	}
	return models.GridLevel{}, false
}

func (m *GridStateManager) sideState(i int, side models.Side) (*models.LevelSideState, error) {
	if i < 0 || i >= len(m.state.Levels) {
		return nil, fmt.Errorf("level %d out of range 0..%d", i, len(m.state.Levels)-1)
	}
	if side == models.Short {
		return &m.state.Levels[i].Short, nil
	}
	return &m.state.Levels[i].Long, nil
}

// SetLevelOpening records a resting order for one side of level i.
func (m *GridStateManager) SetLevelOpening(i int, side models.Side, orderID int64) error {
	s, err := m.sideState(i, side)
	if err != nil {
		return err
	}
	s.Status = models.LevelOpening
	s.OrderID = orderID
	return nil
}

// SetLevelOpened keeps the stored order id.
func (m *GridStateManager) SetLevelOpened(i int, side models.Side) error {
	s, err := m.sideState(i, side)
	if err != nil {
		return err
	}
	s.Status = models.LevelOpened
	return nil
}

// SetLevelClosed always clears the stored order id.
func (m *GridStateManager) SetLevelClosed(i int, side models.Side) error {
	s, err := m.sideState(i, side)
	if err != nil {
		return err
	}
	s.Status = models.LevelClosed
	s.OrderID = 0
	return nil
}

// CloseOpenedSides moves every OPENED sub-state on side back to CLOSED and
// returns the affected indexes.
func (m *GridStateManager) CloseOpenedSides(side models.Side) []int {
	var closed []int
	for i := range m.state.Levels {
		s, _ := m.sideState(i, side)
		if s.Status == models.LevelOpened {
			s.Status = models.LevelClosed
			s.OrderID = 0
			closed = append(closed, i)
		}
	}
	return closed
}

// UpdatePositionByOrder adds +filled for longs and -filled for shorts.
func (m *GridStateManager) UpdatePositionByOrder(order models.Order) {
	m.state.Position = m.spec.RoundSize(m.state.Position + order.Side.Sign()*order.FilledSize)
}

// Position is the signed net size, positive when net long.
func (m *GridStateManager) Position() float64 { return m.state.Position }

func (m *GridStateManager) IsTriggered() bool       { return m.state.IsTriggered }
func (m *GridStateManager) SetTriggered()           { m.state.IsTriggered = true }
func (m *GridStateManager) IsTerminated() bool      { return m.state.IsTerminated }
func (m *GridStateManager) SetTerminated()          { m.state.IsTerminated = true }
func (m *GridStateManager) StopLowerOrderID() int64 { return m.state.StopLowerOrderID }
func (m *GridStateManager) StopUpperOrderID() int64 { return m.state.StopUpperOrderID }

// SetStopLowerOrderID stores the protective order below the grid; 0 clears it.
func (m *GridStateManager) SetStopLowerOrderID(id int64) { m.state.StopLowerOrderID = id }

// SetStopUpperOrderID stores the protective order above the grid; 0 clears it.
func (m *GridStateManager) SetStopUpperOrderID(id int64) { m.state.StopUpperOrderID = id }
