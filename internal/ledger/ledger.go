// Package ledger holds balances, open positions and the append-only trade
// history of a simulated account. It performs no I/O.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"grid-trader-go/internal/models"
)

// AccountingMode selects how fills move balances.
type AccountingMode string

const (
	// Perp settles realized PnL and fees in the quote currency; no principal moves.
	Perp AccountingMode = "perp"
	// Spot transfers base/quote on every fill and charges fees in the base currency.
	Spot AccountingMode = "spot"
)

// ParseAccountingMode maps a config string onto an AccountingMode.
func ParseAccountingMode(s string) (AccountingMode, error) {
	switch AccountingMode(s) {
	case Perp, Spot:
		return AccountingMode(s), nil
	case "":
		return Perp, nil
	}
	return "", fmt.Errorf("unknown accounting mode %q", s)
}

// Config holds the fee schedule and starting balances.
type Config struct {
	Mode            AccountingMode
	MakerFeeRate    float64
	TakerFeeRate    float64
	InitialBalances map[string]float64
}

// Ledger is owned by a single matching engine and is not safe for concurrent use.
type Ledger struct {
	mode      AccountingMode
	makerRate float64
	takerRate float64

	balances  map[string]float64
	positions map[string]*models.Position
	specs     map[string]models.PairSpec

	trades  []models.Trade
	current []models.Trade
	records []models.HistoryRecord

	nextTradeID int64
}

// New creates a ledger seeded with cfg.InitialBalances.
func New(cfg Config) *Ledger {
	mode := cfg.Mode
	if mode == "" {
		mode = Perp
	}
	l := &Ledger{
		mode:        mode,
		makerRate:   cfg.MakerFeeRate,
		takerRate:   cfg.TakerFeeRate,
		balances:    make(map[string]float64),
		positions:   make(map[string]*models.Position),
		specs:       make(map[string]models.PairSpec),
		nextTradeID: 1,
	}
	for currency, amount := range cfg.InitialBalances {
		l.balances[currency] = amount
	}
	return l
}

// Mode returns the accounting mode.
func (l *Ledger) Mode() AccountingMode { return l.mode }

// RegisterPair sets the precision used when updating the pair's position.
func (l *Ledger) RegisterPair(spec models.PairSpec) {
	l.specs[spec.Pair] = spec
}

func (l *Ledger) spec(pair string) models.PairSpec {
	if s, ok := l.specs[pair]; ok {
		return s
	}
	return models.DefaultPairSpec(pair)
}

// RecordFill books a filled order at fillPrice and returns the resulting trade.
// Fee, realized PnL and (spot) principal transfer are applied in the same step
// the trade is recorded.
func (l *Ledger) RecordFill(order models.Order, fillPrice float64, ts time.Time) (models.Trade, error) {
	if order.Status != models.StatusFilled {
		return models.Trade{}, fmt.Errorf("order %d is %s, not filled", order.ID, order.Status)
	}
	pair, err := models.ParsePair(order.Symbol)
	if err != nil {
		return models.Trade{}, err
	}
	size := order.FilledSize

	tradeType := models.Taker
	rate := l.takerRate
	if order.Type == models.Limit {
		tradeType = models.Maker
		rate = l.makerRate
	}
	fee := rate * fillPrice * size

	trade := models.Trade{
		ID:        l.nextTradeID,
		OrderID:   order.ID,
		Type:      tradeType,
		Symbol:    order.Symbol,
		Price:     fillPrice,
		Size:      size,
		Side:      order.Side,
		Timestamp: ts,
		Fee:       fee,
	}
	l.nextTradeID++

	trade.RealizedPnL = l.applyFilledOrder(order.Symbol, order.Side, fillPrice, size)

	switch l.mode {
	case Spot:
		trade.FeeCurrency = pair.Base
		l.balances[pair.Base] -= rate * size
		if order.Side == models.Long {
			l.balances[pair.Base] += size
			l.balances[pair.Quote] -= fillPrice * size
		} else {
			l.balances[pair.Base] -= size
			l.balances[pair.Quote] += fillPrice * size
		}
	default:
		trade.FeeCurrency = pair.Quote
		l.balances[pair.Quote] += trade.RealizedPnL - fee
	}

	l.trades = append(l.trades, trade)
	l.current = append(l.current, trade)
	return trade, nil
}

// applyFilledOrder updates the pair's position and returns the PnL realized
// by the part of the fill that reduced an opposing position.
func (l *Ledger) applyFilledOrder(symbol string, side models.Side, price, size float64) float64 {
	spec := l.spec(symbol)
	pos, ok := l.positions[symbol]
	if !ok {
		l.positions[symbol] = &models.Position{Symbol: symbol, EntryPrice: price, Side: side, Size: spec.RoundSize(size)}
		return 0
	}

	if pos.Side == side {
		total := pos.Size + size
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*size) / total
		pos.Size = spec.RoundSize(total)
		return 0
	}

	closed := size
	if pos.Size < closed {
		closed = pos.Size
	}
	realized := pos.Side.Sign() * (price - pos.EntryPrice) * closed

	remaining := spec.RoundSize(pos.Size - size)
	switch {
	case remaining > 0:
		pos.Size = remaining
	case remaining == 0:
		delete(l.positions, symbol)
	default:
		l.positions[symbol] = &models.Position{Symbol: symbol, EntryPrice: price, Side: side, Size: -remaining}
	}
	return realized
}

// Balance returns the stored balance of currency, without unrealized PnL.
func (l *Ledger) Balance(currency string) float64 {
	return l.balances[currency]
}

// Balances returns a copy of all stored balances.
func (l *Ledger) Balances() map[string]float64 {
	out := make(map[string]float64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Position returns a copy of the open position for symbol.
func (l *Ledger) Position(symbol string) (models.Position, bool) {
	pos, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions ordered by symbol.
func (l *Ledger) Positions() []models.Position {
	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Flush seals the in-progress record with the given balance snapshot and
// starts a new one. Trades are ordered longs first by descending price, then
// shorts by ascending price.
func (l *Ledger) Flush(ts time.Time, balances map[string]float64) {
	trades := make([]models.Trade, len(l.current))
	copy(trades, l.current)
	SortTrades(trades)

	snapshot := make(map[string]float64, len(balances))
	for k, v := range balances {
		snapshot[k] = v
	}
	l.records = append(l.records, models.HistoryRecord{Timestamp: ts, Trades: trades, Balances: snapshot})
	l.current = l.current[:0]
}

// SortTrades applies the record ordering used by Flush.
func SortTrades(trades []models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := trades[i], trades[j]
		if a.Side != b.Side {
			return a.Side == models.Long
		}
		if a.Side == models.Long {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	})
}

// AllRecords returns copies of the sealed history records in order.
func (l *Ledger) AllRecords() []models.HistoryRecord {
	out := make([]models.HistoryRecord, len(l.records))
	for i, r := range l.records {
		trades := make([]models.Trade, len(r.Trades))
		copy(trades, r.Trades)
		balances := make(map[string]float64, len(r.Balances))
		for k, v := range r.Balances {
			balances[k] = v
		}
		out[i] = models.HistoryRecord{Timestamp: r.Timestamp, Trades: trades, Balances: balances}
	}
	return out
}

// Trades returns every trade recorded so far, in fill order.
func (l *Ledger) Trades() []models.Trade {
	out := make([]models.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// BalanceHistory extracts one currency's balance from every sealed record.
func (l *Ledger) BalanceHistory(currency string) []models.BalancePoint {
	out := make([]models.BalancePoint, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, models.BalancePoint{Timestamp: r.Timestamp, Amount: r.Balances[currency]})
	}
	return out
}
