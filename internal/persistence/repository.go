package persistence

import (
	"sync"

	"krw-grid-bot-go/internal/models"
)

const (
	keyTradingState = "trading_state"
	keyProfits      = "profits"
	keyTradeLogs    = "trade_logs"

	maxTradeLogEntries = 5000
)

// Repository is the typed view over a Store for positions, realized profits
// and trade logs. One coarse lock serializes every read-modify-write so no
// reader observes a half-applied update.
type Repository struct {
	store Store
	mu    sync.Mutex
}

func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// StateKey is the trading-state key for an account mode and ticker.
func StateKey(mode, ticker string) string {
	return mode + "_" + ticker
}

func (r *Repository) loadState() (map[string][]models.Position, error) {
	state := map[string][]models.Position{}
	if err := r.store.Load(keyTradingState, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = map[string][]models.Position{}
	}
	return state, nil
}

// LoadPositions returns the persisted open positions of ticker.
func (r *Repository) LoadPositions(mode, ticker string) ([]*models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.loadState()
	if err != nil {
		return nil, err
	}
	stored := state[StateKey(mode, ticker)]
	positions := make([]*models.Position, 0, len(stored))
	for i := range stored {
		p := stored[i]
		if !p.Valid() {
			continue
		}
		positions = append(positions, &p)
	}
	return positions, nil
}

// SavePositions replaces the open positions of ticker.
func (r *Repository) SavePositions(mode, ticker string, positions []*models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.loadState()
	if err != nil {
		return err
	}
	list := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		list = append(list, *p)
	}
	state[StateKey(mode, ticker)] = list
	return r.store.Save(keyTradingState, state)
}

// ClearPositions persists an empty position list for ticker.
func (r *Repository) ClearPositions(mode, ticker string) error {
	return r.SavePositions(mode, ticker, nil)
}

// AddProfit folds a realized profit into the ledger and returns the new total.
func (r *Repository) AddProfit(ticker string, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profits := map[string]float64{}
	if err := r.store.Load(keyProfits, &profits); err != nil {
		return 0, err
	}
	if profits == nil {
		profits = map[string]float64{}
	}
	profits[ticker] += delta
	if err := r.store.Save(keyProfits, profits); err != nil {
		return 0, err
	}
	return profits[ticker], nil
}

// LoadProfits returns the cumulative realized profit per ticker.
func (r *Repository) LoadProfits() (map[string]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profits := map[string]float64{}
	if err := r.store.Load(keyProfits, &profits); err != nil {
		return nil, err
	}
	if profits == nil {
		profits = map[string]float64{}
	}
	return profits, nil
}

// AppendTradeLog appends entry to ticker's log, keeping the newest entries.
func (r *Repository) AppendTradeLog(ticker string, entry models.TradeLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs := map[string][]models.TradeLogEntry{}
	if err := r.store.Load(keyTradeLogs, &logs); err != nil {
		return err
	}
	if logs == nil {
		logs = map[string][]models.TradeLogEntry{}
	}
	list := append(logs[ticker], entry)
	if len(list) > maxTradeLogEntries {
		list = list[len(list)-maxTradeLogEntries:]
	}
	logs[ticker] = list
	return r.store.Save(keyTradeLogs, logs)
}

// LoadTradeLogs returns every ticker's trade log.
func (r *Repository) LoadTradeLogs() (map[string][]models.TradeLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs := map[string][]models.TradeLogEntry{}
	if err := r.store.Load(keyTradeLogs, &logs); err != nil {
		return nil, err
	}
	if logs == nil {
		logs = map[string][]models.TradeLogEntry{}
	}
	return logs, nil
}

// ClearData wipes positions, profits and trade logs.
func (r *Repository) ClearData() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Save(keyTradingState, map[string][]models.Position{}); err != nil {
		return err
	}
	if err := r.store.Save(keyProfits, map[string]float64{}); err != nil {
		return err
	}
	return r.store.Save(keyTradeLogs, map[string][]models.TradeLogEntry{})
}
