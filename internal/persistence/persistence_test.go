package persistence

import (
	"testing"
	"time"

	"krw-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// putRaw writes bytes without encoding.
func putRaw(t *testing.T, s *BadgerStore, key string, raw []byte) {
	t.Helper()
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	}))
}

func TestLoadMissingKeyKeepsDefault(t *testing.T) {
	store := newTestStore(t)

	out := map[string]float64{"default": 1}
	require.NoError(t, store.Load("profits", &out))
	assert.Equal(t, map[string]float64{"default": 1}, out)
}

func TestSaveLoadRoundTripIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	value := map[string]float64{"KRW-BTC": 1234.5, "KRW-ETH": -20}
	require.NoError(t, store.Save("profits", value))

	loaded := map[string]float64{}
	require.NoError(t, store.Load("profits", &loaded))
	require.NoError(t, store.Save("profits", loaded))

	again := map[string]float64{}
	require.NoError(t, store.Load("profits", &again))
	assert.Equal(t, value, again)
}

func TestCorruptValueReturnsDefaultAndIsQuarantined(t *testing.T) {
	store := newTestStore(t)
	putRaw(t, store, "profits", []byte("{not json"))

	out := map[string]float64{"default": 0}
	require.NoError(t, store.Load("profits", &out))
	assert.Equal(t, map[string]float64{"default": 0}, out)

	keys, err := store.Quarantined("profits")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestCorruptValueFallsBackToBackup(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("profits", map[string]float64{"KRW-BTC": 1}))
	require.NoError(t, store.Save("profits", map[string]float64{"KRW-BTC": 2}))
	putRaw(t, store, "profits", []byte("garbage"))

	out := map[string]float64{}
	require.NoError(t, store.Load("profits", &out))
	assert.Equal(t, 1.0, out["KRW-BTC"])
}

func TestEmptyValueIsTreatedAsMissing(t *testing.T) {
	store := newTestStore(t)
	putRaw(t, store, "trade_logs", []byte{})

	out := map[string][]models.TradeLogEntry{}
	require.NoError(t, store.Load("trade_logs", &out))
	assert.Empty(t, out)
}

func TestRepositoryPositionsKeyedByModeAndTicker(t *testing.T) {
	repo := NewRepository(newTestStore(t))

	pos, err := models.NewPosition("KRW-BTC", 47500, 0.01, 50000, time.Now())
	require.NoError(t, err)
	pos.Hold = models.Intent{State: models.PendingSell, Price: 50000}

	require.NoError(t, repo.SavePositions("demo", "KRW-BTC", []*models.Position{pos}))

	loaded, err := repo.LoadPositions("demo", "KRW-BTC")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, pos.ID, loaded[0].ID)
	assert.Equal(t, models.PendingSell, loaded[0].Hold.State)

	other, err := repo.LoadPositions("real", "KRW-BTC")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, repo.ClearPositions("demo", "KRW-BTC"))
	loaded, err = repo.LoadPositions("demo", "KRW-BTC")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRepositoryProfitsAndLogs(t *testing.T) {
	repo := NewRepository(newTestStore(t))

	total, err := repo.AddProfit("KRW-BTC", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, total)
	total, err = repo.AddProfit("KRW-BTC", -250)
	require.NoError(t, err)
	assert.Equal(t, 750.0, total)

	profits, err := repo.LoadProfits()
	require.NoError(t, err)
	assert.Equal(t, 750.0, profits["KRW-BTC"])

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.AppendTradeLog("KRW-BTC", models.TradeLogEntry{Time: now, Action: "buy", Price: 47500}))
	require.NoError(t, repo.AppendTradeLog("KRW-BTC", models.TradeLogEntry{Time: now, Action: "sell", Price: 50000, Profit: 25}))

	logs, err := repo.LoadTradeLogs()
	require.NoError(t, err)
	require.Len(t, logs["KRW-BTC"], 2)
	assert.True(t, logs["KRW-BTC"][1].IsSell())
	assert.True(t, logs["KRW-BTC"][0].Time.Equal(now))

	require.NoError(t, repo.ClearData())
	profits, err = repo.LoadProfits()
	require.NoError(t, err)
	assert.Empty(t, profits)
}

func TestRepositoryConcurrentProfitUpdates(t *testing.T) {
	repo := NewRepository(newTestStore(t))

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				_, err := repo.AddProfit("KRW-ETH", 1)
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	profits, err := repo.LoadProfits()
	require.NoError(t, err)
	assert.Equal(t, 100.0, profits["KRW-ETH"])
}

func TestPartlyDecodableValueKeepsDefault(t *testing.T) {
	store := newTestStore(t)
	// valid JSON whose second entry has the wrong type
	putRaw(t, store, "profits", []byte(`{"KRW-BTC":1,"KRW-ETH":"oops"}`))

	out := map[string]float64{"default": 0}
	require.NoError(t, store.Load("profits", &out))
	assert.Equal(t, map[string]float64{"default": 0}, out)

	keys, err := store.Quarantined("profits")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPartlyDecodableValueFallsBackToWholeBackup(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("profits", map[string]float64{"KRW-XRP": 5}))
	require.NoError(t, store.Save("profits", map[string]float64{"KRW-XRP": 6}))
	putRaw(t, store, "profits", []byte(`{"KRW-BTC":1,"KRW-ETH":"oops"}`))

	out := map[string]float64{}
	require.NoError(t, store.Load("profits", &out))
	assert.Equal(t, map[string]float64{"KRW-XRP": 5}, out)
}

func TestRepositoryDropsInvalidPositions(t *testing.T) {
	store := newTestStore(t)
	putRaw(t, store, "trading_state", []byte(`{"demo_KRW-BTC":[`+
		`{"id":"a","ticker":"KRW-BTC","buy_price":47500,"quantity":0.01,"target_sell_price":50000},`+
		`{"id":"b","ticker":"KRW-BTC","buy_price":0,"quantity":0.01},`+
		`{"id":"c","ticker":"KRW-BTC","buy_price":47500,"quantity":-1}]}`))

	positions, err := NewRepository(store).LoadPositions("demo", "KRW-BTC")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "a", positions[0].ID)
}

func TestRepositoryCorruptPositionIgnoresWholeState(t *testing.T) {
	store := newTestStore(t)
	putRaw(t, store, "trading_state", []byte(`{"demo_KRW-BTC":[`+
		`{"id":"a","ticker":"KRW-BTC","buy_price":47500,"quantity":0.01}],`+
		`"demo_KRW-ETH":[{"buy_price":"oops"}]}`))

	repo := NewRepository(store)
	btc, err := repo.LoadPositions("demo", "KRW-BTC")
	require.NoError(t, err)
	assert.Empty(t, btc)
	eth, err := repo.LoadPositions("demo", "KRW-ETH")
	require.NoError(t, err)
	assert.Empty(t, eth)
}
