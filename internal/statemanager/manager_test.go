package statemanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"krw-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockConfigSaver is a mock implementation of the ConfigSaver interface for testing.
type mockConfigSaver struct {
	sync.Mutex
	saved        []*models.Config
	saveError    error
	saveDoneChan chan bool // Channel to signal when SaveConfig is done
}

func newMockConfigSaver() *mockConfigSaver {
	return &mockConfigSaver{
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockConfigSaver) SaveConfig(cfg *models.Config) error {
	m.Lock()
	defer m.Unlock()
	m.saved = append(m.saved, cfg.Clone())
	m.saveDoneChan <- true
	return m.saveError
}

func (m *mockConfigSaver) lastSaved() *models.Config {
	m.Lock()
	defer m.Unlock()
	if len(m.saved) == 0 {
		return nil
	}
	return m.saved[len(m.saved)-1]
}

func (m *mockConfigSaver) saveCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.saved)
}

func waitForSave(t *testing.T, saver *mockConfigSaver) {
	t.Helper()
	select {
	case <-saver.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for config to be saved")
	}
}

func TestNewConfigManager(t *testing.T) {
	initial := models.DefaultConfig()
	cm := NewConfigManager(initial, newMockConfigSaver(), zap.NewNop())
	require.NotNil(t, cm)

	snapshot := cm.Snapshot()
	assert.Equal(t, initial, snapshot)

	// the manager owns its own copy
	initial.TotalInvestment = 1
	assert.NotEqual(t, 1.0, cm.Snapshot().TotalInvestment)
}

func TestUpdateEventIsAppliedAndPersisted(t *testing.T) {
	saver := newMockConfigSaver()
	cm := NewConfigManager(models.DefaultConfig(), saver, zap.NewNop())
	cm.Start()
	defer cm.Stop()

	cm.Update("risk change", func(cfg *models.Config) {
		cfg.RiskMode = "aggressive"
		cfg.GridCounts["KRW-BTC"] = 33
	})
	waitForSave(t, saver)

	snapshot := cm.Snapshot()
	assert.Equal(t, "aggressive", snapshot.RiskMode)
	assert.Equal(t, 33, snapshot.GridCounts["KRW-BTC"])

	saved := saver.lastSaved()
	require.NotNil(t, saved)
	assert.Equal(t, "aggressive", saved.RiskMode)
}

func TestSnapshotIsIsolatedFromMutation(t *testing.T) {
	cm := NewConfigManager(models.DefaultConfig(), nil, zap.NewNop())
	cm.Start()
	defer cm.Stop()

	snapshot := cm.Snapshot()
	snapshot.GridCounts["KRW-ETH"] = 99
	snapshot.Tickers[0] = "KRW-DOGE"

	fresh := cm.Snapshot()
	assert.NotContains(t, fresh.GridCounts, "KRW-ETH")
	assert.Equal(t, "KRW-BTC", fresh.Tickers[0])
}

func TestResetEvent(t *testing.T) {
	saver := newMockConfigSaver()
	cm := NewConfigManager(models.DefaultConfig(), saver, zap.NewNop())
	cm.Start()
	defer cm.Stop()

	next := models.DefaultConfig()
	next.Tickers = []string{"KRW-XRP"}
	cm.Reset(next)
	waitForSave(t, saver)

	assert.Equal(t, []string{"KRW-XRP"}, cm.Snapshot().Tickers)
}

func TestUpdateAndWaitIsVisibleImmediately(t *testing.T) {
	cm := NewConfigManager(models.DefaultConfig(), nil, zap.NewNop())
	cm.Start()
	defer cm.Stop()

	err := cm.UpdateAndWait(context.Background(), "buffer", func(cfg *models.Config) {
		cfg.GridConfirmationBuffer = 0.25
	})
	require.NoError(t, err)
	assert.Equal(t, 0.25, cm.Snapshot().GridConfirmationBuffer)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	cm := NewConfigManager(models.DefaultConfig(), nil, zap.NewNop())
	cm.Start()
	defer cm.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cm.UpdateAndWait(context.Background(), "increment", func(cfg *models.Config) {
				cfg.OptimizeInterval++
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, models.DefaultConfig().OptimizeInterval+50, cm.Snapshot().OptimizeInterval)
}

func TestPanickingUpdateLeavesConfigIntact(t *testing.T) {
	cm := NewConfigManager(models.DefaultConfig(), nil, zap.NewNop())
	cm.Start()
	defer cm.Stop()

	err := cm.UpdateAndWait(context.Background(), "bad", func(cfg *models.Config) {
		cfg.RiskMode = "conservative"
		var m map[string]int
		m["boom"] = 1
	})
	require.NoError(t, err)
	assert.Equal(t, "stable", cm.Snapshot().RiskMode)
}

// TestAsyncPersistence verifies that persistence happens off the caller's goroutine.
func TestAsyncPersistence(t *testing.T) {
	saver := newMockConfigSaver()
	saver.saveError = errors.New("disk full")
	cm := NewConfigManager(models.DefaultConfig(), saver, zap.NewNop())

	cm.Update("before start", func(cfg *models.Config) { cfg.TargetProfit = 20 })
	assert.Equal(t, 0, saver.saveCount(), "SaveConfig should not be called synchronously with Update")

	cm.Start()
	defer cm.Stop()
	waitForSave(t, saver)

	// a failing save does not roll back the in-memory config
	assert.Equal(t, 20.0, cm.Snapshot().TargetProfit)
}

func TestStopIsIdempotentAndRejectsLateUpdates(t *testing.T) {
	cm := NewConfigManager(models.DefaultConfig(), nil, zap.NewNop())
	cm.Start()
	cm.Stop()
	cm.Stop()

	err := cm.UpdateAndWait(context.Background(), "late", func(cfg *models.Config) {})
	assert.Error(t, err)
}
