package statemanager

import (
	"context"
	"sync"
	"time"

	"krw-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// EventType defines the type of a config event
type EventType int

const (
	UpdateEvent EventType = iota
	ResetEvent
)

// ConfigSaver persists config snapshots.
type ConfigSaver interface {
	SaveConfig(cfg *models.Config) error
}

// Event is a single mutation request processed by the event loop.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Reason    string
	Apply     func(cfg *models.Config) // UpdateEvent
	Config    *models.Config           // ResetEvent
	done      chan struct{}
}

// ConfigManager owns the runtime config. All mutations are events processed
// serially by one goroutine; readers take Snapshot copies.
type ConfigManager struct {
	mu    sync.RWMutex
	state *models.Config

	saver           ConfigSaver
	eventChannel    chan Event
	persistenceChan chan *models.Config
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewConfigManager creates a new ConfigManager. saver may be nil.
func NewConfigManager(initial *models.Config, saver ConfigSaver, logger *zap.Logger) *ConfigManager {
	return &ConfigManager{
		state:           initial.Clone(),
		saver:           saver,
		eventChannel:    make(chan Event, 1024),
		persistenceChan: make(chan *models.Config, 128),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the event processing and persistence loops.
func (cm *ConfigManager) Start() {
	cm.wg.Add(2)
	go cm.eventLoop()
	go cm.persistenceLoop()
	cm.logger.Sugar().Info("ConfigManager started.")
}

// Stop shuts down both loops, flushing snapshots already queued for saving.
func (cm *ConfigManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopChan)
		cm.wg.Wait()
		cm.logger.Sugar().Info("ConfigManager stopped.")
	})
}

// Update queues fn to be applied to the config.
func (cm *ConfigManager) Update(reason string, fn func(cfg *models.Config)) {
	cm.dispatch(Event{Type: UpdateEvent, Timestamp: time.Now(), Reason: reason, Apply: fn})
}

// UpdateAndWait applies fn and waits until the change is visible to Snapshot.
func (cm *ConfigManager) UpdateAndWait(ctx context.Context, reason string, fn func(cfg *models.Config)) error {
	done := make(chan struct{})
	if !cm.dispatch(Event{Type: UpdateEvent, Timestamp: time.Now(), Reason: reason, Apply: fn, done: done}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cm.stopChan:
		return context.Canceled
	}
}

// Reset replaces the whole config.
func (cm *ConfigManager) Reset(cfg *models.Config) {
	cm.dispatch(Event{Type: ResetEvent, Timestamp: time.Now(), Reason: "reset", Config: cfg.Clone()})
}

// Snapshot returns a deep copy of the current config for safe, concurrent reading.
func (cm *ConfigManager) Snapshot() *models.Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state.Clone()
}

func (cm *ConfigManager) dispatch(event Event) bool {
	select {
	case cm.eventChannel <- event:
		return true
	case <-cm.stopChan:
		cm.logger.Sugar().Warnf("ConfigManager stopped, dropping event %q", event.Reason)
		return false
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (cm *ConfigManager) eventLoop() {
	defer cm.wg.Done()
	for {
		select {
		case event := <-cm.eventChannel:
			cm.processEvent(event)
		case <-cm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of config snapshots.
func (cm *ConfigManager) persistenceLoop() {
	defer cm.wg.Done()
	for {
		select {
		case cfg := <-cm.persistenceChan:
			cm.save(cfg)
		case <-cm.stopChan:
			for {
				select {
				case cfg := <-cm.persistenceChan:
					cm.save(cfg)
				default:
					return
				}
			}
		}
	}
}

func (cm *ConfigManager) save(cfg *models.Config) {
	if cm.saver == nil {
		return
	}
	if err := cm.saver.SaveConfig(cfg); err != nil {
		cm.logger.Sugar().Errorf("CRITICAL: Failed to save config: %v", err)
	}
}

// processEvent mutates the config and forwards a copy for persistence.
func (cm *ConfigManager) processEvent(event Event) {
	if event.done != nil {
		defer close(event.done)
	}

	cm.mu.Lock()
	switch event.Type {
	case UpdateEvent:
		if event.Apply != nil {
			// 在副本上修改, 出错时保留原配置
			next := cm.state.Clone()
			func() {
				defer func() {
					if r := recover(); r != nil {
						cm.logger.Sugar().Errorf("config update %q panicked: %v", event.Reason, r)
						next = nil
					}
				}()
				event.Apply(next)
			}()
			if next != nil {
				cm.state = next
			}
		}
	case ResetEvent:
		if event.Config != nil {
			cm.state = event.Config
		}
	}
	snapshot := cm.state.Clone()
	cm.mu.Unlock()

	cm.logger.Sugar().Debugf("Config event processed: %s", event.Reason)

	select {
	case cm.persistenceChan <- snapshot:
	case <-cm.stopChan:
	}
}
