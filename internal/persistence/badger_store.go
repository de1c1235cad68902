package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	backupPrefix     = "backup/"
	quarantinePrefix = "quarantine/"
)

// Store is the load/save contract every state family goes through.
type Store interface {
	// Load decodes the value stored under key into out. A missing, empty or
	// corrupt value leaves out untouched (the caller's default) and returns nil;
	// a corrupt value is first copied to a quarantine key.
	Load(key string, out interface{}) error

	// Save atomically replaces the value under key, keeping the previous good
	// value as a backup. A failed save leaves the previous value intact.
	Save(key string, value interface{}) error

	// Close gracefully closes the connection to the database.
	Close() error
}

// ErrEmptyValue is returned when a value encodes to zero bytes.
var ErrEmptyValue = errors.New("refusing to save empty value")

// BadgerStore is the BadgerDB implementation of Store.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewBadgerStore opens the database at dbPath. An empty path opens an
// in-memory database, which the backtester and tests use.
func NewBadgerStore(dbPath string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{db: db, logger: logger.Sugar(), now: time.Now}, nil
}

func (s *BadgerStore) Save(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if len(data) == 0 {
		return ErrEmptyValue
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			prev, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(prev) > 0 && json.Valid(prev) {
				if err := txn.Set([]byte(backupPrefix+key), prev); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) Load(key string, out interface{}) error {
	raw, err := s.get(key)
	if errors.Is(err, badger.ErrKeyNotFound) || (err == nil && len(raw) == 0) {
		return nil
	}
	if err != nil {
		return err
	}

	if decode(raw, out) {
		return nil
	}

	quarantineKey := fmt.Sprintf("%s%s/%d", quarantinePrefix, key, s.now().UnixNano())
	s.logger.Warnf("检测到损坏的数据 %s, 已隔离到 %s", key, quarantineKey)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(quarantineKey), raw)
	}); err != nil {
		s.logger.Errorf("隔离损坏数据失败 %s: %v", key, err)
	}

	backup, err := s.get(backupPrefix + key)
	if err == nil && decode(backup, out) {
		s.logger.Warnf("已从备份恢复 %s", key)
	}
	return nil
}

// decode 先解码到新值, 成功后才写入 out, 解码失败时 out 保持调用方的默认值
func decode(raw []byte, out interface{}) bool {
	if !json.Valid(raw) {
		return false
	}
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Ptr || target.IsNil() {
		return false
	}
	fresh := reflect.New(target.Elem().Type())
	if err := json.Unmarshal(raw, fresh.Interface()); err != nil {
		return false
	}
	target.Elem().Set(fresh.Elem())
	return true
}

// Quarantined lists the quarantine keys recorded for key.
func (s *BadgerStore) Quarantined(key string) ([]string, error) {
	var keys []string
	prefix := []byte(quarantinePrefix + key + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) get(key string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	return raw, err
}

// Close gracefully closes the connection to the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
