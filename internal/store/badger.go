package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/firmware"
)

type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     logrus.FieldLogger
}

// Badger keeps one JSON record per version under "version:<id>".
type Badger struct {
	db *badger.DB
}

var _ Store = (*Badger)(nil)

type record struct {
	Priority *uint8 `json:"priority,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

// badgerLogger adapts a logrus logger to badger's Logger interface.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

func NewBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(filepath.Clean(cfg.Path)).WithValueLogFileSize(1 << 20)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.WithField("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

func versionKey(id string) []byte {
	return []byte("version:" + id)
}

func lockKey(name string) []byte {
	return []byte("lock:" + name)
}

func (s *Badger) get(txn *badger.Txn, id string) (record, error) {
	var rec record
	item, err := txn.Get(versionKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

func (s *Badger) update(id string, fn func(*record)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := s.get(txn, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		fn(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(versionKey(id), data)
	})
}

func (s *Badger) view(id string) (record, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = s.get(txn, id)
		return err
	})
	return rec, err
}

func (s *Badger) SavePriority(ctx context.Context, id string, priority uint8) error {
	if err := s.update(id, func(r *record) { r.Priority = &priority }); err != nil {
		return fmt.Errorf("failed to save priority: %w", err)
	}
	return nil
}

func (s *Badger) RestorePriority(ctx context.Context, id string) (uint8, error) {
	rec, err := s.view(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to restore priority: %w", err)
	}
	if rec.Priority == nil {
		return 0, ErrNotFound
	}
	return *rec.Priority, nil
}

func (s *Badger) SavePurpose(ctx context.Context, id string, purpose firmware.Purpose) error {
	if err := s.update(id, func(r *record) { r.Purpose = purpose.String() }); err != nil {
		return fmt.Errorf("failed to save purpose: %w", err)
	}
	return nil
}

func (s *Badger) RestorePurpose(ctx context.Context, id string) (firmware.Purpose, error) {
	rec, err := s.view(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return firmware.PurposeUnknown, err
		}
		return firmware.PurposeUnknown, fmt.Errorf("failed to restore purpose: %w", err)
	}
	if rec.Purpose == "" {
		return firmware.PurposeUnknown, ErrNotFound
	}
	return firmware.ParsePurpose(rec.Purpose), nil
}

func (s *Badger) Remove(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(versionKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to remove version: %w", err)
	}
	return nil
}

func (s *Badger) TryLock(ctx context.Context, name string) (bool, error) {
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(lockKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		acquired = true
		return txn.Set(lockKey(name), []byte{1})
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return acquired, nil
}

func (s *Badger) ReleaseLock(ctx context.Context, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(lockKey(name))
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}
