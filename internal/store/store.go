// Package store persists per-version metadata that must survive a restart: the
// redundancy priority and the purpose of each installed version. It also provides
// named busy locks used to serialize fetches.
package store

import (
	"context"
	"errors"
	"fmt"

	"bmc-flashd/internal/firmware"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	SavePriority(ctx context.Context, id string, priority uint8) error
	// RestorePriority returns ErrNotFound when no priority was saved for id.
	RestorePriority(ctx context.Context, id string) (uint8, error)
	SavePurpose(ctx context.Context, id string, purpose firmware.Purpose) error
	// RestorePurpose returns ErrNotFound when no purpose was saved for id.
	RestorePurpose(ctx context.Context, id string) (firmware.Purpose, error)
	// Remove drops everything saved for id. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error

	// TryLock acquires a named lock and reports whether it was free.
	TryLock(ctx context.Context, name string) (bool, error)
	ReleaseLock(ctx context.Context, name string) error

	Close() error
}

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open opens the configured backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLite(path)
	case BackendBadger:
		return NewBadger(BadgerConfig{Path: path, SyncWrites: true})
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
