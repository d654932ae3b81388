// Package storage defines the destination capability the backup engine
// uploads through, and retention for destinations that can list backups.
package storage

import (
	"context"
	"errors"
	"time"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
)

var (
	// ErrUnauthorized is returned, before any network I/O, when a destination
	// has missing or unusable credentials, and when the remote rejects them.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMisconfigured is returned when a destination's settings are
	// incomplete in a way that is not about credentials (no bucket, no path).
	ErrMisconfigured = errors.New("destination misconfigured")
)

// BackupMetadata describes a single backup file stored in a destination.
type BackupMetadata struct {
	// Key is the unique identifier within the destination (path, object key).
	Key string
	// FileName is the snapshot file name (e.g. "world_2026-02-06T120000Z.zip").
	FileName string
	// Size is the backup size in bytes.
	Size int64
	// CreatedAt is when the backup was created.
	CreatedAt time.Time
}

// Destination is the capability every backup target implements.
type Destination interface {
	// Kind returns the destination kind this implementation serves.
	Kind() config.DestinationKind
	// Enabled reports whether cfg switches this destination on. It must be a
	// pure function of cfg.
	Enabled(cfg *config.Config) bool
	// Upload stores the snapshot using the settings in cfg. It must honor ctx,
	// must not mutate snap, and must fail fast with ErrUnauthorized when
	// credentials are missing.
	Upload(ctx context.Context, cfg *config.Config, snap *snapshot.Snapshot) (*BackupMetadata, error)
}

// Pruner is implemented by destinations that can enumerate and delete stored
// backups. Retention is only applied to destinations implementing it.
type Pruner interface {
	// List returns the backups whose file name starts with prefix, ordered
	// newest-first.
	List(ctx context.Context, cfg *config.Config, prefix string) ([]BackupMetadata, error)
	// Delete removes a backup by key.
	Delete(ctx context.Context, cfg *config.Config, key string) error
}
