package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/storage"
)

// Ensure Destination implements storage.Destination and storage.Pruner at compile time.
var (
	_ storage.Destination = (*Destination)(nil)
	_ storage.Pruner      = (*Destination)(nil)
)

// Destination stores backups in a directory on the local filesystem.
type Destination struct{}

// New creates a local destination.
func New() *Destination {
	return &Destination{}
}

func (d *Destination) Kind() config.DestinationKind {
	return config.KindLocal
}

func (d *Destination) Enabled(cfg *config.Config) bool {
	return cfg.DestinationEnabled(config.KindLocal)
}

func basePath(cfg *config.Config) (string, error) {
	p := cfg.Destinations.Local.Path
	if p == "" {
		return "", fmt.Errorf("%w: local path is empty", storage.ErrMisconfigured)
	}
	return p, nil
}

// Upload writes the snapshot to <path>/<snapshot name>. A partially written
// file is removed on failure.
func (d *Destination) Upload(ctx context.Context, cfg *config.Config, snap *snapshot.Snapshot) (*storage.BackupMetadata, error) {
	dir, err := basePath(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, snap.Name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer file.Close()

	written, err := io.Copy(file, &ctxReader{ctx: ctx, r: snap.Reader()})
	if err == nil {
		err = file.Close()
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	return &storage.BackupMetadata{
		Key:       path,
		FileName:  snap.Name,
		Size:      written,
		CreatedAt: snap.CreatedAt,
	}, nil
}

// List returns all backup files with the given prefix, sorted newest-first
// by modification time.
func (d *Destination) List(ctx context.Context, cfg *config.Config, prefix string) ([]storage.BackupMetadata, error) {
	dir, err := basePath(cfg)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
	}

	var backups []storage.BackupMetadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, storage.BackupMetadata{
			Key:       filepath.Join(dir, name),
			FileName:  name,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// Delete removes a backup file by its key (full path).
func (d *Destination) Delete(ctx context.Context, cfg *config.Config, key string) error {
	if err := os.Remove(key); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", key, err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
