// Package transfer implements the file-transfer destination: a remote
// directory reached over FTP, FTPS or SFTP.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/storage"
)

// Ensure Destination implements storage.Destination and storage.Pruner at compile time.
var (
	_ storage.Destination = (*Destination)(nil)
	_ storage.Pruner      = (*Destination)(nil)
)

const (
	ProtocolFTP  = "ftp"
	ProtocolFTPS = "ftps"
	ProtocolSFTP = "sftp"

	defaultDirectory = "drivebackup"
	dialTimeout      = 30 * time.Second
)

// remoteFile is one directory entry on the remote side.
type remoteFile struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// session is one authenticated connection to the remote server.
type session interface {
	// Put writes r to the file at p, creating parent directories.
	Put(p string, r io.Reader) error
	List(dir string) ([]remoteFile, error)
	Remove(p string) error
	Close() error
}

type dialFunc func(ctx context.Context, cfg config.FTPConfig) (session, error)

// Destination uploads backups to a remote directory.
type Destination struct {
	dial dialFunc
}

// New creates a file-transfer destination.
func New() *Destination {
	return &Destination{dial: dial}
}

func (d *Destination) Kind() config.DestinationKind {
	return config.KindFileTransfer
}

func (d *Destination) Enabled(cfg *config.Config) bool {
	return cfg.DestinationEnabled(config.KindFileTransfer)
}

func protocolOf(cfg config.FTPConfig) string {
	p := strings.ToLower(cfg.Protocol)
	if p == "" {
		p = ProtocolFTP
	}
	return p
}

// checkConfig fails fast, before any network I/O.
func checkConfig(cfg config.FTPConfig) error {
	proto := protocolOf(cfg)
	switch proto {
	case ProtocolFTP, ProtocolFTPS, ProtocolSFTP:
	default:
		return fmt.Errorf("%w: unknown transfer protocol %q", storage.ErrMisconfigured, cfg.Protocol)
	}
	if cfg.Host == "" {
		return fmt.Errorf("%w: %s host is required", storage.ErrMisconfigured, proto)
	}
	if cfg.Username == "" {
		return fmt.Errorf("%w: %s username is required", storage.ErrUnauthorized, proto)
	}
	if proto == ProtocolSFTP {
		if cfg.Password == "" && cfg.PrivateKey == "" {
			return fmt.Errorf("%w: sftp needs a password or privateKey", storage.ErrUnauthorized)
		}
		if cfg.HostKey == "" && cfg.KnownHostsFile == "" {
			return fmt.Errorf("%w: sftp host key verification needs hostKey or knownHostsFile", storage.ErrMisconfigured)
		}
	} else if cfg.Password == "" {
		return fmt.Errorf("%w: %s password is required", storage.ErrUnauthorized, proto)
	}
	return nil
}

func dial(ctx context.Context, cfg config.FTPConfig) (session, error) {
	if protocolOf(cfg) == ProtocolSFTP {
		return dialSFTP(ctx, cfg)
	}
	return dialFTP(ctx, cfg)
}

// open validates cfg, connects, and arranges for the session to be closed
// when ctx is done so blocked transfers return.
func (d *Destination) open(ctx context.Context, cfg config.FTPConfig) (session, func(), error) {
	if err := checkConfig(cfg); err != nil {
		return nil, nil, err
	}
	sess, err := d.dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	return sess, func() {
		if stop() {
			sess.Close()
		}
	}, nil
}

func directoryOf(cfg config.FTPConfig) string {
	dir := cfg.Directory
	if dir == "" {
		dir = defaultDirectory
	}
	return path.Clean(dir)
}

// Upload writes the snapshot to <directory>/<snapshot name>.
func (d *Destination) Upload(ctx context.Context, cfg *config.Config, snap *snapshot.Snapshot) (*storage.BackupMetadata, error) {
	tcfg := cfg.Destinations.FTP
	sess, done, err := d.open(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	defer done()

	key := path.Join(directoryOf(tcfg), snap.Name)
	if err := sess.Put(key, snap.Reader()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: upload of %s interrupted: %w", protocolOf(tcfg), key, ctxErr)
		}
		return nil, fmt.Errorf("%s: failed to upload %s: %w", protocolOf(tcfg), key, err)
	}

	return &storage.BackupMetadata{
		Key:       key,
		FileName:  snap.Name,
		Size:      snap.Size(),
		CreatedAt: snap.CreatedAt,
	}, nil
}

// List returns all backups in the remote directory whose name starts with
// prefix, sorted newest-first.
func (d *Destination) List(ctx context.Context, cfg *config.Config, prefix string) ([]storage.BackupMetadata, error) {
	tcfg := cfg.Destinations.FTP
	sess, done, err := d.open(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	defer done()

	dir := directoryOf(tcfg)
	entries, err := sess.List(dir)
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: failed to list %s: %w", protocolOf(tcfg), dir, err)
	}

	var backups []storage.BackupMetadata
	for _, e := range entries {
		if e.IsDir || !strings.HasPrefix(e.Name, prefix) || !strings.HasSuffix(e.Name, ".zip") {
			continue
		}
		backups = append(backups, storage.BackupMetadata{
			Key:       path.Join(dir, e.Name),
			FileName:  e.Name,
			Size:      e.Size,
			CreatedAt: e.ModTime,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Delete removes a backup by its remote path.
func (d *Destination) Delete(ctx context.Context, cfg *config.Config, key string) error {
	tcfg := cfg.Destinations.FTP
	sess, done, err := d.open(ctx, tcfg)
	if err != nil {
		return err
	}
	defer done()

	if err := sess.Remove(key); err != nil {
		return fmt.Errorf("%s: failed to delete %s: %w", protocolOf(tcfg), key, err)
	}
	return nil
}

var errNotExist = errors.New("remote directory does not exist")
