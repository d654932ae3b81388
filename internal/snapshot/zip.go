package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"drivebackup/internal/config"
)

// sqliteMagic is the first 16 bytes of every SQLite database file.
var sqliteMagic = []byte("SQLite format 3\000")

// ZipProducer archives the configured source paths into a single ZIP held
// in memory. Each path becomes a top-level directory named after its base
// name. SQLite databases are copied through `sqlite3 .backup` when the tool
// is available so the archive never holds a torn database.
type ZipProducer struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewZipProducer creates a ZipProducer.
func NewZipProducer(logger zerolog.Logger) *ZipProducer {
	return &ZipProducer{
		logger: logger.With().Str("component", "snapshot").Logger(),
		now:    time.Now,
	}
}

// Produce builds the archive. Missing paths and an existing lock file yield
// ErrSourceUnavailable.
func (p *ZipProducer) Produce(ctx context.Context, src config.SourceConfig) (*Snapshot, error) {
	if len(src.Paths) == 0 {
		return nil, fmt.Errorf("%w: no source paths configured", ErrSourceUnavailable)
	}
	if src.LockFile != "" {
		if _, err := os.Stat(src.LockFile); err == nil {
			return nil, fmt.Errorf("%w: lock file %s present", ErrSourceUnavailable, src.LockFile)
		}
	}
	for _, path := range src.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceUnavailable, path)
		}
	}

	tempDir, err := os.MkdirTemp("", "drivebackup-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	stats := &archiveStats{}
	for i, path := range src.Paths {
		root := filepath.Base(filepath.Clean(path))
		scratch := filepath.Join(tempDir, fmt.Sprintf("%d", i))
		if err := p.addTree(ctx, zw, filepath.Clean(path), root, src.Exclude, scratch, stats); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip: %w", err)
	}

	created := p.now()
	name := src.Name
	if name == "" {
		name = "backup"
	}
	snap := New(uuid.NewString(), FormatName(name, created), name, created, buf.Bytes())
	snap.Files = stats.TotalFiles

	p.logger.Debug().
		Str("snapshot_id", snap.ID).
		Int("files", stats.TotalFiles).
		Int("sqlite_files", stats.SQLiteFiles).
		Int64("raw_bytes", stats.TotalBytes).
		Int64("size", snap.Size()).
		Msg("snapshot created")
	return snap, nil
}

// nameTimeLayout is the timestamp part of a snapshot file name.
const nameTimeLayout = "2006-01-02T150405Z"

// FormatName creates a consistent snapshot file name.
// Format: <name>_<YYYY-MM-DDTHHMMSSZ>.zip
func FormatName(name string, t time.Time) string {
	return name + "_" + t.UTC().Format(nameTimeLayout) + ".zip"
}

// ParseName reports whether fileName is exactly prefix followed by a
// FormatName timestamp and ".zip", and returns the timestamp. prefix is the
// source name plus "_"; "world_nether_<ts>.zip" does not match "world_".
func ParseName(prefix, fileName string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(fileName, prefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, ok := strings.CutSuffix(rest, ".zip")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(nameTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type archiveStats struct {
	TotalFiles  int
	SQLiteFiles int
	TotalBytes  int64
}

// addTree writes backupPath into zw under the prefix root.
// Auxiliary SQLite files (-wal, -journal, -shm) are excluded since the
// .backup copy is self-contained.
func (p *ZipProducer) addTree(ctx context.Context, zw *zip.Writer, backupPath, root string, excludes []string, tempDir string, stats *archiveStats) error {
	// First pass: find all SQLite files so we can identify their auxiliary files
	sqliteFiles := map[string]bool{}
	err := filepath.Walk(backupPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if isSQLiteFile(path) {
			sqliteFiles[path] = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to scan %s: %v", ErrSourceUnavailable, backupPath, err)
	}

	auxFiles := map[string]bool{}
	for sqlPath := range sqliteFiles {
		auxFiles[sqlPath+"-journal"] = true
		auxFiles[sqlPath+"-wal"] = true
		auxFiles[sqlPath+"-shm"] = true
	}

	for sqlPath := range sqliteFiles {
		relPath, _ := filepath.Rel(backupPath, sqlPath)
		if err := p.safeCopySQLite(sqlPath, filepath.Join(tempDir, relPath)); err != nil {
			return fmt.Errorf("failed to safe-copy SQLite %s: %w", relPath, err)
		}
	}

	err = filepath.Walk(backupPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, _ := filepath.Rel(backupPath, path)
		if relPath == "." {
			return nil
		}
		if shouldExclude(relPath, excludes) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if auxFiles[path] {
			return nil
		}

		name := filepath.ToSlash(filepath.Join(root, relPath))
		if info.IsDir() {
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return fmt.Errorf("failed to create dir header for %s: %w", relPath, err)
			}
			header.Name = name + "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		sourcePath := path
		if sqliteFiles[path] {
			sourcePath = filepath.Join(tempDir, relPath)
			stats.SQLiteFiles++
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to create header for %s: %w", relPath, err)
		}
		header.Name = name
		header.Method = zip.Deflate

		writer, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to create zip entry %s: %w", relPath, err)
		}

		f, err := os.Open(sourcePath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", sourcePath, err)
		}
		defer f.Close()

		n, err := io.Copy(writer, f)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", relPath, err)
		}

		stats.TotalFiles++
		stats.TotalBytes += n
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", backupPath, err)
	}
	return nil
}

// isSQLiteFile checks whether the file at path is a SQLite database
// by reading its magic bytes header.
func isSQLiteFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := f.Read(header)
	if err != nil || n < 16 {
		return false
	}
	return bytes.Equal(header, sqliteMagic)
}

// safeCopySQLite creates a consistent copy of a SQLite database using the
// sqlite3 .backup command, falling back to a direct copy when sqlite3 is
// not installed or fails.
func (p *ZipProducer) safeCopySQLite(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	if sqlite3Path, err := exec.LookPath("sqlite3"); err == nil {
		cmd := exec.Command(sqlite3Path, src, fmt.Sprintf(".backup '%s'", dst))
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			p.logger.Warn().Err(err).Str("path", src).Str("stderr", stderr.String()).
				Msg("sqlite3 .backup failed, falling back to direct copy")
			return directCopy(src, dst)
		}
		return nil
	}

	p.logger.Warn().Str("path", src).Msg("sqlite3 not found, copying database directly")
	return directCopy(src, dst)
}

func directCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// shouldExclude returns true if relPath matches any of the glob patterns.
func shouldExclude(relPath string, patterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, filepath.Base(relPath)); matched {
			return true
		}
		// Directory prefix patterns like "cache/*"
		if strings.HasSuffix(pattern, "/*") {
			dir := strings.TrimSuffix(pattern, "/*")
			if strings.HasPrefix(relPath, dir+"/") || relPath == dir {
				return true
			}
		}
	}
	return false
}
