// Package snapshot produces the payload uploaded by one backup cycle.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"drivebackup/internal/config"
)

// ErrSourceUnavailable is returned when the source cannot be snapshotted
// right now (missing, locked, unreadable). The cycle is abandoned and the
// next scheduled cycle tries again.
var ErrSourceUnavailable = errors.New("backup source unavailable")

// ErrReleased is returned by readers obtained after the payload was dropped.
var ErrReleased = errors.New("snapshot payload released")

// Producer creates one snapshot per cycle.
type Producer interface {
	Produce(ctx context.Context, src config.SourceConfig) (*Snapshot, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, src config.SourceConfig) (*Snapshot, error)

func (f ProducerFunc) Produce(ctx context.Context, src config.SourceConfig) (*Snapshot, error) {
	return f(ctx, src)
}

// Snapshot is an immutable payload plus metadata. The payload can only be
// read, through Reader; every call returns an independent reader so
// destinations can consume it concurrently.
type Snapshot struct {
	ID        string
	Name      string // file name destinations store the payload under
	Source    string // logical source name
	CreatedAt time.Time
	Files     int

	size int64
	data atomic.Pointer[[]byte]
}

// New wraps data in a Snapshot. The caller must not modify data afterwards.
func New(id, name, source string, createdAt time.Time, data []byte) *Snapshot {
	s := &Snapshot{ID: id, Name: name, Source: source, CreatedAt: createdAt, size: int64(len(data))}
	s.data.Store(&data)
	return s
}

// Size returns the payload size in bytes.
func (s *Snapshot) Size() int64 {
	return s.size
}

// Reader returns a fresh reader over the payload. After Release every read
// fails with ErrReleased, so a late upload can never store an empty file.
func (s *Snapshot) Reader() io.Reader {
	p := s.data.Load()
	if p == nil {
		return releasedReader{}
	}
	return bytes.NewReader(*p)
}

type releasedReader struct{}

func (releasedReader) Read([]byte) (int, error) {
	return 0, ErrReleased
}

// Released reports whether the payload has been dropped.
func (s *Snapshot) Released() bool {
	return s.data.Load() == nil
}

// Release drops the payload. The engine calls it once every upload of the
// cycle has returned; readers obtained earlier stay valid.
func (s *Snapshot) Release() {
	s.data.Store(nil)
}
