// Package dispatch runs backup cycles: take one snapshot, upload it to every
// enabled destination concurrently, and report one outcome per destination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"drivebackup/internal/config"
	"drivebackup/internal/events"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/storage"
)

// ErrCycleInProgress is returned by RunCycle when another cycle holds the
// engine. The caller's request is dropped, not queued.
var ErrCycleInProgress = errors.New("backup cycle already in progress")

var (
	// ErrUnknownDestination is returned when no destination of a kind is registered.
	ErrUnknownDestination = errors.New("destination not registered")
	// ErrNotListable is returned for destinations that cannot enumerate backups.
	ErrNotListable = errors.New("destination does not support listing backups")
)

// ConfigSource supplies the configuration in effect. *config.Store
// implements it.
type ConfigSource interface {
	Current() *config.Config
}

// Report is the result of one cycle.
type Report struct {
	CycleID   string         `json:"cycleId"`
	StartedAt time.Time      `json:"startedAt"`
	Snapshot  string         `json:"snapshot,omitempty"`
	Summary   events.Summary `json:"summary"`
	// SourceError is set when the snapshot could not be produced.
	SourceError string `json:"sourceError,omitempty"`
}

// Engine owns the registered destinations and the cycle guard.
type Engine struct {
	cfg      ConfigSource
	producer snapshot.Producer
	dests    []storage.Destination
	sink     events.Sink
	logger   zerolog.Logger
	now      func() time.Time

	running atomic.Bool
	last    atomic.Pointer[Report]
}

// New creates an engine. Destinations are kept in the given order; a second
// destination for an already registered kind is ignored. A nil sink
// discards events.
func New(cfg ConfigSource, producer snapshot.Producer, dests []storage.Destination, sink events.Sink, logger zerolog.Logger) *Engine {
	logger = logger.With().Str("component", "dispatch").Logger()
	if sink == nil {
		sink = events.Discard
	}

	seen := make(map[config.DestinationKind]bool)
	var registered []storage.Destination
	for _, d := range dests {
		if d == nil {
			continue
		}
		if seen[d.Kind()] {
			logger.Warn().Str("destination", string(d.Kind())).Msg("duplicate destination registration ignored")
			continue
		}
		seen[d.Kind()] = true
		registered = append(registered, d)
	}

	return &Engine{
		cfg:      cfg,
		producer: producer,
		dests:    registered,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Running reports whether a cycle is executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastReport returns the report of the most recently finished cycle, or nil.
func (e *Engine) LastReport() *Report {
	return e.last.Load()
}

// IsEnabled reports whether a destination of the given kind is registered
// and enabled by the current configuration.
func (e *Engine) IsEnabled(kind config.DestinationKind) bool {
	cfg := e.cfg.Current()
	for _, d := range e.dests {
		if d.Kind() == kind {
			return d.Enabled(cfg)
		}
	}
	return false
}

// Destinations returns the kinds of the registered destinations that the
// current configuration enables, in registration order.
func (e *Engine) Destinations() []config.DestinationKind {
	cfg := e.cfg.Current()
	var kinds []config.DestinationKind
	for _, d := range e.enabled(cfg) {
		kinds = append(kinds, d.Kind())
	}
	return kinds
}

// Registered returns every registered destination.
func (e *Engine) Registered() []storage.Destination {
	return append([]storage.Destination(nil), e.dests...)
}

// Listing is the stored backups of one destination together with the
// retention buckets each backup currently satisfies.
type Listing struct {
	Kind    config.DestinationKind
	Backups []storage.BackupMetadata
	// Buckets maps a backup key to its retention bucket labels.
	Buckets map[string][]string
}

// ListBackups lists the backups of the configured source stored in the
// destination of the given kind, newest first.
func (e *Engine) ListBackups(ctx context.Context, kind config.DestinationKind) (*Listing, error) {
	cfg := e.cfg.Current()
	for _, d := range e.dests {
		if d.Kind() != kind {
			continue
		}
		p, ok := d.(storage.Pruner)
		if !ok {
			return nil, fmt.Errorf("%s: %w", kind, ErrNotListable)
		}
		prefix := sourcePrefix(cfg)
		listed, err := p.List(ctx, cfg, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		backups := storage.FilterSnapshots(listed, prefix)
		return &Listing{
			Kind:    kind,
			Backups: backups,
			Buckets: storage.ClassifyRetentionBuckets(backups, cfg.Retention),
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", kind, ErrUnknownDestination)
}

// sourcePrefix is the file name prefix shared by every snapshot of the
// configured source.
func sourcePrefix(cfg *config.Config) string {
	name := cfg.Source.Name
	if name == "" {
		name = "backup"
	}
	return name + "_"
}

func (e *Engine) enabled(cfg *config.Config) []storage.Destination {
	var out []storage.Destination
	for _, d := range e.dests {
		if d.Enabled(cfg) {
			out = append(out, d)
		}
	}
	return out
}

// RunCycle performs one backup cycle. The only error it returns is
// ErrCycleInProgress; per-destination failures are reported as outcomes.
func (e *Engine) RunCycle(ctx context.Context) (*Report, error) {
	if !e.claim() {
		return nil, ErrCycleInProgress
	}
	defer e.running.Store(false)
	return e.runCycle(ctx), nil
}

// StartCycle claims the cycle guard before returning and runs the cycle in
// the background. The channel receives the report once the cycle finished
// and the guard is released. A cycle already running yields
// ErrCycleInProgress and nothing is started.
func (e *Engine) StartCycle(ctx context.Context) (<-chan *Report, error) {
	if !e.claim() {
		return nil, ErrCycleInProgress
	}
	done := make(chan *Report, 1)
	go func() {
		report := e.runCycle(ctx)
		e.running.Store(false)
		done <- report
	}()
	return done, nil
}

func (e *Engine) claim() bool {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Info().Msg("backup cycle already in progress, request dropped")
		return false
	}
	return true
}

func (e *Engine) runCycle(ctx context.Context) *Report {
	cfg := e.cfg.Current()
	report := &Report{CycleID: uuid.NewString(), StartedAt: e.now()}
	logger := e.logger.With().Str("cycle_id", report.CycleID).Logger()

	e.warnUnregistered(cfg, logger)
	enabled := e.enabled(cfg)
	if len(enabled) == 0 {
		e.emit(logger, events.Event{Type: events.NoDestinations, CycleID: report.CycleID})
		report.Summary = events.Summarize(nil, 0, 0)
		e.last.Store(report)
		return report
	}

	e.emit(logger, events.Event{Type: events.CycleStarted, CycleID: report.CycleID})

	snap, err := e.producer.Produce(ctx, cfg.Source)
	if err != nil {
		outcomes := make([]events.Outcome, len(enabled))
		for i, d := range enabled {
			outcomes[i] = events.Outcome{
				Kind:   d.Kind(),
				Status: events.StatusSkipped,
				Reason: events.ReasonSourceUnavailable,
				Error:  err.Error(),
			}
		}
		report.SourceError = err.Error()
		e.emit(logger, events.Event{Type: events.SourceUnavailable, CycleID: report.CycleID, Error: err.Error()})
		e.finish(logger, report, outcomes, 0)
		return report
	}
	defer snap.Release()
	report.Snapshot = snap.Name

	logger.Debug().
		Str("snapshot", snap.Name).
		Int64("size", snap.Size()).
		Int("destinations", len(enabled)).
		Msg("snapshot ready, uploading")

	outcomes := make([]events.Outcome, len(enabled))
	var g errgroup.Group
	g.SetLimit(parallelism(len(enabled), cfg.MaxParallelUploads))
	for i, d := range enabled {
		g.Go(func() error {
			outcomes[i] = e.upload(ctx, cfg, d, snap, logger)
			return nil
		})
	}
	g.Wait()

	for i := range outcomes {
		e.emit(logger, events.Event{Type: events.DestinationOutcome, CycleID: report.CycleID, Outcome: &outcomes[i]})
	}
	e.finish(logger, report, outcomes, snap.Size())
	return report
}

func parallelism(enabled, max int) int {
	if max > 0 && max < enabled {
		return max
	}
	return enabled
}

func (e *Engine) finish(logger zerolog.Logger, report *Report, outcomes []events.Outcome, size int64) {
	report.Summary = events.Summarize(outcomes, e.now().Sub(report.StartedAt), size)
	summary := report.Summary
	e.emit(logger, events.Event{Type: events.CycleSummary, CycleID: report.CycleID, Summary: &summary})
	e.last.Store(report)
}

func (e *Engine) warnUnregistered(cfg *config.Config, logger zerolog.Logger) {
	for _, kind := range cfg.EnabledDestinations() {
		found := false
		for _, d := range e.dests {
			if d.Kind() == kind {
				found = true
				break
			}
		}
		if !found {
			logger.Warn().Str("destination", string(kind)).Msg("destination enabled in config but not available in this build")
		}
	}
}

type uploadResult struct {
	meta *storage.BackupMetadata
	err  error
}

// panicError carries a recovered destination panic.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("destination panicked: %v", p.value)
}

// upload runs one destination under the per-upload timeout. The destination
// runs in its own goroutine so one that ignores its context still yields a
// timeout outcome when the deadline passes.
func (e *Engine) upload(ctx context.Context, cfg *config.Config, d storage.Destination, snap *snapshot.Snapshot, logger zerolog.Logger) events.Outcome {
	start := time.Now()
	out := events.Outcome{Kind: d.Kind()}

	uctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout())
	defer cancel()

	done := make(chan uploadResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- uploadResult{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		meta, err := d.Upload(uctx, cfg, snap)
		done <- uploadResult{meta: meta, err: err}
	}()

	var res uploadResult
	select {
	case res = <-done:
	case <-uctx.Done():
		res.err = uctx.Err()
	}
	out.Duration = time.Since(start)

	if res.err != nil {
		out.Status = events.StatusFailure
		out.Reason = classify(ctx, res.err)
		out.Error = res.err.Error()
		var pe *panicError
		if errors.As(res.err, &pe) {
			logger.Error().
				Str("destination", string(d.Kind())).
				Interface("panic", pe.value).
				Bytes("stack", pe.stack).
				Msg("destination panicked during upload")
		}
		return out
	}

	out.Status = events.StatusSuccess
	if res.meta != nil {
		out.Key = res.meta.Key
		out.Size = res.meta.Size
	} else {
		out.Size = snap.Size()
	}

	if p, ok := d.(storage.Pruner); ok && !cfg.Retention.IsZero() {
		e.applyRetention(ctx, cfg, d.Kind(), p, snap.Source+"_", logger)
	}
	return out
}

// applyRetention prunes old backups under the per-upload timeout. Failures
// are logged only. Like upload, it runs in its own goroutine so a pruner
// that ignores its context cannot hold the cycle past the deadline.
func (e *Engine) applyRetention(ctx context.Context, cfg *config.Config, kind config.DestinationKind, p storage.Pruner, prefix string, logger zerolog.Logger) {
	rlog := logger.With().Str("destination", string(kind)).Logger()

	rctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout())
	defer cancel()

	type result struct {
		deleted int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		deleted, err := storage.ApplyRetention(rctx, p, cfg, prefix, rlog)
		done <- result{deleted: deleted, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-rctx.Done():
		res.err = fmt.Errorf("retention abandoned: %w", rctx.Err())
	}

	var pe *panicError
	switch {
	case errors.As(res.err, &pe):
		rlog.Error().Interface("panic", pe.value).Bytes("stack", pe.stack).Msg("retention panicked")
	case res.err != nil:
		rlog.Warn().Err(res.err).Msg("retention cleanup failed")
	case res.deleted > 0:
		rlog.Info().Int("deleted", res.deleted).Msg("cleaned up old backups")
	}
}

// classify maps an upload error to an outcome reason. parent is the cycle
// context, used to tell a cancelled cycle from a per-upload timeout.
func classify(parent context.Context, err error) events.Reason {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return events.ReasonPanic
	case errors.Is(err, storage.ErrUnauthorized):
		return events.ReasonUnauthorized
	case errors.Is(err, storage.ErrMisconfigured):
		return events.ReasonMisconfigured
	case parent.Err() != nil:
		return events.ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return events.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return events.ReasonCanceled
	default:
		return events.ReasonError
	}
}

// emit delivers an event. Sink failures never abort a cycle.
func (e *Engine) emit(logger zerolog.Logger, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Str("event", string(ev.Type)).Msg("event sink panicked")
		}
	}()
	if err := e.sink.Emit(ev); err != nil {
		logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("event sink failed")
	}
}
