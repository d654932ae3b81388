package events

import (
	"github.com/rs/zerolog"
)

// LogSink writes one line per event: one per destination outcome plus a
// cycle summary line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

// Emit logs the event.
func (s *LogSink) Emit(e Event) error {
	switch e.Type {
	case CycleStarted:
		s.logger.Info().Str("cycle_id", e.CycleID).Msg("backup cycle started")
	case NoDestinations:
		s.logger.Info().Str("cycle_id", e.CycleID).Msg("no backup destinations configured")
	case SourceUnavailable:
		s.logger.Warn().Str("cycle_id", e.CycleID).Str("error", e.Error).Msg("backup source unavailable, cycle skipped")
	case DestinationOutcome:
		if e.Outcome == nil {
			return nil
		}
		o := e.Outcome
		var ev *zerolog.Event
		switch o.Status {
		case StatusSuccess:
			ev = s.logger.Info().Str("key", o.Key).Int64("size", o.Size)
		case StatusFailure:
			ev = s.logger.Warn().Str("reason", string(o.Reason)).Str("error", o.Error)
		default:
			ev = s.logger.Info().Str("reason", string(o.Reason))
		}
		ev.Str("cycle_id", e.CycleID).
			Str("destination", string(o.Kind)).
			Str("status", string(o.Status)).
			Dur("duration", o.Duration).
			Msg("destination outcome")
	case CycleSummary:
		if e.Summary == nil {
			return nil
		}
		sum := e.Summary
		ev := s.logger.Info()
		if sum.Failed > 0 {
			ev = s.logger.Warn()
		}
		ev.Str("cycle_id", e.CycleID).
			Int("succeeded", sum.Succeeded).
			Int("failed", sum.Failed).
			Int("skipped", sum.Skipped).
			Dur("duration", sum.Duration).
			Msg("backup cycle finished")
	case UpdateCheckResult:
		if e.Update == nil {
			return nil
		}
		u := e.Update
		ev := s.logger.Info()
		if u.Error != "" {
			ev = s.logger.Warn().Str("error", u.Error)
		}
		ev.Str("classification", u.Classification).
			Str("current", u.CurrentTitle).
			Str("latest", u.LatestTitle).
			Msg("update check finished")
	default:
		s.logger.Debug().Str("type", string(e.Type)).Msg("event")
	}
	return nil
}
