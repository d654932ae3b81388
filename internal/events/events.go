// Package events defines the observational events emitted by the backup
// engine and the update checker, and the sinks that consume them.
package events

import (
	"errors"
	"time"

	"drivebackup/internal/config"
)

// Type names an event.
type Type string

const (
	CycleStarted       Type = "cycle-started"
	NoDestinations     Type = "no-destinations"
	SourceUnavailable  Type = "source-unavailable"
	DestinationOutcome Type = "destination-outcome"
	CycleSummary       Type = "cycle-summary"
	UpdateCheckResult  Type = "update-check-result"
)

// Status is the per-destination result classification of a cycle.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Reason qualifies a failure or skip.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDisabled          Reason = "disabled"
	ReasonSourceUnavailable Reason = "source-unavailable"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonMisconfigured     Reason = "misconfigured"
	ReasonTimeout           Reason = "timeout"
	ReasonCanceled          Reason = "canceled"
	ReasonPanic             Reason = "panic"
	ReasonError             Reason = "error"
)

// Outcome is the result for one destination in one cycle.
type Outcome struct {
	Kind     config.DestinationKind `json:"kind"`
	Status   Status                 `json:"status"`
	Reason   Reason                 `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Key      string                 `json:"key,omitempty"`
	Size     int64                  `json:"size,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Summary aggregates the outcomes of one cycle.
type Summary struct {
	Outcomes  []Outcome     `json:"outcomes"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Size      int64         `json:"size,omitempty"`
}

// Summarize counts outcomes by status.
func Summarize(outcomes []Outcome, d time.Duration, size int64) Summary {
	s := Summary{Outcomes: outcomes, Duration: d, Size: size}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusFailure:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// UpdateCheck carries the result of one version check.
type UpdateCheck struct {
	Classification string  `json:"classification"`
	CurrentTitle   string  `json:"currentTitle"`
	LatestTitle    string  `json:"latestTitle,omitempty"`
	CurrentID      float64 `json:"currentId"`
	LatestID       float64 `json:"latestId"`
	Error          string  `json:"error,omitempty"`
}

// Event is one observational record. Only the fields relevant to Type are set.
type Event struct {
	Type    Type         `json:"type"`
	Time    time.Time    `json:"time"`
	CycleID string       `json:"cycleId,omitempty"`
	Error   string       `json:"error,omitempty"`
	Outcome *Outcome     `json:"outcome,omitempty"`
	Summary *Summary     `json:"summary,omitempty"`
	Update  *UpdateCheck `json:"update,omitempty"`
}

// Sink consumes events. Emit should not block for long; callers treat
// errors as best-effort and never abort on them.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

// Multi fans an event out to several sinks. Every sink sees every event;
// errors are joined.
type Multi []Sink

func (m Multi) Emit(e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })
