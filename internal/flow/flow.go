// Package flow implements the three-step appointment script.
//
// A session moves START -> AWAITING_NAME -> AWAITING_DATETIME -> COMPLETED, one user turn per
// transition. The final transition creates a calendar event; if that fails the session stays
// in AWAITING_DATETIME so the next turn retries it. A message to a completed session starts a
// new run.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/models"
)

// Script text
const (
	PromptName            = "Please provide your name:"
	PromptDatetime        = "Please provide the date and time for the appointment:"
	MessageScheduled      = "Your appointment has been scheduled."
	MessageScheduleFailed = "Sorry, we could not schedule your appointment. Please send the date and time again to retry."
)

// DefaultEventTimeout bounds a single calendar call
const DefaultEventTimeout = 20 * time.Second

// Result is the outcome of one script turn.
type Result struct {
	Reply string
	Done  bool
	// Scheduled is set when this turn created a calendar event.
	Scheduled *models.AppointmentRequest
}

// Opts holds configuration options for the Sequencer.
type Opts struct {
	EventTimeout time.Duration
}

// Option defines a configuration option for the Sequencer.
type Option func(*Opts)

// WithEventTimeout bounds each calendar call.
func WithEventTimeout(d time.Duration) Option {
	return func(o *Opts) { o.EventTimeout = d }
}

// Sequencer drives a session through the script one turn at a time.
// It holds no per-session state; callers serialize turns for the same session.
type Sequencer struct {
	events  EventCreator
	timeout time.Duration
}

// NewSequencer creates a Sequencer that schedules through events.
func NewSequencer(events EventCreator, opts ...Option) *Sequencer {
	cfg := Opts{EventTimeout: DefaultEventTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}
	return &Sequencer{events: events, timeout: cfg.EventTimeout}
}

// Advance feeds one user message to sess and mutates it in place.
// On a failed calendar call it returns the failure reply together with the error.
func (s *Sequencer) Advance(ctx context.Context, sess *models.Session, text string) (Result, error) {
	from := sess.State
	slog.Debug("Sequencer.Advance: processing turn", "key", sess.Key, "state", from)

	switch from {
	case models.StateStart, models.StateCompleted:
		if from == models.StateCompleted {
			slog.Info("Sequencer.Advance: starting new script run", "key", sess.Key)
		}
		sess.Reset()
		s.moveTo(sess, NextState(from, false))
		return Result{Reply: PromptName}, nil

	case models.StateAwaitingName:
		if isBlank(text) {
			return Result{Reply: PromptName}, nil
		}
		sess.Values[models.FieldPersonName] = text
		s.moveTo(sess, NextState(from, false))
		return Result{Reply: PromptDatetime}, nil

	case models.StateAwaitingDatetime:
		if isBlank(text) {
			return Result{Reply: PromptDatetime}, nil
		}
		req := models.AppointmentRequest{Name: sess.Values[models.FieldPersonName], Datetime: text}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.events.CreateEvent(callCtx, req)
		cancel()
		if err != nil {
			slog.Error("Sequencer.Advance: calendar event creation failed", "key", sess.Key, "error_kind", failureKind(err), "error", err)
			return Result{Reply: MessageScheduleFailed}, fmt.Errorf("schedule appointment for %s: %w", sess.Key, err)
		}

		sess.Values[models.FieldDatetime] = text
		s.moveTo(sess, NextState(from, true))
		slog.Info("Sequencer.Advance: appointment scheduled", "key", sess.Key)
		return Result{Reply: MessageScheduled, Done: true, Scheduled: &req}, nil

	default:
		slog.Warn("Sequencer.Advance: unknown state, restarting script", "key", sess.Key, "state", from)
		sess.Reset()
		s.moveTo(sess, models.StateAwaitingName)
		return Result{Reply: PromptName}, nil
	}
}

func (s *Sequencer) moveTo(sess *models.Session, to models.StateType) {
	slog.Debug("Sequencer: state transition", "key", sess.Key, "from", sess.State, "to", to)
	sess.State = to
	sess.UpdatedAt = time.Now()
}

// failureKind classifies a calendar failure for the error_kind log attribute.
func failureKind(err error) string {
	switch {
	case calendar.IsCredentialError(err):
		return "credential"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case calendar.IsAPIError(err):
		return "api"
	default:
		return "other"
	}
}

func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
