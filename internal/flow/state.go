// Package flow defines the collaborator interfaces used by the appointment script.
package flow

import (
	"context"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// EventCreator turns a completed appointment request into a calendar event.
// Implementations return a classified error on failure; the script treats any error as
// "not scheduled" and stays retryable.
type EventCreator interface {
	CreateEvent(ctx context.Context, req models.AppointmentRequest) error
}

// EventCreatorFunc adapts a function to EventCreator.
type EventCreatorFunc func(ctx context.Context, req models.AppointmentRequest) error

// CreateEvent calls f(ctx, req).
func (f EventCreatorFunc) CreateEvent(ctx context.Context, req models.AppointmentRequest) error {
	return f(ctx, req)
}

// NextState is the script's transition function. scheduled reports whether the calendar
// side effect of the datetime step succeeded; it is ignored for the other states.
func NextState(from models.StateType, scheduled bool) models.StateType {
	switch from {
	case models.StateStart, models.StateCompleted:
		return models.StateAwaitingName
	case models.StateAwaitingName:
		return models.StateAwaitingDatetime
	case models.StateAwaitingDatetime:
		if scheduled {
			return models.StateCompleted
		}
		return models.StateAwaitingDatetime
	default:
		return models.StateStart
	}
}
