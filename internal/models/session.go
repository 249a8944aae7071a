// Package models defines the conversation session tracked per sender and channel.
package models

import "time"

// StateType is a position in the appointment script.
type StateType string

// Script states in order. The zero value of a fresh session is StateStart.
const (
	StateStart            StateType = "START"
	StateAwaitingName     StateType = "AWAITING_NAME"
	StateAwaitingDatetime StateType = "AWAITING_DATETIME"
	StateCompleted        StateType = "COMPLETED"
)

// FieldName names a value collected from the user.
type FieldName string

const (
	FieldPersonName FieldName = "name"
	FieldDatetime   FieldName = "datetime"
)

// Session is the per-conversation state of the appointment script.
type Session struct {
	Key       string               `json:"key"`
	State     StateType            `json:"state"`
	Values    map[FieldName]string `json:"values,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewSession returns a fresh session positioned before the first prompt.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		State:     StateStart,
		Values:    make(map[FieldName]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StepIndex reports how many script steps have been entered: 0 before the name prompt,
// 1 while awaiting the name, 2 while awaiting the datetime and 3 once completed.
func (s *Session) StepIndex() int {
	switch s.State {
	case StateAwaitingName:
		return 1
	case StateAwaitingDatetime:
		return 2
	case StateCompleted:
		return 3
	default:
		return 0
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Values = make(map[FieldName]string, len(s.Values))
	for k, v := range s.Values {
		c.Values[k] = v
	}
	return &c
}

// Reset clears collected values and returns the session to StateStart.
func (s *Session) Reset() {
	s.State = StateStart
	s.Values = make(map[FieldName]string)
	s.UpdatedAt = time.Now()
}
