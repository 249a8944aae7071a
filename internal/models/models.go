// Package models defines the core data structures for ApptPipe.
//
// It includes the inbound message envelope shared by both channels, delivery receipts,
// appointment records and the JSON envelope used by the API.
package models

import (
	"errors"
	"time"
)

// ChannelType identifies the messaging transport an event arrived on.
type ChannelType string

const (
	// ChannelBotFramework is the generic bot framework endpoint (/api/messages).
	ChannelBotFramework ChannelType = "botframework"
	// ChannelSMS is the Twilio SMS webhook (/twilio).
	ChannelSMS ChannelType = "sms"
)

// IsValidChannel checks if the given channel type is supported.
func IsValidChannel(c ChannelType) bool {
	switch c {
	case ChannelBotFramework, ChannelSMS:
		return true
	default:
		return false
	}
}

// Validation constants for inbound messages
const (
	// MaxInboundBodyLength defines the maximum accepted length of an inbound message body
	MaxInboundBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptySender      = errors.New("sender cannot be empty")
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrInboundTooLong   = errors.New("message body exceeds maximum length")
	ErrEmptyAppointment = errors.New("appointment name and datetime are required")
)

// InboundMessage is a single inbound message event from either channel.
type InboundMessage struct {
	Channel   ChannelType `json:"channel"`
	MessageID string      `json:"message_id,omitempty"` // transport message id, used for dedup
	From      string      `json:"from"`
	To        string      `json:"to,omitempty"`
	Body      string      `json:"body"`
	Time      int64       `json:"time"`
	// Metadata carries channel-specific routing data needed to reply (e.g. conversation ids).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the transport-independent requirements of an inbound message.
func (m *InboundMessage) Validate() error {
	if !IsValidChannel(m.Channel) {
		return ErrInvalidChannel
	}
	if m.From == "" {
		return ErrEmptySender
	}
	if len(m.Body) > MaxInboundBodyLength {
		return ErrInboundTooLong
	}
	return nil
}

// Meta returns a metadata value or an empty string.
func (m *InboundMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records an outbound reply attempt.
type Receipt struct {
	To      string        `json:"to"`
	Channel ChannelType   `json:"channel"`
	Status  MessageStatus `json:"status"`
	Time    int64         `json:"time"`
}

// Response is the stored form of an inbound message.
type Response struct {
	From    string      `json:"from"`
	Channel ChannelType `json:"channel"`
	Body    string      `json:"body"`
	Time    int64       `json:"time"`
}

// AppointmentRequest is the value handed to the calendar collaborator when a script completes.
type AppointmentRequest struct {
	Name     string `json:"name"`
	Datetime string `json:"datetime"`
}

// Validate ensures both fields are present.
func (r AppointmentRequest) Validate() error {
	if r.Name == "" || r.Datetime == "" {
		return ErrEmptyAppointment
	}
	return nil
}

// Appointment is the audit record of a successfully created calendar event.
type Appointment struct {
	ID         string      `json:"id"`
	SessionKey string      `json:"session_key"`
	Channel    ChannelType `json:"channel"`
	Name       string      `json:"name"`
	Datetime   string      `json:"datetime"`
	CreatedAt  time.Time   `json:"created_at"`
}

// APIStatus is the status field of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus   `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{response: APIResponse{}}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = status
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates an ok response carrying result.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates an ok response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error response with the given message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
