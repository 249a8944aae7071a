// Package messaging connects the inbound channels to the appointment script: channel services
// parse webhooks and deliver replies, and the Dispatcher runs each message through its session.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/ApptPipe/internal/flow"
	"github.com/BTreeMap/ApptPipe/internal/models"
)

var (
	// ErrUnknownChannel is returned for messages on a channel with no registered service.
	ErrUnknownChannel = errors.New("no service registered for channel")
	// ErrDuplicateMessage is returned when a transport redelivers a message already handled.
	ErrDuplicateMessage = errors.New("duplicate inbound message")
	// ErrDispatcherClosed is returned by Submit after Drain has started.
	ErrDispatcherClosed = errors.New("dispatcher is draining")
)

// MaxRequestBodyBytes caps webhook request bodies.
const MaxRequestBodyBytes = 1 << 20

// Service is one inbound channel. It owns sender canonicalization and reply delivery.
type Service interface {
	// Channel returns the channel this service handles.
	Channel() models.ChannelType

	// CanonicalSender returns the stable sender identity used to key the session.
	// Returns an error if the sender cannot be identified.
	CanonicalSender(msg models.InboundMessage) (string, error)

	// SendReply delivers body to the sender of msg on the same channel.
	SendReply(ctx context.Context, msg models.InboundMessage, body string) error
}

// Submitter accepts inbound messages for asynchronous processing.
type Submitter interface {
	Submit(msg models.InboundMessage) error
}

// Handler processes inbound messages synchronously.
type Handler interface {
	Handle(ctx context.Context, msg models.InboundMessage) (flow.Result, error)
}

// SessionKey builds the session key for a canonical sender on a channel.
func SessionKey(channel models.ChannelType, sender string) string {
	return string(channel) + ":" + sender
}
