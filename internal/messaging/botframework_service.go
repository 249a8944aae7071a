package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ApptPipe/internal/botframework"
	"github.com/BTreeMap/ApptPipe/internal/models"
)

// ActivitySender posts reply activities to the channel connector.
type ActivitySender interface {
	SendActivity(ctx context.Context, a botframework.Activity) error
}

// TokenValidator validates the Authorization header of inbound activities.
type TokenValidator interface {
	Authenticate(ctx context.Context, authorization string) error
}

// BotFrameworkService implements Service for the Bot Framework messaging endpoint.
type BotFrameworkService struct {
	connector ActivitySender
	auth      TokenValidator
}

// BotFrameworkOption configures a BotFrameworkService.
type BotFrameworkOption func(*BotFrameworkService)

// WithTokenValidator enables bearer token validation on inbound activities.
func WithTokenValidator(v TokenValidator) BotFrameworkOption {
	return func(s *BotFrameworkService) { s.auth = v }
}

// NewBotFrameworkService creates a BotFrameworkService replying through connector.
func NewBotFrameworkService(connector ActivitySender, opts ...BotFrameworkOption) *BotFrameworkService {
	s := &BotFrameworkService{connector: connector}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		slog.Warn("BotFrameworkService: inbound authentication disabled, MICROSOFT_APP_ID not set")
	}
	return s
}

func (s *BotFrameworkService) Channel() models.ChannelType {
	return models.ChannelBotFramework
}

// CanonicalSender returns <channelId>:<from.id>, or just the user id when the channel is unknown.
func (s *BotFrameworkService) CanonicalSender(msg models.InboundMessage) (string, error) {
	if msg.From == "" {
		return "", botframework.ErrMissingFrom
	}
	if ch := msg.Meta(botframework.MetaChannelID); ch != "" {
		return ch + ":" + msg.From, nil
	}
	return msg.From, nil
}

// SendReply posts body into the conversation msg arrived on.
func (s *BotFrameworkService) SendReply(ctx context.Context, msg models.InboundMessage, body string) error {
	return s.connector.SendActivity(ctx, botframework.ReplyTo(msg, body))
}

// ActivityHandler handles POST /api/messages. Message activities run synchronously through h;
// other activity types are acknowledged without touching any session.
func (s *BotFrameworkService) ActivityHandler(h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil {
			if err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization")); err != nil {
				slog.Warn("BotFrameworkService.ActivityHandler: unauthorized", "error", err, "remote", r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		var activity botframework.Activity
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
			slog.Warn("BotFrameworkService.ActivityHandler: invalid activity JSON", "error", err)
			http.Error(w, "Invalid activity", http.StatusBadRequest)
			return
		}

		if !activity.IsMessage() {
			slog.Debug("BotFrameworkService.ActivityHandler: ignoring activity", "type", activity.Type)
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := activity.Validate(); err != nil {
			slog.Warn("BotFrameworkService.ActivityHandler: incomplete activity", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		msg := activity.ToInbound()
		if err := msg.Validate(); err != nil {
			slog.Warn("BotFrameworkService.ActivityHandler: rejected message", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := h.Handle(r.Context(), msg); err != nil {
			if errors.Is(err, ErrDuplicateMessage) {
				slog.Debug("BotFrameworkService.ActivityHandler: duplicate activity acknowledged", "activity_id", activity.ID)
			} else {
				slog.Error("BotFrameworkService.ActivityHandler: processing failed", "error", err, "activity_id", activity.ID)
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
