// Package botframework implements the parts of the Bot Framework protocol ApptPipe needs:
// the Activity schema, inbound token validation and replies through the connector service.
package botframework

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// ActivityTypeMessage is the only activity type that drives the script.
const ActivityTypeMessage = "message"

// Metadata keys used to route a reply back through the connector.
const (
	MetaServiceURL     = "serviceUrl"
	MetaConversationID = "conversationId"
	MetaActivityID     = "activityId"
	MetaChannelID      = "channelId"
	MetaBotID          = "botId"
	MetaBotName        = "botName"
	MetaUserName       = "userName"
)

var (
	ErrMissingServiceURL   = errors.New("activity is missing serviceUrl")
	ErrMissingConversation = errors.New("activity is missing conversation id")
	ErrMissingFrom         = errors.New("activity is missing from id")
)

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationAccount identifies a conversation.
type ConversationAccount struct {
	ID      string `json:"id"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Activity is the subset of the Bot Framework activity schema used here.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Locale       string              `json:"locale,omitempty"`
}

// IsMessage reports whether the activity is a user message.
func (a *Activity) IsMessage() bool {
	return a.Type == ActivityTypeMessage
}

// Validate checks the fields needed to process and answer a message activity.
func (a *Activity) Validate() error {
	if a.ServiceURL == "" {
		return ErrMissingServiceURL
	}
	if a.Conversation.ID == "" {
		return ErrMissingConversation
	}
	if a.From.ID == "" {
		return ErrMissingFrom
	}
	return nil
}

// ToInbound converts a message activity into the channel-neutral inbound message.
func (a *Activity) ToInbound() models.InboundMessage {
	ts := time.Now().Unix()
	if a.Timestamp != nil {
		ts = a.Timestamp.Unix()
	}
	return models.InboundMessage{
		Channel:   models.ChannelBotFramework,
		MessageID: a.ID,
		From:      a.From.ID,
		To:        a.Recipient.ID,
		Body:      a.Text,
		Time:      ts,
		Metadata: map[string]string{
			MetaServiceURL:     a.ServiceURL,
			MetaConversationID: a.Conversation.ID,
			MetaActivityID:     a.ID,
			MetaChannelID:      a.ChannelID,
			MetaBotID:          a.Recipient.ID,
			MetaBotName:        a.Recipient.Name,
			MetaUserName:       a.From.Name,
		},
	}
}

// ReplyTo builds a reply activity addressed back to the sender of msg.
func ReplyTo(msg models.InboundMessage, text string) Activity {
	return Activity{
		Type:         ActivityTypeMessage,
		ID:           uuid.NewString(),
		ServiceURL:   msg.Meta(MetaServiceURL),
		ChannelID:    msg.Meta(MetaChannelID),
		From:         ChannelAccount{ID: msg.Meta(MetaBotID), Name: msg.Meta(MetaBotName)},
		Recipient:    ChannelAccount{ID: msg.From, Name: msg.Meta(MetaUserName)},
		Conversation: ConversationAccount{ID: msg.Meta(MetaConversationID)},
		ReplyToID:    msg.Meta(MetaActivityID),
		Text:         text,
		TextFormat:   "plain",
	}
}
