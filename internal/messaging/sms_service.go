package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/twiliosms"
)

// AckMessage is the TwiML acknowledgment returned for every accepted SMS webhook.
const AckMessage = "Processing your request."

// whatsappPrefix marks Twilio WhatsApp addresses, which share the SMS webhook.
const whatsappPrefix = "whatsapp:"

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// SignatureValidator checks Twilio webhook signatures.
type SignatureValidator interface {
	Validate(url string, params map[string]string, signature string) bool
}

// SMSService implements Service for Twilio SMS.
type SMSService struct {
	client     twiliosms.Sender
	validator  SignatureValidator
	webhookURL string
}

// SMSOption configures an SMSService.
type SMSOption func(*SMSService)

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not match webhookURL.
func WithSignatureValidation(v SignatureValidator, webhookURL string) SMSOption {
	return func(s *SMSService) {
		s.validator = v
		s.webhookURL = webhookURL
	}
}

// NewSMSService creates an SMSService that replies through client.
func NewSMSService(client twiliosms.Sender, opts ...SMSOption) *SMSService {
	s := &SMSService{client: client}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("SMSService created", "signature_validation", s.validator != nil)
	return s
}

func (s *SMSService) Channel() models.ChannelType {
	return models.ChannelSMS
}

// ValidateAndCanonicalizeRecipient reduces a phone number to +<digits>, keeping a whatsapp: prefix.
// It validates the result has at least 6 digits.
func (s *SMSService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	prefix := ""
	number := strings.TrimSpace(recipient)
	if rest, ok := strings.CutPrefix(number, whatsappPrefix); ok {
		prefix = whatsappPrefix
		number = rest
	}

	digits := phoneNumberRegex.ReplaceAllString(number, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}

	canonical := prefix + "+" + digits
	if canonical != recipient {
		slog.Debug("SMSService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

func (s *SMSService) CanonicalSender(msg models.InboundMessage) (string, error) {
	return s.ValidateAndCanonicalizeRecipient(msg.From)
}

// SendReply texts body back to the sender, from the number the message was sent to.
func (s *SMSService) SendReply(ctx context.Context, msg models.InboundMessage, body string) error {
	to, err := s.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return err
	}
	return s.client.SendSMS(ctx, msg.To, to, body)
}

// WebhookHandler handles inbound Twilio webhook requests. Accepted messages are submitted for
// asynchronous processing and acknowledged immediately with TwiML; the script reply goes out
// through the REST API.
func (s *SMSService) WebhookHandler(sub Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
		if err := r.ParseForm(); err != nil {
			slog.Warn("SMSService.WebhookHandler: failed to parse form", "error", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		if s.validator != nil {
			params := make(map[string]string, len(r.PostForm))
			for k := range r.PostForm {
				params[k] = r.PostForm.Get(k)
			}
			if !s.validator.Validate(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
				slog.Warn("SMSService.WebhookHandler: invalid Twilio signature", "remote", r.RemoteAddr)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		msg := models.InboundMessage{
			Channel:   models.ChannelSMS,
			MessageID: r.PostForm.Get("MessageSid"),
			From:      r.PostForm.Get("From"),
			To:        r.PostForm.Get("To"),
			Body:      r.PostForm.Get("Body"),
			Time:      time.Now().Unix(),
		}
		if err := msg.Validate(); err != nil {
			slog.Warn("SMSService.WebhookHandler: rejected message", "error", err, "from", msg.From)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("SMSService.WebhookHandler: inbound message", "from", msg.From, "message_sid", msg.MessageID, "body_length", len(msg.Body))

		if err := sub.Submit(msg); err != nil {
			slog.Error("SMSService.WebhookHandler: submit failed", "error", err, "from", msg.From)
		}
		writeTwiMLAck(w)
	}
}

func writeTwiMLAck(w http.ResponseWriter) {
	body, err := twiliosms.MessageResponse(AckMessage)
	if err != nil {
		slog.Error("SMSService: TwiML rendering failed, using fallback", "error", err)
		body = twiliosms.FallbackAck
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("SMSService: failed to write TwiML ack", "error", err)
	}
}
