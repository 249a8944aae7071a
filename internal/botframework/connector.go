package botframework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Connector token endpoint for multi-tenant bot registrations
const (
	DefaultConnectorTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	DefaultConnectorScope    = "https://api.botframework.com/.default"
	DefaultConnectorTimeout  = 15 * time.Second
)

// ConnectorOpts holds configuration options for the connector client.
type ConnectorOpts struct {
	AppID       string
	AppPassword string
	TokenURL    string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// ConnectorOption defines a configuration option for the connector client.
type ConnectorOption func(*ConnectorOpts)

// WithCredentials sets the bot's app id and password used to authenticate replies.
func WithCredentials(appID, password string) ConnectorOption {
	return func(o *ConnectorOpts) {
		o.AppID = appID
		o.AppPassword = password
	}
}

func WithConnectorTokenURL(u string) ConnectorOption {
	return func(o *ConnectorOpts) { o.TokenURL = u }
}

func WithConnectorTimeout(d time.Duration) ConnectorOption {
	return func(o *ConnectorOpts) { o.Timeout = d }
}

// WithConnectorHTTPClient overrides the HTTP client; credentials are then not applied.
func WithConnectorHTTPClient(c *http.Client) ConnectorOption {
	return func(o *ConnectorOpts) { o.HTTPClient = c }
}

// Connector posts activities to the channel's connector service.
type Connector struct {
	http *http.Client
}

// NewConnector creates a connector client. Without credentials replies are sent
// unauthenticated, which is what the local emulator expects.
func NewConnector(ctx context.Context, opts ...ConnectorOption) *Connector {
	cfg := ConnectorOpts{TokenURL: DefaultConnectorTokenURL, Timeout: DefaultConnectorTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("botframework connector config loaded", "app_id_set", cfg.AppID != "", "password_set", cfg.AppPassword != "")

	if cfg.HTTPClient != nil {
		return &Connector{http: cfg.HTTPClient}
	}
	if cfg.AppID == "" || cfg.AppPassword == "" {
		return &Connector{http: &http.Client{Timeout: cfg.Timeout}}
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppPassword,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{DefaultConnectorScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	// Token refreshes must keep working after ctx is cancelled so replies can be sent while draining
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	client := cc.Client(tokenCtx)
	client.Timeout = cfg.Timeout
	return &Connector{http: client}
}

// SendActivity posts a as a reply in its conversation.
func (c *Connector) SendActivity(ctx context.Context, a Activity) error {
	if a.ServiceURL == "" {
		return ErrMissingServiceURL
	}
	if a.Conversation.ID == "" {
		return ErrMissingConversation
	}

	endpoint := strings.TrimRight(a.ServiceURL, "/") + "/v3/conversations/" + url.PathEscape(a.Conversation.ID) + "/activities"
	if a.ReplyToID != "" {
		endpoint += "/" + url.PathEscape(a.ReplyToID)
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Connector.SendActivity: request failed", "conversation", a.Conversation.ID, "error", err)
		return fmt.Errorf("send activity to %s: %w", a.Conversation.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("Connector.SendActivity: connector rejected activity", "status", resp.StatusCode, "conversation", a.Conversation.ID)
		return fmt.Errorf("connector returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	slog.Debug("Connector.SendActivity: activity sent", "conversation", a.Conversation.ID, "reply_to", a.ReplyToID)
	return nil
}
