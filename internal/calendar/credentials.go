package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthMode selects how the calendar bearer credential is obtained.
type AuthMode string

const (
	// AuthModeStatic uses a fixed access token from configuration.
	AuthModeStatic AuthMode = "static"
	// AuthModeClientCredentials exchanges a client-credential grant for short-lived tokens.
	AuthModeClientCredentials AuthMode = "client_credentials"
)

// Token endpoint defaults for the client-credential exchange
const (
	// DefaultTokenURLFormat is formatted with the tenant id
	DefaultTokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	// DefaultGraphScope requests the application's configured Graph permissions
	DefaultGraphScope = "https://graph.microsoft.com/.default"
	// DefaultTokenTimeout bounds a single token request
	DefaultTokenTimeout = 15 * time.Second
)

// CredentialOpts configures NewTokenSource.
type CredentialOpts struct {
	Mode         AuthMode
	StaticToken  string
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string // overrides the tenant token endpoint
	Scope        string
	Timeout      time.Duration
}

// ResolveMode returns the configured mode, or infers one from the fields that are set.
func (o CredentialOpts) ResolveMode() (AuthMode, error) {
	switch o.Mode {
	case AuthModeStatic, AuthModeClientCredentials:
		return o.Mode, nil
	case "":
		if o.StaticToken != "" {
			return AuthModeStatic, nil
		}
		if o.TenantID != "" || o.TokenURL != "" {
			return AuthModeClientCredentials, nil
		}
		return "", ErrNoCredentials
	default:
		return "", fmt.Errorf("calendar: unknown auth mode %q", o.Mode)
	}
}

// NewTokenSource builds the token source for the selected credential strategy.
func NewTokenSource(ctx context.Context, o CredentialOpts) (oauth2.TokenSource, error) {
	mode, err := o.ResolveMode()
	if err != nil {
		return nil, err
	}
	slog.Debug("calendar.NewTokenSource: building credential strategy", "mode", mode,
		"static_token_set", o.StaticToken != "", "tenant_set", o.TenantID != "", "client_id_set", o.ClientID != "")

	switch mode {
	case AuthModeStatic:
		if o.StaticToken == "" {
			return nil, fmt.Errorf("calendar: static mode requires an access token: %w", ErrNoCredentials)
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.StaticToken, TokenType: "Bearer"}), nil
	default:
		tokenURL := o.TokenURL
		if tokenURL == "" {
			if o.TenantID == "" {
				return nil, fmt.Errorf("calendar: client credentials require a tenant id: %w", ErrNoCredentials)
			}
			tokenURL = fmt.Sprintf(DefaultTokenURLFormat, o.TenantID)
		}
		if o.ClientID == "" || o.ClientSecret == "" {
			return nil, fmt.Errorf("calendar: client credentials require client id and secret: %w", ErrNoCredentials)
		}
		scope := o.Scope
		if scope == "" {
			scope = DefaultGraphScope
		}
		timeout := o.Timeout
		if timeout <= 0 {
			timeout = DefaultTokenTimeout
		}
		cc := &clientcredentials.Config{
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		// Token refreshes outlive ctx; the client timeout bounds each one.
		tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		return cc.TokenSource(tokenCtx), nil
	}
}
