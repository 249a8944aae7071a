package botframework

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Bot Framework channel token constants
const (
	DefaultOpenIDMetadataURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"
	DefaultIssuer            = "https://api.botframework.com"
	DefaultKeyRefresh        = 24 * time.Hour
	DefaultClockSkew         = 5 * time.Minute

	// minRefetchInterval rate-limits key refreshes triggered by unknown key ids
	minRefetchInterval = time.Minute
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// AuthOpts holds configuration options for the Authenticator.
type AuthOpts struct {
	MetadataURL string
	Issuer      string
	KeyRefresh  time.Duration
	HTTPClient  *http.Client
}

// AuthOption defines a configuration option for the Authenticator.
type AuthOption func(*AuthOpts)

func WithMetadataURL(u string) AuthOption {
	return func(o *AuthOpts) { o.MetadataURL = u }
}

func WithIssuer(iss string) AuthOption {
	return func(o *AuthOpts) { o.Issuer = iss }
}

func WithKeyRefresh(d time.Duration) AuthOption {
	return func(o *AuthOpts) { o.KeyRefresh = d }
}

func WithAuthHTTPClient(c *http.Client) AuthOption {
	return func(o *AuthOpts) { o.HTTPClient = c }
}

// Authenticator validates the bearer tokens the Bot Framework channel service attaches to
// inbound activities. Signing keys come from the OpenID metadata document and are cached.
type Authenticator struct {
	appID string
	cfg   AuthOpts

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewAuthenticator creates an Authenticator that accepts tokens issued for appID.
func NewAuthenticator(appID string, opts ...AuthOption) *Authenticator {
	cfg := AuthOpts{
		MetadataURL: DefaultOpenIDMetadataURL,
		Issuer:      DefaultIssuer,
		KeyRefresh:  DefaultKeyRefresh,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Authenticator{appID: appID, cfg: cfg, keys: make(map[string]*rsa.PublicKey)}
}

// Authenticate validates an Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) error {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return ErrMissingToken
	}

	token, err := jwt.Parse(strings.TrimSpace(raw),
		func(t *jwt.Token) (interface{}, error) { return a.keyFor(ctx, t) },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.appID),
		jwt.WithLeeway(DefaultClockSkew),
	)
	if err != nil {
		slog.Warn("Authenticator.Authenticate: token rejected", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fmt.Errorf("%w: token has no expiry", ErrInvalidToken)
	}
	return nil
}

func (a *Authenticator) keyFor(ctx context.Context, t *jwt.Token) (*rsa.PublicKey, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token header has no kid")
	}

	a.mu.RLock()
	key, ok := a.keys[kid]
	stale := time.Since(a.fetchedAt) > a.cfg.KeyRefresh
	recent := time.Since(a.fetchedAt) < minRefetchInterval
	a.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}
	if !ok && recent {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	if err := a.refreshKeys(ctx); err != nil {
		if ok {
			slog.Warn("Authenticator.keyFor: key refresh failed, using cached key", "error", err)
			return key, nil
		}
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if key, ok := a.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

type openIDMetadata struct {
	JWKSURI string `json:"jwks_uri"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (a *Authenticator) refreshKeys(ctx context.Context) error {
	slog.Debug("Authenticator.refreshKeys: fetching signing keys", "metadata_url", a.cfg.MetadataURL)

	var meta openIDMetadata
	if err := a.getJSON(ctx, a.cfg.MetadataURL, &meta); err != nil {
		return fmt.Errorf("fetch openid metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return errors.New("openid metadata has no jwks_uri")
	}
	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := a.getJSON(ctx, meta.JWKSURI, &set); err != nil {
		return fmt.Errorf("fetch signing keys: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			slog.Warn("Authenticator.refreshKeys: skipping malformed key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("no usable signing keys")
	}

	a.mu.Lock()
	a.keys = keys
	a.fetchedAt = time.Now()
	a.mu.Unlock()
	slog.Info("Authenticator.refreshKeys: signing keys loaded", "count", len(keys))
	return nil
}

func (a *Authenticator) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", u, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
