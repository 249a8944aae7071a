package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) { return nil, errors.New("token endpoint down") }

func staticTokens(tok string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
}

func newGraphServer(t *testing.T, status int, capture *Event, path *string, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path != nil {
			*path = r.URL.Path
		}
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, capture)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusCreated {
			_, _ = w.Write([]byte(`{"id":"evt-1"}`))
		} else {
			_, _ = w.Write([]byte(`{"error":{"code":"ErrorAccessDenied"}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateEventPostsPayload(t *testing.T) {
	var got Event
	var path, auth string
	srv := newGraphServer(t, http.StatusCreated, &got, &path, &auth)

	c, err := NewClient(staticTokens("static-abc"), WithBaseURL(srv.URL), WithTimeZone("UTC"))
	require.NoError(t, err)

	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "Alice", Datetime: "2024-05-01T10:00"})
	require.NoError(t, err)

	assert.Equal(t, "/me/events", path)
	assert.Equal(t, "Bearer static-abc", auth)
	assert.Equal(t, "Appointment with Alice", got.Subject)
	assert.Equal(t, "2024-05-01T10:00:00", got.Start.DateTime)
	assert.Equal(t, "2024-05-01T10:30:00", got.End.DateTime)
	assert.Equal(t, "UTC", got.Start.TimeZone)
	require.Len(t, got.Attendees, 1)
	assert.Equal(t, DefaultAttendeeEmail, got.Attendees[0].EmailAddress.Address)
	assert.Equal(t, "required", got.Attendees[0].Type)
}

func TestCreateEventUsesUserPathWhenConfigured(t *testing.T) {
	var path string
	srv := newGraphServer(t, http.StatusCreated, nil, &path, nil)

	c, err := NewClient(staticTokens("t"), WithBaseURL(srv.URL+"/"), WithUserID("doctor@example.com"))
	require.NoError(t, err)
	require.NoError(t, c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "A", Datetime: "x"}))

	assert.Equal(t, "/users/doctor@example.com/events", path)
}

func TestCreateEventAPIFailure(t *testing.T) {
	srv := newGraphServer(t, http.StatusForbidden, nil, nil, nil)
	c, err := NewClient(staticTokens("t"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "A", Datetime: "x"})
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
	assert.False(t, IsCredentialError(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "ErrorAccessDenied")
}

func TestCreateEventUnreachableIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient(staticTokens("t"), WithBaseURL(base))
	require.NoError(t, err)
	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "A", Datetime: "x"})
	assert.True(t, IsAPIError(err))
}

func TestCreateEventCredentialFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c, err := NewClient(failingTokens{}, WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "A", Datetime: "x"})
	assert.True(t, IsCredentialError(err))
	assert.False(t, IsAPIError(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "calendar API must not be called without a token")
}

func TestCreateEventRejectsEmptyRequest(t *testing.T) {
	c, err := NewClient(staticTokens("t"))
	require.NoError(t, err)
	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "A"})
	assert.ErrorIs(t, err, models.ErrEmptyAppointment)
}

func TestNewClientRequiresTokenSource(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
}

func TestBuildEventWindow(t *testing.T) {
	c, err := NewClient(staticTokens("t"), WithTimeZone("America/New_York"), WithDuration(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name      string
		in        string
		wantStart string
		wantEnd   string
		wantTZ    string
	}{
		{"local minutes", "2024-05-01T10:00", "2024-05-01T10:00:00", "2024-05-01T11:00:00", "America/New_York"},
		{"local space", "2024-05-01 09:15", "2024-05-01T09:15:00", "2024-05-01T10:15:00", "America/New_York"},
		{"rfc3339 offset", "2024-05-01T10:00:00+02:00", "2024-05-01T08:00:00", "2024-05-01T09:00:00", "UTC"},
		{"free text verbatim", "next tuesday at 3", "next tuesday at 3", "next tuesday at 3", "America/New_York"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.BuildEvent(models.AppointmentRequest{Name: "Bob", Datetime: tt.in})
			assert.Equal(t, tt.wantStart, ev.Start.DateTime)
			assert.Equal(t, tt.wantEnd, ev.End.DateTime)
			assert.Equal(t, tt.wantTZ, ev.Start.TimeZone)
			assert.Equal(t, tt.wantTZ, ev.End.TimeZone)
		})
	}
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name    string
		opts    CredentialOpts
		want    AuthMode
		wantErr bool
	}{
		{"explicit static", CredentialOpts{Mode: AuthModeStatic}, AuthModeStatic, false},
		{"infer static", CredentialOpts{StaticToken: "t"}, AuthModeStatic, false},
		{"infer client credentials", CredentialOpts{TenantID: "tenant"}, AuthModeClientCredentials, false},
		{"nothing configured", CredentialOpts{}, "", true},
		{"unknown", CredentialOpts{Mode: "kerberos"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.ResolveMode()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTokenSourceValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewTokenSource(ctx, CredentialOpts{Mode: AuthModeStatic})
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = NewTokenSource(ctx, CredentialOpts{Mode: AuthModeClientCredentials, ClientID: "id", ClientSecret: "s"})
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = NewTokenSource(ctx, CredentialOpts{TenantID: "tenant", ClientID: "id"})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestClientCredentialsExchange(t *testing.T) {
	var tokenRequests int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "app-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "app-secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, DefaultGraphScope, r.PostForm.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"exchanged","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var auth string
	graph := newGraphServer(t, http.StatusCreated, nil, nil, &auth)

	ts, err := NewTokenSource(context.Background(), CredentialOpts{
		TokenURL:     tokenSrv.URL,
		ClientID:     "app-id",
		ClientSecret: "app-secret",
	})
	require.NoError(t, err)

	c, err := NewClient(ts, WithBaseURL(graph.URL))
	require.NoError(t, err)

	req := models.AppointmentRequest{Name: "Alice", Datetime: "2024-05-01T10:00"}
	require.NoError(t, c.CreateEvent(context.Background(), req))
	require.NoError(t, c.CreateEvent(context.Background(), req))

	assert.Equal(t, "Bearer exchanged", auth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests), "token should be reused until expiry")
}

func TestClientCredentialsTokenFailureIsCredentialError(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer tokenSrv.Close()

	ts, err := NewTokenSource(context.Background(), CredentialOpts{
		TokenURL:     tokenSrv.URL,
		ClientID:     "id",
		ClientSecret: "bad",
	})
	require.NoError(t, err)
	c, err := NewClient(ts, WithBaseURL("http://127.0.0.1:1"))
	require.NoError(t, err)

	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "A", Datetime: "x"})
	assert.True(t, IsCredentialError(err))
}

func TestClientCredentialsOutliveConstructionContext(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"late","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var auth string
	graph := newGraphServer(t, http.StatusCreated, nil, nil, &auth)

	ctx, cancel := context.WithCancel(context.Background())
	ts, err := NewTokenSource(ctx, CredentialOpts{TokenURL: tokenSrv.URL, ClientID: "app-id", ClientSecret: "app-secret"})
	require.NoError(t, err)
	c, err := NewClient(ts, WithBaseURL(graph.URL))
	require.NoError(t, err)

	// The process context is cancelled on shutdown before in-flight turns drain
	cancel()

	err = c.CreateEvent(context.Background(), models.AppointmentRequest{Name: "Alice", Datetime: "2024-05-01T10:00"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer late", auth)
}
