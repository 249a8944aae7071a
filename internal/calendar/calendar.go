// Package calendar creates appointment events through the Microsoft Graph calendar API.
//
// The Client needs only an oauth2.TokenSource; whether the bearer comes from a fixed token or a
// client-credential exchange is decided by NewTokenSource.
package calendar

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

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// Defaults for event construction and transport
const (
	DefaultBaseURL       = "https://graph.microsoft.com/v1.0"
	DefaultTimeZone      = "UTC"
	DefaultDuration      = 30 * time.Minute
	DefaultAttendeeEmail = "doctor@example.com"
	DefaultAttendeeName  = "Dr. Smith"
	DefaultTimeout       = 20 * time.Second

	// graphDateTimeLayout is the local date-time form Graph expects alongside a timeZone
	graphDateTimeLayout = "2006-01-02T15:04:05"
	// maxErrorBody limits how much of an error response is kept
	maxErrorBody = 512
)

// localLayouts are datetime forms interpreted in the configured time zone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// DateTimeTimeZone is the Graph dateTimeTimeZone resource.
type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// EmailAddress is the Graph emailAddress resource.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Attendee is the Graph attendee resource.
type Attendee struct {
	EmailAddress EmailAddress `json:"emailAddress"`
	Type         string       `json:"type"`
}

// Event is the subset of the Graph event resource ApptPipe sends.
type Event struct {
	Subject   string           `json:"subject"`
	Start     DateTimeTimeZone `json:"start"`
	End       DateTimeTimeZone `json:"end"`
	Attendees []Attendee       `json:"attendees"`
}

// Opts holds configuration options for the calendar client.
type Opts struct {
	BaseURL       string
	UserID        string // when set, events go to /users/{id}/events instead of /me/events
	TimeZone      string
	Duration      time.Duration
	AttendeeEmail string
	AttendeeName  string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Option defines a configuration option for the calendar client.
type Option func(*Opts)

func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

func WithUserID(id string) Option {
	return func(o *Opts) { o.UserID = id }
}

func WithTimeZone(tz string) Option {
	return func(o *Opts) { o.TimeZone = tz }
}

func WithDuration(d time.Duration) Option {
	return func(o *Opts) { o.Duration = d }
}

// WithAttendee sets the required attendee added to every event.
func WithAttendee(email, name string) Option {
	return func(o *Opts) {
		o.AttendeeEmail = email
		o.AttendeeName = name
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client posts appointment events to the calendar API.
type Client struct {
	tokens oauth2.TokenSource
	http   *http.Client
	cfg    Opts
	loc    *time.Location
}

// NewClient creates a calendar client that authenticates with tokens.
func NewClient(tokens oauth2.TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("calendar: token source must not be nil")
	}
	cfg := Opts{
		BaseURL:       DefaultBaseURL,
		TimeZone:      DefaultTimeZone,
		Duration:      DefaultDuration,
		AttendeeEmail: DefaultAttendeeEmail,
		AttendeeName:  DefaultAttendeeName,
		Timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("calendar: negative appointment duration %s", cfg.Duration)
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		// Graph accepts Windows zone names too; keep the name and skip local conversion.
		slog.Warn("calendar.NewClient: time zone not known locally, datetimes passed through", "time_zone", cfg.TimeZone, "error", err)
		loc = nil
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	slog.Debug("calendar client config loaded",
		"base_url", cfg.BaseURL,
		"user_id_set", cfg.UserID != "",
		"time_zone", cfg.TimeZone,
		"duration", cfg.Duration)

	return &Client{tokens: tokens, http: httpClient, cfg: cfg, loc: loc}, nil
}

// CreateEvent schedules an appointment for req.
// Token failures are returned as *CredentialError and API failures as *APIError.
func (c *Client) CreateEvent(ctx context.Context, req models.AppointmentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	tok, err := c.tokens.Token()
	if err != nil {
		slog.Error("Client.CreateEvent: token acquisition failed", "error", err)
		return &CredentialError{Err: err}
	}

	event := c.BuildEvent(req)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("calendar: marshal event: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		slog.Error("Client.CreateEvent: request failed", "error", err)
		return &APIError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("Client.CreateEvent: calendar API rejected event", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		// The event exists; an unreadable body is not a scheduling failure.
		slog.Warn("Client.CreateEvent: could not decode created event", "error", err)
	}
	slog.Info("Client.CreateEvent: event created", "event_id", created.ID, "start", event.Start.DateTime)
	return nil
}

// BuildEvent converts an appointment request into the Graph event payload.
func (c *Client) BuildEvent(req models.AppointmentRequest) Event {
	start, end, tz := c.eventWindow(req.Datetime)
	return Event{
		Subject: "Appointment with " + req.Name,
		Start:   DateTimeTimeZone{DateTime: start, TimeZone: tz},
		End:     DateTimeTimeZone{DateTime: end, TimeZone: tz},
		Attendees: []Attendee{{
			EmailAddress: EmailAddress{Address: c.cfg.AttendeeEmail, Name: c.cfg.AttendeeName},
			Type:         "required",
		}},
	}
}

// eventWindow returns start, end and zone. Unparseable input is passed through verbatim
// with end equal to start.
func (c *Client) eventWindow(raw string) (string, string, string) {
	text := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		t = t.UTC()
		return t.Format(graphDateTimeLayout), t.Add(c.cfg.Duration).Format(graphDateTimeLayout), "UTC"
	}
	loc := c.loc
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t.Format(graphDateTimeLayout), t.Add(c.cfg.Duration).Format(graphDateTimeLayout), c.cfg.TimeZone
		}
	}
	return raw, raw, c.cfg.TimeZone
}

func (c *Client) eventsURL() string {
	if c.cfg.UserID != "" {
		return c.cfg.BaseURL + "/users/" + url.PathEscape(c.cfg.UserID) + "/events"
	}
	return c.cfg.BaseURL + "/me/events"
}
