// Package testutil provides common test utilities, fakes and HTTP helpers for ApptPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// TestingT is the subset of *testing.T used by the assertion helpers.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON APIResponse and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != string(expectedStatus) {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TestingT, method, target string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req := httptest.NewRequest(method, target, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a URL-encoded form POST, as Twilio sends its webhooks.
func CreateFormRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// AssertResponseCount validates the number of logged inbound messages.
func AssertResponseCount(t TestingT, st store.Store, expected int, context string) {
	t.Helper()
	responses, err := st.GetResponses()
	if err != nil {
		t.Fatalf("%s: failed to get responses: %v", context, err)
		return
	}
	if len(responses) != expected {
		t.Errorf("%s: expected %d responses, got %d", context, expected, len(responses))
	}
}

// SeedTestData adds sample audit records to the store.
func SeedTestData(t TestingT, st store.Store) {
	t.Helper()
	receipts := []models.Receipt{
		{To: "+15550000001", Channel: models.ChannelSMS, Status: models.MessageStatusSent, Time: 1},
		{To: "webchat:user1", Channel: models.ChannelBotFramework, Status: models.MessageStatusFailed, Time: 2},
	}
	for _, r := range receipts {
		if err := st.AddReceipt(r); err != nil {
			t.Fatalf("failed to add test receipt: %v", err)
		}
	}
	responses := []models.Response{
		{From: "+15550000001", Channel: models.ChannelSMS, Body: "Alice", Time: 10},
		{From: "webchat:user1", Channel: models.ChannelBotFramework, Body: "hi", Time: 20},
	}
	for _, r := range responses {
		if err := st.AddResponse(r); err != nil {
			t.Fatalf("failed to add test response: %v", err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// Reply is a message captured by FakeService.
type Reply struct {
	To   string
	Body string
}

// FakeService is an in-memory channel service. It keys senders by their raw From value.
type FakeService struct {
	Type models.ChannelType

	mu      sync.Mutex
	replies []Reply
	Err     error
}

func NewFakeService(channel models.ChannelType) *FakeService {
	return &FakeService{Type: channel}
}

func (f *FakeService) Channel() models.ChannelType { return f.Type }

func (f *FakeService) CanonicalSender(msg models.InboundMessage) (string, error) {
	if msg.From == "" {
		return "", errors.New("empty sender")
	}
	return msg.From, nil
}

func (f *FakeService) SendReply(ctx context.Context, msg models.InboundMessage, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.replies = append(f.replies, Reply{To: msg.From, Body: body})
	return nil
}

// Replies returns a copy of the captured replies.
func (f *FakeService) Replies() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Reply, len(f.replies))
	copy(out, f.replies)
	return out
}

// RepliesTo returns the bodies sent to one recipient, in order.
func (f *FakeService) RepliesTo(to string) []string {
	var out []string
	for _, r := range f.Replies() {
		if r.To == to {
			out = append(out, r.Body)
		}
	}
	return out
}

// FakeCalendar records CreateEvent calls and fails while Err is set.
type FakeCalendar struct {
	mu    sync.Mutex
	calls []models.AppointmentRequest
	Err   error
}

func (f *FakeCalendar) CreateEvent(ctx context.Context, req models.AppointmentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.Err
}

// SetErr changes the failure returned by later calls.
func (f *FakeCalendar) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// Calls returns a copy of the recorded requests.
func (f *FakeCalendar) Calls() []models.AppointmentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AppointmentRequest, len(f.calls))
	copy(out, f.calls)
	return out
}
