package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ApptPipe/internal/flow"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/session"
	"github.com/BTreeMap/ApptPipe/internal/store"
	"github.com/BTreeMap/ApptPipe/internal/testutil"
)

type dispatchFixture struct {
	d        *Dispatcher
	sessions *session.Store
	store    *store.InMemoryStore
	cal      *testutil.FakeCalendar
	svc      *testutil.FakeService
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		sessions: session.NewStore(),
		store:    store.NewInMemoryStore(),
		cal:      &testutil.FakeCalendar{},
		svc:      testutil.NewFakeService(models.ChannelSMS),
	}
	f.d = NewDispatcher(f.sessions, flow.NewSequencer(f.cal), f.store,
		WithService(f.svc), WithDispatchTimeout(5*time.Second))
	return f
}

func inbound(from, body string) models.InboundMessage {
	return models.InboundMessage{Channel: models.ChannelSMS, From: from, To: "+15550000000", Body: body, Time: time.Now().Unix()}
}

func TestDispatcherFullScript(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	const user = "+15551234567"

	for _, body := range []string{"hi", "Alice", "2024-05-01T10:00"} {
		_, err := f.d.Handle(ctx, inbound(user, body))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{flow.PromptName, flow.PromptDatetime, flow.MessageScheduled}, f.svc.RepliesTo(user))
	assert.Equal(t, []models.AppointmentRequest{{Name: "Alice", Datetime: "2024-05-01T10:00"}}, f.cal.Calls())

	sess := f.sessions.Get(SessionKey(models.ChannelSMS, user))
	assert.Equal(t, models.StateCompleted, sess.State)
	assert.Equal(t, "Alice", sess.Values[models.FieldPersonName])

	appts, err := f.store.ListAppointments()
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, "Alice", appts[0].Name)
	assert.Equal(t, "sms:"+user, appts[0].SessionKey)
	assert.NotEmpty(t, appts[0].ID)

	receipts, err := f.store.GetReceipts()
	require.NoError(t, err)
	assert.Len(t, receipts, 3)
	testutil.AssertResponseCount(t, f.store, 3, "inbound log")
}

func TestDispatcherCalendarFailureIsRetryable(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	const user = "+15551234567"
	f.cal.SetErr(errors.New("graph unavailable"))

	_, err := f.d.Handle(ctx, inbound(user, "hi"))
	require.NoError(t, err)
	_, err = f.d.Handle(ctx, inbound(user, "Alice"))
	require.NoError(t, err)
	res, err := f.d.Handle(ctx, inbound(user, "tomorrow 10am"))
	require.Error(t, err)
	assert.Equal(t, flow.MessageScheduleFailed, res.Reply)

	sess := f.sessions.Get(SessionKey(models.ChannelSMS, user))
	assert.Equal(t, models.StateAwaitingDatetime, sess.State)
	_, hasDatetime := sess.Values[models.FieldDatetime]
	assert.False(t, hasDatetime)

	appts, _ := f.store.ListAppointments()
	assert.Empty(t, appts)

	f.cal.SetErr(nil)
	res, err = f.d.Handle(ctx, inbound(user, "tomorrow 10am"))
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, flow.MessageScheduled, f.svc.RepliesTo(user)[3])
}

func TestDispatcherSeparatesSenders(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	_, err := f.d.Handle(ctx, inbound("+15550000001", "hi"))
	require.NoError(t, err)
	_, err = f.d.Handle(ctx, inbound("+15550000001", "Alice"))
	require.NoError(t, err)
	_, err = f.d.Handle(ctx, inbound("+15550000002", "hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{flow.PromptName}, f.svc.RepliesTo("+15550000002"))
	assert.Equal(t, models.StateAwaitingDatetime, f.sessions.Get("sms:+15550000001").State)
	assert.Equal(t, models.StateAwaitingName, f.sessions.Get("sms:+15550000002").State)
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	msg := inbound("+15551234567", "hi")
	msg.MessageID = "SM123"

	_, err := f.d.Handle(ctx, msg)
	require.NoError(t, err)
	_, err = f.d.Handle(ctx, msg)
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	assert.Len(t, f.svc.Replies(), 1)
	assert.Equal(t, models.StateAwaitingName, f.sessions.Get("sms:+15551234567").State)
}

func TestDispatcherReplyFailureRecordsReceipt(t *testing.T) {
	f := newDispatchFixture(t)
	f.svc.Err = errors.New("twilio down")

	_, err := f.d.Handle(context.Background(), inbound("+15551234567", "hi"))
	require.Error(t, err)

	receipts, err := f.store.GetReceipts()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, models.MessageStatusFailed, receipts[0].Status)
	// the turn still advanced
	assert.Equal(t, models.StateAwaitingName, f.sessions.Get("sms:+15551234567").State)
}

func TestDispatcherRejectsInvalidMessages(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	_, err := f.d.Handle(ctx, models.InboundMessage{Channel: models.ChannelSMS, Body: "hi"})
	assert.ErrorIs(t, err, models.ErrEmptySender)

	_, err = f.d.Handle(ctx, models.InboundMessage{Channel: models.ChannelBotFramework, From: "u", Body: "hi"})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestDispatcherConcurrentMessagesNoLostUpdate(t *testing.T) {
	f := newDispatchFixture(t)
	const user = "+15551234567"
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.d.Handle(context.Background(), inbound(user, fmt.Sprintf("msg-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Each turn observes the previous turn's save, so exactly every third reply is a confirmation:
	// prompt, datetime prompt, scheduled, prompt, ...
	replies := f.svc.RepliesTo(user)
	require.Len(t, replies, n)
	expected := []string{flow.PromptName, flow.PromptDatetime, flow.MessageScheduled}
	for i, r := range replies {
		assert.Equal(t, expected[i%3], r, "reply %d", i)
	}
	assert.Len(t, f.cal.Calls(), n/3)
}

func TestDispatcherSubmitAndDrain(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.d.Submit(inbound("+15551234567", "hi")))
	require.NoError(t, f.d.Submit(inbound("+15557654321", "hi")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.d.Drain(ctx))

	assert.Len(t, f.svc.Replies(), 2)
	assert.ErrorIs(t, f.d.Submit(inbound("+15551234567", "late")), ErrDispatcherClosed)
}

func TestDispatcherLogsMessagesRejectedWhileDraining(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.d.Drain(context.Background()))

	assert.ErrorIs(t, f.d.Submit(inbound("+15551234567", "too late")), ErrDispatcherClosed)

	responses, err := f.store.GetResponses()
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "too late", responses[0].Body)
	assert.Equal(t, models.ChannelSMS, responses[0].Channel)
	assert.Empty(t, f.svc.Replies())
}

func TestDispatcherDrainTimesOut(t *testing.T) {
	f := newDispatchFixture(t)
	block := make(chan struct{})
	f.d.seq = flow.NewSequencer(flow.EventCreatorFunc(func(ctx context.Context, req models.AppointmentRequest) error {
		<-block
		return nil
	}))
	const user = "+15551234567"
	_, err := f.d.Handle(context.Background(), inbound(user, "hi"))
	require.NoError(t, err)
	_, err = f.d.Handle(context.Background(), inbound(user, "Alice"))
	require.NoError(t, err)
	require.NoError(t, f.d.Submit(inbound(user, "tomorrow")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.d.Drain(ctx), context.DeadlineExceeded)
	close(block)
}
