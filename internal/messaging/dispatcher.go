package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ApptPipe/internal/flow"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/session"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// DefaultDispatchTimeout bounds the processing of one inbound message, external calls included.
const DefaultDispatchTimeout = 30 * time.Second

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	Timeout  time.Duration
	Services []Service
}

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithDispatchTimeout bounds each message's processing.
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.Timeout = d }
}

// WithService registers a channel service.
func WithService(s Service) DispatcherOption {
	return func(o *DispatcherOpts) { o.Services = append(o.Services, s) }
}

// Dispatcher routes inbound messages through their session's script and sends the replies.
// Messages for the same session are processed one at a time, in arrival order of the lock.
type Dispatcher struct {
	sessions *session.Store
	seq      *flow.Sequencer
	store    store.Store
	services map[models.ChannelType]Service
	timeout  time.Duration

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sessions *session.Store, seq *flow.Sequencer, st store.Store, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{Timeout: DefaultDispatchTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDispatchTimeout
	}
	d := &Dispatcher{
		sessions: sessions,
		seq:      seq,
		store:    st,
		services: make(map[models.ChannelType]Service, len(cfg.Services)),
		timeout:  cfg.Timeout,
	}
	for _, s := range cfg.Services {
		d.services[s.Channel()] = s
		slog.Debug("Dispatcher: service registered", "channel", s.Channel())
	}
	return d
}

// Handle processes one inbound message: it advances the sender's session by one turn, sends
// the reply on the originating channel and records the audit trail.
func (d *Dispatcher) Handle(ctx context.Context, msg models.InboundMessage) (flow.Result, error) {
	if err := msg.Validate(); err != nil {
		return flow.Result{}, fmt.Errorf("invalid inbound message: %w", err)
	}
	svc, ok := d.services[msg.Channel]
	if !ok {
		return flow.Result{}, fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	sender, err := svc.CanonicalSender(msg)
	if err != nil {
		slog.Warn("Dispatcher.Handle: invalid sender", "error", err, "channel", msg.Channel, "from", msg.From)
		return flow.Result{}, fmt.Errorf("invalid sender: %w", err)
	}
	key := SessionKey(msg.Channel, sender)

	dedupID := ""
	if msg.MessageID != "" {
		dedupID = string(msg.Channel) + ":" + msg.MessageID
		fresh, err := d.store.RecordInbound(dedupID, key)
		if err != nil {
			slog.Error("Dispatcher.Handle: dedup check failed, processing anyway", "error", err, "key", key)
		} else if !fresh {
			slog.Info("Dispatcher.Handle: dropping duplicate message", "key", key, "message_id", msg.MessageID)
			return flow.Result{}, ErrDuplicateMessage
		}
	}

	if err := d.store.AddResponse(models.Response{From: sender, Channel: msg.Channel, Body: msg.Body, Time: msg.Time}); err != nil {
		slog.Error("Dispatcher.Handle: failed to log inbound message", "error", err, "key", key)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	unlock := d.sessions.Lock(key)
	defer unlock()

	sess := d.sessions.Get(key)
	res, advErr := d.seq.Advance(ctx, sess, msg.Body)
	d.sessions.Save(sess)

	if res.Scheduled != nil {
		d.recordAppointment(key, msg.Channel, *res.Scheduled)
	}

	var sendErr error
	if res.Reply != "" {
		sendErr = d.deliver(ctx, svc, msg, sender, res.Reply)
	}

	if dedupID != "" {
		if err := d.store.MarkProcessed(dedupID); err != nil {
			slog.Error("Dispatcher.Handle: failed to mark message processed", "error", err, "key", key)
		}
	}

	slog.Debug("Dispatcher.Handle: turn complete", "key", key, "state", sess.State, "done", res.Done)
	return res, errors.Join(advErr, sendErr)
}

func (d *Dispatcher) deliver(ctx context.Context, svc Service, msg models.InboundMessage, sender, body string) error {
	receipt := models.Receipt{To: sender, Channel: msg.Channel, Status: models.MessageStatusSent, Time: time.Now().Unix()}
	err := svc.SendReply(ctx, msg, body)
	if err != nil {
		slog.Error("Dispatcher.deliver: reply failed", "error", err, "channel", msg.Channel, "to", sender)
		receipt.Status = models.MessageStatusFailed
		err = fmt.Errorf("send reply to %s: %w", sender, err)
	}
	if rerr := d.store.AddReceipt(receipt); rerr != nil {
		slog.Error("Dispatcher.deliver: failed to record receipt", "error", rerr, "to", sender)
	}
	return err
}

func (d *Dispatcher) recordAppointment(key string, channel models.ChannelType, req models.AppointmentRequest) {
	appt := models.Appointment{
		ID:         uuid.NewString(),
		SessionKey: key,
		Channel:    channel,
		Name:       req.Name,
		Datetime:   req.Datetime,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.SaveAppointment(appt); err != nil {
		slog.Error("Dispatcher.recordAppointment: failed to record appointment", "error", err, "key", key)
		return
	}
	slog.Info("Dispatcher.recordAppointment: appointment recorded", "id", appt.ID, "key", key)
}

// Submit processes msg in the background. Once Drain has been called it only appends msg to
// the response log and returns ErrDispatcherClosed.
func (d *Dispatcher) Submit(msg models.InboundMessage) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		slog.Warn("Dispatcher.Submit: rejecting message while draining", "channel", msg.Channel, "from", msg.From, "message_id", msg.MessageID)
		if err := d.store.AddResponse(models.Response{From: msg.From, Channel: msg.Channel, Body: msg.Body, Time: msg.Time}); err != nil {
			slog.Error("Dispatcher.Submit: failed to log rejected message", "error", err, "channel", msg.Channel)
		}
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		if _, err := d.Handle(context.Background(), msg); err != nil && !errors.Is(err, ErrDuplicateMessage) {
			slog.Error("Dispatcher.Submit: message processing failed", "error", err, "channel", msg.Channel, "from", msg.From)
		}
	}()
	return nil
}

// Drain stops accepting submissions and waits for in-flight messages until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Dispatcher.Drain: all in-flight messages processed")
		return nil
	case <-ctx.Done():
		slog.Warn("Dispatcher.Drain: gave up waiting for in-flight messages", "error", ctx.Err())
		return ctx.Err()
	}
}
