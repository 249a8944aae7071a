// Package api provides the HTTP surface and server lifecycle for ApptPipe.
//
// It mounts the Bot Framework messaging endpoint, the Twilio SMS webhook and a few read-only
// JSON endpoints over the audit store, and wires the session, flow, calendar and messaging
// modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/ApptPipe/internal/botframework"
	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/flow"
	"github.com/BTreeMap/ApptPipe/internal/messaging"
	"github.com/BTreeMap/ApptPipe/internal/scheduler"
	"github.com/BTreeMap/ApptPipe/internal/session"
	"github.com/BTreeMap/ApptPipe/internal/store"
	"github.com/BTreeMap/ApptPipe/internal/twiliosms"
)

// Server defaults
const (
	DefaultAddr            = ":3000"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown, including draining in-flight messages.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	st         store.Store
	sessions   *session.Store
	dispatcher *messaging.Dispatcher
	sms        *messaging.SMSService
	bot        *messaging.BotFrameworkService

	addr            string
	shutdownTimeout time.Duration
	startedAt       time.Time
}

// NewServer creates a Server.
func NewServer(st store.Store, sessions *session.Store, dispatcher *messaging.Dispatcher,
	sms *messaging.SMSService, bot *messaging.BotFrameworkService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:              st,
		sessions:        sessions,
		dispatcher:      dispatcher,
		sms:             sms,
		bot:             bot,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		startedAt:       time.Now(),
	}
}

// Router returns the HTTP handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(s.notFoundHandler)
	r.MethodNotAllowed(s.methodNotAllowedHandler)

	r.Post("/api/messages", s.bot.ActivityHandler(s.dispatcher))
	r.Post("/twilio", s.sms.WebhookHandler(s.dispatcher))

	r.Get("/health", s.healthHandler)
	r.Get("/receipts", s.receiptsHandler)
	r.Get("/responses", s.responsesHandler)
	r.Get("/appointments", s.appointmentsHandler)
	return r
}

// ListenAndServe serves until ctx is cancelled, then stops accepting requests and drains
// in-flight messages.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: ApptPipe API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.ListenAndServe: shutting down", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.ListenAndServe: http shutdown failed", "error", err)
	}
	if err := s.dispatcher.Drain(shutdownCtx); err != nil {
		return fmt.Errorf("drain in-flight messages: %w", err)
	}
	<-errCh
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Modules carries the per-module options assembled by the entry point.
type Modules struct {
	StoreDSN    string
	Session     []session.Option
	Flow        []flow.Option
	Credentials calendar.CredentialOpts
	Calendar    []calendar.Option
	Twilio      []twiliosms.Option
	SMS         []messaging.SMSOption
	BotAppID    string
	Connector   []botframework.ConnectorOption
	Auth        []botframework.AuthOption
	Dispatcher  []messaging.DispatcherOption
	API         []Option

	// DedupRetention enables pruning of dedup records older than this; zero disables it.
	DedupRetention time.Duration
	PruneSchedule  string
}

// DefaultPruneSchedule runs dedup pruning once an hour
const DefaultPruneSchedule = "@hourly"

// Run builds every module from m and serves until ctx is cancelled.
func Run(ctx context.Context, m Modules) error {
	st, err := store.Open(m.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tokens, err := calendar.NewTokenSource(ctx, m.Credentials)
	if err != nil {
		return fmt.Errorf("calendar credentials: %w", err)
	}
	cal, err := calendar.NewClient(tokens, m.Calendar...)
	if err != nil {
		return fmt.Errorf("calendar client: %w", err)
	}

	var sender twiliosms.Sender
	if client, err := twiliosms.NewClient(m.Twilio...); err != nil {
		slog.Warn("Run: Twilio client unavailable, SMS replies will fail", "error", err)
		sender = unconfiguredSender{err: err}
	} else {
		sender = client
	}
	sms := messaging.NewSMSService(sender, m.SMS...)

	var botOpts []messaging.BotFrameworkOption
	if m.BotAppID != "" {
		botOpts = append(botOpts, messaging.WithTokenValidator(botframework.NewAuthenticator(m.BotAppID, m.Auth...)))
	}
	bot := messaging.NewBotFrameworkService(botframework.NewConnector(ctx, m.Connector...), botOpts...)

	if m.DedupRetention > 0 {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		expr := m.PruneSchedule
		if expr == "" {
			expr = DefaultPruneSchedule
		}
		if err := sched.AddJob(expr, "prune-dedup", pruneInboundJob(st, m.DedupRetention)); err != nil {
			return err
		}
	}

	sessions := session.NewStore(m.Session...)
	dispatcherOpts := append([]messaging.DispatcherOption{messaging.WithService(sms), messaging.WithService(bot)}, m.Dispatcher...)
	dispatcher := messaging.NewDispatcher(sessions, flow.NewSequencer(cal, m.Flow...), st, dispatcherOpts...)

	return NewServer(st, sessions, dispatcher, sms, bot, m.API...).ListenAndServe(ctx)
}

// pruneInboundJob drops dedup records older than retention.
func pruneInboundJob(st store.DedupRepo, retention time.Duration) func() {
	return func() {
		n, err := st.PruneInbound(time.Now().Add(-retention))
		if err != nil {
			slog.Error("pruneInboundJob: failed to prune dedup records", "error", err)
			return
		}
		slog.Debug("pruneInboundJob: dedup records pruned", "count", n, "retention", retention)
	}
}

type unconfiguredSender struct{ err error }

func (u unconfiguredSender) SendSMS(ctx context.Context, from, to, body string) error {
	return fmt.Errorf("twilio not configured: %w", u.err)
}
