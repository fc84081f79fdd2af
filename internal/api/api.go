// Package api provides the HTTP server for LeadPipe.
//
// It receives WhatsApp webhook deliveries (Cloud API and Twilio), hands each normalized
// message to the conversation engine, and serves health, metrics and the lead archive.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

const (
	DefaultAddr               = ":3000"
	DefaultSessionIdleTimeout = 24 * time.Hour
	DefaultSweepInterval      = 10 * time.Minute
	DefaultDedupRetention     = 72 * time.Hour
	shutdownTimeout           = 10 * time.Second
	readHeaderTimeout         = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr               string
	Provider           models.Provider
	VerifyToken        string // webhook handshake secret
	AppSecret          string // Meta app secret; enables X-Hub-Signature-256 checks
	AdminToken         string // bearer token for /leads; empty disables the endpoint
	TwilioAuthToken    string
	TwilioWebhookURL   string // public URL Twilio signs; empty disables signature checks
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	DedupRetention     time.Duration // how long inbound message IDs are remembered; 0 keeps them forever
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithProvider selects the messaging provider Run starts.
func WithProvider(p models.Provider) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithVerifyToken sets the webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithAppSecret enables Cloud API delivery signature checks.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithAdminToken enables GET /leads behind a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithTwilioSignatureValidation checks X-Twilio-Signature against the public webhook URL.
func WithTwilioSignatureValidation(authToken, webhookURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = webhookURL
	}
}

// WithSessionExpiry sets how long an untouched session lives and how often that is checked.
// A zero idle timeout disables expiry.
func WithSessionExpiry(idle, interval time.Duration) Option {
	return func(o *Opts) {
		o.SessionIdleTimeout = idle
		o.SweepInterval = interval
	}
}

// WithDedupRetention sets how long inbound message IDs are kept for redelivery checks.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// Server holds the dependencies for the HTTP handlers.
type Server struct {
	msgService messaging.Service
	st         store.Store
	engine     *flow.Engine
	sessions   *flow.MemorySessionStore
	metrics    *metrics.Recorder
	twilio     *twiliowhatsapp.Validator
	cfg        Opts
}

// NewServer wires the conversation engine to a messaging service, a store and a lead submitter.
func NewServer(msgService messaging.Service, st store.Store, leads flow.LeadSubmitter, opts ...Option) *Server {
	cfg := Opts{
		Addr:               DefaultAddr,
		SessionIdleTimeout: DefaultSessionIdleTimeout,
		SweepInterval:      DefaultSweepInterval,
		DedupRetention:     DefaultDedupRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	rec := metrics.NewRecorder()
	sessions := flow.NewMemorySessionStore()
	s := &Server{
		msgService: msgService,
		st:         st,
		sessions:   sessions,
		metrics:    rec,
		cfg:        cfg,
		engine: flow.NewEngine(rec.InstrumentSender(msgService), leads,
			flow.WithSessionStore(sessions),
			flow.WithRecorder(rec),
		),
	}
	if cfg.TwilioAuthToken != "" && cfg.TwilioWebhookURL != "" {
		s.twilio = twiliowhatsapp.NewValidator(cfg.TwilioAuthToken)
	}
	slog.Debug("Server created",
		"provider", msgService.Provider(),
		"verify_token_set", cfg.VerifyToken != "",
		"app_secret_set", cfg.AppSecret != "",
		"admin_token_set", cfg.AdminToken != "",
		"twilio_signature", s.twilio != nil)
	return s
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.rootHandler)
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("/leads", s.leadsHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// consumeInputs handles messages pushed by the messaging service, one at a time, until the
// channel closes or ctx is done.
func (s *Server) consumeInputs(ctx context.Context) {
	inputs := s.msgService.Inputs()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inputs:
			if !ok {
				return
			}
			s.process(ctx, in)
		}
	}
}

// process deduplicates and hands one input to the engine. Panics are logged and swallowed.
func (s *Server) process(ctx context.Context, in models.Input) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Server.process: recovered from panic", "panic", r, "actor", in.ActorID)
		}
	}()

	s.metrics.Inbound(in)
	if in.MessageID != "" {
		fresh, err := s.st.RecordInbound(in.MessageID, in.ActorID)
		if err != nil {
			slog.Warn("Server.process: dedup check failed, handling anyway", "error", err, "message_id", in.MessageID)
		} else if !fresh {
			s.metrics.Duplicate(in.Provider)
			slog.Info("Server.process: duplicate delivery dropped", "message_id", in.MessageID, "actor", in.ActorID)
			return
		}
	}

	s.engine.Handle(ctx, in)

	if in.MessageID != "" {
		if err := s.st.MarkProcessed(in.MessageID); err != nil {
			slog.Warn("Server.process: failed to mark message processed", "error", err, "message_id", in.MessageID)
		}
	}
}

// pruneInbound drops dedup records older than the retention window, measured from now.
func (s *Server) pruneInbound(now time.Time) {
	if s.cfg.DedupRetention <= 0 {
		return
	}
	removed, err := s.st.PruneInbound(now.Add(-s.cfg.DedupRetention))
	if err != nil {
		slog.Warn("Server.pruneInbound: prune failed", "error", err)
		return
	}
	s.metrics.DedupPruned(removed)
	if removed > 0 {
		slog.Info("Server.pruneInbound: dropped old dedup records", "removed", removed, "retention", s.cfg.DedupRetention)
	}
}

// runDedupPruner prunes dedup records on the sweep interval until ctx is done.
func (s *Server) runDedupPruner(ctx context.Context) {
	if s.cfg.DedupRetention <= 0 {
		slog.Info("Dedup pruning disabled")
		return
	}
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pruneInbound(now)
		}
	}
}

// newMessagingService builds the transport for the configured provider.
func newMessagingService(ctx context.Context, provider models.Provider, cloudOpts []messaging.CloudOption, twilioOpts []twiliowhatsapp.Option, waOpts []whatsapp.Option) (messaging.Service, error) {
	switch provider {
	case models.ProviderCloud, "":
		return messaging.NewCloudService(cloudOpts...)
	case models.ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case models.ProviderWhatsmeow:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", provider)
	}
}

// Run builds every module from its options and serves until SIGINT or SIGTERM.
func Run(cloudOpts []messaging.CloudOption, twilioOpts []twiliowhatsapp.Option, waOpts []whatsapp.Option, storeOpts []store.Option, crmOpts []crm.Option, apiOpts []Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	msgService, err := newMessagingService(ctx, cfg.Provider, cloudOpts, twilioOpts, waOpts)
	if err != nil {
		return err
	}

	airtable := crm.NewAirtable(crmOpts...)
	server := NewServer(msgService, st, crm.NewLeadService(airtable, st), apiOpts...)

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	go server.consumeInputs(ctx)
	go flow.RunSweeper(ctx, server.sessions, server.cfg.SweepInterval, server.cfg.SessionIdleTimeout, server.metrics.Swept)
	go server.runDedupPruner(ctx)

	httpServer := &http.Server{
		Addr:              server.cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("LeadPipe listening", "addr", httpServer.Addr, "provider", msgService.Provider())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			msgService.Stop()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := msgService.Stop(); err != nil {
		slog.Error("Failed to stop messaging service", "error", err)
	}
	slog.Info("LeadPipe stopped")
	return nil
}
