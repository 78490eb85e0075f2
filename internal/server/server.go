// Package server orchestrates all components: NATS client, dispatcher, capability agents,
// attachment janitor, journal, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/directive-core/internal/config"
	"github.com/morezero/directive-core/pkg/agents/speaker"
	"github.com/morezero/directive-core/pkg/agents/speechsynth"
	"github.com/morezero/directive-core/pkg/agents/system"
	"github.com/morezero/directive-core/pkg/attachment"
	"github.com/morezero/directive-core/pkg/bootstrap"
	"github.com/morezero/directive-core/pkg/capability"
	"github.com/morezero/directive-core/pkg/commsutil"
	"github.com/morezero/directive-core/pkg/db"
	"github.com/morezero/directive-core/pkg/directive"
	"github.com/morezero/directive-core/pkg/events"
)

const logPrefix = "server:server"

// Options holds optional dependencies for New.
type Options struct {
	// Bootstrap gates agent registration; nil uses the built-in default.
	Bootstrap *bootstrap.ResolvedBootstrap
	// Journal persists outcomes and sends; nil disables the journal.
	Journal JournalStore
	// Player renders Speak audio; nil discards it.
	Player speechsynth.Player
}

// Server is the directive-core orchestrator.
type Server struct {
	cfg       *config.Config
	nc        *comms.Conn
	tracker   *events.StatusTracker
	bootstrap *bootstrap.ResolvedBootstrap

	channel    *events.CommsChannel
	store      *attachment.Store
	dispatcher *directive.Dispatcher
	journal    *journalWriter

	speaker *speaker.Speaker
	synth   *speechsynth.Synthesizer
	system  *system.System

	subs        []*comms.Subscription
	janitorStop chan struct{}
	janitorDone chan struct{}
	ready       atomic.Bool

	shutdownOnce sync.Once
}

// New wires the dispatcher, attachment store, event channel, and the bundled capability
// agents onto nc. Call Start to begin consuming.
func New(cfg *config.Config, nc *comms.Conn, tracker *events.StatusTracker, opts Options) (*Server, error) {
	rb := opts.Bootstrap
	if rb == nil {
		var err error
		rb, err = bootstrap.CreateResolvedBootstrap(bootstrap.GetDefaultBootstrapConfig())
		if err != nil {
			return nil, fmt.Errorf("%s - default bootstrap: %w", logPrefix, err)
		}
	}

	s := &Server{
		cfg:       cfg,
		nc:        nc,
		tracker:   tracker,
		bootstrap: rb,
		store:     attachment.NewStore(cfg.AttachmentTTL),
	}

	s.channel = events.NewCommsChannel(nc, tracker, &events.CommsChannelOpts{
		Subject:      commsutil.EventsSubject(cfg.SubjectPrefix),
		QueueSize:    cfg.SendQueueSize,
		FlushTimeout: cfg.SendFlushTimeout,
	})
	var out events.MessageChannel = s.channel
	if opts.Journal != nil {
		s.journal = newJournalWriter(opts.Journal)
		out = &journalingChannel{next: s.channel, journal: s.journal}
	}

	s.dispatcher = directive.NewDispatcher(directive.WithResultObserver(s.onOutcome))

	agentOpts := []capability.Option{
		capability.WithMessageChannel(out),
		capability.WithBuilder(events.NewBuilder()),
		capability.WithContextProvider(s.deviceContext),
	}

	player := opts.Player
	if player == nil {
		player = speechsynth.DiscardPlayer{}
	}
	s.speaker = speaker.New(agentOpts...)
	s.synth = speechsynth.New(s.store,
		speechsynth.WithPlayer(player),
		speechsynth.WithReadTimeout(cfg.AttachmentReadTimeout),
		speechsynth.WithAgentOptions(agentOpts...),
	)
	s.system = system.New(agentOpts...)

	for _, h := range []directive.Handler{s.speaker, s.synth, s.system} {
		if err := s.register(h); err != nil {
			s.channel.Close()
			if s.journal != nil {
				s.journal.Close()
			}
			return nil, err
		}
	}
	return s, nil
}

// register adds h when the bootstrap enables it and applies the bootstrap policy overrides.
func (s *Server) register(h directive.Handler) error {
	cfg := h.Configuration()
	if !s.bootstrap.Enabled(cfg.Namespace) {
		slog.Info(fmt.Sprintf("%s - %s disabled by bootstrap", logPrefix, cfg.Namespace))
		return nil
	}
	if err := s.bootstrap.Check(cfg); err != nil {
		return fmt.Errorf("%s - bootstrap rejected %s: %w", logPrefix, cfg.Namespace, err)
	}
	if err := s.dispatcher.Register(h); err != nil {
		return fmt.Errorf("%s - register %s: %w", logPrefix, cfg.Namespace, err)
	}
	for name, p := range s.bootstrap.Policies(cfg.Namespace) {
		s.dispatcher.SetPolicy(cfg.Namespace, name, p)
	}
	slog.Info(fmt.Sprintf("%s - Registered %s %s", logPrefix, cfg.Namespace, cfg.Version))
	return nil
}

// deviceContext is the context sent with every event.
func (s *Server) deviceContext() []json.RawMessage {
	entry := s.speaker.ContextEntry()
	if entry == nil {
		return nil
	}
	return []json.RawMessage{entry}
}

// Dispatcher returns the directive dispatcher.
func (s *Server) Dispatcher() *directive.Dispatcher {
	return s.dispatcher
}

// Attachments returns the attachment store.
func (s *Server) Attachments() *attachment.Store {
	return s.store
}

// onOutcome journals every terminal outcome and reports failures as ExceptionEncountered.
func (s *Server) onOutcome(o directive.Outcome) {
	slog.Info(fmt.Sprintf("%s - %s %s %s", logPrefix, o.Directive, o.Result.Status, o.Result.Reason))
	if s.journal != nil {
		s.journal.RecordOutcome(o)
	}
	failure := o.Err()
	if failure == nil {
		return
	}
	slog.Warn(fmt.Sprintf("%s - %v", logPrefix, failure))
	if _, err := s.system.ReportException(context.Background(), o.Directive.Unparsed(),
		system.ExceptionInternalError, o.Result.Reason); err != nil {
		slog.Error(fmt.Sprintf("%s - report failure of %s: %v", logPrefix, o.Directive, err))
	}
}

// Start subscribes to the inbound subjects and starts the attachment janitor.
func (s *Server) Start() error {
	prefix := s.cfg.SubjectPrefix
	handlers := []struct {
		subject string
		handler comms.MsgHandler
	}{
		{commsutil.DirectivesSubject(prefix), s.handleDirectiveMsg},
		{commsutil.AttachmentsWildcard(prefix), s.handleAttachmentMsg},
		{commsutil.DialogSubject(prefix), s.handleDialogMsg},
	}
	for _, h := range handlers {
		sub, err := s.nc.Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, h.subject, err)
		}
		s.subs = append(s.subs, sub)
		slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, h.subject))
	}
	if err := s.nc.Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("%s - flush subscriptions: %w", logPrefix, err)
	}

	s.janitorStop = make(chan struct{})
	s.janitorDone = make(chan struct{})
	go s.runJanitor(s.cfg.AttachmentReclaimInterval)

	s.ready.Store(true)
	return nil
}

func (s *Server) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, sub.Subject, err))
		}
	}
	s.subs = nil
}

// runJanitor reclaims expired attachment slots every interval and, when configured, sends
// the periodic System.UserInactivityReport.
func (s *Server) runJanitor(interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var report <-chan time.Time
	if s.cfg.InactivityReportInterval > 0 {
		reportTicker := time.NewTicker(s.cfg.InactivityReportInterval)
		defer reportTicker.Stop()
		report = reportTicker.C
	}

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			if n := s.store.Reclaim(); n > 0 {
				slog.Info(fmt.Sprintf("%s - reclaimed %d expired attachments", logPrefix, n))
			}
		case <-report:
			if _, err := s.system.SendInactivityReport(context.Background()); err != nil {
				slog.Error(fmt.Sprintf("%s - inactivity report: %v", logPrefix, err))
			}
		}
	}
}

// Shutdown stops consuming, cancels in-flight directives, waits for playback, and drains the
// event channel and journal. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.ready.Store(false)
		s.unsubscribe()
		if s.janitorStop != nil {
			close(s.janitorStop)
			<-s.janitorDone
		}
		s.dispatcher.Shutdown()
		s.synth.Wait()
		s.channel.Close()
		if s.journal != nil {
			s.journal.Close()
		}
		slog.Info(fmt.Sprintf("%s - Server stopped", logPrefix))
	})
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting directive-core", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Load bootstrap config
	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}
	resolved, err := bootstrap.CreateResolvedBootstrap(bootstrapCfg)
	if err != nil {
		return fmt.Errorf("%s - invalid bootstrap config: %w", logPrefix, err)
	}

	// Step 2: Connect to NATS with status tracking
	tracker := events.NewStatusTracker()
	tracker.AddObserver(events.ConnectionObserverFunc(func(status events.ConnectionStatus, reason string) {
		slog.Info(fmt.Sprintf("%s - connection %s: %s", logPrefix, status, reason))
	}))
	nc, err := commsutil.ConnectWithHooks(cfg.COMMSURL, cfg.COMMSName, tracker.Hooks())
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	tracker.Set(events.StatusConnected, "connected to "+nc.ConnectedUrl())

	// Step 3: Optional journal database
	var pool *pgxpool.Pool
	opts := Options{Bootstrap: resolved}
	if cfg.JournalEnabled() {
		pool, err = openJournal(ctx, cfg)
		if err != nil {
			nc.Close()
			return err
		}
		opts.Journal = db.NewRepository(pool)
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, journal disabled", logPrefix))
	}
	closeAll := func() {
		nc.Close()
		if pool != nil {
			pool.Close()
		}
	}

	// Step 4: Build and start
	s, err := New(cfg, nc, tracker, opts)
	if err != nil {
		closeAll()
		return err
	}
	if err := s.Start(); err != nil {
		s.Shutdown()
		closeAll()
		return err
	}

	// Step 5: Start HTTP health server
	httpAddr := cfg.ListenAddr()
	httpServer := &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - directive-core is ready (namespaces %v)", logPrefix, s.dispatcher.Namespaces()))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}
	s.Shutdown()
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
	}
	tracker.Set(events.StatusClosed, "shutdown")
	if pool != nil {
		pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// openJournal connects to the journal database and applies migrations when enabled.
func openJournal(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if !cfg.RunMigrations {
		return pool, nil
	}
	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
	}
	return pool, nil
}
