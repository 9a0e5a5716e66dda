// Package app wires all voicepay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithUserStore,
// WithLedger, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicepay/internal/assistant"
	"github.com/MrWong99/voicepay/internal/config"
	"github.com/MrWong99/voicepay/internal/health"
	"github.com/MrWong99/voicepay/internal/ledgerfeed"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/server"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/internal/userstore/postgres"
	"github.com/MrWong99/voicepay/internal/userstore/redisstore"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	users    userstore.Store
	ledger   ledgerfeed.Publisher
	metrics  *observe.Metrics
	checkers []health.Checker
	sessions *SessionManager
	server   *server.Server
	http     *http.Server
	listener net.Listener

	// level, if set, is adjusted when the config's log level changes.
	level *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUserStore injects a user store instead of creating one from config.
func WithUserStore(s userstore.Store) Option {
	return func(a *App) { a.users = s }
}

// WithLedger injects a transaction publisher instead of creating the Kafka feed.
func WithLedger(p ledgerfeed.Publisher) Option {
	return func(a *App) { a.ledger = p }
}

// WithMetrics injects a metrics instance instead of observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers == nil {
		a.providers = &Providers{SampleRate: DefaultSampleRate}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. User store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init user store: %w", err)
	}

	// ── 2. Ledger feed ───────────────────────────────────────────────────
	if err := a.initLedger(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init ledger feed: %w", err)
	}

	// ── 3. Assistant ─────────────────────────────────────────────────────
	var chat server.Assistant
	var sessionChat *assistant.Assistant
	if a.providers.LLM != nil {
		sessionChat = assistant.New(a.providers.LLM, assistant.WithMetrics(a.metrics))
		chat = sessionChat
	} else {
		slog.Info("no llm provider, chat answers offline")
	}

	// A provider chain is unready while every backend's breaker is open.
	for _, p := range []struct {
		name  string
		chain any
	}{{"llm", a.providers.LLM}, {"tts", a.providers.TTS}} {
		if c, ok := p.chain.(interface{ Check(context.Context) error }); ok {
			a.checkers = append(a.checkers, health.Checker{Name: p.name, Check: c.Check})
		}
	}

	// ── 4. Voice sessions ────────────────────────────────────────────────
	smCfg := SessionManagerConfig{
		Providers: a.providers,
		Users:     a.users,
		Ledger:    a.ledger,
		Metrics:   a.metrics,
		Bank:      cfg.Bank,
		Listener:  cfg.Listener,
		Contacts:  cfg.Contacts,
	}
	if sessionChat != nil {
		smCfg.Assistant = sessionChat
	}
	sm, err := NewSessionManager(smCfg)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.sessions = sm
	a.closers = append([]func() error{a.stopSession}, a.closers...)

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.server = server.New(server.Config{
		Users:          a.users,
		Assistant:      chat,
		Voice:          sm,
		Health:         health.New(a.checkers...),
		Metrics:        a.metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		StaticDir:      cfg.Server.StaticDir,
	})
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// initStore opens the configured user store.
func (a *App) initStore(ctx context.Context) error {
	if a.users != nil {
		return nil
	}
	sc := a.cfg.Store
	switch sc.Backend {
	case config.StorePostgres:
		s, err := postgres.New(ctx, sc.PostgresDSN)
		if err != nil {
			return err
		}
		a.users = s
		a.checkers = append(a.checkers, health.Ping("postgres", s))
	case config.StoreRedis:
		s, err := redisstore.New(ctx, redisstore.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
			Prefix:   sc.RedisPrefix,
		})
		if err != nil {
			return err
		}
		a.users = s
		a.checkers = append(a.checkers, health.Ping("redis", s))
	default:
		a.users = userstore.NewMemory()
	}
	a.closers = append(a.closers, a.users.Close)
	slog.Info("user store ready", "backend", sc.Backend)
	return nil
}

// initLedger starts the Kafka transaction feed when enabled.
func (a *App) initLedger() error {
	if a.ledger != nil {
		return nil
	}
	lc := a.cfg.LedgerFeed
	if !lc.Enabled {
		a.ledger = ledgerfeed.Discard{}
		return nil
	}
	feed, err := ledgerfeed.New(ledgerfeed.Config{
		Brokers:      lc.Brokers,
		Topic:        lc.Topic,
		QueueSize:    lc.QueueSize,
		WriteTimeout: lc.WriteTimeout,
	}, ledgerfeed.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.ledger = feed
	a.closers = append([]func() error{feed.Close}, a.closers...)
	slog.Info("ledger feed ready", "brokers", lc.Brokers, "topic", lc.Topic)
	return nil
}

// Handler returns the HTTP handler serving the API, the voice socket and
// the health and metrics endpoints.
func (a *App) Handler() http.Handler { return a.server }

// Sessions returns the voice session host.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. The log level changes at once;
// bank settings and contacts apply from the next voice session. Everything
// else is only logged as requiring a restart.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(Level(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BankChanged || d.ContactsChanged {
		if err := a.sessions.Update(next.Bank, next.Contacts); err != nil {
			slog.Warn("config reload rejected", "err", err)
		} else {
			slog.Info("session settings updated",
				"contacts_added", d.ContactsAdded,
				"contacts_removed", d.ContactsRemoved,
				"bank_changed", d.BankChanged,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires a restart", "sections", d.RestartRequired)
	}
}

// Level maps a config log level to a slog level.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.http.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.http.Addr, err)
		}
	}
	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer stop()
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
		defer cancel()
		return a.http.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the voice session first, then
// the ledger feed, then the user store. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.http != nil {
			if err := a.http.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// stopSession ends a voice session still open at shutdown.
func (a *App) stopSession() error {
	if a.sessions == nil || !a.sessions.IsActive() {
		return nil
	}
	return a.sessions.Stop(context.Background())
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
