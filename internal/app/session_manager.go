package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicepay/internal/config"
	"github.com/MrWong99/voicepay/internal/contacts"
	"github.com/MrWong99/voicepay/internal/ledgerfeed"
	"github.com/MrWong99/voicepay/internal/listener"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/resilience"
	"github.com/MrWong99/voicepay/internal/server"
	"github.com/MrWong99/voicepay/internal/session"
	"github.com/MrWong99/voicepay/internal/speech"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
	facerelay "github.com/MrWong99/voicepay/pkg/face/relay"
	"github.com/MrWong99/voicepay/pkg/provider/stt"
	sttrelay "github.com/MrWong99/voicepay/pkg/provider/stt/relay"
)

// lineMicDenied is spoken once when the browser refuses the microphone.
const lineMicDenied = "Microphone access denied."

// errNoAssistant is returned by the stand-in assistant when no LLM is configured.
var errNoAssistant = errors.New("app: no llm provider configured")

// Recognition modes reported in [SessionInfo].
const (
	ModeBrowser = "browser"
	ModeServer  = "server"
)

// SessionInfo holds metadata about the active voice session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the client connected.
	StartedAt time.Time

	// Recognition is ModeBrowser when the browser recognises speech and
	// ModeServer when PCM is streamed to a server side engine.
	Recognition string
}

// SessionManager hosts the one live voice session. It implements
// [server.Host]; a second Start while a session is active fails with
// [server.ErrBusy]. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	active  bool
	info    SessionInfo
	sess    *session.Session
	cancel  context.CancelFunc
	closers []func() error

	// Settings that may change while the server runs. A change applies to the
	// next session.
	bank     config.BankConfig
	listen   config.ListenerConfig
	contacts *contacts.Directory

	providers *Providers
	users     userstore.Store
	assistant session.Assistant
	ledger    ledgerfeed.Publisher
	metrics   *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Providers *Providers
	Users     userstore.Store

	// Assistant answers chat. Nil makes every chat reply the offline line.
	Assistant session.Assistant

	Ledger   ledgerfeed.Publisher
	Metrics  *observe.Metrics
	Bank     config.BankConfig
	Listener config.ListenerConfig
	Contacts []contacts.Contact
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	list := cfg.Contacts
	if len(list) == 0 {
		list = contacts.Defaults()
	}
	dir, err := contacts.NewDirectory(list)
	if err != nil {
		return nil, fmt.Errorf("app: contacts: %w", err)
	}
	sm := &SessionManager{
		bank:      cfg.Bank,
		listen:    cfg.Listener,
		contacts:  dir,
		providers: cfg.Providers,
		users:     cfg.Users,
		assistant: cfg.Assistant,
		ledger:    cfg.Ledger,
		metrics:   cfg.Metrics,
	}
	if sm.providers == nil {
		sm.providers = &Providers{SampleRate: DefaultSampleRate}
	}
	if sm.users == nil {
		sm.users = userstore.NewMemory()
	}
	if sm.assistant == nil {
		sm.assistant = offlineAssistant{}
	}
	if sm.ledger == nil {
		sm.ledger = ledgerfeed.Discard{}
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	return sm, nil
}

// Update replaces the bank settings and the contact directory used by the
// next session. The active session keeps what it started with.
func (sm *SessionManager) Update(bank config.BankConfig, list []contacts.Contact) error {
	dir, err := contacts.NewDirectory(list)
	if err != nil {
		return fmt.Errorf("app: contacts: %w", err)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.bank = bank
	sm.contacts = dir
	return nil
}

// Start begins a voice session for client. It wires speech output, face
// capture and speech recognition to the client and starts listening.
//
// Returns [server.ErrBusy] if a session is already active.
func (sm *SessionManager) Start(ctx context.Context, client server.Client) (server.Voice, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return nil, fmt.Errorf("%w (id=%s)", server.ErrBusy, sm.info.SessionID)
	}

	info := SessionInfo{
		SessionID:   uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Recognition: ModeBrowser,
	}
	log := slog.With("session_id", info.SessionID)

	// The session outlives the call that started it and ends with Stop.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	send := func(ctx context.Context, msg any) error { return client.Send(ctx, msg) }
	var closers []func() error

	// ── Speech output ────────────────────────────────────────────────────
	var out speech.Output = speech.NewRelay(send)
	if sm.providers.TTS != nil {
		out = speech.NewSynth(sm.providers.TTS, sm.providers.Voice, client.SendAudio, send)
	}
	speaker := speech.NewSpeaker(out,
		speech.WithLanguage(sm.bank.Locale),
		speech.WithObserver(func(text, lang string) {
			log.Debug("session: speak", "lang", lang, "text", text)
			sm.metrics.RecordUtterance(sessCtx, lang)
		}),
	)
	closers = append(closers, speaker.Close)

	// ── Face capture ─────────────────────────────────────────────────────
	faces := facerelay.New(sm.bank.FaceTimeout)
	faces.Attach(func(id uint64) error {
		return client.Send(sessCtx, server.FaceRequestFrame{Type: server.FrameFaceRequest, ID: id})
	})
	closers = append(closers, func() error {
		faces.Attach(nil)
		return nil
	})

	// ── Speech recognition ───────────────────────────────────────────────
	rel := sttrelay.New(func(cfg stt.StreamConfig) error {
		return client.Send(sessCtx, listenFrame(cfg))
	})
	var recog stt.Provider = rel
	if sm.providers.STT != nil {
		chain := resilience.NewSTTFallback(sm.providers.STT, sm.providers.STTName, fallbackConfig("stt"))
		chain.AddFallback(RelayProvider, rel)
		recog = chain
		info.Recognition = ModeServer
		if err := client.Send(ctx, server.CaptureFrame{Type: server.FrameCapture, SampleRate: sm.providers.SampleRate}); err != nil {
			log.Warn("session: request audio capture", "err", err)
		}
	}

	// ── Session ──────────────────────────────────────────────────────────
	sess := session.New(session.Config{
		Speaker:         speaker,
		Face:            face.NewVerifier(faces, sm.bank.FaceThreshold),
		Users:           sm.users,
		Assistant:       sm.assistant,
		Contacts:        sm.contacts,
		Ledger:          sm.ledger,
		Metrics:         sm.metrics,
		PIN:             sm.bank.PIN,
		ProcessingDelay: sm.bank.ProcessingDelay,
		BalanceDelay:    sm.bank.BalanceDelay,
		InitialBalance:  sm.bank.InitialBalance,
		OnChange: func(v session.View) {
			if err := client.Send(sessCtx, server.StateFrame{Type: server.FrameState, View: v}); err != nil {
				log.Debug("session: send state", "err", err)
			}
		},
	})
	closers = append(closers, sess.Close)

	// ── Listener ─────────────────────────────────────────────────────────
	lis := listener.New(listener.Config{
		Provider:   recog,
		Language:   sm.bank.Locale,
		Keywords:   keywords(sm.contacts, sm.listen.Keywords),
		Backoff:    sm.listen.RestartBackoff,
		MaxBackoff: sm.listen.MaxRestartBackoff,
		OnPartial: func(text string) {
			if err := client.Send(sessCtx, server.PartialFrame{Type: server.FramePartial, Text: text}); err != nil {
				log.Debug("session: send partial", "err", err)
			}
		},
		OnFinal: func(text string) { sess.Dispatch(sessCtx, text) },
		OnDenied: func() {
			log.Warn("session: microphone access denied")
			speaker.Speak(lineMicDenied)
		},
		Metrics: sm.metrics,
	})
	lis.Start(sessCtx)
	closers = append(closers, func() error {
		lis.Stop()
		return nil
	})

	if err := client.Send(ctx, server.StateFrame{Type: server.FrameState, View: sess.View()}); err != nil {
		log.Debug("session: send initial state", "err", err)
	}

	sm.metrics.ActiveSessions.Add(ctx, 1)
	sm.active = true
	sm.info = info
	sm.sess = sess
	sm.cancel = cancel
	sm.closers = closers

	log.Info("session started", "recognition", info.Recognition)

	return &voice{session: sess, listener: lis, recog: rel, faces: faces}, nil
}

// Stop ends the active session: listening stops, pending work is abandoned
// and the speaker falls silent.
//
// Returns an error if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return errors.New("app: no active session to stop")
	}
	sessionID := sm.info.SessionID

	// Run closers (speaker, face relay, session, listener) in reverse order.
	for i := len(sm.closers) - 1; i >= 0; i-- {
		if err := sm.closers[i](); err != nil {
			slog.Warn("session: closer error", "session_id", sessionID, "index", i, "err", err)
		}
	}
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.metrics.ActiveSessions.Add(ctx, -1)

	sm.active = false
	sm.info = SessionInfo{}
	sm.sess = nil
	sm.cancel = nil
	sm.closers = nil

	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Session returns the active session, or nil.
func (sm *SessionManager) Session() *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sess
}

var _ server.Host = (*SessionManager)(nil)

// voice routes client frames into the session's relays.
type voice struct {
	session  *session.Session
	listener *listener.Listener
	recog    *sttrelay.Provider
	faces    *facerelay.Source
}

func (v *voice) Transcript(_ context.Context, text string, final bool) {
	v.recog.Push(text, final)
}

func (v *voice) SpeechError(code string) { v.recog.Fail(code) }

func (v *voice) SpeechEnd() { v.recog.End() }

func (v *voice) Face(id uint64, desc face.Descriptor) { v.faces.Deliver(id, desc) }

func (v *voice) Action(ctx context.Context, name, value string) error {
	return v.session.Action(ctx, name, value)
}

func (v *voice) Audio(pcm []byte) error { return v.listener.SendAudio(pcm) }

var _ server.Voice = (*voice)(nil)

// listenFrame asks the browser to start its recogniser with cfg.
func listenFrame(cfg stt.StreamConfig) server.ListenFrame {
	f := server.ListenFrame{
		Type:       server.FrameListen,
		Lang:       cfg.Language,
		Continuous: cfg.Continuous,
		Interim:    cfg.InterimResults,
	}
	for _, k := range cfg.Keywords {
		f.Keywords = append(f.Keywords, k.Keyword)
	}
	return f
}

// keywords boosts every contact name plus the configured extras.
func keywords(dir *contacts.Directory, extra []string) []stt.KeywordBoost {
	var out []stt.KeywordBoost
	for _, c := range dir.All() {
		out = append(out, stt.KeywordBoost{Keyword: c.Name, Boost: 2})
	}
	for _, k := range extra {
		out = append(out, stt.KeywordBoost{Keyword: k, Boost: 1})
	}
	return out
}

// offlineAssistant stands in when no LLM is configured.
type offlineAssistant struct{}

func (offlineAssistant) Reply(context.Context, string) (string, error) {
	return "", errNoAssistant
}
