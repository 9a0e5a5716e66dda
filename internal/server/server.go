// Package server exposes voicepay over HTTP.
//
// It serves the user registration, user lookup and chat endpoints, the
// websocket that carries the live voice session (GET /ws), the health probes
// and the Prometheus scrape endpoint. Every route runs behind
// [observe.Middleware].
//
// Only one voice session is live at a time. A second /ws connection is
// refused with 409 Conflict until the first disconnects.
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicepay/internal/health"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
)

// ErrBusy is returned (possibly wrapped) by [Host.Start] while another voice
// session is live.
var ErrBusy = errors.New("server: a voice session is already active")

// Assistant answers chat messages.
type Assistant interface {
	Reply(ctx context.Context, message string) (string, error)
}

// Client writes frames to the connected browser. Safe for concurrent use.
type Client interface {
	Send(ctx context.Context, msg any) error
	SendAudio(ctx context.Context, pcm []byte) error
}

// Voice is the live voice session fed by the websocket reader.
type Voice interface {
	Transcript(ctx context.Context, text string, final bool)
	SpeechError(code string)
	SpeechEnd()
	Face(id uint64, desc face.Descriptor)
	Action(ctx context.Context, name, value string) error
	Audio(pcm []byte) error
}

// Host starts and stops the single voice session.
type Host interface {
	Start(ctx context.Context, c Client) (Voice, error)
	Stop(ctx context.Context) error
}

// Config holds the dependencies of a [Server].
type Config struct {
	Users     userstore.Store
	Assistant Assistant

	// Voice hosts the /ws session. Nil disables the route.
	Voice Host

	// Health serves /healthz and /readyz. Defaults to a handler with no checks.
	Health *health.Handler

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// AllowedOrigins lists the browser origins accepted for API and websocket
	// requests. Empty or "*" accepts any origin.
	AllowedOrigins []string

	// StaticDir, if set, is served at / for the browser client.
	StaticDir string
}

// Server routes HTTP requests. Create it with [New].
type Server struct {
	cfg     Config
	handler http.Handler

	// connected is held by the one live /ws connection.
	connected atomic.Bool
}

// New builds the route table.
func New(cfg Config) *Server {
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/user-lookup", s.handleLookup)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	if cfg.Voice != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
	}
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", cfg.MetricsHandler)
	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	s.handler = observe.Middleware(cfg.Metrics)(s.cors(mux))
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) anyOrigin() bool {
	return len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*")
}

// cors answers preflight requests and sets the allow-origin header for
// permitted origins.
func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.AllowedOrigins
	if s.anyOrigin() {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "traceparent"}),
		handlers.OptionStatusCode(http.StatusNoContent),
	)(next)
}
