// Package elevenlabs synthesises speech with the ElevenLabs stream-input
// WebSocket API. Each utterance opens its own socket; text fragments are
// flushed as they arrive and PCM is streamed back in order.
package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicepay/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultVoicesURL = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the synthesis model, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat selects the audio format, e.g. "pcm_16000" or "pcm_24000".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithVoiceSettings overrides the stability and similarity boost sent at the
// start of each utterance. Both are in [0, 1].
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) { p.settings = voiceSettings{Stability: stability, SimilarityBoost: similarity} }
}

// WithBaseURLs replaces the streaming and voice-listing endpoints.
func WithBaseURLs(wsBase, voicesURL string) Option {
	return func(p *Provider) {
		p.wsBase = wsBase
		p.voicesURL = voicesURL
	}
}

// WithHTTPClient sets the client used for [Provider.ListVoices].
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements [tts.Provider] for ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	settings     voiceSettings
	wsBase       string
	voicesURL    string
	httpClient   *http.Client
}

// New returns a provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		settings:     voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		wsBase:       defaultWSBase,
		voicesURL:    defaultVoicesURL,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SynthesizeStream implements [tts.Provider]. The socket is authenticated
// with the xi-api-key header and closed once the server marks the last chunk
// or ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id is required")
	}
	target, err := p.streamURL(voice)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": {p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	settings := p.settings
	// The first frame must carry a single space.
	if err := writeJSON(ctx, conn, inputFrame{Text: " ", VoiceSettings: &settings}); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}

	s := &stream{conn: conn, voice: voice.ID, audio: make(chan []byte, 64)}
	go s.run(ctx, text)
	return s.audio, nil
}

func (p *Provider) streamURL(voice tts.Voice) (string, error) {
	u, err := url.Parse(p.wsBase)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u = u.JoinPath(voice.ID, "stream-input")

	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if lang := languageCode(voice.Language); lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// languageCode reduces a BCP-47 tag to its ISO 639-1 language.
func languageCode(tag string) string {
	if tag == "" {
		tag = tts.DefaultLanguage
	}
	lang, _, _ := strings.Cut(strings.ReplaceAll(tag, "_", "-"), "-")
	return lang
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var _ tts.Provider = (*Provider)(nil)
