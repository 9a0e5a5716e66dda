// Package whisper provides an STT provider backed by a self-hosted
// whisper.cpp server (POST /inference).
//
// whisper.cpp transcribes whole files, so the provider segments the incoming
// PCM stream on silence and submits one request per utterance. Each result is
// emitted as a final transcript; no partials are produced.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicepay/pkg/provider/stt"
)

const (
	defaultSampleRate   = 16000
	defaultSilence      = 600 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second

	// maxFailures consecutive inference errors end the session so that a
	// fallback engine can take over.
	maxFailures = 3
)

var errSessionClosed = errors.New("whisper: session is closed")

// Option is a functional option for configuring the whisper Provider.
type Option func(*Provider)

// WithModel asks the server for a specific model (e.g. "base.en").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSampleRate sets the default PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps the length of one submitted utterance.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	serverURL    string
	model        string
	sampleRate   int
	silence      time.Duration
	maxUtterance time.Duration
	client       *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider talking to the whisper server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		sampleRate:   defaultSampleRate,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first utterance
// is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}
	channels := max(cfg.Channels, 1)
	lang := cfg.Language
	if lang == "" {
		lang = stt.DefaultLanguage
	}

	s := &session{
		p:        p,
		lang:     baseLanguage(lang),
		rate:     rate,
		channels: channels,
		seg:      newSegmenter(rate, channels, p.silence, p.maxUtterance),
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	close(s.partials)
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// baseLanguage maps a BCP-47 tag to the bare language whisper expects
// ("en-IN" becomes "en").
func baseLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

type session struct {
	p        *Provider
	lang     string
	rate     int
	channels int
	seg      *segmenter

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the session. Buffered speech is dropped.
func (s *session) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case chunk := <-s.audio:
			utt, ok := s.seg.feed(chunk)
			if !ok {
				continue
			}
			text, err := s.p.transcribe(ctx, utt, s.rate, s.channels, s.lang)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if failures >= maxFailures {
					s.setErr(err)
					return
				}
				continue
			}
			failures = 0
			if text == "" {
				continue
			}
			select {
			case s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1}:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// transcribe encodes pcm as a WAV file, posts it and returns the trimmed text.
func (p *Provider) transcribe(ctx context.Context, pcm []byte, rate, channels int, lang string) (string, error) {
	f, err := os.CreateTemp("", "voicepay-utterance-*.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: encode wav: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if err := encodeWAV(f, pcm, rate, channels); err != nil {
		return "", fmt.Errorf("whisper: encode wav: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("whisper: encode wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	fields := map[string]string{"language": lang, "response_format": "json"}
	if p.model != "" {
		fields["model"] = p.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: build request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: inference: HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
