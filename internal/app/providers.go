package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicepay/internal/config"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/resilience"
	"github.com/MrWong99/voicepay/pkg/provider/llm"
	"github.com/MrWong99/voicepay/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicepay/pkg/provider/llm/openai"
	"github.com/MrWong99/voicepay/pkg/provider/stt"
	"github.com/MrWong99/voicepay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicepay/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicepay/pkg/provider/tts"
	"github.com/MrWong99/voicepay/pkg/provider/tts/elevenlabs"
)

// RelayProvider is the STT and TTS name meaning "let the browser do it".
// It has no registry factory: the relay is bound to the connected client and
// is created per session.
const RelayProvider = "relay"

// NVIDIA NIM speaks the OpenAI chat completions dialect.
const (
	nvidiaBaseURL = "https://integrate.api.nvidia.com/v1"
	nvidiaModel   = "meta/llama-3.1-405b-instruct"
)

// nvidiaSampling mirrors the values NVIDIA publishes for its Llama 3.1 chat
// endpoint.
var nvidiaSampling = openai.Sampling{Temperature: 0.2, TopP: 0.7, MaxTokens: 1024}

// DefaultSampleRate is the PCM rate requested from the browser when speech
// is recognised server side.
const DefaultSampleRate = 16000

// Providers holds the server side provider chains. A nil STT or TTS means the
// browser recognises or speaks on its own.
type Providers struct {
	LLM llm.Provider

	STT     stt.Provider
	STTName string

	// SampleRate is the PCM rate the STT chain expects.
	SampleRate int

	TTS   tts.Provider
	Voice tts.Voice
}

// RegisterBuiltins wires the provider factories that ship with voicepay into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if secs := entry.IntOption("timeout_seconds", 0); secs > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(secs)*time.Second))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("nvidia", func(entry config.ProviderEntry) (llm.Provider, error) {
		base := entry.BaseURL
		if base == "" {
			base = nvidiaBaseURL
		}
		model := entry.Model
		if model == "" {
			model = nvidiaModel
		}
		return openai.New(entry.APIKey, model,
			openai.WithBaseURL(base),
			openai.WithSampling(nvidiaSampling),
		)
	})

	for _, name := range anyllm.Supported {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithSampleRate(entry.IntOption("sample_rate", DefaultSampleRate)),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{
			whisper.WithSampleRate(entry.IntOption("sample_rate", DefaultSampleRate)),
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := entry.Option("output_format", ""); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		if _, ok := entry.Options["stability"]; ok {
			opts = append(opts, elevenlabs.WithVoiceSettings(
				entry.FloatOption("stability", 0.5),
				entry.FloatOption("similarity_boost", 0.75),
			))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// BuildProviders instantiates the providers named in cfg. Every configured
// provider is put behind a circuit breaker; LLM fallbacks are tried in order.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{SampleRate: DefaultSampleRate}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		primary, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		chain := resilience.NewLLMFallback(primary, entry.Name, fallbackConfig("llm"))
		for i, fb := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(fb)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fmt.Sprintf("%s#%d", fb.Name, i+1), p)
		}
		ps.LLM = chain
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallbacks", len(cfg.Providers.LLMFallbacks))
	}

	if entry := cfg.Providers.STT; entry.Name != "" && entry.Name != RelayProvider {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown stt provider, using the browser recogniser", "name", entry.Name, "known", reg.Names("stt"))
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		} else {
			ps.STT = p
			ps.STTName = entry.Name
			ps.SampleRate = entry.IntOption("sample_rate", DefaultSampleRate)
			slog.Info("provider created", "kind", "stt", "name", entry.Name)
		}
	}

	if entry := cfg.Providers.TTS; entry.Name != "" && entry.Name != RelayProvider {
		p, err := reg.CreateTTS(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown tts provider, using the browser synthesiser", "name", entry.Name, "known", reg.Names("tts"))
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		} else {
			ps.TTS = resilience.NewTTSFallback(p, entry.Name, fallbackConfig("tts"))
			ps.Voice = tts.Voice{
				ID:       entry.Option("voice_id", ""),
				Provider: entry.Name,
				Language: cfg.Bank.Locale,
			}
			slog.Info("provider created", "kind", "tts", "name", entry.Name)
		}
	}

	return ps, nil
}

// fallbackConfig returns the breaker settings of a provider chain. Every
// attempt is counted in the provider metrics.
func fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind: kind,
		Observe: func(provider, kind string, err error) {
			m := observe.DefaultMetrics()
			status := observe.StatusOK
			if err != nil {
				status = observe.StatusError
				m.RecordProviderError(context.Background(), provider, kind)
			}
			m.RecordProviderRequest(context.Background(), provider, kind, status)
		},
	}
}
