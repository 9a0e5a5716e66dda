package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicepay/internal/contacts"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "nvidia", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "relay"},
	"tts": {"elevenlabs", "relay"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":3000"
	DefaultSTT        = "relay"
	DefaultTTS        = "relay"
	DefaultTopic      = "voicepay.transactions"
)

// LoadEnv loads KEY=value pairs from the .env file at path into the process
// environment. Variables already set are kept. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: load env %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), expandVar)

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandVar resolves ${VAR} and $VAR. An unset variable becomes empty; "$$"
// yields a literal "$".
func expandVar(name string) string {
	if name == "$" {
		return "$"
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		slog.Debug("config: environment variable not set", "name", name)
	}
	return v
}

// ApplyDefaults fills unset fields that have a non-zero default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = DefaultSTT
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = DefaultTTS
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if len(cfg.Contacts) == 0 {
		cfg.Contacts = contacts.Defaults()
	}
	if cfg.LedgerFeed.Enabled && cfg.LedgerFeed.Topic == "" {
		cfg.LedgerFeed.Topic = DefaultTopic
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, console", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks is set but providers.llm is not"))
		}
		slog.Warn("no LLM provider configured; the chat assistant will answer offline")
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Bank
	if pin := cfg.Bank.PIN; pin != "" && (len(pin) != 4 || strings.Trim(pin, "0123456789") != "") {
		errs = append(errs, errors.New("bank.pin must be exactly 4 digits"))
	}
	if t := cfg.Bank.FaceThreshold; t < 0 || t >= 2 {
		errs = append(errs, fmt.Errorf("bank.face_threshold %.2f is out of range [0, 2)", t))
	}
	if cfg.Bank.InitialBalance < 0 {
		errs = append(errs, errors.New("bank.initial_balance must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"bank.face_timeout":            cfg.Bank.FaceTimeout,
		"bank.processing_delay":        cfg.Bank.ProcessingDelay,
		"bank.balance_delay":           cfg.Bank.BalanceDelay,
		"listener.restart_backoff":     cfg.Listener.RestartBackoff,
		"listener.max_restart_backoff": cfg.Listener.MaxRestartBackoff,
		"ledger_feed.write_timeout":    cfg.LedgerFeed.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Contacts
	if _, err := contacts.NewDirectory(cfg.Contacts); err != nil {
		errs = append(errs, err)
	}

	// Store
	switch cfg.Store.Backend {
	case "", StoreMemory:
		slog.Debug("users are kept in memory and lost on restart")
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
		}
	case StoreRedis:
		if cfg.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required when store.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, redis", cfg.Store.Backend))
	}

	// Ledger feed
	if cfg.LedgerFeed.Enabled && len(cfg.LedgerFeed.Brokers) == 0 {
		errs = append(errs, errors.New("ledger_feed.brokers is required when ledger_feed.enabled is true"))
	}
	if cfg.LedgerFeed.QueueSize < 0 {
		errs = append(errs, errors.New("ledger_feed.queue_size must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
