package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":      {"deepgram"},
	"payments": {"stripe", "mock"},
	"phone":    {"elevenlabs"},
}

// envRef matches ${NAME} environment variable references in the raw config.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// ${NAME} references in the raw document are replaced with the value of the
// corresponding environment variable before decoding; unset variables expand
// to the empty string. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := envRef.ReplaceAllStringFunc(string(raw), func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("payments", cfg.Providers.Payments.Name)
	validateProviderName("phone", cfg.Providers.Phone.Name)

	// Provider availability
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; agents cannot run without a model"))
	} else if cfg.Providers.LLM.APIKey == "" && cfg.Providers.LLM.Name != "ollama" {
		errs = append(errs, fmt.Errorf("providers.llm.api_key is required for provider %q", cfg.Providers.LLM.Name))
	}
	if cfg.Providers.Payments.Name == "" {
		errs = append(errs, errors.New("providers.payments.name is required"))
	} else if cfg.Providers.Payments.Name == "stripe" && cfg.Providers.Payments.APIKey == "" {
		errs = append(errs, errors.New("providers.payments.api_key is required for provider \"stripe\""))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; rooms will not transcribe audio")
	} else if cfg.Providers.STT.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.stt.api_key is required for provider %q", cfg.Providers.STT.Name))
	}
	if cfg.Providers.Phone.Name == "" {
		slog.Warn("providers.phone is not configured; phone verification will be unavailable")
	}

	// Trigger
	if cfg.Trigger.SemanticDetection && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("trigger.semantic_detection requires providers.llm"))
	}

	// Negotiation bounds
	if cfg.Negotiation.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("negotiation.max_rounds %d must not be negative", cfg.Negotiation.MaxRounds))
	}
	if cfg.Negotiation.RoundTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("negotiation.round_timeout_ms %d must not be negative", cfg.Negotiation.RoundTimeoutMs))
	}
	if cfg.Negotiation.TotalTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("negotiation.total_timeout_ms %d must not be negative", cfg.Negotiation.TotalTimeoutMs))
	}
	if cfg.Negotiation.RoundTimeoutMs > 0 && cfg.Negotiation.TotalTimeoutMs > 0 &&
		cfg.Negotiation.RoundTimeoutMs > cfg.Negotiation.TotalTimeoutMs {
		errs = append(errs, errors.New("negotiation.round_timeout_ms must not exceed negotiation.total_timeout_ms"))
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
