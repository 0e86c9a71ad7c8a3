// Package config provides the configuration schema and loader for the Accord
// negotiation server.
package config

// LogLevel controls log verbosity for the Accord server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Accord.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// String values may reference environment variables as ${NAME}; references
// are expanded before decoding so secrets can stay out of the file.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
}

// ServerConfig holds network and logging settings for the Accord server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// external dependency.
type ProvidersConfig struct {
	LLM      ProviderEntry `yaml:"llm"`
	STT      ProviderEntry `yaml:"stt"`
	Payments ProviderEntry `yaml:"payments"`
	Phone    ProviderEntry `yaml:"phone"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "deepgram",
	// "stripe", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or
	// nested maps. For STT this carries language and region; for payments it
	// carries platform_account and payment_method; for phone it carries
	// agent_id.
	Options map[string]any `yaml:"options"`
}

// TriggerConfig controls negotiation trigger detection.
type TriggerConfig struct {
	// Keyword is the case-insensitive phrase that activates the agents.
	// Defaults to "handshake" when empty.
	Keyword string `yaml:"keyword"`

	// SemanticDetection enables the periodic LLM classification of recent
	// conversation for implicit agreement intent.
	SemanticDetection bool `yaml:"semantic_detection"`
}

// NegotiationConfig bounds the automated negotiation loop. Zero values fall
// back to the engine defaults (5 rounds, 90 s per round, 300 s total).
type NegotiationConfig struct {
	// MaxRounds is the maximum number of rounds before a negotiation expires.
	MaxRounds int `yaml:"max_rounds"`

	// RoundTimeoutMs is the per-round inactivity timeout in milliseconds.
	RoundTimeoutMs int `yaml:"round_timeout_ms"`

	// TotalTimeoutMs is the overall negotiation timeout in milliseconds.
	TotalTimeoutMs int `yaml:"total_timeout_ms"`
}

// StringOption returns the string value of an entry option, or "" when the
// option is absent or not a string.
func (p ProviderEntry) StringOption(key string) string {
	if p.Options == nil {
		return ""
	}
	s, _ := p.Options[key].(string)
	return s
}
