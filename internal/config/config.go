// Package config provides the configuration schema, loader, hot-reload
// watcher, and upstream dialer registry for the voxbridge relay.
package config

import "time"

// LogLevel controls log verbosity.
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

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Relay      RelayConfig       `yaml:"relay"`
	Transport  TransportConfig   `yaml:"transport"`
	Upstream   UpstreamConfig    `yaml:"upstream"`
	Characters []CharacterConfig `yaml:"characters"`
}

// ServerConfig holds network, logging, and static bundle settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	// The PORT environment variable overrides the port.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log lines.
	LogFormat LogFormat `yaml:"log_format"`

	// LogFile, when set, writes logs to a rotating file instead of stderr.
	LogFile *LogFileConfig `yaml:"log_file"`

	// StaticDir is the directory holding the browser client bundle.
	// A missing directory disables static serving.
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns accepted for cross-origin
	// WebSocket connections. "*" accepts every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// LogFileConfig configures log file rotation.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RelayConfig tunes session behaviour.
type RelayConfig struct {
	// DefaultCharacter is used when a client names no persona.
	DefaultCharacter string `yaml:"default_character"`

	// PollTimeout bounds each wait for upstream audio.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// ErrorBackoff is the pause after a failed upstream poll.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// MaxErrorBackoff, when above ErrorBackoff, lets the pause grow on
	// consecutive failures.
	MaxErrorBackoff time.Duration `yaml:"max_error_backoff"`

	// ConnectTimeout bounds the upstream connect of a new session.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TransportConfig tunes the client WebSocket transport.
type TransportConfig struct {
	// WriteTimeout bounds each frame written to a client.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxQueuedFrames bounds a client's outbound queue. A client that falls
	// further behind is disconnected.
	MaxQueuedFrames int `yaml:"max_queued_frames"`

	// MaxMessageBytes bounds one inbound client message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// UpstreamConfig selects the AI endpoint every session connects to, plus
// optional fallbacks tried in order when it is unavailable.
type UpstreamConfig struct {
	ProviderEntry `yaml:",inline"`

	// Breaker tunes the per-upstream circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// Fallbacks are alternative upstreams.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of one upstream. The Name field
// selects the dialer factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered dialer (e.g., "sesame-ws", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig tunes the circuit breaker guarding upstream connects.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CharacterConfig describes one selectable persona.
type CharacterConfig struct {
	// Name is the persona name clients select (e.g., "Maya").
	Name string `yaml:"name"`

	// Voice is a provider-specific voice id for speech-to-speech upstreams.
	Voice string `yaml:"voice"`

	// Instructions is the persona prompt for speech-to-speech upstreams.
	Instructions string `yaml:"instructions"`
}

// CharacterNames returns the persona names in configuration order.
func (c *Config) CharacterNames() []string {
	names := make([]string, 0, len(c.Characters))
	for _, ch := range c.Characters {
		names = append(names, ch.Name)
	}
	return names
}
