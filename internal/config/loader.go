package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidDialerNames lists the upstream dialers that ship with voxbridge.
// Used by [Validate] to warn about unrecognised names.
var ValidDialerNames = []string{"sesame-ws", "openai-realtime", "gemini-live", "silent"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultPort             = "5000"
	DefaultCharacter        = "Miles"
	DefaultStaticDir        = "client/build"
	DefaultPollTimeout      = 100 * time.Millisecond
	DefaultErrorBackoff     = 100 * time.Millisecond
	DefaultConnectTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxQueuedFrames  = 256
	DefaultMaxMessageBytes  = 1 << 20
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultLogFileMaxSizeMB = 100
)

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
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

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":" + DefaultPort
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.StaticDir == "" {
		s.StaticDir = DefaultStaticDir
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"*"}
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.LogFile != nil && s.LogFile.MaxSizeMB == 0 {
		s.LogFile.MaxSizeMB = DefaultLogFileMaxSizeMB
	}

	r := &cfg.Relay
	if r.DefaultCharacter == "" {
		r.DefaultCharacter = DefaultCharacter
	}
	if r.PollTimeout == 0 {
		r.PollTimeout = DefaultPollTimeout
	}
	if r.ErrorBackoff == 0 {
		r.ErrorBackoff = DefaultErrorBackoff
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}

	t := &cfg.Transport
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.MaxQueuedFrames == 0 {
		t.MaxQueuedFrames = DefaultMaxQueuedFrames
	}
	if t.MaxMessageBytes == 0 {
		t.MaxMessageBytes = DefaultMaxMessageBytes
	}

	u := &cfg.Upstream
	if u.Name == "" {
		u.Name = "silent"
	}
	if u.Breaker.MaxFailures == 0 {
		u.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if u.Breaker.ResetTimeout == 0 {
		u.Breaker.ResetTimeout = DefaultBreakerReset
	}

	if len(cfg.Characters) == 0 {
		cfg.Characters = []CharacterConfig{{Name: "Maya"}, {Name: "Miles"}}
	}
}

// ApplyEnv overrides the listen port from the PORT variable, keeping the
// configured host. getenv is usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	port := getenv("PORT")
	if port == "" {
		return nil
	}
	return SetPort(cfg, port)
}

// SetPort replaces the port of cfg.Server.ListenAddr.
func SetPort(cfg *Config, port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("config: invalid port %q", port)
	}
	host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		host = ""
	}
	cfg.Server.ListenAddr = net.JoinHostPort(host, port)
	return nil
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
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if lf := cfg.Server.LogFile; lf != nil {
		if lf.Path == "" {
			errs = append(errs, errors.New("server.log_file.path is required when log_file is set"))
		}
		if lf.MaxSizeMB < 0 || lf.MaxBackups < 0 || lf.MaxAgeDays < 0 {
			errs = append(errs, errors.New("server.log_file rotation limits must not be negative"))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
		}
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Relay
	for name, d := range map[string]time.Duration{
		"relay.poll_timeout":      cfg.Relay.PollTimeout,
		"relay.error_backoff":     cfg.Relay.ErrorBackoff,
		"relay.max_error_backoff": cfg.Relay.MaxErrorBackoff,
		"relay.connect_timeout":   cfg.Relay.ConnectTimeout,
		"transport.write_timeout": cfg.Transport.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Transport
	if cfg.Transport.MaxQueuedFrames < 0 {
		errs = append(errs, errors.New("transport.max_queued_frames must not be negative"))
	}
	if cfg.Transport.MaxMessageBytes < 0 {
		errs = append(errs, errors.New("transport.max_message_bytes must not be negative"))
	}

	// Upstream
	errs = append(errs, validateEntry("upstream", cfg.Upstream.ProviderEntry)...)
	labels := map[string]string{cfg.Upstream.Label(): "upstream"}
	for i, fb := range cfg.Upstream.Fallbacks {
		prefix := fmt.Sprintf("upstream.fallbacks[%d]", i)
		errs = append(errs, validateEntry(prefix, fb)...)
		if prev, ok := labels[fb.Label()]; ok {
			errs = append(errs, fmt.Errorf("%s label %q duplicates %s; set options.label to tell them apart", prefix, fb.Label(), prev))
		}
		labels[fb.Label()] = prefix
	}
	if cfg.Upstream.Breaker.MaxFailures < 0 || cfg.Upstream.Breaker.ResetTimeout < 0 || cfg.Upstream.Breaker.HalfOpenMax < 0 {
		errs = append(errs, errors.New("upstream.breaker values must not be negative"))
	}

	// Characters
	seen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[ch.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", prefix, ch.Name, prev))
		}
		seen[ch.Name] = i
	}
	if def := cfg.Relay.DefaultCharacter; def != "" && len(seen) > 0 {
		if _, ok := seen[def]; !ok {
			slog.Warn("relay.default_character is not in the characters list", "default_character", def)
		}
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	if !slices.Contains(ValidDialerNames, e.Name) {
		slog.Warn("unknown upstream name, may be a typo or a custom dialer",
			"field", prefix+".name",
			"name", e.Name,
			"known", ValidDialerNames,
		)
	}
	if e.Name == "sesame-ws" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for sesame-ws", prefix))
	}
	if e.Name == "silent" {
		slog.Warn("upstream is the silent dialer; sessions connect but no audio is produced", "field", prefix)
	}
	return errs
}

// Label names the upstream in logs, metrics, and breaker state. It is
// options.label when set, otherwise Name.
func (e ProviderEntry) Label() string {
	if l := OptString(e.Options, "label"); l != "" {
		return l
	}
	return e.Name
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// OptInt extracts an integer value from a provider Options map.
func OptInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// OptDuration extracts a duration value written as a string like "250ms".
func OptDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := OptString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
