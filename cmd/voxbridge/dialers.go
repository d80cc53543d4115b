package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/upstream"
	"github.com/MrWong99/voxbridge/pkg/upstream/realtime"
	"github.com/MrWong99/voxbridge/pkg/upstream/silent"
	"github.com/MrWong99/voxbridge/pkg/upstream/wsstream"
)

// registerBuiltinDialers wires every dialer that ships with voxbridge into reg.
func registerBuiltinDialers(reg *config.Registry) {
	reg.RegisterDialer("sesame-ws", func(entry config.ProviderEntry, _ []config.CharacterConfig) (upstream.Dialer, error) {
		if entry.BaseURL == "" {
			return nil, fmt.Errorf("sesame-ws: base_url is required")
		}
		var opts []wsstream.Option
		if n, ok := config.OptInt(entry.Options, "dial_retries"); ok && n >= 0 {
			opts = append(opts, wsstream.WithDialRetries(uint64(n)))
		}
		if d, ok := config.OptDuration(entry.Options, "retry_interval"); ok {
			opts = append(opts, wsstream.WithRetryInterval(d))
		}
		if d, ok := config.OptDuration(entry.Options, "write_timeout"); ok {
			opts = append(opts, wsstream.WithWriteTimeout(d))
		}
		if n, ok := config.OptInt(entry.Options, "audio_buffer"); ok && n > 0 {
			opts = append(opts, wsstream.WithAudioBuffer(n))
		}
		if entry.APIKey != "" {
			opts = append(opts, wsstream.WithHTTPHeader(http.Header{"Authorization": {"Bearer " + entry.APIKey}}))
		}
		return wsstream.New(entry.BaseURL, opts...), nil
	})

	reg.RegisterDialer("openai-realtime", func(entry config.ProviderEntry, chars []config.CharacterConfig) (upstream.Dialer, error) {
		return speechDialer(realtime.NewOpenAI, entry, chars)
	})
	reg.RegisterDialer("gemini-live", func(entry config.ProviderEntry, chars []config.CharacterConfig) (upstream.Dialer, error) {
		return speechDialer(realtime.NewGemini, entry, chars)
	})

	reg.RegisterDialer("silent", func(config.ProviderEntry, []config.CharacterConfig) (upstream.Dialer, error) {
		return silent.Dialer{}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered upstream dialer", "name", name)
	}
}

// speechDialer builds a hosted speech-to-speech dialer and loads the persona
// table. A character voice the model does not offer fails the build.
func speechDialer(newDialer func(string, ...realtime.Option) *realtime.Dialer, entry config.ProviderEntry, chars []config.CharacterConfig) (*realtime.Dialer, error) {
	var opts []realtime.Option
	if entry.Model != "" {
		opts = append(opts, realtime.WithModel(entry.Model))
	}
	if entry.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(entry.BaseURL))
	}
	if d, ok := config.OptDuration(entry.Options, "write_timeout"); ok {
		opts = append(opts, realtime.WithWriteTimeout(d))
	}
	if n, ok := config.OptInt(entry.Options, "audio_buffer"); ok && n > 0 {
		opts = append(opts, realtime.WithAudioBuffer(n))
	}
	d := newDialer(entry.APIKey, opts...)
	if err := d.SetPersonas(config.Personas(chars)); err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name(), err)
	}
	return d, nil
}

// buildUpstream creates the configured primary and fallback dialers behind a
// circuit-breaking failover. It also returns the dialers whose persona table
// follows the characters section on reload.
func buildUpstream(cfg *config.Config, reg *config.Registry) (*resilience.LinkFailover, []config.PersonaUpdater, error) {
	var targets []config.PersonaUpdater
	create := func(entry config.ProviderEntry) (upstream.Dialer, error) {
		d, err := reg.CreateDialer(entry, cfg.Characters)
		if err != nil {
			return nil, fmt.Errorf("create upstream %q: %w", entry.Label(), err)
		}
		if pu, ok := d.(config.PersonaUpdater); ok {
			targets = append(targets, pu)
		}
		slog.Info("upstream created", "name", entry.Name, "label", entry.Label())
		return d, nil
	}

	primary, err := create(cfg.Upstream.ProviderEntry)
	if err != nil {
		return nil, nil, err
	}
	b := cfg.Upstream.Breaker
	failover := resilience.NewLinkFailover(primary, cfg.Upstream.Label(), resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
		},
	})
	for _, fb := range cfg.Upstream.Fallbacks {
		d, err := create(fb)
		if err != nil {
			return nil, nil, err
		}
		failover.AddFallback(fb.Label(), d)
	}
	return failover, targets, nil
}
