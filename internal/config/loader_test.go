package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string // substring; empty means valid
	}{
		{"invalid log level", "server:\n  log_level: verbose\n", "log_level"},
		{"invalid log format", "server:\n  log_format: xml\n", "log_format"},
		{"log file without path", "server:\n  log_file:\n    max_backups: 3\n", "log_file.path"},
		{"half a tls pair", "server:\n  tls:\n    cert_file: c.pem\n", "tls"},
		{"bad listen addr", "server:\n  listen_addr: \"5000\"\n", "listen_addr"},
		{"negative poll timeout", "relay:\n  poll_timeout: -1s\n", "relay.poll_timeout"},
		{"negative queue", "transport:\n  max_queued_frames: -1\n", "max_queued_frames"},
		{"sesame without base url", "upstream:\n  name: sesame-ws\n", "base_url"},
		{"fallback without name", "upstream:\n  name: silent\n  fallbacks:\n    - model: x\n", "fallbacks[0].name"},
		{"duplicate fallback label", "upstream:\n  name: openai-realtime\n  fallbacks:\n    - name: openai-realtime\n", "duplicates"},
		{"character without name", "characters:\n  - voice: alloy\n", "characters[0].name"},
		{"duplicate character", "characters:\n  - name: Maya\n  - name: Maya\n", "duplicate"},
		{"distinct fallback labels", "upstream:\n  name: openai-realtime\n  fallbacks:\n    - name: openai-realtime\n      options:\n        label: backup\n", ""},
		{"unknown upstream only warns", "upstream:\n  name: my-custom\n", ""},
		{"default character outside list only warns", "relay:\n  default_character: Zed\ncharacters:\n  - name: Maya\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected an error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	yaml := `
server:
  log_level: loud
relay:
  error_backoff: -5ms
characters:
  - voice: alloy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "relay.error_backoff", "characters[0].name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		listen  string
		port    string
		want    string
		wantErr bool
	}{
		{"unset keeps listen addr", ":5000", "", ":5000", false},
		{"overrides port", ":5000", "8081", ":8081", false},
		{"keeps host", "127.0.0.1:5000", "9000", "127.0.0.1:9000", false},
		{"rejects garbage", ":5000", "http", ":5000", true},
		{"rejects out of range", ":5000", "70000", ":5000", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Server.ListenAddr = tt.listen
			err := config.ApplyEnv(cfg, func(key string) string {
				if key == "PORT" {
					return tt.port
				}
				return ""
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if cfg.Server.ListenAddr != tt.want {
				t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, tt.want)
			}
		})
	}
}

func TestProviderEntry_Label(t *testing.T) {
	if got := (config.ProviderEntry{Name: "gemini-live"}).Label(); got != "gemini-live" {
		t.Errorf("Label() = %q", got)
	}
	e := config.ProviderEntry{Name: "gemini-live", Options: map[string]any{"label": "eu"}}
	if got := e.Label(); got != "eu" {
		t.Errorf("Label() with option = %q", got)
	}
}

func TestOptHelpers(t *testing.T) {
	opts := map[string]any{
		"retries":  3,
		"buffer":   float64(16),
		"interval": "250ms",
		"bad":      "soon",
	}
	if n, ok := config.OptInt(opts, "retries"); !ok || n != 3 {
		t.Errorf("OptInt(retries) = %d, %v", n, ok)
	}
	if n, ok := config.OptInt(opts, "buffer"); !ok || n != 16 {
		t.Errorf("OptInt(buffer) = %d, %v", n, ok)
	}
	if _, ok := config.OptInt(opts, "interval"); ok {
		t.Error("OptInt on a string should report false")
	}
	if d, ok := config.OptDuration(opts, "interval"); !ok || d != 250*time.Millisecond {
		t.Errorf("OptDuration(interval) = %v, %v", d, ok)
	}
	if _, ok := config.OptDuration(opts, "bad"); ok {
		t.Error("OptDuration on an unparsable value should report false")
	}
	if got := config.OptString(nil, "x"); got != "" {
		t.Errorf("OptString(nil) = %q", got)
	}
}

func TestValidDialerNames(t *testing.T) {
	for _, want := range []string{"sesame-ws", "openai-realtime", "gemini-live", "silent"} {
		found := false
		for _, n := range config.ValidDialerNames {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("ValidDialerNames is missing %q", want)
		}
	}
}
