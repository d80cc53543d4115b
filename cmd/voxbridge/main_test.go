package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/web"
	"github.com/MrWong99/voxbridge/pkg/upstream/realtime"
)

func noEnv(string) string { return "" }

func TestLoadConfig_MissingDefaultFileUsesDefaults(t *testing.T) {
	opts, err := parseFlags([]string{"--port", "6000"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	opts.configPath = filepath.Join(t.TempDir(), "config.yaml")

	cfg, fromFile, err := loadConfig(opts, noEnv)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if fromFile {
		t.Error("fromFile = true for a missing file")
	}
	if cfg.Server.ListenAddr != ":6000" {
		t.Errorf("listen_addr = %q, want :6000", cfg.Server.ListenAddr)
	}
	if cfg.Upstream.Name != "silent" {
		t.Errorf("upstream = %q, want silent", cfg.Upstream.Name)
	}
}

func TestLoadConfig_MissingExplicitFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	opts, err := parseFlags([]string{"--config", path})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if _, _, err := loadConfig(opts, noEnv); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxbridge.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \"127.0.0.1:5000\"\n  log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		args      []string
		env       string
		wantAddr  string
		wantLevel config.LogLevel
		wantErr   string
	}{
		{"file only", nil, "", "127.0.0.1:5000", config.LogInfo, ""},
		{"PORT env", nil, "7000", "127.0.0.1:7000", config.LogInfo, ""},
		{"flag beats env", []string{"-p", "8000"}, "7000", "127.0.0.1:8000", config.LogInfo, ""},
		{"log level flag", []string{"--log-level", "debug"}, "", "127.0.0.1:5000", config.LogDebug, ""},
		{"bad log level", []string{"--log-level", "chatty"}, "", "", "", "log-level"},
		{"bad port", []string{"--port", "x"}, "", "", "", "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(append([]string{"--config", path}, tt.args...))
			if err != nil {
				t.Fatalf("parseFlags: %v", err)
			}
			cfg, fromFile, err := loadConfig(opts, func(k string) string {
				if k == "PORT" {
					return tt.env
				}
				return ""
			})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if !fromFile {
				t.Error("fromFile = false")
			}
			if cfg.Server.ListenAddr != tt.wantAddr {
				t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, tt.wantAddr)
			}
			if cfg.Server.LogLevel != tt.wantLevel {
				t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, tt.wantLevel)
			}
		})
	}
}

func TestBuildUpstream(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinDialers(reg)

	cfg := config.Default()
	cfg.Upstream.Fallbacks = []config.ProviderEntry{
		{Name: "openai-realtime", APIKey: "sk-test"},
		{Name: "gemini-live", APIKey: "g-test"},
	}

	failover, targets, err := buildUpstream(cfg, reg)
	if err != nil {
		t.Fatalf("buildUpstream: %v", err)
	}
	states := failover.States()
	for _, name := range []string{"silent", "openai-realtime", "gemini-live"} {
		if _, ok := states[name]; !ok {
			t.Errorf("no breaker for %q in %v", name, states)
		}
	}
	if !failover.Healthy() {
		t.Error("fresh failover is not healthy")
	}
	if len(targets) != 2 {
		t.Errorf("persona targets = %d, want the 2 speech-to-speech dialers", len(targets))
	}
}

func TestBuildUpstream_Errors(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinDialers(reg)

	tests := []struct {
		name  string
		entry config.ProviderEntry
	}{
		{"unregistered", config.ProviderEntry{Name: "carrier-pigeon"}},
		{"sesame without url", config.ProviderEntry{Name: "sesame-ws"}},
		{"voice unknown to the model", config.ProviderEntry{Name: "gemini-live", APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Upstream.ProviderEntry = tt.entry
			if _, _, err := buildUpstream(cfg, reg); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

type personaSink struct{ got map[string]realtime.Persona }

func (p *personaSink) SetPersonas(m map[string]realtime.Persona) error {
	p.got = m
	return nil
}

func TestApplyReload(t *testing.T) {
	old := config.Default()
	next := config.Default()
	next.Server.LogLevel = config.LogDebug
	next.Characters = append(next.Characters, config.CharacterConfig{Name: "Ava", Voice: "shimmer"})

	level := new(slog.LevelVar)
	catalog := web.NewCatalog(old.CharacterNames()...)
	sink := &personaSink{}
	openai := realtime.NewOpenAI("k")
	gemini := realtime.NewGemini("k")

	applyReload(config.Diff(old, next), next, level, catalog, []config.PersonaUpdater{sink, openai, gemini})

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := catalog.Names(); len(got) != 3 || got[2] != "Ava" {
		t.Errorf("catalog = %v", got)
	}
	if sink.got["Ava"].Voice != "shimmer" {
		t.Errorf("personas = %v", sink.got)
	}
	if p, ok := openai.Persona("Ava"); !ok || p.Voice != "shimmer" {
		t.Errorf("openai persona = %+v, %v", p, ok)
	}
	// shimmer is not a Gemini voice; that dialer keeps its old table.
	if _, ok := gemini.Persona("Ava"); ok {
		t.Error("gemini accepted a voice it does not offer")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxbridge.log")
	logger, level, closeLog, err := newLogger(config.ServerConfig{
		LogLevel:  config.LogWarn,
		LogFormat: config.LogFormatJSON,
		LogFile:   &config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "session", "abc")
	closeLog()

	if level.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want warn", level.Level())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") || !strings.Contains(out, `"msg":"kept"`) {
		t.Errorf("log file = %q", out)
	}
}

func TestNewLogger_DirectoryRejected(t *testing.T) {
	_, _, _, err := newLogger(config.ServerConfig{LogFile: &config.LogFileConfig{Path: t.TempDir()}})
	if err == nil {
		t.Fatal("expected an error for a directory log path")
	}
}
