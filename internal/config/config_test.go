package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"xwatch/internal/model"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "XWATCH_SUBJECTS", "LOG_LEVEL",
	"STATE_FILE", "RSSHUB_ENABLED", "RSSHUB_BASE_URL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func defaults() *Config {
	return &Config{
		CheckInterval:            DefaultCheckInterval,
		MinSubjectInterval:       DefaultMinSubjectInterval,
		GlobalMinRequestInterval: DefaultGlobalMinInterval,
		BackoffBase:              DefaultBackoffBase,
		BackoffCap:               DefaultBackoffCap,
		RequestTimeout:           DefaultRequestTimeout,
		SuppressInitialBacklog:   true,
		StateFile:                DefaultStateFile,
		SeenRetention:            DefaultSeenRetention,
		ShutdownGrace:            DefaultShutdownGrace,
		LogLevel:                 "info",
		Timezone:                 "UTC",
		NotifyStartup:            true,
		Telegram:                 Telegram{BotToken: "tok", ChatID: 42, RatePerSec: 1, RetryMax: 3},
		Fallback:                 Fallback{Timeout: DefaultFallbackTimeout},
	}
}

var ignoreLocation = cmpopts.IgnoreFields(Config{}, "Location")

const minimalYAML = `
subjects:
  - name: "@Alice"
telegram:
  bot_token: tok
  chat_id: 42
`

func TestLoadFormats(t *testing.T) {
	want := defaults()
	want.Subjects = []model.Subject{{Name: "alice", MinInterval: DefaultMinSubjectInterval, Enabled: true}}

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "yaml", file: "config.yaml", content: minimalYAML},
		{
			name: "toml",
			file: "config.toml",
			content: `
[[subjects]]
name = "@Alice"

[telegram]
bot_token = "tok"
chat_id = 42
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"subjects":[{"name":"@Alice"}],"telegram":{"bot_token":"tok","chat_id":42}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			got, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if diff := cmp.Diff(want, got, ignoreLocation); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
			if got.Location != time.UTC {
				t.Errorf("location = %v, want UTC", got.Location)
			}
		})
	}
}

func TestLoadFullYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yml", `
subjects:
  - name: alice
    min_interval: 2m
    filters:
      - kind: include
        value: golang
  - name: bob
    enabled: false
check_interval: 10s
min_subject_interval: 90s
global_min_request_interval: 3s
backoff_base: 1s
backoff_cap: 1m
request_timeout: 5s
suppress_initial_backlog: false
require_ack: true
state_file: /var/lib/xwatch/seen.db
seen_retention: 100
shutdown_grace: 5s
log_level: DEBUG
timezone: Europe/Berlin
notify_startup: false
telegram:
  bot_token: tok
  chat_id: -1001
  rate_per_sec: 5
  retry_max: 0
fallback:
  enabled: true
  base_url: https://rsshub.example.com/
  timeout: 7s
`)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := &Config{
		Subjects: []model.Subject{
			{
				Name:        "alice",
				MinInterval: 2 * time.Minute,
				Enabled:     true,
				Filters:     []model.Filter{{Kind: model.FilterInclude, Value: "golang"}},
			},
			{Name: "bob", MinInterval: 90 * time.Second, Enabled: false},
		},
		CheckInterval:            10 * time.Second,
		MinSubjectInterval:       90 * time.Second,
		GlobalMinRequestInterval: 3 * time.Second,
		BackoffBase:              time.Second,
		BackoffCap:               time.Minute,
		RequestTimeout:           5 * time.Second,
		SuppressInitialBacklog:   false,
		RequireAck:               true,
		StateFile:                "/var/lib/xwatch/seen.db",
		SeenRetention:            100,
		ShutdownGrace:            5 * time.Second,
		LogLevel:                 "debug",
		Timezone:                 "Europe/Berlin",
		NotifyStartup:            false,
		Telegram:                 Telegram{BotToken: "tok", ChatID: -1001, RatePerSec: 5, RetryMax: 0},
		Fallback:                 Fallback{Enabled: true, BaseURL: "https://rsshub.example.com", Timeout: 7 * time.Second},
	}
	if diff := cmp.Diff(want, got, ignoreLocation); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice"}, got.SubjectNames()); diff != "" {
		t.Errorf("SubjectNames mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "777")
	t.Setenv("XWATCH_SUBJECTS", " carol, @Dave ,")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("STATE_FILE", "/tmp/state.json")
	t.Setenv("RSSHUB_ENABLED", "true")
	t.Setenv("RSSHUB_BASE_URL", "http://localhost:1200")

	got, err := Load(writeFile(t, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := defaults()
	want.Subjects = []model.Subject{
		{Name: "carol", MinInterval: DefaultMinSubjectInterval, Enabled: true},
		{Name: "dave", MinInterval: DefaultMinSubjectInterval, Enabled: true},
	}
	want.Telegram.BotToken = "env-token"
	want.Telegram.ChatID = 777
	want.LogLevel = "warn"
	want.StateFile = "/tmp/state.json"
	want.Fallback.Enabled = true
	want.Fallback.BaseURL = "http://localhost:1200"

	if diff := cmp.Diff(want, got, ignoreLocation); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: minimalYAML + "bogus: 1\n"},
		{name: "missing token", content: "subjects: [{name: a}]\ntelegram: {chat_id: 1}\n"},
		{name: "missing chat", content: "subjects: [{name: a}]\ntelegram: {bot_token: t}\n"},
		{name: "no subjects", content: "telegram: {bot_token: t, chat_id: 1}\n"},
		{name: "duplicate subject", content: "subjects: [{name: a}, {name: '@A'}]\ntelegram: {bot_token: t, chat_id: 1}\n"},
		{name: "bad duration", content: minimalYAML + "check_interval: soon\n"},
		{name: "negative duration", content: minimalYAML + "backoff_base: -1s\n"},
		{name: "bad regex", content: "subjects: [{name: a, filters: [{kind: include_re, value: '('}]}]\ntelegram: {bot_token: t, chat_id: 1}\n"},
		{name: "fallback without url", content: minimalYAML + "fallback: {enabled: true}\n"},
		{name: "cap below base", content: minimalYAML + "backoff_base: 10s\nbackoff_cap: 5s\n"},
		{name: "bad timezone", content: minimalYAML + "timezone: Mars/Olympus\n"},
		{name: "bad log level", content: minimalYAML + "log_level: loud\n"},
		{name: "malformed yaml", content: "subjects: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Load(writeFile(t, "config.yaml", tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Minute},
		{raw: "0s", want: time.Minute},
		{raw: " 5s ", want: 5 * time.Second},
		{raw: "-5s", wantErr: true},
		{raw: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	sub := func(name string, interval time.Duration) model.Subject {
		return model.Subject{Name: name, MinInterval: interval, Enabled: true}
	}
	oldCfg := &Config{Subjects: []model.Subject{sub("a", time.Minute), sub("b", time.Minute), sub("c", time.Minute)}}

	disabledC := sub("c", time.Minute)
	disabledC.Enabled = false
	newCfg := &Config{Subjects: []model.Subject{sub("d", time.Minute), sub("b", 2*time.Minute), disabledC}}

	want := SubjectDiff{
		Added:   []model.Subject{sub("d", time.Minute)},
		Removed: []string{"a"},
		Changed: []model.Subject{sub("b", 2*time.Minute), disabledC},
	}
	got := Diff(oldCfg, newCfg)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", diff)
	}

	if !Diff(oldCfg, oldCfg).Empty() {
		t.Error("expected empty diff for identical configs")
	}

	filtered := sub("a", time.Minute)
	filtered.Filters = []model.Filter{{Kind: model.FilterExclude, Value: "ad"}}
	got = Diff(oldCfg, &Config{Subjects: []model.Subject{filtered, sub("b", time.Minute), sub("c", time.Minute)}})
	if diff := cmp.Diff(SubjectDiff{Changed: []model.Subject{filtered}}, got); diff != "" {
		t.Errorf("filter Diff mismatch (-want +got):\n%s", diff)
	}
}

func TestRestartRequired(t *testing.T) {
	oldCfg := defaults()
	newCfg := defaults()
	newCfg.StateFile = "other.json"
	newCfg.Telegram.BotToken = "new"
	newCfg.CheckInterval = time.Hour

	want := []string{"state_file", "telegram.bot_token"}
	if diff := cmp.Diff(want, RestartRequired(oldCfg, newCfg)); diff != "" {
		t.Errorf("RestartRequired mismatch (-want +got):\n%s", diff)
	}
}

func TestWatcherReload(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", minimalYAML)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	w := NewWatcher(path, initial, slog.New(slog.NewTextHandler(io.Discard, nil)))
	updates := w.Subscribe(1)

	changed, err := w.Reload()
	if err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	valid := "subjects:\n  - name: alice\n  - name: bob\ntelegram:\n  bot_token: tok\n  chat_id: 42\n"
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed, err = w.Reload()
	if err != nil || !changed {
		t.Fatalf("changed file: changed=%v err=%v", changed, err)
	}

	select {
	case cfg := <-updates:
		if diff := cmp.Diff([]string{"alice", "bob"}, cfg.SubjectNames()); diff != "" {
			t.Errorf("published subjects mismatch (-want +got):\n%s", diff)
		}
	default:
		t.Fatal("expected a published config")
	}

	if err := os.WriteFile(path, []byte("subjects: [\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Reload(); err == nil {
		t.Fatal("expected error for invalid file")
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, w.Current().SubjectNames()); diff != "" {
		t.Errorf("current config should be kept (-want +got):\n%s", diff)
	}
}

func TestWatcherWatchPublishesOnWrite(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", minimalYAML)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	w := NewWatcher(path, initial, slog.New(slog.NewTextHandler(io.Discard, nil)))
	updates := w.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	valid := "subjects:\n  - name: zed\ntelegram:\n  bot_token: tok\n  chat_id: 42\n"
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-updates:
		if diff := cmp.Diff([]string{"zed"}, cfg.SubjectNames()); diff != "" {
			t.Errorf("published subjects mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	<-done
}
