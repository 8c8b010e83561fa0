// Package config loads the watcher configuration from a YAML, TOML or JSON file
// with environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"xwatch/internal/filter"
	"xwatch/internal/governor"
	"xwatch/internal/model"
)

// Defaults applied when a key is absent.
const (
	DefaultCheckInterval      = 30 * time.Second
	DefaultMinSubjectInterval = 60 * time.Second
	DefaultGlobalMinInterval  = 2 * time.Second
	DefaultBackoffBase        = 5 * time.Second
	DefaultBackoffCap         = 300 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultShutdownGrace      = 20 * time.Second
	DefaultFallbackTimeout    = 15 * time.Second
	DefaultStateFile          = "data/seen_items.json"
	DefaultSeenRetention      = 500
)

// File is the on-disk shape of the configuration.
type File struct {
	Subjects                 []SubjectFile `json:"subjects"`
	CheckInterval            string        `json:"check_interval"`
	MinSubjectInterval       string        `json:"min_subject_interval"`
	GlobalMinRequestInterval string        `json:"global_min_request_interval"`
	BackoffBase              string        `json:"backoff_base"`
	BackoffCap               string        `json:"backoff_cap"`
	RequestTimeout           string        `json:"request_timeout"`
	SuppressInitialBacklog   *bool         `json:"suppress_initial_backlog"`
	RequireAck               bool          `json:"require_ack"`
	StateFile                string        `json:"state_file"`
	SeenRetention            int           `json:"seen_retention"`
	ShutdownGrace            string        `json:"shutdown_grace"`
	LogLevel                 string        `json:"log_level"`
	Timezone                 string        `json:"timezone"`
	NotifyStartup            *bool         `json:"notify_startup"`
	Telegram                 TelegramFile  `json:"telegram"`
	Fallback                 FallbackFile  `json:"fallback"`
}

type SubjectFile struct {
	Name        string       `json:"name"`
	MinInterval string       `json:"min_interval"`
	Enabled     *bool        `json:"enabled"`
	Filters     []FilterFile `json:"filters"`
}

type FilterFile struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type TelegramFile struct {
	BotToken   string `json:"bot_token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec"`
	RetryMax   *int   `json:"retry_max"`
}

type FallbackFile struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout"`
}

// Config is the resolved configuration.
type Config struct {
	Subjects                 []model.Subject
	CheckInterval            time.Duration
	MinSubjectInterval       time.Duration
	GlobalMinRequestInterval time.Duration
	BackoffBase              time.Duration
	BackoffCap               time.Duration
	RequestTimeout           time.Duration
	SuppressInitialBacklog   bool
	RequireAck               bool
	StateFile                string
	SeenRetention            int
	ShutdownGrace            time.Duration
	LogLevel                 string
	Timezone                 string
	Location                 *time.Location `json:"-"`
	NotifyStartup            bool
	Telegram                 Telegram
	Fallback                 Fallback
}

type Telegram struct {
	BotToken   string
	ChatID     int64
	RatePerSec int
	RetryMax   int
}

type Fallback struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
}

// Load reads, resolves and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	applyEnv(f)
	cfg, err := Resolve(f)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data strictly; the format is chosen by the extension of path.
func Parse(path string, data []byte) (*File, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &f, nil
}

func applyEnv(f *File) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		f.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			f.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("XWATCH_SUBJECTS"); v != "" {
		f.Subjects = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				f.Subjects = append(f.Subjects, SubjectFile{Name: name})
			}
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		f.LogLevel = v
	}
	if v := os.Getenv("STATE_FILE"); v != "" {
		f.StateFile = v
	}
	if v := os.Getenv("RSSHUB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.Fallback.Enabled = b
		}
	}
	if v := os.Getenv("RSSHUB_BASE_URL"); v != "" {
		f.Fallback.BaseURL = v
	}
}

// Resolve applies defaults and converts durations.
func Resolve(f *File) (*Config, error) {
	cfg := &Config{
		RequireAck:             f.RequireAck,
		StateFile:              strings.TrimSpace(f.StateFile),
		SeenRetention:          f.SeenRetention,
		LogLevel:               strings.ToLower(strings.TrimSpace(f.LogLevel)),
		Timezone:               strings.TrimSpace(f.Timezone),
		SuppressInitialBacklog: f.SuppressInitialBacklog == nil || *f.SuppressInitialBacklog,
		NotifyStartup:          f.NotifyStartup == nil || *f.NotifyStartup,
		Telegram: Telegram{
			BotToken:   strings.TrimSpace(f.Telegram.BotToken),
			ChatID:     f.Telegram.ChatID,
			RatePerSec: f.Telegram.RatePerSec,
			RetryMax:   3,
		},
		Fallback: Fallback{
			Enabled: f.Fallback.Enabled,
			BaseURL: strings.TrimRight(strings.TrimSpace(f.Fallback.BaseURL), "/"),
		},
	}
	if f.Telegram.RetryMax != nil {
		cfg.Telegram.RetryMax = *f.Telegram.RetryMax
	}
	if cfg.Telegram.RatePerSec <= 0 {
		cfg.Telegram.RatePerSec = 1
	}
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile
	}
	if cfg.SeenRetention <= 0 {
		cfg.SeenRetention = DefaultSeenRetention
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"check_interval", f.CheckInterval, DefaultCheckInterval, &cfg.CheckInterval},
		{"min_subject_interval", f.MinSubjectInterval, DefaultMinSubjectInterval, &cfg.MinSubjectInterval},
		{"global_min_request_interval", f.GlobalMinRequestInterval, DefaultGlobalMinInterval, &cfg.GlobalMinRequestInterval},
		{"backoff_base", f.BackoffBase, DefaultBackoffBase, &cfg.BackoffBase},
		{"backoff_cap", f.BackoffCap, DefaultBackoffCap, &cfg.BackoffCap},
		{"request_timeout", f.RequestTimeout, DefaultRequestTimeout, &cfg.RequestTimeout},
		{"shutdown_grace", f.ShutdownGrace, DefaultShutdownGrace, &cfg.ShutdownGrace},
		{"fallback.timeout", f.Fallback.Timeout, DefaultFallbackTimeout, &cfg.Fallback.Timeout},
	}
	for _, d := range durations {
		v, err := ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	for i, sf := range f.Subjects {
		s, err := resolveSubject(sf, cfg.MinSubjectInterval)
		if err != nil {
			return nil, fmt.Errorf("subjects[%d]: %w", i, err)
		}
		cfg.Subjects = append(cfg.Subjects, s)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc
	return cfg, nil
}

func resolveSubject(sf SubjectFile, defInterval time.Duration) (model.Subject, error) {
	interval, err := ParseDurationOrDefault("min_interval", sf.MinInterval, defInterval)
	if err != nil {
		return model.Subject{}, err
	}
	s := model.Subject{
		Name:        NormalizeName(sf.Name),
		MinInterval: interval,
		Enabled:     sf.Enabled == nil || *sf.Enabled,
	}
	for _, ff := range sf.Filters {
		s.Filters = append(s.Filters, model.Filter{
			Kind:  model.FilterKind(strings.ToLower(strings.TrimSpace(ff.Kind))),
			Value: ff.Value,
		})
	}
	return s, nil
}

// NormalizeName strips a leading "@" and lowercases a subject name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

// Validate checks a resolved configuration.
func Validate(cfg *Config) error {
	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if cfg.Telegram.RetryMax < 0 {
		return fmt.Errorf("telegram.retry_max must be >= 0")
	}
	if len(cfg.Subjects) == 0 {
		return fmt.Errorf("at least one subject is required")
	}

	seen := make(map[string]bool, len(cfg.Subjects))
	for i, s := range cfg.Subjects {
		if s.Name == "" {
			return fmt.Errorf("subjects[%d]: name is required", i)
		}
		if strings.ContainsAny(s.Name, "/?# ") {
			return fmt.Errorf("subjects[%d]: invalid name %q", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("subjects[%d]: duplicate subject %q", i, s.Name)
		}
		seen[s.Name] = true
		for j, f := range s.Filters {
			if err := filter.Validate(f); err != nil {
				return fmt.Errorf("subjects[%d].filters[%d]: %w", i, j, err)
			}
		}
	}

	if cfg.BackoffCap < cfg.BackoffBase {
		return fmt.Errorf("backoff_cap (%s) must be >= backoff_base (%s)", cfg.BackoffCap, cfg.BackoffBase)
	}
	if cfg.Fallback.Enabled && cfg.Fallback.BaseURL == "" {
		return fmt.Errorf("fallback.base_url is required when fallback is enabled")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}

// GovernorConfig returns the rate governor settings.
func (c *Config) GovernorConfig() governor.Config {
	return governor.Config{
		MinInterval: c.GlobalMinRequestInterval,
		BaseBackoff: c.BackoffBase,
		BackoffCap:  c.BackoffCap,
	}
}

// SubjectNames returns the names of enabled subjects in configuration order.
func (c *Config) SubjectNames() []string {
	var names []string
	for _, s := range c.Subjects {
		if s.Enabled {
			names = append(names, s.Name)
		}
	}
	return names
}
