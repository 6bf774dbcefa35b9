package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the persisted config file schema.
type Config struct {
	Model       ModelConfig   `toml:"model"`
	Render      RenderConfig  `toml:"render"`
	Store       StoreConfig   `toml:"store"`
	Persist     PersistConfig `toml:"persist"`
	Exec        ExecConfig    `toml:"exec"`
	Log         LogConfig     `toml:"log"`
	MetricsAddr string        `toml:"metrics_addr,omitempty"`
	Source      string        `toml:"-"`
}

// ModelConfig selects the streaming source. Provider is "openai",
// "anthropic" or "scripted".
type ModelConfig struct {
	Provider string `toml:"provider"`
	URL      string `toml:"url"`
	Token    string `toml:"token"`
	Name     string `toml:"name"`
	// System replaces the built-in system prompt; AGENTS.md files are still appended.
	System string `toml:"system"`
}

type RenderConfig struct {
	CacheCapacity    int    `toml:"cache_capacity"`
	Theme            string `toml:"theme"`
	ReasoningVisible bool   `toml:"reasoning_visible"`
	Width            int    `toml:"width"`
}

type StoreConfig struct {
	InboxBuffer  int `toml:"inbox_buffer"`
	ChangeBuffer int `toml:"change_buffer"`
}

type PersistConfig struct {
	Dir         string `toml:"dir"`
	DatabaseURL string `toml:"database_url"`
	Schema      string `toml:"schema"`
	Journal     bool   `toml:"journal"`
}

type ExecConfig struct {
	TTY          bool  `toml:"tty"`
	IdleNoticeMs int64 `toml:"idle_notice_ms"`
	// Observer emits notices for long-running commands and stalled streams.
	Observer bool `toml:"observer"`
}

type LogConfig struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`

	// StreamPath, when set, receives a per-chunk trace of model streams.
	StreamPath string `toml:"stream_path"`
}

const envPrefix = "ECHO_TRANSCRIPT_"

func Default() Config {
	return Config{
		Model: ModelConfig{Provider: "openai", Name: "gpt-4o-mini"},
		Render: RenderConfig{
			CacheCapacity: 2048,
			Theme:         "dark",
			Width:         100,
		},
		Store: StoreConfig{
			InboxBuffer:  256,
			ChangeBuffer: 128,
		},
		Persist: PersistConfig{Schema: "echo_transcript"},
		Exec:    ExecConfig{IdleNoticeMs: 10_000, Observer: true},
		Log:     LogConfig{Level: "info"},
	}
}

// Home returns the per-user state directory (~/.echo-transcript).
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".echo-transcript")
}

func DefaultPath() string {
	dir := Home()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.toml")
}

// SessionsDir resolves the snapshot directory, falling back to ~/.echo-transcript/sessions.
func (c Config) SessionsDir() string {
	if dir := strings.TrimSpace(c.Persist.Dir); dir != "" {
		return dir
	}
	if home := Home(); home != "" {
		return filepath.Join(home, "sessions")
	}
	return filepath.Join(".echo-transcript", "sessions")
}

// Load reads path (or DefaultPath), then applies ECHO_TRANSCRIPT_* env overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, errors.New("config path is empty and $HOME is not set")
	}
	cfg.Source = path

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := toml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return applyEnv(cfg), nil
}

var envKeys = map[string]string{
	"PROVIDER":          "model.provider",
	"MODEL_URL":         "model.url",
	"MODEL_TOKEN":       "model.token",
	"MODEL":             "model.name",
	"THEME":             "render.theme",
	"REASONING_VISIBLE": "render.reasoning_visible",
	"CACHE_CAPACITY":    "render.cache_capacity",
	"SESSIONS_DIR":      "persist.dir",
	"DATABASE_URL":      "persist.database_url",
	"LOG_LEVEL":         "log.level",
	"METRICS_ADDR":      "metrics_addr",
}

func applyEnv(cfg Config) Config {
	overrides := make([]string, 0, len(envKeys))
	for env, key := range envKeys {
		if val := strings.TrimSpace(os.Getenv(envPrefix + env)); val != "" {
			overrides = append(overrides, key+"="+val)
		}
	}
	// Provider variables are honored when nothing more specific is set.
	if cfg.Model.Token == "" {
		tokenEnv := "OPENAI_API_KEY"
		if cfg.Model.Provider == "anthropic" {
			tokenEnv = "ANTHROPIC_API_KEY"
		}
		if val := strings.TrimSpace(os.Getenv(tokenEnv)); val != "" {
			cfg.Model.Token = val
		}
	}
	if cfg.Model.URL == "" {
		if val := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); val != "" {
			cfg.Model.URL = val
		}
	}
	return ApplyKVOverrides(cfg, overrides)
}

// ApplyKVOverrides applies free-form -c key=value overrides. Unknown keys and
// unparsable values are ignored.
func ApplyKVOverrides(cfg Config, overrides []string) Config {
	for _, raw := range overrides {
		key, val, ok := strings.Cut(raw, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "model.provider", "provider":
			cfg.Model.Provider = strings.ToLower(val)
		case "model.url", "url":
			cfg.Model.URL = val
		case "model.token", "token":
			cfg.Model.Token = val
		case "model.name", "model":
			cfg.Model.Name = val
		case "model.system":
			cfg.Model.System = val
		case "render.cache_capacity":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				cfg.Render.CacheCapacity = n
			}
		case "render.theme", "theme":
			cfg.Render.Theme = val
		case "render.reasoning_visible":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.Render.ReasoningVisible = b
			}
		case "render.width":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				cfg.Render.Width = n
			}
		case "store.inbox_buffer":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				cfg.Store.InboxBuffer = n
			}
		case "store.change_buffer":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				cfg.Store.ChangeBuffer = n
			}
		case "persist.dir":
			cfg.Persist.Dir = val
		case "persist.database_url":
			cfg.Persist.DatabaseURL = val
		case "persist.schema":
			cfg.Persist.Schema = val
		case "persist.journal":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.Persist.Journal = b
			}
		case "exec.tty":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.Exec.TTY = b
			}
		case "exec.observer":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.Exec.Observer = b
			}
		case "exec.idle_notice_ms":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
				cfg.Exec.IdleNoticeMs = n
			}
		case "log.level":
			cfg.Log.Level = val
		case "log.path":
			cfg.Log.Path = val
		case "log.stream_path":
			cfg.Log.StreamPath = val
		case "metrics_addr":
			cfg.MetricsAddr = val
		}
	}
	return cfg
}

func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return errors.New("config path is empty and $HOME is not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
