package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIURL         string   `json:"api_url" yaml:"api_url"`
	DataDir        string   `json:"data_dir" yaml:"data_dir"`
	LogLevel       string   `json:"log_level" yaml:"log_level"`
	LogFile        string   `json:"log_file" yaml:"log_file"`
	Timeout        int      `json:"timeout" yaml:"timeout"`
	PollIntervalMS int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	StaleTimeMS    int      `json:"stale_time_ms" yaml:"stale_time_ms"`
	GCTimeMS       int      `json:"gc_time_ms" yaml:"gc_time_ms"`
	UploadParallel int      `json:"upload_parallel" yaml:"upload_parallel"`
	Notify         []string `json:"notify" yaml:"notify"`
	Preview        struct {
		MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
		Model     string `json:"model" yaml:"model"`
	} `json:"preview" yaml:"preview"`
	Sync struct {
		RefreshSchedule string `json:"refresh_schedule" yaml:"refresh_schedule"`
	} `json:"sync" yaml:"sync"`
	Telegram struct {
		Token  string `json:"token" yaml:"token" secret:"true"`
		ChatID int64  `json:"chat_id" yaml:"chat_id"`
	} `json:"telegram" yaml:"telegram"`
	Telemetry struct {
		Endpoint    string `json:"endpoint" yaml:"endpoint"`
		ServiceName string `json:"service_name" yaml:"service_name"`
		Insecure    bool   `json:"insecure" yaml:"insecure"`
	} `json:"telemetry" yaml:"telemetry"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	cfg := &Config{
		APIURL:         "http://localhost:8000/api/v1",
		DataDir:        filepath.Join(os.Getenv("HOME"), ".kbdesk"),
		LogLevel:       "info",
		Timeout:        60,
		PollIntervalMS: 3000,
		StaleTimeMS:    30000,
		GCTimeMS:       300000,
		UploadParallel: 3,
		Notify:         []string{"stdout:"},
	}
	cfg.Preview.MaxTokens = 2000
	cfg.Preview.Model = "gpt-4"
	cfg.Sync.RefreshSchedule = "@every 30s"
	cfg.Telemetry.ServiceName = "kbdesk"
	return cfg
}

// Load reads the config at path, layering: defaults, the file (JSON, or
// YAML for .yaml/.yml), a .env file in the working directory, then the
// process environment. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	// Override from env (highest precedence)
	if v := os.Getenv("KBDESK_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("KBDESK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KBDESK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}

	return cfg, nil
}

// TimeoutDuration is the per-request timeout.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) StaleTime() time.Duration {
	return time.Duration(c.StaleTimeMS) * time.Millisecond
}

func (c *Config) GCTime() time.Duration {
	return time.Duration(c.GCTimeMS) * time.Millisecond
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshal(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically (temp file + rename), creating the
// directory if needed.
func Save(path string, cfg *Config) error {
	data, err := marshal(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a generic nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value keyed by dotted path, with secrets
// masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := unmarshal(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dotted key in the file at path.
// The file is created with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in the existing file at path.
// Values that parse as JSON (numbers, booleans) keep their type; anything
// else is stored as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(raw)
	flat[key] = parsed
	data, err := marshal(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
