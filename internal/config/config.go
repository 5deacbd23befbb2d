package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads and writes as "350ms", "10s", ...
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	HTTP      struct {
		Addr              string   `json:"addr"`
		CORSOrigins       []string `json:"cors_origins"`
		ReadHeaderTimeout Duration `json:"read_header_timeout"`
		ShutdownTimeout   Duration `json:"shutdown_timeout"`
	} `json:"http"`
	Storage struct {
		Backend       string   `json:"backend"`
		Messages      string   `json:"messages"`
		Sequence      string   `json:"sequence"`
		RedisURL      string   `json:"redis_url"`
		DatabaseURL   string   `json:"database_url"`
		RunTTL        Duration `json:"run_ttl"`
		QueueName     string   `json:"queue_name"`
		QueueCapacity int      `json:"queue_capacity"`
	} `json:"storage"`
	Runs struct {
		Workers            int      `json:"workers"`
		DequeueTimeout     Duration `json:"dequeue_timeout"`
		CancelPollInterval Duration `json:"cancel_poll_interval"`
		SnapshotEvery      int      `json:"snapshot_every"`
		ReconcileGrace     Duration `json:"reconcile_grace"`
		StaleAfter         Duration `json:"stale_after"`
		ReconcileSchedule  string   `json:"reconcile_schedule"`
		PurgeSchedule      string   `json:"purge_schedule"`
		MaxContentBytes    int      `json:"max_content_bytes"`
	} `json:"runs"`
	Stream struct {
		HubBuffer    int      `json:"hub_buffer"`
		WriteTimeout Duration `json:"write_timeout"`
		IdleInterval Duration `json:"idle_interval"`
		Keepalive    Duration `json:"keepalive"`
		BatchSize    int      `json:"batch_size"`
	} `json:"stream"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		HistoryLimit     int     `json:"history_limit"`
	} `json:"llm"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".groupstream"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.CORSOrigins = []string{"*"}
	cfg.HTTP.ReadHeaderTimeout = Duration(10 * time.Second)
	cfg.HTTP.ShutdownTimeout = Duration(15 * time.Second)

	cfg.Storage.Backend = "local"
	cfg.Storage.Messages = "local"
	cfg.Storage.Sequence = "local"
	cfg.Storage.RunTTL = Duration(24 * time.Hour)
	cfg.Storage.QueueName = "runs"
	cfg.Storage.QueueCapacity = 1024

	cfg.Runs.Workers = 4
	cfg.Runs.DequeueTimeout = Duration(time.Second)
	cfg.Runs.CancelPollInterval = Duration(250 * time.Millisecond)
	cfg.Runs.SnapshotEvery = 20
	cfg.Runs.ReconcileGrace = Duration(30 * time.Second)
	cfg.Runs.StaleAfter = Duration(10 * time.Minute)
	cfg.Runs.ReconcileSchedule = "@every 15s"
	cfg.Runs.PurgeSchedule = "@every 1h"
	cfg.Runs.MaxContentBytes = 32 * 1024

	cfg.Stream.HubBuffer = 64
	cfg.Stream.WriteTimeout = Duration(10 * time.Second)
	cfg.Stream.IdleInterval = Duration(350 * time.Millisecond)
	cfg.Stream.Keepalive = Duration(10 * time.Second)
	cfg.Stream.BatchSize = 200

	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.HistoryLimit = 50
	return cfg
}

// Load reads the config file at path, writing defaults if it does not exist,
// then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env in the working directory, if any; real env vars win.
	_ = godotenv.Load()
	applyEnv(cfg)

	return cfg, nil
}

// applyEnv overrides config values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	strs := map[string]*string{
		"GROUPSTREAM_DATA_DIR":        &cfg.DataDir,
		"GROUPSTREAM_LOG_LEVEL":       &cfg.LogLevel,
		"GROUPSTREAM_LOG_FORMAT":      &cfg.LogFormat,
		"GROUPSTREAM_HTTP_ADDR":       &cfg.HTTP.Addr,
		"GROUPSTREAM_STORAGE_BACKEND": &cfg.Storage.Backend,
		"GROUPSTREAM_MESSAGES":        &cfg.Storage.Messages,
		"GROUPSTREAM_SEQUENCE":        &cfg.Storage.Sequence,
		"REDIS_URL":                   &cfg.Storage.RedisURL,
		"DATABASE_URL":                &cfg.Storage.DatabaseURL,
		"OPENAI_API_KEY":              &cfg.LLM.APIKey,
		"OPENAI_BASE_URL":             &cfg.LLM.BaseURL,
		"OPENAI_MODEL":                &cfg.LLM.Model,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("GROUPSTREAM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runs.Workers = n
		}
	}
	if v := os.Getenv("GROUPSTREAM_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.HTTP.CORSOrigins = origins
	}
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its generic JSON form.
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

// ListValues returns every config value keyed by its dotted path.
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
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
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
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in the existing file at path.
// Values that parse as JSON (numbers, booleans, arrays) are stored typed,
// anything else as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(m)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(path, data)
}
