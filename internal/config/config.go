package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// DataRoot is the directory holding every project workspace.
	DataRoot string `json:"data_root"`

	MinWorkers        int `json:"min_workers"`
	MaxWorkers        int `json:"max_workers"`
	QueueSize         int `json:"queue_size"`
	WorkerIdleTimeout int `json:"worker_idle_timeout_minutes"`

	// ConvertTimeout bounds a single converter attempt, in seconds.
	ConvertTimeout int `json:"convert_timeout_seconds"`
	// SessionIdleTimeout expires sessions with no activity, in minutes.
	SessionIdleTimeout int `json:"session_idle_timeout_minutes"`

	MaxUploadBytes   int64 `json:"max_upload_bytes"`
	UserStorageLimit int64 `json:"user_storage_limit"`

	// Cookie names are configurable so deployments sharing a domain can
	// namespace theirs. Empty values keep the built-in defaults.
	AuthCookieName string `json:"auth_cookie_name"`
	CSRFCookieName string `json:"csrf_cookie_name"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.BasicConfig.DataRoot == "" {
		return nil, fmt.Errorf("data_root must be configured")
	}
	if !filepath.IsAbs(cfg.BasicConfig.DataRoot) {
		cfg.BasicConfig.DataRoot = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.DataRoot)
	}

	return &cfg, nil
}
