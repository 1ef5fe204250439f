package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds carepath CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ModulesDir string `json:"modules_dir"`
	ParamsDir  string `json:"params_dir"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`
	PoolSize   int    `json:"pool_size"`
	Seed       int64  `json:"seed"`
}

func defaultConfig() Config {
	return Config{
		ModulesDir: "modules",
		ParamsDir:  "parameters",
		DBPath:     filepath.Join(carepathDir(), "carepath.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   4,
		Seed:       1,
	}
}

func carepathDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carepath"
	}
	return filepath.Join(home, ".carepath")
}

func settingsPath() string {
	if v := os.Getenv("CAREPATH_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(carepathDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// settings.json is optional.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CAREPATH_MODULES_DIR"); v != "" {
		cfg.ModulesDir = v
	}
	if v := os.Getenv("CAREPATH_PARAMS_DIR"); v != "" {
		cfg.ParamsDir = v
	}
	if v := os.Getenv("CAREPATH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CAREPATH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CAREPATH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CAREPATH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CAREPATH_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}
	return cfg
}

// dbURI turns a path into the file URI libsql expects. An empty path
// disables persistence.
func (c Config) dbURI() string {
	if c.DBPath == "" {
		return ""
	}
	if strings.HasPrefix(c.DBPath, "file:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
