package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// duration is a time.Duration that reads "300ms"-style strings from JSON.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds all steprun server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr          string   `json:"listen_addr"`
	BaseURL             string   `json:"base_url"`
	DBPath              string   `json:"db_path"`
	LogLevel            string   `json:"log_level"`
	TransportURL        string   `json:"transport_url"`
	TransportTimeout    duration `json:"transport_timeout"`
	PoolSize            int      `json:"pool_size"`
	PanelMinWidth       int      `json:"panel_min_width"`
	ReservedCanvasWidth int      `json:"reserved_canvas_width"`
	PersistDebounce     duration `json:"persist_debounce"`
	MCP                 bool     `json:"mcp"`
	GraphFile           string   `json:"graph_file"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:          ":4200",
		DBPath:              filepath.Join(steprunDir(), "steprun.db"),
		LogLevel:            "info",
		TransportTimeout:    duration(60 * time.Second),
		PoolSize:            4,
		PanelMinWidth:       400,
		ReservedCanvasWidth: 400,
		PersistDebounce:     duration(300 * time.Millisecond),
		MCP:                 true,
	}
}

func steprunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steprun"
	}
	return filepath.Join(home, ".steprun")
}

func settingsPath() string {
	return filepath.Join(steprunDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// settings.json is optional, but a malformed one is an error.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	applyEnv(&cfg, os.Getenv)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(getenv(key)); err == nil {
			*dst = n
		}
	}
	dur := func(key string, dst *duration) {
		if d, err := time.ParseDuration(getenv(key)); err == nil {
			*dst = duration(d)
		}
	}

	str("STEPRUN_LISTEN_ADDR", &cfg.ListenAddr)
	str("STEPRUN_BASE_URL", &cfg.BaseURL)
	str("STEPRUN_DB_PATH", &cfg.DBPath)
	str("STEPRUN_LOG_LEVEL", &cfg.LogLevel)
	str("STEPRUN_TRANSPORT_URL", &cfg.TransportURL)
	str("STEPRUN_GRAPH_FILE", &cfg.GraphFile)
	dur("STEPRUN_TRANSPORT_TIMEOUT", &cfg.TransportTimeout)
	dur("STEPRUN_PERSIST_DEBOUNCE", &cfg.PersistDebounce)
	num("STEPRUN_POOL_SIZE", &cfg.PoolSize)
	num("STEPRUN_PANEL_MIN_WIDTH", &cfg.PanelMinWidth)
	num("STEPRUN_RESERVED_CANVAS_WIDTH", &cfg.ReservedCanvasWidth)
	if v := getenv("STEPRUN_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	MCPChanged      bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.MCP != new.MCP {
		d.MCPChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.TransportURL != new.TransportURL {
		d.RestartNeeded = append(d.RestartNeeded, "transport_url")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.GraphFile != new.GraphFile {
		d.RestartNeeded = append(d.RestartNeeded, "graph_file")
	}
	return d
}
