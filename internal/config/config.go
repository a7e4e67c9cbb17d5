package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Transport string          `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Log       LogConfig       `yaml:"log"`
	QuickCall QuickCallConfig `yaml:"quickcall"`
	Feed      FeedConfig      `yaml:"feed"`
	// Workdir anchors scope defaults for tool calls that omit a path.
	// Empty means the process working directory.
	Workdir string `yaml:"workdir"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthToken gates /mcp in HTTP mode behind a static bearer token.
	// Empty leaves the endpoint open (local use).
	AuthToken string `yaml:"auth_token"`
}

type DBConfig struct {
	// Path locates the run-log database. Empty disables the run log.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Path is a log file for stdio mode, where stdout carries the
	// protocol and stderr is the only safe console stream.
	Path string `yaml:"path"`
}

type QuickCallConfig struct {
	APIURL string `yaml:"api_url"`
	WebURL string `yaml:"web_url"`
}

type FeedConfig struct {
	// FetchTimeoutSeconds bounds each source fetch within an aggregation.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		Transport: "stdio",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DB: DBConfig{
			Path: defaultDBPath(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Feed: FeedConfig{
			FetchTimeoutSeconds: 30,
		},
	}

	if path := os.Getenv("DEVPULSE_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if transport := os.Getenv("DEVPULSE_TRANSPORT"); transport != "" {
		cfg.Transport = transport
	}
	if host := os.Getenv("DEVPULSE_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("DEVPULSE_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DEVPULSE_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if token := os.Getenv("DEVPULSE_HTTP_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if dbPath, ok := os.LookupEnv("DEVPULSE_DB_PATH"); ok {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("DEVPULSE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if logPath := os.Getenv("DEVPULSE_LOG_PATH"); logPath != "" {
		cfg.Log.Path = logPath
	}
	if apiURL := os.Getenv("QUICKCALL_API_URL"); apiURL != "" {
		cfg.QuickCall.APIURL = apiURL
	}
	if webURL := os.Getenv("QUICKCALL_WEB_URL"); webURL != "" {
		cfg.QuickCall.WebURL = webURL
	}
	if workdir := os.Getenv("DEVPULSE_WORKDIR"); workdir != "" {
		cfg.Workdir = workdir
	}
	if timeoutStr := os.Getenv("DEVPULSE_FETCH_TIMEOUT"); timeoutStr != "" {
		timeout, err := strconv.Atoi(timeoutStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DEVPULSE_FETCH_TIMEOUT: %w", err)
		}
		cfg.Feed.FetchTimeoutSeconds = timeout
	}

	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return Config{}, fmt.Errorf("invalid DEVPULSE_TRANSPORT %q: must be stdio or http", cfg.Transport)
	}

	return cfg, nil
}

// defaultDBPath keeps the run log next to the credential file.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "devpulse.db"
	}
	return filepath.Join(home, ".devpulse", "devpulse.db")
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
