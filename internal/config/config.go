package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type TrackerConfig struct {
	ServerURL string
	DBPath    string
	LogLevel  string
	LogFormat string
	TokenKey  string
	DebugAddr string

	HeartbeatInterval  time.Duration
	TaskInterval       time.Duration
	TaskDistanceMeters float64
	TaskRestartSettle  time.Duration

	ReconnectTimeout  time.Duration
	ReconnectAttempts int

	BackgroundRetries   int
	BackgroundRetryBase time.Duration

	PendingRequestTTL      time.Duration
	ResumeSettle           time.Duration
	PermissionPollInterval time.Duration
	ForegroundSettle       time.Duration

	RequestTimeout time.Duration

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

const defaultHeartbeatInterval = 10 * time.Minute
const defaultTaskInterval = 10 * time.Minute
const defaultTaskDistanceMeters = 50
const defaultReconnectTimeout = 15 * time.Second
const defaultReconnectAttempts = 5
const defaultBackgroundRetries = 3
const defaultBackgroundRetryBase = 2 * time.Second
const defaultPendingRequestTTL = 10 * time.Minute
const defaultPermissionPollInterval = 3 * time.Second
const defaultForegroundSettle = 500 * time.Millisecond
const defaultResumeSettle = time.Second
const defaultTaskRestartSettle = time.Second
const defaultRequestTimeout = 30 * time.Second

// ParseTrackerFlags parses the flags of commands that talk to the
// marketplace server. A server URL is required.
func ParseTrackerFlags(args []string) (TrackerConfig, error) {
	cfg, err := parse("tracker", args)
	if err != nil {
		return cfg, err
	}
	if cfg.ServerURL == "" {
		return cfg, errors.New("missing --server or BUILDORITE_SERVER")
	}
	cfg.ServerURL, err = NormalizeServerURL(cfg.ServerURL)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseLocalFlags parses the flags of commands that only touch the local
// state database. The server URL is optional.
func ParseLocalFlags(args []string) (TrackerConfig, error) {
	cfg, err := parse("local", args)
	if err != nil {
		return cfg, err
	}
	if cfg.ServerURL != "" {
		if cfg.ServerURL, err = NormalizeServerURL(cfg.ServerURL); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func parse(name string, args []string) (TrackerConfig, error) {
	cfg := TrackerConfig{
		ServerURL:              strings.TrimSpace(envOrDefault("BUILDORITE_SERVER", "")),
		DBPath:                 envOrDefault("BUILDORITE_DB_PATH", defaultDBPath()),
		LogLevel:               envOrDefault("BUILDORITE_LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("BUILDORITE_LOG_FORMAT", "text"),
		TokenKey:               envOrDefault("BUILDORITE_TOKEN_KEY", ""),
		DebugAddr:              envOrDefault("BUILDORITE_DEBUG_ADDR", ""),
		HeartbeatInterval:      envDurationOrDefault("BUILDORITE_HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		TaskInterval:           envDurationOrDefault("BUILDORITE_TASK_INTERVAL", defaultTaskInterval),
		TaskDistanceMeters:     defaultTaskDistanceMeters,
		TaskRestartSettle:      defaultTaskRestartSettle,
		ReconnectTimeout:       defaultReconnectTimeout,
		ReconnectAttempts:      envIntOrDefault("BUILDORITE_RECONNECT_ATTEMPTS", defaultReconnectAttempts),
		BackgroundRetries:      defaultBackgroundRetries,
		BackgroundRetryBase:    defaultBackgroundRetryBase,
		PendingRequestTTL:      defaultPendingRequestTTL,
		ResumeSettle:           defaultResumeSettle,
		PermissionPollInterval: defaultPermissionPollInterval,
		ForegroundSettle:       defaultForegroundSettle,
		RequestTimeout:         defaultRequestTimeout,
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Marketplace server URL (e.g. https://api.example.com)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite state database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.TokenKey, "token-key", cfg.TokenKey, "Seed for the key sealing the access token at rest")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "Diagnostics listen address for the run agent (empty disables)")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Foreground location heartbeat interval (0 disables)")
	fs.DurationVar(&cfg.TaskInterval, "task-interval", cfg.TaskInterval, "Background location task interval")
	fs.DurationVar(&cfg.ReconnectTimeout, "reconnect-timeout", cfg.ReconnectTimeout, "Realtime reconnect wait used by background deliveries")
	fs.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", cfg.ReconnectAttempts, "Realtime reconnect attempts before giving up")
	fs.DurationVar(&cfg.PendingRequestTTL, "pending-ttl", cfg.PendingRequestTTL, "How long a deferred start request stays valid")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "HTTP request timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Args = fs.Args()

	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	if cfg.DBPath == "" {
		return cfg, errors.New("missing --db or BUILDORITE_DB_PATH")
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, errors.New("log level must be one of: debug, info, warn, error")
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return cfg, errors.New("log format must be one of: text, json")
	}
	if cfg.HeartbeatInterval < 0 {
		return cfg, errors.New("heartbeat interval must be >= 0")
	}
	if cfg.TaskInterval <= 0 {
		return cfg, errors.New("task interval must be > 0")
	}
	if cfg.ReconnectTimeout <= 0 {
		return cfg, errors.New("reconnect timeout must be > 0")
	}
	if cfg.ReconnectAttempts < 0 {
		return cfg, errors.New("reconnect attempts must be >= 0")
	}
	if cfg.PendingRequestTTL <= 0 {
		return cfg, errors.New("pending request ttl must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}

	return cfg, nil
}

// NormalizeServerURL accepts a bare host or an http(s) URL and returns it
// without a trailing slash. Bare hosts default to https.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.New("server URL must use http or https")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("server URL must include host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./tracker.db"
	}
	return filepath.Join(home, ".buildorite", "tracker.db")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
