package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeServerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"api.example.com":               "https://api.example.com",
		"https://api.example.com/":      "https://api.example.com",
		"http://localhost:8080/api/":    "http://localhost:8080/api",
		"  https://api.example.com/v1 ": "https://api.example.com/v1",
	}
	for in, want := range tests {
		got, err := NormalizeServerURL(in)
		if err != nil {
			t.Fatalf("NormalizeServerURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeServerURL(%q): got %q, want %q", in, got, want)
		}
	}

	for _, in := range []string{"", "ftp://example.com", "https://"} {
		if _, err := NormalizeServerURL(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParseTrackerFlagsDefaults(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "api.example.com")
	t.Setenv("BUILDORITE_HEARTBEAT_INTERVAL", "")
	t.Setenv("BUILDORITE_TASK_INTERVAL", "")
	t.Setenv("BUILDORITE_LOG_LEVEL", "")
	t.Setenv("BUILDORITE_LOG_FORMAT", "")

	cfg, err := ParseTrackerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "https://api.example.com" {
		t.Fatalf("unexpected server url: %q", cfg.ServerURL)
	}
	if cfg.HeartbeatInterval != 10*time.Minute || cfg.TaskInterval != 10*time.Minute {
		t.Fatalf("unexpected intervals: %v %v", cfg.HeartbeatInterval, cfg.TaskInterval)
	}
	if cfg.TaskDistanceMeters != 50 || cfg.ReconnectTimeout != 15*time.Second {
		t.Fatalf("unexpected task distance or reconnect timeout: %v %v", cfg.TaskDistanceMeters, cfg.ReconnectTimeout)
	}
	if cfg.BackgroundRetries != 3 || cfg.BackgroundRetryBase != 2*time.Second {
		t.Fatalf("unexpected retry policy: %d %v", cfg.BackgroundRetries, cfg.BackgroundRetryBase)
	}
	if cfg.PendingRequestTTL != 10*time.Minute || cfg.PermissionPollInterval != 3*time.Second {
		t.Fatalf("unexpected ttl or poll interval: %v %v", cfg.PendingRequestTTL, cfg.PermissionPollInterval)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("unexpected log settings: %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestParseTrackerFlagsIntervalsAreIndependent(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "")
	t.Setenv("BUILDORITE_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("BUILDORITE_TASK_INTERVAL", "")

	cfg, err := ParseTrackerFlags([]string{"--server", "https://api.example.com", "--task-interval", "5m"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat interval: got %v", cfg.HeartbeatInterval)
	}
	if cfg.TaskInterval != 5*time.Minute {
		t.Fatalf("task interval: got %v", cfg.TaskInterval)
	}
}

func TestParseTrackerFlagsKeepsPositionalArgs(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "")

	dbPath := filepath.Join(t.TempDir(), "state.db")
	cfg, err := ParseTrackerFlags([]string{"--server", "api.example.com", "--db", dbPath, "54.1", "-24.6"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != dbPath {
		t.Fatalf("db path: got %q", cfg.DBPath)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "54.1" || cfg.Args[1] != "-24.6" {
		t.Fatalf("args: got %v", cfg.Args)
	}
}

func TestParseTrackerFlagsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "server required", args: nil},
		{name: "bad log level", args: []string{"--server", "x.com", "--log-level", "trace"}},
		{name: "bad log format", args: []string{"--server", "x.com", "--log-format", "xml"}},
		{name: "negative heartbeat", args: []string{"--server", "x.com", "--heartbeat-interval", "-1s"}},
		{name: "zero task interval", args: []string{"--server", "x.com", "--task-interval", "0s"}},
		{name: "zero pending ttl", args: []string{"--server", "x.com", "--pending-ttl", "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BUILDORITE_SERVER", "")
			if _, err := ParseTrackerFlags(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}

func TestParseLocalFlagsServerOptional(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "")

	cfg, err := ParseLocalFlags([]string{"--db", filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "" {
		t.Fatalf("unexpected server url: %q", cfg.ServerURL)
	}
}

func TestEnvDurationOrDefaultIgnoresGarbage(t *testing.T) {
	t.Setenv("BUILDORITE_TEST_DURATION", "soon")
	if got := envDurationOrDefault("BUILDORITE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("got %v", got)
	}
}
