package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildorite/tracker/internal/app"
	"github.com/buildorite/tracker/internal/config"
	"github.com/buildorite/tracker/internal/device/sim"
	"github.com/buildorite/tracker/internal/domain"
)

func TestLoadTrackerEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "")
	t.Setenv("OTHER_VAR", "")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("# comment\nexport BUILDORITE_SERVER=\"api.example.com\"\nOTHER_VAR=skip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadTrackerEnvFromDotEnv(envPath)

	if got := os.Getenv("BUILDORITE_SERVER"); got != "api.example.com" {
		t.Fatalf("expected BUILDORITE_SERVER loaded from file, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-BUILDORITE var not to be loaded, got %q", got)
	}
}

func TestLoadTrackerEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "from-env.example.com")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("BUILDORITE_SERVER=from-file.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadTrackerEnvFromDotEnv(envPath)

	if got := os.Getenv("BUILDORITE_SERVER"); got != "from-env.example.com" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{line: "A=1", key: "A", value: "1", ok: true},
		{line: "  export B = 'two' ", key: "B", value: "two", ok: true},
		{line: "# C=3", ok: false},
		{line: "BAD KEY=1", ok: false},
		{line: "novalue", ok: false},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvAssignment(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.value {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, value, ok)
		}
	}
}

func TestParseTaskEvent(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ev, err := parseTaskEvent([]string{"31.05", "-17.83", "12"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Data) != 1 || ev.Data[0].Lon() != 31.05 || ev.Data[0].Lat() != -17.83 || ev.Data[0].Accuracy != 12 {
		t.Fatalf("unexpected sample: %+v", ev.Data)
	}
	if !ev.Data[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp: %v", ev.Data[0].Timestamp)
	}

	ev, err = parseTaskEvent([]string{"error", "location", "services", "disabled"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Err == nil || ev.Err.Error() != "location services disabled" {
		t.Fatalf("unexpected task error: %v", ev.Err)
	}

	for _, args := range [][]string{
		nil,
		{"31.05"},
		{"x", "1"},
		{"200", "0"},
		{"0", "-95"},
		{"0", "0", "-1"},
		{"error"},
	} {
		if _, err := parseTaskEvent(args, now); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestEnsureVPrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"1.2.3":  "v1.2.3",
		"v1.2.3": "v1.2.3",
		"dev":    "dev",
		"":       "",
	}
	for in, want := range tests {
		if got := ensureVPrefix(in); got != want {
			t.Fatalf("ensureVPrefix(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestRunDispatch(t *testing.T) {
	if code := Run([]string{"version"}); code != 0 {
		t.Fatalf("version exit code = %d", code)
	}
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("help exit code = %d", code)
	}
	if code := Run([]string{"fly"}); code != 2 {
		t.Fatalf("unknown command exit code = %d", code)
	}
}

func TestStatusAndLogout(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "")
	t.Setenv("BUILDORITE_TOKEN_KEY", "test-key")
	dbPath := filepath.Join(t.TempDir(), "tracker.db")

	cfg, err := config.ParseLocalFlags([]string{"--db", dbPath})
	if err != nil {
		t.Fatal(err)
	}
	a := app.New(cfg, app.Deps{}, nil)
	if _, err := a.BackgroundHandler(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := a.Store()
	if err := store.SaveSession(ctx, domain.Session{UserID: "d1", Role: domain.RoleDriver, AccessToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetActiveTripID(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatal(err)
	}

	if code := Run([]string{"status", "--db", dbPath}); code != 0 {
		t.Fatalf("status exit code = %d", code)
	}
	if code := Run([]string{"logout", "--db", dbPath}); code != 0 {
		t.Fatalf("logout exit code = %d", code)
	}

	a = app.New(cfg, app.Deps{}, nil)
	defer func() { _ = a.Shutdown() }()
	if _, err := a.BackgroundHandler(); err != nil {
		t.Fatal(err)
	}
	sess, _ := a.Store().Session(ctx)
	trip, _ := a.Store().ActiveTrip(ctx)
	if sess.Authenticated() || trip.Active() {
		t.Fatalf("logout left state behind: %+v %+v", sess, trip)
	}
}

func TestWriteStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeStatus(&buf, "/tmp/t.db", domain.Session{UserID: "d1", Role: domain.RoleDriver}, domain.ActiveTrip{TripID: "t1"})
	out := buf.String()
	if !strings.Contains(out, "d1 (driver)") || !strings.Contains(out, "trip:     t1") {
		t.Fatalf("unexpected status output:\n%s", out)
	}

	buf.Reset()
	writeStatus(&buf, "/tmp/t.db", domain.Session{}, domain.ActiveTrip{})
	if !strings.Contains(buf.String(), "signed out") || !strings.Contains(buf.String(), "trip:     none") {
		t.Fatalf("unexpected status output:\n%s", buf.String())
	}
}

func TestConsoleStartsAndStopsTracking(t *testing.T) {
	t.Setenv("BUILDORITE_SERVER", "")
	cfg, err := config.ParseLocalFlags([]string{"--db", filepath.Join(t.TempDir(), "tracker.db"), "--token-key", "k"})
	if err != nil {
		t.Fatal(err)
	}
	dev := sim.New()
	a := app.New(cfg, app.Deps{Device: dev}, nil)
	defer func() { _ = a.Shutdown() }()
	ctx := context.Background()
	if err := a.Init(ctx); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	c := &console{app: a, dev: dev, out: &out}
	input := "start t1\nstatus\nstop t1\nquit\n"
	if err := c.loop(ctx, bufio.NewReader(strings.NewReader(input))); err != nil {
		t.Fatal(err)
	}
	if dev.TaskStarts() != 1 || dev.TaskStops() != 1 {
		t.Fatalf("starts=%d stops=%d", dev.TaskStarts(), dev.TaskStops())
	}
	if !strings.Contains(out.String(), "task_running=true") || !strings.Contains(out.String(), "stop: stopped") {
		t.Fatalf("unexpected console output:\n%s", out.String())
	}
}

func TestConsoleLoopWaitsForCancelAfterEOF(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c := &console{out: io.Discard}
	err := c.loop(ctx, bufio.NewReader(strings.NewReader("")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
