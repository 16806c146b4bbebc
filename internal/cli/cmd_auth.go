package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/buildorite/tracker/internal/api"
	"github.com/buildorite/tracker/internal/config"
	ilog "github.com/buildorite/tracker/internal/log"
	"github.com/buildorite/tracker/internal/store/sqlite"
)

func runLogin(ctx context.Context, args []string) int {
	cfg, err := config.ParseTrackerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 2
	}
	phone := envOr("BUILDORITE_PHONE", "")
	if len(cfg.Args) > 0 {
		phone = cfg.Args[0]
	}
	password := envOr("BUILDORITE_PASSWORD", "")

	reader := bufio.NewReader(os.Stdin)
	canPrompt := isInteractiveInput()
	phone, missing, err := resolveRequiredValueContext(ctx, reader, phone, canPrompt, "Phone: ")
	if err != nil {
		return promptFailed("login", err)
	}
	if missing {
		fmt.Fprintln(os.Stderr, "login error: missing phone (argument or BUILDORITE_PHONE)")
		return 2
	}
	if strings.TrimSpace(password) == "" {
		if !canPrompt {
			fmt.Fprintln(os.Stderr, "login error: missing password: provide BUILDORITE_PASSWORD")
			return 2
		}
		if password, err = promptSecretContext(ctx, reader, "Password: "); err != nil {
			return promptFailed("login", err)
		}
		if password == "" {
			fmt.Fprintln(os.Stderr, "login error: password is required")
			return 2
		}
	}

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{TokenKey: cfg.TokenKey})
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
	sess, err := api.New(cfg.ServerURL, store, cfg.RequestTimeout, logger).Login(ctx, phone, password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	fmt.Printf("signed in as %s (%s)\n", sess.UserID, sess.Role)
	if !sess.IsDriver() {
		fmt.Println("note: location tracking only runs for driver accounts")
	}
	return 0
}

func runLogout(ctx context.Context, args []string) int {
	cfg, err := config.ParseLocalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logout error:", err)
		return 2
	}
	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{TokenKey: cfg.TokenKey})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logout error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if err := errors.Join(store.ClearSession(ctx), store.ClearActiveTrip(ctx)); err != nil {
		fmt.Fprintln(os.Stderr, "logout error:", err)
		return 1
	}
	fmt.Println("signed out")
	return 0
}

func promptFailed(cmd string, err error) int {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, cmd, "canceled")
		return 130
	}
	fmt.Fprintf(os.Stderr, "%s error: %v\n", cmd, err)
	return 1
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
