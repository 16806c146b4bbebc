package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/buildorite/tracker/internal/config"
	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/store/sqlite"
)

func runStatus(ctx context.Context, args []string) int {
	cfg, err := config.ParseLocalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 2
	}
	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{TokenKey: cfg.TokenKey})
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	sess, err := store.Session(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 1
	}
	trip, err := store.ActiveTrip(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 1
	}
	writeStatus(os.Stdout, cfg.DBPath, sess, trip)
	return 0
}

func writeStatus(w io.Writer, dbPath string, sess domain.Session, trip domain.ActiveTrip) {
	_, _ = fmt.Fprintln(w, "database:", dbPath)
	if !sess.Authenticated() {
		_, _ = fmt.Fprintln(w, "session:  signed out")
	} else {
		_, _ = fmt.Fprintf(w, "session:  %s (%s)\n", sess.UserID, sess.Role)
	}
	if !trip.Active() {
		_, _ = fmt.Fprintln(w, "trip:     none")
		return
	}
	_, _ = fmt.Fprintf(w, "trip:     %s (toast shown: %t)\n", trip.TripID, trip.HasShownTrackingToast)
}
