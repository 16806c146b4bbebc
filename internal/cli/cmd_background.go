package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildorite/tracker/internal/app"
	"github.com/buildorite/tracker/internal/background"
	"github.com/buildorite/tracker/internal/config"
	"github.com/buildorite/tracker/internal/domain"
	ilog "github.com/buildorite/tracker/internal/log"
)

// runBackground performs one background task invocation, as the OS would
// deliver it to a fresh process.
func runBackground(ctx context.Context, args []string) int {
	cfg, err := config.ParseTrackerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "background error:", err)
		return 2
	}
	ev, err := parseTaskEvent(cfg.Args, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "background error:", err)
		return 2
	}

	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
	a := app.New(cfg, app.Deps{}, logger)
	defer func() { _ = a.Shutdown() }()

	h, err := a.BackgroundHandler()
	if err != nil {
		fmt.Fprintln(os.Stderr, "background error:", err)
		return 1
	}
	if err := h.Handle(ctx, ev); err != nil {
		fmt.Fprintln(os.Stderr, "background error:", err)
		return 1
	}
	return 0
}

// parseTaskEvent reads "<lon> <lat> [accuracy]" or "error <message...>".
func parseTaskEvent(args []string, now time.Time) (background.TaskEvent, error) {
	if len(args) > 0 && args[0] == "error" {
		msg := strings.TrimSpace(strings.Join(args[1:], " "))
		if msg == "" {
			return background.TaskEvent{}, errors.New("task error requires a message")
		}
		return background.TaskEvent{Err: errors.New(msg)}, nil
	}
	sample, err := parseSample(args, now)
	if err != nil {
		return background.TaskEvent{}, err
	}
	return background.TaskEvent{Data: []domain.LocationSample{sample}}, nil
}

func parseSample(args []string, now time.Time) (domain.LocationSample, error) {
	if len(args) < 2 || len(args) > 3 {
		return domain.LocationSample{}, errors.New("expected <lon> <lat> [accuracy]")
	}
	values := make([]float64, len(args))
	for i, raw := range args {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return domain.LocationSample{}, fmt.Errorf("invalid number %q", raw)
		}
		values[i] = v
	}
	lon, lat := values[0], values[1]
	if lon < -180 || lon > 180 {
		return domain.LocationSample{}, errors.New("longitude must be between -180 and 180")
	}
	if lat < -90 || lat > 90 {
		return domain.LocationSample{}, errors.New("latitude must be between -90 and 90")
	}
	sample := domain.LocationSample{Coordinates: [2]float64{lon, lat}, Timestamp: now}
	if len(values) == 3 {
		if values[2] < 0 {
			return domain.LocationSample{}, errors.New("accuracy must be >= 0")
		}
		sample.Accuracy = values[2]
	}
	return sample, nil
}
