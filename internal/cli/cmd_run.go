package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/buildorite/tracker/internal/app"
	"github.com/buildorite/tracker/internal/config"
	"github.com/buildorite/tracker/internal/debughttp"
	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/device/sim"
	"github.com/buildorite/tracker/internal/domain"
	ilog "github.com/buildorite/tracker/internal/log"
	"github.com/buildorite/tracker/internal/orchestrator"
	"github.com/buildorite/tracker/internal/permission"
	"github.com/buildorite/tracker/internal/tracking"
)

// runAgent runs the foreground agent on a simulated device until
// interrupted. Console commands on stdin drive the simulated OS.
func runAgent(ctx context.Context, args []string) int {
	cfg, err := config.ParseTrackerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run error:", err)
		return 2
	}
	dev := sim.New()
	if len(cfg.Args) > 0 {
		sample, err := parseSample(cfg.Args, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, "run error:", err)
			return 2
		}
		dev.SetLocation(sample.Lon(), sample.Lat(), sample.Accuracy)
	}

	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
	a := app.New(cfg, app.Deps{Device: dev, Modal: consoleModal{out: os.Stdout}}, logger)
	defer func() { _ = a.Shutdown() }()
	if err := a.Init(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "run error:", err)
		return 1
	}
	if _, err := debughttp.Start(ctx, cfg.DebugAddr, snapshot(a), logger); err != nil {
		fmt.Fprintln(os.Stderr, "run error: diagnostics:", err)
		return 1
	}
	fmt.Println("tracker running; type 'help' for console commands, Ctrl+C to stop")

	c := &console{app: a, dev: dev, out: os.Stdout}
	if err := c.loop(ctx, bufio.NewReader(os.Stdin)); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "run error:", err)
		return 1
	}
	return 0
}

type agentSnapshot struct {
	Channel     string                         `json:"channel"`
	State       string                         `json:"state"`
	TaskRunning bool                           `json:"taskRunning"`
	Flags       tracking.Flags                 `json:"flags"`
	Pending     *domain.PendingTrackingRequest `json:"pending,omitempty"`
}

func snapshot(a *app.App) debughttp.Snapshot {
	return func(ctx context.Context) any {
		st := a.Tracker().TrackingStatus(ctx)
		out := agentSnapshot{
			Channel:     string(a.Channel().State()),
			State:       st.State.String(),
			TaskRunning: st.TaskRunning,
			Flags:       st.State.Flags(),
		}
		if p, ok := a.Orchestrator().Pending(); ok {
			out.Pending = &p
		}
		return out
	}
}

type consoleModal struct {
	out io.Writer
}

func (m consoleModal) Show(kind permission.Kind) {
	_, _ = fmt.Fprintf(m.out, "[modal] location permission required: %s\n", kind)
}

func (m consoleModal) Hide() {
	_, _ = fmt.Fprintln(m.out, "[modal] hidden")
}

type console struct {
	app *app.App
	dev *sim.Device
	out io.Writer
}

// loop executes console commands until EOF, "quit" or ctx is done. Without
// an interactive stdin it simply waits for ctx.
func (c *console) loop(ctx context.Context, reader *bufio.Reader) error {
	for {
		line, err := readPromptLineContext(ctx, reader)
		if errors.Is(err, io.EOF) {
			<-ctx.Done()
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if done := c.exec(ctx, line); done {
			return nil
		}
	}
}

func (c *console) exec(ctx context.Context, line string) (done bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	orch := c.app.Orchestrator()
	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		c.printf("commands: fg | bg | start <trip> | stop [trip] | push <json> | locate <lon> <lat> [acc] | kill | services on|off | perms <fg> <bg> | status | quit")
	case "fg", "bg":
		c.dev.SetForeground(fields[0] == "fg")
	case "start":
		if len(fields) != 2 {
			c.printf("usage: start <trip>")
			return false
		}
		orch.HandleNotification(ctx, orchestrator.Push{Action: tracking.ActionStartTracking, TripID: fields[1]})
	case "stop":
		tripID := ""
		if len(fields) > 1 {
			tripID = fields[1]
		}
		res := orch.HandleStopTrackingRequest(ctx, tripID)
		c.printf("stop: %s", res.Status)
	case "push":
		p, err := orchestrator.ParsePush([]byte(strings.TrimSpace(strings.TrimPrefix(line, "push"))))
		if err != nil {
			c.printf("%v", err)
			return false
		}
		orch.HandleNotification(ctx, p)
	case "locate":
		sample, err := parseSample(fields[1:], time.Now())
		if err != nil {
			c.printf("%v", err)
			return false
		}
		c.dev.SetLocation(sample.Lon(), sample.Lat(), sample.Accuracy)
	case "kill":
		c.dev.KillTask()
	case "services":
		c.dev.SetServicesEnabled(len(fields) > 1 && fields[1] == "on")
	case "perms":
		if len(fields) != 3 {
			c.printf("usage: perms <granted|denied|undetermined> <granted|denied|undetermined>")
			return false
		}
		c.dev.SetPermissions(device.PermissionStatus(fields[1]), device.PermissionStatus(fields[2]))
	case "status":
		c.printStatus(ctx)
	default:
		c.printf("unknown command %q", fields[0])
	}
	return false
}

func (c *console) printStatus(ctx context.Context) {
	tracker := c.app.Tracker()
	st := tracker.TrackingStatus(ctx)
	flags, _ := json.Marshal(st.State.Flags())
	c.printf("channel: %s", c.app.Channel().State())
	c.printf("tracking: %s task_running=%t flags=%s", st.State, st.TaskRunning, flags)
	if p, ok := c.app.Orchestrator().Pending(); ok {
		c.printf("pending: trip %s from %s at %s", p.TripID, p.Source, p.Timestamp.Format(time.RFC3339))
	}
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}
