package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`tracker - driver location tracking agent for the Buildorite marketplace

Reports driver location to the marketplace while a delivery trip is active,
from the foreground app and from the OS background location task.

Usage:
  tracker login [phone]                 Sign in and save the session
  tracker logout                        Clear the saved session and active trip
  tracker status                        Print the saved session and active trip
  tracker run [lon lat]                 Run the foreground agent on a simulated device
  tracker background <lon> <lat> [acc]  Deliver one background location sample
  tracker background error <message>    Deliver one background task error
  tracker version                       Print version
  tracker help                          Show this help

Common flags:
  --server URL            Marketplace server URL
  --db PATH               State database path
  --log-level LEVEL       debug|info|warn|error
  --log-format FORMAT     text|json

Environment Variables:
  BUILDORITE_SERVER               Marketplace server URL
  BUILDORITE_PHONE                Phone number for login
  BUILDORITE_PASSWORD             Password for login
  BUILDORITE_DB_PATH              State database path (default: ~/.buildorite/tracker.db)
  BUILDORITE_LOG_LEVEL            Log level (default: info)
  BUILDORITE_LOG_FORMAT           Log format (default: text)
  BUILDORITE_HEARTBEAT_INTERVAL   Foreground heartbeat interval (default: 10m)
  BUILDORITE_TASK_INTERVAL        Background task interval (default: 10m)
  BUILDORITE_TOKEN_KEY            Seed for the at-rest token key

Values are also read from BUILDORITE_* entries in ./.env.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = ensureVPrefix(Version)
}

// ensureVPrefix returns s with a leading "v" unless it is "dev" or already
// has one.
func ensureVPrefix(s string) string {
	if s == "" || s == "dev" || strings.HasPrefix(s, "v") {
		return s
	}
	return "v" + s
}

func printVersion() {
	fmt.Println("tracker", Version)
}
