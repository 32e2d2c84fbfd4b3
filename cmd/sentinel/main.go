// Command sentinel runs the firmware interception daemon and its operator tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/phoenixguard/sentinel/internal/cli"
)

var (
	version = "dev"
	commit  = ""
)

// versionString prefers linker-injected values and falls back to the VCS
// revision stamped into the build.
func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" {
		c = buildRevision()
	}
	if c == "" || strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

func buildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}

func main() {
	// serve installs its own handlers; this stops streaming client commands cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRoot(versionString()).ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		if msg := ee.Message(); msg != "" {
			fmt.Fprintln(os.Stderr, "sentinel:", msg)
		}
		os.Exit(ee.Code())
	}
	fmt.Fprintln(os.Stderr, "sentinel:", err)
	os.Exit(1)
}
