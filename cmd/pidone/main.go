// Command pidone is a minimal container init process: it runs as PID 1,
// launches the guarded commands resolved by internal/cmdset, reaps
// anything reparented to it, and drives an orderly, bounded shutdown.
//
// Usage:
//
//	pidone                      # scan the well-known directory (/etc/yasinit)
//	pidone /path/to/program arg # run exactly this command instead
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.pidone.dev/pidone/internal/cmdset"
	"go.pidone.dev/pidone/internal/ilog"
	"go.pidone.dev/pidone/internal/reaper"
	"go.pidone.dev/pidone/internal/signalintake"
	"go.pidone.dev/pidone/internal/supervisor"
)

const (
	drainTimeoutEnv = "PIDONE_DRAIN_TIMEOUT"
	forceGraceEnv   = "PIDONE_FORCE_GRACE"

	defaultDrainTimeout = 2 * time.Second
	defaultForceGrace   = 1 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	log := ilog.New(os.Stderr)

	// Installing signal handlers before any child is forked is required
	// under PID 1 semantics: the kernel's default SIGTERM disposition for
	// PID 1 is to ignore the signal entirely, and orphans can be
	// reparented to us at any moment once we start forking.
	intake := signalintake.New()
	defer intake.Stop()

	if isPID1() {
		if ok, err := reaper.SetSubreaper(); err != nil {
			log.Error("failed to set child subreaper", "error", err)
		} else if !ok {
			log.Debug("child subreaping unavailable on this platform")
		}
	}

	commands, err := cmdset.Resolve(os.Args)
	if err != nil {
		log.Error("failed to resolve command set", "error", err)
		return supervisor.ExitInconsistency
	}

	sup := supervisor.New(log, parseDuration(drainTimeoutEnv, defaultDrainTimeout, log), parseDuration(forceGraceEnv, defaultForceGrace, log))
	if err := sup.Launch(os.Stderr, commands); err != nil {
		log.Error("failed to launch guarded command", "error", err)
		return supervisor.ExitInconsistency
	}

	return sup.Run(os.Stderr, intake.Events())
}

func isPID1() bool {
	return os.Getpid() == 1
}

// parseDuration mirrors sa6mwa-psi's parseStopTimeout: time.ParseDuration
// syntax, bare digit strings treated as seconds, invalid or negative
// values logged and ignored in favor of def.
func parseDuration(envVar string, def time.Duration, log interface {
	Error(msg string, kv ...any)
}) time.Duration {
	val := strings.TrimSpace(os.Getenv(envVar))
	if val == "" {
		return def
	}
	if isAllDigits(val) {
		val += "s"
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		log.Error(fmt.Sprintf("invalid %s, using default", envVar), "value", val, "default", def.String())
		return def
	}
	return d
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
