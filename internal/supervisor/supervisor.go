// Package supervisor implements the core state machine: it launches the
// guarded commands, drives Running -> Draining -> Forcing -> Exited, and
// computes the final exit code. It is the component spec.md calls out as
// the subject of the specification; every other package in this repo
// exists to serve it.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"pkt.systems/logport"

	"go.pidone.dev/pidone/internal/childtable"
	"go.pidone.dev/pidone/internal/cmdset"
	"go.pidone.dev/pidone/internal/reaper"
	"go.pidone.dev/pidone/internal/signalintake"
)

// State is one of the four lifecycle phases. It only ever advances
// forward.
type State int

const (
	Running State = iota
	Draining
	Forcing
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Forcing:
		return "forcing"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// CauseKind enumerates why the supervisor left Running.
type CauseKind int

const (
	CauseNone CauseKind = iota
	ExternalSignal
	GuardedExitZero
	GuardedExitNonZero
	GuardedKilledBySignal
)

// Cause is recorded at most once: by a termination signal or a clean exit
// of the last guarded child while Running, or by the first abnormal guarded
// outcome in any phase. A clean exit that only starts the drain leaves it
// at CauseNone.
type Cause struct {
	Kind   CauseKind
	Signal os.Signal
	Code   int
}

// Exit codes outside the ordinary pass-through range. See SPEC_FULL.md §4.4.
const (
	ExitForced         = 2
	ExitKilledBySignal = 23
	ExitInconsistency  = 111
)

// Supervisor owns the Child Table, the shutdown timers and the current
// phase. It is not safe for concurrent use; Run is meant to be the only
// goroutine that ever touches it.
type Supervisor struct {
	table  *childtable.Table
	log    logport.Logger

	drainTimeout time.Duration
	forceGrace   time.Duration

	state  State
	cause  Cause
	forced bool
}

// New creates a Supervisor. Launch and Run take their own io.Writer for
// the four prefix-contracted diagnostic lines (spec.md §6); in production
// that is os.Stderr, in tests it can be a captured buffer.
func New(log logport.Logger, drainTimeout, forceGrace time.Duration) *Supervisor {
	return &Supervisor{
		table:        childtable.New(),
		log:          log,
		drainTimeout: drainTimeout,
		forceGrace:   forceGrace,
		state:        Running,
	}
}

// Launch forks/execs every resolved command, inserting a guarded record
// for each. It returns the first exec error encountered; per spec.md §4.4
// and §7, an exec failure during Launch is a fatal startup error and the
// caller must not proceed to Run.
func (s *Supervisor) Launch(w io.Writer, commands []cmdset.Command) error {
	fmt.Fprintf(w, "Starting commands: %s.\n", formatCommandList(commands))
	for _, c := range commands {
		cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("supervisor: start %v: %w", c.Argv, err)
		}
		pid := cmd.Process.Pid
		_ = cmd.Process.Release() // the Reaper, not cmd.Wait, reaps guarded pids
		s.table.Insert(&childtable.Record{PID: pid, Guarded: true, Command: c.Argv})
		fmt.Fprintf(w, "Command %s started as pid %d\n", formatArgv(c.Argv), pid)
	}
	return nil
}

// Run drives the event loop to completion and returns the final exit
// code. events is the serialized stream from signalintake.
func (s *Supervisor) Run(w io.Writer, events <-chan signalintake.Event) int {
	var drainTimer, forceTimer *time.Timer

	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case signalintake.Term:
				s.onTerm(ev.Signal)
			case signalintake.Chld:
				if done, code := s.onChld(w); done {
					return code
				}
			}
		case <-timerC(drainTimer):
			s.enterForcing(w)
		case <-timerC(forceTimer):
			s.state = Exited
		}

		if s.state == Draining && drainTimer == nil {
			drainTimer = s.enterDraining(w)
		}
		if s.state == Forcing && forceTimer == nil {
			forceTimer = time.NewTimer(s.forceGrace)
		}
		if s.state == Exited {
			return s.exitCode()
		}
	}
}

// onTerm handles a Term event. Per spec.md §4.4, only the first one (while
// Running) matters; later ones are ignored because shutdown is already
// under way.
func (s *Supervisor) onTerm(sig os.Signal) {
	if s.state != Running {
		s.log.Debug("ignoring termination signal, shutdown already in progress", "signal", sig.String())
		return
	}
	s.cause = Cause{Kind: ExternalSignal, Signal: sig}
	s.log.Info("received termination signal", "signal", sig.String())
	s.state = Draining
}

// onChld drains the reaper, which hands every guarded outcome to
// handleGuardedDied one at a time, interleaved with the underlying
// wait-any calls (see reaper.Drain). It returns (true, code) if the
// supervisor should exit immediately, either because the state machine
// reached Exited mid-drain or because of a reap inconsistency.
func (s *Supervisor) onChld(w io.Writer) (bool, int) {
	expectLive := len(s.table.LiveGuardedPIDs()) > 0
	exited := false
	code := 0
	err := reaper.Drain(s.table, expectLive, func(r reaper.Reaped) {
		if exited {
			return
		}
		s.handleGuardedDied(w, r)
		if s.state == Exited {
			exited = true
			code = s.exitCode()
		}
	}, func(pid int) {
		s.log.Info("reaped unknown descendant", "pid", pid)
	})
	if err != nil {
		s.log.Error("reap inconsistency: no children but guarded children were expected", "error", err)
		s.state = Exited
		return true, ExitInconsistency
	}
	return exited, code
}

func (s *Supervisor) handleGuardedDied(w io.Writer, r reaper.Reaped) {
	fmt.Fprintf(w, "Guarded process %s %s\n", formatArgv(r.Record.Command), describeOutcome(r.Outcome))

	remaining := s.table.LiveGuardedPIDs()
	abnormal := r.Outcome.Kind == reaper.KilledBy || r.Outcome.Code != 0

	switch s.state {
	case Running:
		if len(remaining) == 0 && !abnormal {
			s.cause = Cause{Kind: GuardedExitZero}
			s.state = Exited
			return
		}
		// A clean exit only ever triggers the drain; it must not lock in
		// the cause if other guarded children can still die abnormally.
		// The first abnormal outcome wins, whichever phase it lands in.
		if abnormal && s.cause.Kind == CauseNone {
			s.cause = causeFromOutcome(r.Outcome)
		}
		if len(remaining) == 0 {
			// This was the last guarded child and it died abnormally:
			// there is nothing left to drain, so there is nothing to
			// wait for either.
			s.state = Exited
		} else {
			s.state = Draining
		}
	case Draining, Forcing:
		if abnormal && s.cause.Kind == CauseNone {
			s.cause = causeFromOutcome(r.Outcome)
		}
		if len(remaining) == 0 {
			s.state = Exited
		}
	}
}

// causeFromOutcome builds the Cause for an abnormal outcome: a clean
// Exited(0) never reaches here (see handleGuardedDied).
func causeFromOutcome(o reaper.Outcome) Cause {
	if o.Kind == reaper.KilledBy {
		return Cause{Kind: GuardedKilledBySignal, Signal: o.Signal}
	}
	return Cause{Kind: GuardedExitNonZero, Code: o.Code}
}

// enterDraining is the Draining entry action: SIGTERM to every live
// guarded pid, each marked Signaled, and the drain deadline armed.
func (s *Supervisor) enterDraining(w io.Writer) *time.Timer {
	for _, pid := range s.table.LiveGuardedPIDs() {
		if rec, ok := s.table.Lookup(pid); ok {
			signalPID(pid, syscall.SIGTERM)
			rec.Signaled = true
		}
	}
	s.log.Info("draining", "timeout", s.drainTimeout.String())
	return time.NewTimer(s.drainTimeout)
}

// enterForcing is the Forcing entry action: SIGKILL to every still-living
// guarded pid, and the prefix-contracted "Shutdown failed" line.
func (s *Supervisor) enterForcing(w io.Writer) {
	live := s.table.LiveGuardedPIDs()
	fmt.Fprintf(w, "Shutdown failed, terminating even though some processes are still running. Pids: %s\n", formatPIDs(live))
	for _, pid := range live {
		signalPID(pid, syscall.SIGKILL)
	}
	s.forced = true
	s.state = Forcing
}

func signalPID(pid int, sig syscall.Signal) {
	// ESRCH here means the child died between our decision and the
	// signal send; that race is expected and not an error (spec.md §4.4).
	_ = syscall.Kill(pid, sig)
}

// exitCode implements the rule from spec.md §4.4 / SPEC_FULL.md §4.4.
func (s *Supervisor) exitCode() int {
	if s.forced {
		return ExitForced
	}
	switch s.cause.Kind {
	case GuardedExitZero:
		return 0
	case GuardedExitNonZero:
		return s.cause.Code
	case GuardedKilledBySignal:
		return ExitKilledBySignal
	default:
		// ExternalSignal, or no cause ever recorded: shutdown completed
		// cleanly.
		return 0
	}
}

func describeOutcome(o reaper.Outcome) string {
	if o.Kind == reaper.KilledBy {
		return fmt.Sprintf("was killed by signal %d (%s)", int(o.Signal), o.Signal)
	}
	return fmt.Sprintf("exited with code %d", o.Code)
}

func formatArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = "'" + a + "'"
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatCommandList(commands []cmdset.Command) string {
	parts := make([]string, len(commands))
	for i, c := range commands {
		parts[i] = formatArgv(c.Argv)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatPIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ", ")
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
