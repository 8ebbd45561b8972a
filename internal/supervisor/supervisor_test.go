package supervisor

import (
	"bytes"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"pkt.systems/logport"

	"go.pidone.dev/pidone/internal/cmdset"
	"go.pidone.dev/pidone/internal/signalintake"
)

// noopLogger satisfies pkt.systems/logport.Logger without pulling in the
// real zerolog/psl backends for unit tests.
type noopLogger struct{}

func (n noopLogger) With(string, any) logport.Logger { return n }
func (noopLogger) Debug(string, ...any)              {}
func (noopLogger) Info(string, ...any)               {}
func (noopLogger) Error(string, ...any)              {}

func runWithTimeout(t *testing.T, fn func() int) int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- fn() }()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor.Run did not return in time")
		return -1
	}
}

func TestSingleGuardedChildExitsZero(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, time.Second, 500*time.Millisecond)
	var out bytes.Buffer
	if err := sup.Launch(&out, []cmdset.Command{{Argv: []string{"/bin/sh", "-c", "exit 0"}}}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (log: %s)", code, out.String())
	}
	if !strings.Contains(out.String(), "Guarded process") {
		t.Fatalf("expected Guarded process line, got: %s", out.String())
	}
}

func TestSingleGuardedChildExitsNonZeroPassesThroughCode(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, time.Second, 500*time.Millisecond)
	var out bytes.Buffer
	if err := sup.Launch(&out, []cmdset.Command{{Argv: []string{"/bin/sh", "-c", "exit 73"}}}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != 73 {
		t.Fatalf("expected exit 73, got %d", code)
	}
}

func TestGuardedChildKilledBySignalExitsWithDistinguishedCode(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, time.Second, 500*time.Millisecond)
	var out bytes.Buffer
	// A self-signaling child dies by SIGKILL before any shutdown was
	// requested externally, so this is the "last remaining guarded child,
	// abnormal outcome" path straight out of Running.
	if err := sup.Launch(&out, []cmdset.Command{{Argv: []string{"/bin/sh", "-c", "kill -KILL $$"}}}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != ExitKilledBySignal {
		t.Fatalf("expected exit %d, got %d", ExitKilledBySignal, code)
	}
}

func TestTwoChildrenOneExitsTriggersDrainOfTheOther(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, 2*time.Second, time.Second)
	var out bytes.Buffer
	commands := []cmdset.Command{
		// Honors our SIGTERM by exiting 0 itself, rather than dying by the
		// signal: the drain it was signaled into still completes cleanly.
		{Argv: []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30 & wait"}},
		{Argv: []string{"/bin/sh", "-c", "sleep 0.2; exit 0"}},
	}
	if err := sup.Launch(&out, commands); err != nil {
		t.Fatalf("launch: %v", err)
	}

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (log: %s)", code, out.String())
	}
	if strings.Count(out.String(), "Guarded process") != 2 {
		t.Fatalf("expected two Guarded process lines, got: %s", out.String())
	}
}

func TestCleanExitTriggersDrainThenSignalDeathDuringDrainWins(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, 2*time.Second, time.Second)
	var out bytes.Buffer
	commands := []cmdset.Command{
		// No TERM trap: our own drain SIGTERM kills it outright. A clean
		// sibling exit must not have already locked in GuardedExitZero as
		// the cause, or this abnormal death gets silently ignored.
		{Argv: []string{"/bin/sh", "-c", "sleep 30"}},
		{Argv: []string{"/bin/sh", "-c", "sleep 0.2; exit 0"}},
	}
	if err := sup.Launch(&out, commands); err != nil {
		t.Fatalf("launch: %v", err)
	}

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != ExitKilledBySignal {
		t.Fatalf("expected exit %d (first abnormal cause wins even during drain), got %d (log: %s)", ExitKilledBySignal, code, out.String())
	}
}

func TestExternalSignalDrainsCleanlyToZero(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, 2*time.Second, time.Second)
	var out bytes.Buffer
	if err := sup.Launch(&out, []cmdset.Command{{Argv: []string{"/bin/sh", "-c", "sleep 30"}}}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != 0 {
		t.Fatalf("expected exit 0 after external SIGTERM drains cleanly, got %d (log: %s)", code, out.String())
	}
}

func TestIgnoredSignalForcesShutdownWithCodeTwo(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()

	sup := New(noopLogger{}, 150*time.Millisecond, 150*time.Millisecond)
	var out bytes.Buffer
	commands := []cmdset.Command{
		{Argv: []string{"/bin/sh", "-c", "trap '' TERM; sleep 5"}},
	}
	if err := sup.Launch(&out, commands); err != nil {
		t.Fatalf("launch: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()

	code := runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
	if code != ExitForced {
		t.Fatalf("expected exit %d, got %d (log: %s)", ExitForced, code, out.String())
	}
	if !strings.Contains(out.String(), "Shutdown failed, terminating even though some processes are still running. Pids:") {
		t.Fatalf("expected forced-shutdown log line, got: %s", out.String())
	}
}

func TestFormatArgvQuotesEachElement(t *testing.T) {
	got := formatArgv([]string{"/etc/yasinit/10seconds.run", "lorem"})
	want := "['/etc/yasinit/10seconds.run', 'lorem']"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatCommandListNestsArgvLists(t *testing.T) {
	got := formatCommandList([]cmdset.Command{{Argv: []string{"/etc/yasinit/10seconds.run", "lorem"}}})
	want := "[['/etc/yasinit/10seconds.run', 'lorem']]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLaunchLogsStartingCommandsLine(t *testing.T) {
	intake := signalintake.New()
	defer intake.Stop()
	sup := New(noopLogger{}, time.Second, time.Second)
	var out bytes.Buffer
	if err := sup.Launch(&out, []cmdset.Command{{Argv: []string{"/bin/true"}}}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !strings.Contains(out.String(), "Starting commands: [['/bin/true']].") {
		t.Fatalf("expected Starting commands line, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Command ['/bin/true'] started as pid ") {
		t.Fatalf("expected Command started line, got: %s", out.String())
	}
	_ = runWithTimeout(t, func() int { return sup.Run(&out, intake.Events()) })
}
