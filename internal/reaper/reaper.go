// Package reaper drains terminated children via non-blocking wait.
//
// Grounded on canonical-pebble's internal/reaper package, which reaps with
// unix.Wait4(-1, &status, unix.WNOHANG, nil) in a loop until ECHILD. This
// package is called synchronously from the Supervisor's event loop instead
// of from a background goroutine, since draining is itself the Reaper
// responsibility described by spec.md, not a concurrent subsystem.
package reaper

import (
	"errors"

	"golang.org/x/sys/unix"

	"go.pidone.dev/pidone/internal/childtable"
)

// OutcomeKind distinguishes a clean exit from death by signal.
type OutcomeKind int

const (
	Exited OutcomeKind = iota
	KilledBy
)

// Outcome is the normalized result of reaping one PID.
type Outcome struct {
	Kind   OutcomeKind
	Code   int         // valid when Kind == Exited, in [0, 255]
	Signal unix.Signal // valid when Kind == KilledBy
}

// Reaped pairs a guarded child's prior Record with its Outcome.
type Reaped struct {
	PID     int
	Record  *childtable.Record
	Outcome Outcome
}

// ErrNoChildren is returned by Drain when wait4 reports ECHILD while the
// caller still expects live children — spec.md's "severe inconsistency".
var ErrNoChildren = errors.New("reaper: wait4 reported no children while guarded children were expected")

// Drain repeatedly calls non-blocking wait-any until no more terminated
// children are available, as required when SIGCHLD has coalesced a burst
// of exits into a single event. Each reaped PID is removed from table and
// handed to onGuarded (if it had a guarded record) or onIncidental (if it
// did not) immediately, one at a time, interleaved with the next wait-any
// call — not batched — so that a caller inspecting table state from inside
// onGuarded sees exactly the PIDs reaped so far, matching spec.md §4.3's
// "hand to Supervisor" per-PID callback and §4.4's "last remaining guarded
// child" check.
//
// expectLiveChildren should be true whenever the caller believes at least
// one guarded child is alive; if wait4 then reports ECHILD while table still
// holds records, Drain returns ErrNoChildren.
func Drain(table *childtable.Table, expectLiveChildren bool, onGuarded func(Reaped), onIncidental func(pid int)) error {
	for {
		var status unix.WaitStatus
		pid, waitErr := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		switch {
		case waitErr == unix.EINTR:
			continue
		case waitErr == unix.ECHILD:
			if expectLiveChildren && table.Len() > 0 {
				return ErrNoChildren
			}
			return nil
		case waitErr != nil:
			return waitErr
		case pid <= 0:
			// WNOHANG: nothing more ready right now.
			return nil
		}

		outcome := decode(status)
		if record, ok := table.Remove(pid); ok && record.Guarded {
			onGuarded(Reaped{PID: pid, Record: record, Outcome: outcome})
		} else if onIncidental != nil {
			onIncidental(pid)
		}
	}
}

func decode(status unix.WaitStatus) Outcome {
	if status.Signaled() {
		return Outcome{Kind: KilledBy, Signal: status.Signal()}
	}
	return Outcome{Kind: Exited, Code: status.ExitStatus()}
}

// SetSubreaper marks the current process as a child subreaper via
// PR_SET_CHILD_SUBREAPER, so reparented descendants attach here even when
// this process is not PID 1. It is best-effort: platforms without prctl
// support report false with a nil error.
func SetSubreaper() (bool, error) {
	err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err == unix.EINVAL {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
