// Package cmdset resolves the set of guarded commands a pidone supervisor
// should launch. It is an external collaborator to the core supervisor
// state machine (spec.md §1): a thin wrapper around argv and directory
// scanning, not itself part of the reaping/shutdown logic.
package cmdset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultDir is the well-known directory scanned when no argv override is
// present, matching the original implementation's convention.
const DefaultDir = "/etc/yasinit"

// DirEnv overrides DefaultDir when set.
const DirEnv = "PIDONE_COMMAND_DIR"

// runSuffix names files to launch by convention, independent of their
// executable bit.
const runSuffix = ".run"

// Command is one resolved command: Argv[0] is the program, Argv[1:] its
// arguments.
type Command struct {
	Argv []string
}

// ErrNoCommands is returned when neither argv nor the well-known directory
// yields any command to launch.
var ErrNoCommands = fmt.Errorf("cmdset: no commands configured")

// Resolve implements the priority order from spec.md §6: a single command
// from argv (everything beyond the program's own name), or else every
// eligible file in the well-known directory, in lexicographic order.
func Resolve(argv []string) ([]Command, error) {
	if len(argv) > 1 {
		return []Command{{Argv: append([]string(nil), argv[1:]...)}}, nil
	}

	dir := os.Getenv(DirEnv)
	if dir == "" {
		dir = DefaultDir
	}
	return resolveDir(dir)
}

func resolveDir(dir string) ([]Command, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cmdset: read %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !eligible(dir, e) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	commands := make([]Command, 0, len(names))
	for _, name := range names {
		commands = append(commands, Command{Argv: []string{filepath.Join(dir, name)}})
	}
	if len(commands) == 0 {
		return nil, ErrNoCommands
	}
	return commands, nil
}

// eligible reports whether a directory entry should be launched: either it
// has the .run suffix by convention, or it is a regular file with any
// executable permission bit set.
func eligible(dir string, e os.DirEntry) bool {
	if strings.HasSuffix(e.Name(), runSuffix) {
		return true
	}
	info, err := e.Info()
	if err != nil {
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}
