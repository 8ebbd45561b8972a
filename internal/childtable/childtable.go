// Package childtable is the in-memory PID -> child record registry.
//
// The table has exactly one writer and one reader: the Supervisor's event
// loop goroutine. It is not safe for concurrent use from multiple
// goroutines, which is deliberate — see spec.md's concurrency model.
package childtable

import "fmt"

// Record describes one live descendant known to the supervisor.
type Record struct {
	PID int

	// Guarded is true iff this process was explicitly launched by the
	// supervisor, as opposed to reparented in after its original parent
	// died.
	Guarded bool

	// Command is the argument vector used at launch. Empty for incidental
	// children: we never launched them, so we never had a command for
	// them.
	Command []string

	// Signaled is true once we have sent the termination signal to this
	// child during shutdown.
	Signaled bool
}

// Table is a PID-keyed registry of live Records.
type Table struct {
	records map[int]*Record
}

// New returns an empty Table.
func New() *Table {
	return &Table{records: make(map[int]*Record)}
}

// Insert adds a record for a PID that has no existing record. Inserting a
// duplicate PID is a programmer error — the invariant is that a record is
// destroyed before its PID can be reused by the kernel for a new child of
// ours — and panics rather than silently overwriting an entry.
func (t *Table) Insert(r *Record) {
	if _, exists := t.records[r.PID]; exists {
		panic(fmt.Sprintf("childtable: duplicate insert for pid %d", r.PID))
	}
	t.records[r.PID] = r
}

// Remove deletes and returns the record for pid, if present. A missing PID
// is not an error: it means the reaped process was an incidental child we
// never observed being launched.
func (t *Table) Remove(pid int) (*Record, bool) {
	r, ok := t.records[pid]
	if ok {
		delete(t.records, pid)
	}
	return r, ok
}

// LiveGuardedPIDs returns the PIDs of every record with Guarded set, in no
// particular order.
func (t *Table) LiveGuardedPIDs() []int {
	pids := make([]int, 0, len(t.records))
	for pid, r := range t.records {
		if r.Guarded {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Len returns the number of live records, guarded or not.
func (t *Table) Len() int {
	return len(t.records)
}

// Lookup returns the record for pid without removing it.
func (t *Table) Lookup(pid int) (*Record, bool) {
	r, ok := t.records[pid]
	return r, ok
}
