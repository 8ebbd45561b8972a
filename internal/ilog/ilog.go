// Package ilog builds the ambient structured logger for pidone.
//
// pidone's four-line diagnostic contract (spec.md §6 — "Starting
// commands:", "Command ... started", "Guarded process ...", "Shutdown
// failed, ...") is written directly to stderr with fmt.Fprintf wherever
// it matters, because test suites match those prefixes byte for byte.
// Everything else — reaper internals, state transitions, config
// resolution — goes through the logport-backed logger built here, the
// same library sa6mwa-psi's own example programs use for their
// application-level logging.
package ilog

import (
	"io"
	"os"

	"pkt.systems/logport"
	"pkt.systems/logport/adapters/psl"
	"pkt.systems/logport/adapters/zerologger"
)

// FormatEnv selects between the human-readable and structured adapters.
const FormatEnv = "PIDONE_LOG_FORMAT"

// New builds the logport.Logger for pidone, tagged with component="pidone".
// Format is "json" (zerolog-backed, structured) or anything else
// (plain-text psl adapter, the default for an interactive terminal).
func New(w io.Writer) logport.Logger {
	var l logport.Logger
	if os.Getenv(FormatEnv) == "json" {
		l = zerologger.New(w)
	} else {
		l = psl.New(w)
	}
	return l.With("component", "pidone")
}
