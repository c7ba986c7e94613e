// Package logging constructs the bracketed-prefix loggers used across
// cosd, matching the subsystem-tag convention the rest of the codebase
// was built with ("[SCHEDULER]", "[EVENTS]", "[AGENTS]", ...).
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Output is where new loggers write by default; tests may swap it.
var Output io.Writer = os.Stderr

// New returns a *log.Logger prefixed with the given subsystem tag.
func New(subsystem string) *log.Logger {
	return log.New(Output, fmt.Sprintf("[%s] ", subsystem), log.LstdFlags)
}
