// Package logging configures the structured, leveled, colorized logger used
// throughout the node. Every other package obtains its logger via Scoped
// rather than constructing its own, so a single log stream can be filtered
// by component or peer.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// base is the root logger. Color/TTY detection is handled by charmbracelet/log
// itself; we only set the level and the report-timestamp behaviour.
var base = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05",
})

// SetLevel adjusts the minimum level emitted by every scoped logger derived
// from the root. Valid names: debug, info, warn, error.
func SetLevel(name string) {
	lvl, err := log.ParseLevel(name)
	if err != nil {
		base.Warnf("unknown log level %q, keeping %s", name, base.GetLevel())
		return
	}
	base.SetLevel(lvl)
}

// Scoped returns a logger carrying component="name" on every line, the
// same way a device thread would prefix its own console output.
func Scoped(component string) *log.Logger {
	return base.With("component", component)
}

// Root returns the unscoped root logger, for the rare call site (main) that
// logs before any component exists.
func Root() *log.Logger {
	return base
}
