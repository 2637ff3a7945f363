// Package logging configures glog from a textual level.
package logging

import (
	"flag"
	"fmt"
	"strings"

	// registers the flags set below
	_ "github.com/golang/glog"
)

// Init maps level (debug, info, warn, error) onto glog's flags and sends
// output to stderr. It must run after flag parsing, before the first log
// line.
func Init(level string) error {
	var verbosity, threshold string
	switch strings.ToLower(level) {
	case "debug":
		verbosity, threshold = "2", "INFO"
	case "", "info":
		verbosity, threshold = "0", "INFO"
	case "warn", "warning":
		verbosity, threshold = "0", "WARNING"
	case "error":
		verbosity, threshold = "0", "ERROR"
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	for name, value := range map[string]string{
		"logtostderr":     "true",
		"stderrthreshold": threshold,
		"v":               verbosity,
	} {
		if err := flag.Set(name, value); err != nil {
			return fmt.Errorf("set -%s: %w", name, err)
		}
	}
	return nil
}
