// Package klog centralizes structured logging for the simulated kernel,
// replacing biscuit's bdev_debug-gated fmt.Printf calls with a single
// leveled logrus logger every subsystem shares.
package klog

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// L is the package-level logger every subsystem logs through.
var L = logrus.New()

// bootID correlates log lines from a single simulated boot when a test
// boots the core more than once in one process.
var bootID string

func init() {
	L.SetOutput(os.Stderr)
	L.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	L.SetLevel(logrus.InfoLevel)
	bootID = uuid.NewString()
}

// BootID returns the identifier stamped on this process's boot.
func BootID() string { return bootID }

// NewBoot mints a fresh boot id, used when re-initializing the core
// in-process (e.g. between test cases) to keep log correlation accurate.
func NewBoot() string {
	bootID = uuid.NewString()
	return bootID
}

// With returns an entry pre-populated with the boot id, the common prefix
// for every subsystem's structured fields.
func With(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["boot"] = bootID
	return L.WithFields(fields)
}

// SetDebug toggles verbose logging, e.g. from the CLI's --debug flag.
func SetDebug(on bool) {
	if on {
		L.SetLevel(logrus.DebugLevel)
	} else {
		L.SetLevel(logrus.InfoLevel)
	}
}
