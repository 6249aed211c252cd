package main

import (
	"github.com/atlanticdynamic/storegate/internal/logging"
)

// SetupLogger configures the default logger from the serve command's flags.
func SetupLogger(logLevel, logFormat string) {
	logging.SetupLogger(logLevel, logFormat)
}
