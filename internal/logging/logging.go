// Package logging configures the shared logrus logger used across the
// rotator extensions.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// SetupBaseLogger applies the default formatter and level for the process.
func SetupBaseLogger() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(log.InfoLevel)
}

// SetDebug toggles debug-level logging based on configuration.
func SetDebug(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		log.Debug("debug logging enabled")
		return
	}
	log.SetLevel(log.InfoLevel)
}
