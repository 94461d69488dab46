// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"newm.io/batcherd/chain"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend.
//
// Loggers should not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	backendLog = slog.NewBackend(logWriter{})

	// loggerMaker creates the subsystem loggers. It is set by
	// parseAndSetDebugLevels.
	loggerMaker *chain.LoggerMaker

	// package main's Logger.
	log = chain.Disabled

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger. The loggers are disabled until parseAndSetDebugLevels is called.
	subsystemLoggers = map[string]chain.Logger{
		"MAIN":  chain.Disabled,
		"DB":    chain.Disabled,
		"INGST": chain.Disabled,
		"MTCH":  chain.Disabled,
		"NODE":  chain.Disabled,
		"STTL":  chain.Disabled,
		"HOOK":  chain.Disabled,
	}
)

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

// subsystemLogger fetches the logger for a subsystem id, creating and
// registering it when first requested.
func subsystemLogger(id string) chain.Logger {
	logger, ok := subsystemLoggers[id]
	if !ok {
		if loggerMaker == nil {
			return chain.Disabled
		}
		logger = loggerMaker.NewLogger(id)
		subsystemLoggers[id] = logger
	}
	return logger
}

// supportedSubsystems returns a sorted list of the registered subsystems.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for id := range subsystemLoggers {
		subsystems = append(subsystems, id)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels parses the specified debug level into a LoggerMaker
// and rebuilds every subsystem logger from it. An appropriate error is
// returned if anything is invalid. The debugLevel takes either a single level
// for every subsystem or a comma-separated list of subsystem=level pairs.
func parseAndSetDebugLevels(debugLevel string) error {
	lm, err := chain.NewLoggerMaker(backendLog, debugLevel)
	if err != nil {
		return err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is invalid, supported subsystems %v",
				subsysID, supportedSubsystems())
		}
	}
	loggerMaker = lm

	for id := range subsystemLoggers {
		if lvl, ok := lm.Levels[id]; ok {
			subsystemLoggers[id] = lm.NewLogger(id, lvl)
		} else {
			subsystemLoggers[id] = lm.NewLogger(id)
		}
	}
	log = subsystemLoggers["MAIN"]
	return nil
}
