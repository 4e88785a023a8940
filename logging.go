package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the shared logrus instance: Warn level unless
// debugging, written to a rotating file when one is configured and to stderr
// otherwise. The returned func closes the file and points logging back at
// stderr.
func setupLogging(cfg *config) (func(), error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level := log.WarnLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		log.SetOutput(os.Stderr)
		return func() {}, nil
	}

	if dir := filepath.Dir(cfg.LogFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: failed to create log directory: %w", err)
		}
	}
	log.SetReportCaller(cfg.Debug)

	writer := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	log.SetOutput(writer)
	return func() {
		log.SetOutput(os.Stderr)
		_ = writer.Close()
	}, nil
}

// muteConsoleLogging discards log output while the TUI owns the terminal,
// unless logs go to a file. The returned func restores the previous output.
func muteConsoleLogging(cfg *config) func() {
	if cfg.LogFile != "" {
		return func() {}
	}
	prev := log.StandardLogger().Out
	log.SetOutput(io.Discard)
	return func() { log.SetOutput(prev) }
}
