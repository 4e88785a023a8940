package transport

import (
	"fmt"

	retry "github.com/appleboy/go-httpretry"
	log "github.com/sirupsen/logrus"
)

// logrusLogger adapts the key/value logging of the retry client to logrus
// fields, so retry output follows the configured level, file and muting.
type logrusLogger struct {
	entry *log.Entry
}

var _ retry.Logger = (*logrusLogger)(nil)

// NewLogger returns a retry.Logger writing to entry.
func NewLogger(entry *log.Entry) retry.Logger {
	return &logrusLogger{entry: entry}
}

func (l *logrusLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l *logrusLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l *logrusLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l *logrusLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }

func (l *logrusLogger) with(args []any) *log.Entry {
	if len(args) == 0 {
		return l.entry
	}
	fields := make(log.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 == len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		fields[key] = args[i+1]
	}
	return l.entry.WithFields(fields)
}
