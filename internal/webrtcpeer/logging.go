package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug; pion's trace output is only visible
// when the handler is configured that low.
const levelTrace = slog.LevelDebug - 4

type slogFactory struct {
	log *slog.Logger
}

// NewLoggerFactory adapts logger into pion's logging.LoggerFactory. Each pion
// subsystem ("ice", "dtls", "pc", ...) is attached as the "pion" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogFactory{log: logger}
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("pion", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLeveled) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveled) Trace(msg string) { l.emit(levelTrace, msg) }
func (l slogLeveled) Tracef(format string, args ...interface{}) {
	l.emitf(levelTrace, format, args...)
}
func (l slogLeveled) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l slogLeveled) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l slogLeveled) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l slogLeveled) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l slogLeveled) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l slogLeveled) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l slogLeveled) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l slogLeveled) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
