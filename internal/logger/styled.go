package logger

import (
	"log/slog"

	"github.com/pasoproxy/paso/internal/util"
	"github.com/pasoproxy/paso/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting for
// operator-facing output. The pretty implementation colours backend and
// model names; the plain implementation passes everything through for
// non-TTY environments and tests.
type StyledLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	InfoWithCount(msg string, count int, args ...any)
	InfoWithBackend(msg string, backend string, args ...any)
	WarnWithBackend(msg string, backend string, args ...any)
	ErrorWithBackend(msg string, backend string, args ...any)
	InfoWithModel(msg string, model string, args ...any)

	InfoWithContext(msg string, backend string, ctx LogContext)
	WarnWithContext(msg string, backend string, ctx LogContext)
	ErrorWithContext(msg string, backend string, ctx LogContext)

	GetUnderlying() *slog.Logger
	With(args ...any) StyledLogger
	WithAttrs(attrs ...slog.Attr) StyledLogger
	WithRequestID(requestID string) StyledLogger
}

/**
 * LogContext provides a structured way to separate user-facing and detailed logging context.
 * This allows for cleaner terminal output while still capturing all necessary details in the log file.
 * That way, we get a clean TUI output with user-friendly messages, and detailed logs for debugging.
 */

// LogContext separates user-facing from detailed logging context
type LogContext struct {
	UserArgs     []interface{}
	DetailedArgs []interface{}
}

func NewStyledLogger(logger *slog.Logger, appTheme *theme.Theme) StyledLogger {
	if util.ShouldUseColors() {
		return NewPrettyStyledLogger(logger, appTheme)
	}
	return NewPlainStyledLogger(logger)
}

func NewWithTheme(cfg *Config) (*slog.Logger, StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
