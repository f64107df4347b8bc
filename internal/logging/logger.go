// Package logging provides the service-wide structured logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Logger wraps zerolog with saga correlation fields.
type Logger struct {
	logger zerolog.Logger
}

// New constructs a logger tagged with the service name. A nil writer defaults
// to stdout.
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{logger: l}
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithCorrelation returns a child logger carrying the correlation id.
func (l *Logger) WithCorrelation(correlationID string) *Logger {
	if correlationID == "" {
		return l
	}
	child := l.logger.With().Str("correlationId", correlationID).Logger()
	return &Logger{logger: child}
}

// WithOrder returns a child logger carrying the order id.
func (l *Logger) WithOrder(orderID string) *Logger {
	child := l.logger.With().Str("orderId", orderID).Logger()
	return &Logger{logger: child}
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }
