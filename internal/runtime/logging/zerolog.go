package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewZerologServiceLogger adapts a zerolog.Logger.
func NewZerologServiceLogger(log zerolog.Logger) ServiceLogger {
	return &zerologServiceLogger{log: log}
}

// NewConsoleLogger builds a human readable zerolog logger writing to w
// (stderr when nil). Debug output is enabled only when debug is set.
func NewConsoleLogger(w io.Writer, debug bool) ServiceLogger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return NewZerologServiceLogger(zerolog.New(out).Level(level).With().Timestamp().Logger())
}

type zerologServiceLogger struct {
	log zerolog.Logger
}

func (z *zerologServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zerologServiceLogger{log: z.log.With().Fields(map[string]any(fields)).Logger()}
}

func (z *zerologServiceLogger) Debug(msg string, fields LogFields) {
	z.log.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Info(msg string, fields LogFields) {
	z.log.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Error(msg string, err error, fields LogFields) {
	z.log.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Trace(msg string, fields LogFields) {
	z.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}
