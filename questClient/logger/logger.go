package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/config"
)

// New builds the root logger from the log settings in cfg.
func New(cfg *config.Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	log := zerolog.New(out).
		Level(zerolog.Level(cfg.LogLevel)).
		With().
		Timestamp().
		Str("service", "questd").
		Logger()

	if cfg.LogSampler {
		log = log.Sample(&zerolog.BasicSampler{N: 5})
	}
	return log
}
