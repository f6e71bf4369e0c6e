package app

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/config"
)

// SetupLogging configures the global logger. Output is human readable when
// forced or when stderr is a terminal, JSON otherwise.
func SetupLogging(cfg config.LogConfig, forcePretty bool) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	log.Logger = zerolog.New(logWriter(os.Stderr, cfg.Pretty || forcePretty)).With().Timestamp().Logger()
	return nil
}

func logWriter(f *os.File, pretty bool) io.Writer {
	if pretty || isatty.IsTerminal(f.Fd()) {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339}
	}
	return f
}
