// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	WithCaller bool   `mapstructure:"with-caller" yaml:"with-caller"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "console"}
}

// Init installs a logger writing to w (stderr when nil) as log.Logger and sets the global
// level. Format is "json" or "console"; console output is coloured only on a terminal.
func Init(s Settings, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return zerolog.Logger{}, errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		lvl = l
	}

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, NoColor: !isTerminal(w)}
	case "json":
		out = w
	default:
		return zerolog.Logger{}, errors.Errorf("invalid log format %q (want console or json)", s.Format)
	}

	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()
	zerolog.SetGlobalLevel(lvl)
	log.Logger = logger
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
