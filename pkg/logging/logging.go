// Package logging configures the global zerolog logger used throughout chatsync.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Settings struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Init replaces log.Logger. With the auto format, console output is used when w
// is a terminal and JSON otherwise.
func Init(s Settings, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if lv := strings.TrimSpace(s.Level); lv != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(lv))
		if err != nil {
			return errors.Wrapf(err, "parse log level %q", lv)
		}
		level = parsed
	}

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", FormatAuto:
		out = w
		if isTerminal(w) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	case FormatJSON:
		out = w
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
