package logger

import (
	"io"
	"os"

	"github.com/spf13/pflag"
)

var (
	FlagVerboseCount int  // -V, -VV, -VVV
	FlagQuiet        bool // --quiet/-q
	FlagSilent       bool // --silent/-s
	FlagJSON         bool // --json, one object per line for log shippers
)

// BindFlags registers the logging flags on a (persistent) flag set.
func BindFlags(fs *pflag.FlagSet) {
	fs.CountVarP(&FlagVerboseCount, "verbose", "V", "Increase verbosity (-V debug)")
	fs.BoolVarP(&FlagQuiet, "quiet", "q", false, "Only print errors")
	fs.BoolVarP(&FlagSilent, "silent", "s", false, "Print nothing at all")
	fs.BoolVar(&FlagJSON, "json-logs", false, "Emit logs as JSON")
}

// ConfigureLoggerFromFlags applies the CLI flags. fallbackLevel comes from
// the loaded configuration and is used when no -V flag was given.
func ConfigureLoggerFromFlags(fallbackLevel string) {
	var out io.Writer = os.Stdout
	level := fallbackLevel
	if level == "" {
		level = "info"
	}

	switch {
	case FlagSilent:
		level = "error"
		out = io.Discard
	case FlagQuiet:
		level = "error"
	case FlagVerboseCount > 0:
		level = "debug"
	}

	Configure(Options{
		Level: level,
		JSON:  FlagJSON,
		Color: !FlagJSON,
		Out:   out,
	})
}
