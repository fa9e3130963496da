// Package cmd provides the resolvd CLI commands.
package cmd

import (
	"os"

	"github.com/urfave/cli/v2"
)

// Exit codes.
const (
	// exitFailure covers configuration and setup errors.
	exitFailure = 1
	// exitNoResolver means no resolver accepted the query.
	exitNoResolver = 2
)

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored table output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// ConfigFlag points at a resolvd.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file (default: ./resolvd.yaml if present)",
		EnvVars: []string{"RESOLVD_CONFIG"},
	}

	// LogLevelFlag overrides the configured log level.
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level: debug, info, warn, error",
		EnvVars: []string{"RESOLVD_LOG_LEVEL"},
	}

	// TUIFlag enables the live resolver status view.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Show a live resolver status view (interactive terminal only)",
	}
)

// OutputFlags returns the flags shared by commands that render output.
func OutputFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag}
}

// scriptFlags select scripts and where they run.
func scriptFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		LogLevelFlag,
		&cli.StringSliceFlag{
			Name:    "script",
			Aliases: []string{"s"},
			Usage:   "Resolver script to load (repeatable; replaces configured scripts)",
		},
		&cli.StringFlag{
			Name:  "remote",
			Usage: "Run --script scripts on the remote sandbox server at this address",
		},
		&cli.StringFlag{
			Name:  "remote-transport",
			Usage: "Remote link transport: tcp, ws",
		},
		&cli.StringFlag{
			Name:  "remote-encoding",
			Usage: "Remote link encoding: json, msgpack",
		},
		&cli.DurationFlag{
			Name:  "load-timeout",
			Usage: "How long to wait for scripts to load",
			Value: defaultLoadTimeout,
		},
	}
}

func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
