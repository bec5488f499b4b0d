package main

import "github.com/urfave/cli/v3"

var (
	runtimeConfigPath string
	budgetPolicy      string
	workers           int64
	logLevel          string
	logFormat         string
	debug             bool
)

func runtimeConfigFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "path to runtime configuration (JSON or YAML)",
		Value:       "runtime.json",
		Destination: &runtimeConfigPath,
	}
}

func planFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "budget-policy",
			Usage:       "over-budget handling (allow, warn, reject)",
			Value:       "allow",
			Destination: &budgetPolicy,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "parallel node sizing workers (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
