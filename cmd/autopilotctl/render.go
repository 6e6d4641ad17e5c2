package main

import (
	"os"

	"github.com/mattn/go-isatty"
)

// colorEnabled decides whether status output gets ANSI color: only when
// stdout is an actual terminal, never when piped or redirected.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd())

const (
	ansiGreen = "\033[32m"
	ansiRed   = "\033[31m"
	ansiReset = "\033[0m"
)

func colorize(code, s string) string {
	if !colorEnabled || code == "" {
		return s
	}
	return code + s + ansiReset
}

func statusColor(s string) string {
	switch s {
	case "running", "complete":
		return ansiGreen
	case "error":
		return ansiRed
	default:
		return ""
	}
}
