// Command panewatch monitors AI coding agents running in tmux sessions and
// tracks whether each one is working, waiting for input, or idle.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

const usageText = `panewatch - agent status detection for tmux sessions

Usage:
  panewatch <command> [flags]

Commands:
  watch      monitor panewatch-managed tmux sessions, print transitions
  web        monitor and serve the status dashboard API
  history    query the status transition journal
  version    print the version

Run "panewatch <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(os.Args[2:])
	case "web":
		err = runWeb(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("panewatch %s\n", version)
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "panewatch: unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "panewatch: %v\n", err)
		os.Exit(1)
	}
}
