// Command loadtest drives synthetic traffic against a meet server.
//
//	loadtest saturate [flags]   hold N idle connections
//	loadtest match [flags]      measure queue-to-matched latency
//	loadtest chat [flags]       match pairs, exchange text, end sessions
package main

import (
	"fmt"
	"os"
)

type command struct {
	name    string
	summary string
	run     func(args []string)
}

var commands = []command{
	{"saturate", "open N idle connections and hold them", runSaturate},
	{"match", "queue N users and time each match", runMatch},
	{"chat", "match pairs, relay text, then end the sessions", runChat},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	for _, cmd := range commands {
		if cmd.name == name {
			cmd.run(os.Args[2:])
			return
		}
	}
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	fmt.Fprintf(os.Stderr, "loadtest: unknown command %q\n\n", name)
	usage(os.Stderr)
	os.Exit(2)
}

func usage(w *os.File) {
	fmt.Fprintln(w, "usage: loadtest <command> [flags]")
	fmt.Fprintln(w)
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Pass -h after a command for its flags.")
}
