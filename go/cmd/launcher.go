package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type command struct {
	name, desc string
	main       func(args []string)
}

var commands = make(map[string]*command)

// Register adds a subcommand. main receives "<prog> <name>" followed by the
// remaining arguments.
func Register(name, desc string, main func(args []string)) {
	commands[name] = &command{name, desc, main}
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	pad := 0
	for name := range commands {
		names = append(names, name)
		if len(name) > pad {
			pad = len(name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-*s | %s\n", pad, name, commands[name].desc)
	}
	fmt.Fprintf(w, "\nExample: %s run -trace -to upcalls.trace\n\n", os.Args[0])
}

func Main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Command '%s' not found.\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}
	args := append([]string{strings.Join(os.Args[:2], " ")}, os.Args[2:]...)
	cmd.main(args)
}
