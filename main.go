// Command nyx is the command-line interface to the kernel core: right now
// a single "demo" sub-command that boots the simulated machine and drives
// a scripted fork/write/wait sequence end to end.
package main

import (
	"context"
	"os"

	"github.com/nyx-os/nyx/internal/cli"
	"github.com/nyx-os/nyx/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Demo(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
