// Command conduit is a CLI for chatting with LLM providers through a
// single interface.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/petal-labs/conduit/cli/commands"
)

// exitCoder is implemented by errors that carry a process exit code.
type exitCoder interface {
	ExitCode() int
}

func main() {
	app := commands.NewApp()
	if err := app.Execute(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var coder exitCoder
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}
