package main

import (
	"fmt"
	"os"

	"github.com/yourhiddentrip/tripcollab/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "collab:", err)
		os.Exit(cli.ExitCode(err))
	}
}
