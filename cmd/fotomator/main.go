package main

import (
	"fmt"
	"os"

	"fotomator/cmd/fotomator/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
