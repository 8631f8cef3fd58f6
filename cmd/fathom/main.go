package main

import (
	"os"

	"github.com/fathomlabs/fathom/pkg/cli"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	cli.SetVersion(version)
	os.Exit(cli.Run(os.Args[1:], version))
}
