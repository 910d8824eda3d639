package main

import (
	"os"

	"github.com/tkingovr/mcpwarden/cmd/mcpwarden/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
