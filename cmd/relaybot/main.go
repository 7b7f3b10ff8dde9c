package main

import (
	"os"

	"relaybot/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
