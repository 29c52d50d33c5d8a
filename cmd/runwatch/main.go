package main

import (
	"os"

	"github.com/theirongolddev/runwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
