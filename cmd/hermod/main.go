package main

import (
	"os"

	"github.com/jstrand/hermod/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
