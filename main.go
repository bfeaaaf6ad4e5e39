package main

import (
	"os"

	"github.com/carepilot-io/carepilot/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
