package main

import (
	"os"

	"github.com/html5sync/html5sync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
