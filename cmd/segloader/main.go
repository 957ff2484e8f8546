// Package main is the entry point for segloader.
package main

import (
	"os"

	"segloader/cmd/segloader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
