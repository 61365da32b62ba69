// Package main provides the entry point for the imgsift CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/imgsift/cmd/imgsift/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
